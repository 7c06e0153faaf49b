// Package vaultstorage declares the narrow interfaces the Vault
// consumes from the archive's Storage and Graph services (spec §6).
// Named vaultstorage to avoid colliding with pkg/cache's on-disk Cache.
package vaultstorage

import (
	"context"

	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// EntryType is a directory_ls entry's kind.
type EntryType string

const (
	EntryTypeDir  EntryType = "dir"
	EntryTypeFile EntryType = "file"
	EntryTypeRev  EntryType = "rev"
)

// ContentStatus is a content object's visibility in the archive.
type ContentStatus string

const (
	ContentVisible ContentStatus = "visible"
	ContentAbsent  ContentStatus = "absent"
	ContentHidden  ContentStatus = "hidden"
)

// DirEntry is one row of directory_ls(id, recursive=true).
type DirEntry struct {
	Name    string
	Path    string
	Type    EntryType
	Perms   uint32
	Status  ContentStatus
	Sha1    vault.ObjectID
	Sha1Git vault.ObjectID
	Target  vault.ObjectID
}

// Person is a Git object's author/committer identity, in the archive's
// raw byte encoding (display-name substitution must not apply on the
// cook path — spec §4.6).
type Person struct {
	Fullname []byte
}

// Revision mirrors enough of the archive's revision object to
// reproduce its canonical Git serialization.
type Revision struct {
	ID           vault.ObjectID
	Directory    vault.ObjectID
	Parents      []vault.ObjectID
	Type         string
	Author       Person
	AuthorDate   int64 // Unix seconds, UTC, truncated to the second
	Committer    Person
	CommitDate   int64
	Message      []byte
	Synthetic    bool
	ExtraHeaders [][2][]byte
}

// Release mirrors enough of the archive's release object to reproduce
// its canonical Git serialization.
type Release struct {
	ID         vault.ObjectID
	Target     vault.ObjectID
	TargetType string
	Name       []byte
	Message    []byte
	Author     *Person
	Date       int64
}

// Branch is one entry of a snapshot's branch table.
type Branch struct {
	Name       string
	TargetType string
	Target     vault.ObjectID
}

// Content identifies a content object's checksums, used to fetch its
// bytes via ContentGetData.
type Content struct {
	Sha1    vault.ObjectID
	Sha1Git vault.ObjectID
}

// Storage is the narrow archive query surface the cookers depend on
// (spec §6). Implementations may proxy a remote RPC client.
type Storage interface {
	DirectoryMissing(ctx context.Context, ids []vault.ObjectID) ([]vault.ObjectID, error)
	DirectoryLs(ctx context.Context, id vault.ObjectID, recursive bool) ([]DirEntry, error)

	RevisionMissing(ctx context.Context, ids []vault.ObjectID) ([]vault.ObjectID, error)
	RevisionGet(ctx context.Context, ids []vault.ObjectID) ([]*Revision, error)
	RevisionLog(ctx context.Context, id vault.ObjectID) ([]*Revision, error)

	ReleaseGet(ctx context.Context, ids []vault.ObjectID) ([]*Release, error)
	SnapshotGetBranches(ctx context.Context, id vault.ObjectID) ([]Branch, error)

	ContentFind(ctx context.Context, sha1Git vault.ObjectID) (*Content, error)
	ContentGetData(ctx context.Context, c Content) ([]byte, error)
}

// GraphArgumentError is raised by Graph.VisitNodes when the starting
// node is unknown to the graph service (spec §6): callers fall back to
// a Storage-side DFS.
type GraphArgumentError struct {
	SWHID string
}

func (e *GraphArgumentError) Error() string {
	return "graph: unknown node " + e.SWHID
}

// Graph is the optional reachability accelerator (spec §6, §4.6): it
// answers "everything reachable from swhid along these edge types"
// without the caller walking object-by-object.
type Graph interface {
	VisitNodes(ctx context.Context, swhid string, edges string) ([]string, error)
}
