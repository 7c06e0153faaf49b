package vaultstorage

import (
	"context"
	"fmt"

	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// FakeStorage is a hand-rolled in-memory Storage, matching the
// teacher's fake-the-collaborator, test-the-real-unit convention for
// pkg/testutil factories — used by every other package's tests instead
// of a generated mock.
type FakeStorage struct {
	Directories map[vault.ObjectID][]DirEntry
	Revisions   map[vault.ObjectID]*Revision
	Releases    map[vault.ObjectID]*Release
	Snapshots   map[vault.ObjectID][]Branch
	Contents    map[vault.ObjectID][]byte // keyed by sha1_git
}

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		Directories: make(map[vault.ObjectID][]DirEntry),
		Revisions:   make(map[vault.ObjectID]*Revision),
		Releases:    make(map[vault.ObjectID]*Release),
		Snapshots:   make(map[vault.ObjectID][]Branch),
		Contents:    make(map[vault.ObjectID][]byte),
	}
}

func (f *FakeStorage) DirectoryMissing(_ context.Context, ids []vault.ObjectID) ([]vault.ObjectID, error) {
	var missing []vault.ObjectID
	for _, id := range ids {
		if _, ok := f.Directories[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *FakeStorage) DirectoryLs(_ context.Context, id vault.ObjectID, _ bool) ([]DirEntry, error) {
	entries, ok := f.Directories[id]
	if !ok {
		return nil, fmt.Errorf("vaultstorage: unknown directory %s", id.Hex())
	}
	return entries, nil
}

func (f *FakeStorage) RevisionMissing(_ context.Context, ids []vault.ObjectID) ([]vault.ObjectID, error) {
	var missing []vault.ObjectID
	for _, id := range ids {
		if _, ok := f.Revisions[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (f *FakeStorage) RevisionGet(_ context.Context, ids []vault.ObjectID) ([]*Revision, error) {
	var out []*Revision
	for _, id := range ids {
		out = append(out, f.Revisions[id])
	}
	return out, nil
}

// RevisionLog performs a DFS over parent edges starting at id,
// matching the real Storage.revision_log fallback used when no Graph
// is configured (spec §4.6).
func (f *FakeStorage) RevisionLog(_ context.Context, id vault.ObjectID) ([]*Revision, error) {
	seen := make(map[vault.ObjectID]bool)
	var out []*Revision
	var walk func(vault.ObjectID)
	walk = func(cur vault.ObjectID) {
		if seen[cur] {
			return
		}
		seen[cur] = true
		rev, ok := f.Revisions[cur]
		if !ok {
			return
		}
		out = append(out, rev)
		for _, parent := range rev.Parents {
			walk(parent)
		}
	}
	walk(id)
	return out, nil
}

func (f *FakeStorage) ReleaseGet(_ context.Context, ids []vault.ObjectID) ([]*Release, error) {
	var out []*Release
	for _, id := range ids {
		out = append(out, f.Releases[id])
	}
	return out, nil
}

func (f *FakeStorage) SnapshotGetBranches(_ context.Context, id vault.ObjectID) ([]Branch, error) {
	branches, ok := f.Snapshots[id]
	if !ok {
		return nil, fmt.Errorf("vaultstorage: unknown snapshot %s", id.Hex())
	}
	return branches, nil
}

func (f *FakeStorage) ContentFind(_ context.Context, sha1Git vault.ObjectID) (*Content, error) {
	if _, ok := f.Contents[sha1Git]; !ok {
		return nil, nil
	}
	return &Content{Sha1Git: sha1Git}, nil
}

func (f *FakeStorage) ContentGetData(_ context.Context, c Content) ([]byte, error) {
	data, ok := f.Contents[c.Sha1Git]
	if !ok {
		return nil, nil
	}
	return data, nil
}

// FakeGraph is a hand-rolled in-memory Graph. Edges are ignored;
// Reachable lists every swhid transitively registered for the root.
type FakeGraph struct {
	Reachable map[string][]string
	Unknown   map[string]bool
}

func NewFakeGraph() *FakeGraph {
	return &FakeGraph{Reachable: make(map[string][]string), Unknown: make(map[string]bool)}
}

func (f *FakeGraph) VisitNodes(_ context.Context, swhid string, _ string) ([]string, error) {
	if f.Unknown[swhid] {
		return nil, &GraphArgumentError{SWHID: swhid}
	}
	return f.Reachable[swhid], nil
}
