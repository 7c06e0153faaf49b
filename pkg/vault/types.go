// Package vault holds the Vault's core data-model types: the bundle
// record persisted by the Lifecycle Store, its status enum, the
// notification entry, and the object-id/SWHID helpers every other
// package builds on (spec §3).
package vault

import (
	"encoding/hex"
	"fmt"
	"time"
)

// BundleType enumerates the cooker kinds the Vault can produce. The
// string value is both the cache key prefix and the scheduler task
// argument (spec §9: "the type string doubles as format identifier").
type BundleType string

const (
	BundleTypeDirectory        BundleType = "directory"
	BundleTypeRevisionGitfast  BundleType = "revision_gitfast"
	BundleTypeRevisionFlat     BundleType = "revision_flat"
	BundleTypeGitBare          BundleType = "git_bare"
	BundleTypeSnapshotGitBare  BundleType = "snapshot_gitbare"
	BundleTypeReleaseGitBare   BundleType = "release_gitbare"
	BundleTypeRevisionGitBare  BundleType = "revision_gitbare"
	BundleTypeDirectoryGitBare BundleType = "directory_gitbare"
)

// KnownBundleTypes lists every type check_exists/cook_request accept.
// Unknown types are rejected by the Request Coordinator (spec §4.3.1).
var KnownBundleTypes = map[BundleType]bool{
	BundleTypeDirectory:        true,
	BundleTypeRevisionGitfast:  true,
	BundleTypeRevisionFlat:     true,
	BundleTypeGitBare:          true,
	BundleTypeSnapshotGitBare:  true,
	BundleTypeReleaseGitBare:   true,
	BundleTypeRevisionGitBare:  true,
	BundleTypeDirectoryGitBare: true,
}

// IsGitBare reports whether t is one of the git-bare family, all of
// which share the same cooker implementation parameterized by root
// object kind.
func (t BundleType) IsGitBare() bool {
	switch t {
	case BundleTypeGitBare, BundleTypeSnapshotGitBare, BundleTypeReleaseGitBare,
		BundleTypeRevisionGitBare, BundleTypeDirectoryGitBare:
		return true
	default:
		return false
	}
}

// Status is a bundle row's lifecycle state (spec §3, §5: new → pending →
// (done|failed); failed → new only via delete-and-recreate).
type Status string

const (
	StatusNew     Status = "new"
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// ObjectID is the archive's 20-byte content-addressed hash (a Git
// sha1_git, reused verbatim as the Vault's object identifier).
type ObjectID [20]byte

func ObjectIDFromHex(hexStr string) (ObjectID, error) {
	var id ObjectID
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return id, fmt.Errorf("invalid object id %q: %w", hexStr, err)
	}
	if len(b) != len(id) {
		return id, fmt.Errorf("invalid object id %q: want %d bytes, got %d", hexStr, len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func (id ObjectID) Hex() string { return hex.EncodeToString(id[:]) }

// ShortHex returns the first five hex characters, used in notification
// subjects per spec §8 scenario S6.
func (id ObjectID) ShortHex() string {
	h := id.Hex()
	if len(h) < 5 {
		return h
	}
	return h[:5]
}

func (id ObjectID) IsZero() bool { return id == ObjectID{} }

// BundleRecord mirrors one row of the vault_bundle table (spec §3).
type BundleRecord struct {
	ID           int64
	Type         BundleType
	ObjectID     ObjectID
	TaskHandle   *string
	Status       Status
	Sticky       bool
	ProgressMsg  *string
	TSCreated    time.Time
	TSDone       *time.Time
	TSLastAccess *time.Time
}

// NotificationEntry mirrors one row of the vault_notif_email table.
type NotificationEntry struct {
	ID       int64
	BundleID int64
	Email    string
}

// SWHID renders the archive's canonical object identifier, namespace
// "swh", version 1: "swh:1:<type>:<hex>".
func SWHID(objType string, id ObjectID) string {
	return fmt.Sprintf("swh:1:%s:%s", objType, id.Hex())
}
