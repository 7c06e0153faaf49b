// Package revision implements the two revision-history cookers (spec
// §4.5/§6): revision_flat (a tar of per-revision directory snapshots)
// and revision_gitfast (a Git fast-import stream).
package revision

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/cooker/directory"
	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// FlatCooker produces a tar archive containing one subdirectory per
// revision in the history, named by the revision's hex id, each
// holding that revision's directory snapshot.
type FlatCooker struct {
	storage     vaultstorage.Storage
	id          vault.ObjectID
	concurrency int
	logger      *zap.SugaredLogger
}

func NewFlat(storage vaultstorage.Storage, id vault.ObjectID, logger *zap.SugaredLogger) *FlatCooker {
	return &FlatCooker{storage: storage, id: id, concurrency: directory.DefaultFetchConcurrency, logger: logger}
}

func (c *FlatCooker) CacheTypeKey() vault.BundleType { return vault.BundleTypeRevisionFlat }

func (c *FlatCooker) CheckExists(ctx context.Context) (bool, error) {
	missing, err := c.storage.RevisionMissing(ctx, []vault.ObjectID{c.id})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (c *FlatCooker) PrepareBundle(ctx context.Context, sink io.Writer) error {
	tmpDir, err := os.MkdirTemp("", "tmp-vault-revision-flat-")
	if err != nil {
		return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "revision_flat cooker: failed to create temp dir")
	}
	defer os.RemoveAll(tmpDir)

	revisions, err := c.storage.RevisionLog(ctx, c.id)
	if err != nil {
		return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "revision_flat cooker: revision_log failed")
	}

	for _, rev := range revisions {
		if rev == nil {
			continue
		}
		revDir := filepath.Join(tmpDir, rev.ID.Hex())
		if err := os.Mkdir(revDir, 0o755); err != nil {
			return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "revision_flat cooker: failed to create revision dir")
		}
		entries, err := c.storage.DirectoryLs(ctx, rev.Directory, true)
		if err != nil {
			return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "revision_flat cooker: directory_ls failed")
		}
		if err := directory.Materialize(ctx, c.storage, revDir, entries, c.concurrency, c.logger); err != nil {
			return err
		}
	}

	return tarDir(tmpDir, sink)
}

func tarDir(tmpDir string, sink io.Writer) error {
	tw := tar.NewWriter(sink)
	defer tw.Close()

	return filepath.Walk(tmpDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(path)
			if err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(tw, f); err != nil {
				return err
			}
		}
		return nil
	})
}
