// Package directory implements the Directory Cooker (spec §4.5):
// materializes a directory subtree to local disk, then tars it with a
// top-level folder named after the hex object id.
package directory

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// Byte-exact substitute messages for filtered content, transcribed
// verbatim from the archive's content filter.
var (
	SkippedMessage = []byte("This content has not been retrieved in the Software Heritage archive due to its size.")
	HiddenMessage  = []byte("This content is hidden.")
	MissingMessage = []byte("This content could not be found in the Software Heritage archive.")
)

const (
	permRegular    uint32 = 0o100644
	permExecutable uint32 = 0o100755
	permSymlink    uint32 = 0o120000
)

// DefaultFetchConcurrency bounds the file-content fetch pool (spec
// §5: "bounded thread pool default 10").
const DefaultFetchConcurrency = 10

// Cooker is the Directory Cooker.
type Cooker struct {
	storage     vaultstorage.Storage
	id          vault.ObjectID
	concurrency int
	logger      *zap.SugaredLogger
}

func New(storage vaultstorage.Storage, id vault.ObjectID, logger *zap.SugaredLogger) *Cooker {
	return &Cooker{storage: storage, id: id, concurrency: DefaultFetchConcurrency, logger: logger}
}

func (c *Cooker) CacheTypeKey() vault.BundleType { return vault.BundleTypeDirectory }

// Materialize recreates a directory's subtree under root, applying the
// same content filter and permission-mapping rules as the Directory
// Cooker. Exported so the Revision Cookers (spec §4.5's "unchanged
// reconstruction algorithm") can reuse it per-revision instead of
// reimplementing the walk.
func Materialize(ctx context.Context, storage vaultstorage.Storage, root string, entries []vaultstorage.DirEntry, concurrency int, logger *zap.SugaredLogger) error {
	if concurrency <= 0 {
		concurrency = DefaultFetchConcurrency
	}
	c := &Cooker{storage: storage, concurrency: concurrency, logger: logger}
	return c.buildTree(ctx, root, entries)
}

func (c *Cooker) CheckExists(ctx context.Context) (bool, error) {
	missing, err := c.storage.DirectoryMissing(ctx, []vault.ObjectID{c.id})
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

func (c *Cooker) PrepareBundle(ctx context.Context, sink io.Writer) error {
	tmpDir, err := os.MkdirTemp("", "tmp-vault-directory-")
	if err != nil {
		return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "directory cooker: failed to create temp dir")
	}
	defer os.RemoveAll(tmpDir)

	entries, err := c.storage.DirectoryLs(ctx, c.id, true)
	if err != nil {
		return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "directory cooker: failed to list directory")
	}

	if err := c.buildTree(ctx, tmpDir, entries); err != nil {
		return err
	}

	return c.tarDirectory(tmpDir, sink)
}

// buildTree recreates the directory's subtree, then writes the files
// and symlinks into it. Directories are created in depth order so a
// file's parent always exists before the file does.
func (c *Cooker) buildTree(ctx context.Context, root string, entries []vaultstorage.DirEntry) error {
	var dirs, files, revs []vaultstorage.DirEntry
	for _, e := range entries {
		switch e.Type {
		case vaultstorage.EntryTypeDir:
			dirs = append(dirs, e)
		case vaultstorage.EntryTypeFile:
			files = append(files, e)
		case vaultstorage.EntryTypeRev:
			revs = append(revs, e)
		}
	}

	sort.Slice(dirs, func(i, j int) bool {
		return strings.Count(dirs[i].Path, string(os.PathSeparator)) < strings.Count(dirs[j].Path, string(os.PathSeparator))
	})
	for _, d := range dirs {
		if err := os.MkdirAll(filepath.Join(root, d.Path), 0o755); err != nil {
			return vaulterrors.Wrapf(err, vaulterrors.ErrorTypeInternal, "directory cooker: failed to create %s", d.Path)
		}
	}

	if err := c.fetchFiles(ctx, root, files); err != nil {
		return err
	}

	for _, r := range revs {
		// Broken symlink pointing at the hex object id, matching git
		// submodule semantics (spec §4.5).
		path := filepath.Join(root, r.Path)
		if err := os.Symlink(r.Target.Hex(), path); err != nil {
			return vaulterrors.Wrapf(err, vaulterrors.ErrorTypeInternal, "directory cooker: failed to symlink %s", r.Path)
		}
	}
	return nil
}

func (c *Cooker) fetchFiles(ctx context.Context, root string, files []vaultstorage.DirEntry) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)

	for _, f := range files {
		f := f
		g.Go(func() error {
			content, perms, err := c.filteredContent(gctx, f)
			if err != nil {
				return err
			}
			return writeFile(filepath.Join(root, f.Path), content, perms)
		})
	}
	return g.Wait()
}

// FilteredContent applies the content filter (spec §4.5) and the
// permission-mapping coercion to a single entry. Exported so the
// gitfast Revision Cooker can reuse the same substitution rules when
// emitting inline blob data.
func FilteredContent(ctx context.Context, storage vaultstorage.Storage, f vaultstorage.DirEntry, logger *zap.SugaredLogger) ([]byte, uint32, error) {
	c := &Cooker{storage: storage, logger: logger}
	return c.filteredContent(ctx, f)
}

func (c *Cooker) filteredContent(ctx context.Context, f vaultstorage.DirEntry) ([]byte, uint32, error) {
	perms := f.Perms
	switch perms {
	case permRegular, permExecutable, permSymlink:
	default:
		if c.logger != nil {
			c.logger.Warnw("directory cooker: unrecognized permission mode, coercing to regular file",
				"path", f.Path, "perms", fmt.Sprintf("%o", f.Perms))
		}
		perms = permRegular
	}

	var content []byte
	switch f.Status {
	case vaultstorage.ContentAbsent:
		content = SkippedMessage
	case vaultstorage.ContentHidden:
		content = HiddenMessage
	default:
		entry, err := c.storage.ContentFind(ctx, f.Sha1Git)
		if err != nil {
			return nil, 0, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "directory cooker: content lookup failed")
		}
		if entry == nil {
			content = MissingMessage
			break
		}
		data, err := c.storage.ContentGetData(ctx, *entry)
		if err != nil {
			return nil, 0, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "directory cooker: content fetch failed")
		}
		if data == nil {
			content = MissingMessage
		} else {
			content = data
		}
	}
	return content, perms, nil
}

func writeFile(path string, content []byte, perms uint32) error {
	if perms == permSymlink {
		return os.Symlink(string(content), path)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return vaulterrors.Wrapf(err, vaulterrors.ErrorTypeInternal, "directory cooker: failed to write %s", path)
	}
	return os.Chmod(path, os.FileMode(perms&0o777))
}

func (c *Cooker) tarDirectory(tmpDir string, sink io.Writer) error {
	tw := tar.NewWriter(sink)
	defer tw.Close()

	arcname := c.id.Hex()
	return filepath.Walk(tmpDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(tmpDir, path)
		if err != nil {
			return err
		}
		name := arcname
		if rel != "." {
			name = filepath.Join(arcname, rel)
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
		hdr.Name = name
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("directory cooker: failed to write tar header for %s: %w", name, err)
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
