// Package cache implements the Vault's content-addressed bundle blob
// store (spec §4.1): a path-sliced local filesystem tree with
// atomic rename-into-place writes, an allow_delete policy gate, and an
// optional Redis fast path so a hot bundle doesn't round-trip through
// disk on every fetch.
package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// Slice is one directory-segment rule from a slicing spec such as
// "0:1/1:5": take hex characters [Start:End) as one path component.
type Slice struct {
	Start int
	End   int
}

// ParseSlicing parses a spec like "0:1/1:5" into an ordered list of
// Slices. An empty spec means "no slicing" (flat directory).
func ParseSlicing(spec string) ([]Slice, error) {
	if spec == "" {
		return nil, nil
	}
	parts := strings.Split(spec, "/")
	slices := make([]Slice, 0, len(parts))
	for _, part := range parts {
		bounds := strings.SplitN(part, ":", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("invalid slicing segment %q", part)
		}
		start, err := strconv.Atoi(bounds[0])
		if err != nil {
			return nil, fmt.Errorf("invalid slicing segment %q: %w", part, err)
		}
		end, err := strconv.Atoi(bounds[1])
		if err != nil {
			return nil, fmt.Errorf("invalid slicing segment %q: %w", part, err)
		}
		if start < 0 || end <= start {
			return nil, fmt.Errorf("invalid slicing segment %q: start must be < end", part)
		}
		slices = append(slices, Slice{Start: start, End: end})
	}
	return slices, nil
}

// Store is the Cache component. The zero value is not usable; build one
// with New.
type Store struct {
	root        string
	slices      []Slice
	allowDelete bool
	redis       *redis.Client
	logger      *zap.SugaredLogger
}

type Option func(*Store)

// WithRedis attaches a Redis client as a read/write fast path in front
// of the filesystem store. A nil client (the default) disables it.
func WithRedis(client *redis.Client) Option {
	return func(s *Store) { s.redis = client }
}

func New(root, slicingSpec string, allowDelete bool, logger *zap.SugaredLogger, opts ...Option) (*Store, error) {
	slices, err := ParseSlicing(slicingSpec)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("cache: failed to create root %s: %w", root, err)
	}
	s := &Store{root: root, slices: slices, allowDelete: allowDelete, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// path returns the blob's final path and its containing directory.
func (s *Store) path(bundleType vault.BundleType, id vault.ObjectID) (full, dir string) {
	hexID := id.Hex()
	parts := []string{s.root, string(bundleType)}
	last := 0
	for _, sl := range s.slices {
		end := sl.End
		if end > len(hexID) {
			end = len(hexID)
		}
		if sl.Start >= end {
			continue
		}
		parts = append(parts, hexID[sl.Start:end])
		if end > last {
			last = end
		}
	}
	dir = filepath.Join(parts...)
	full = filepath.Join(dir, hexID)
	return full, dir
}

func (s *Store) redisKey(bundleType vault.BundleType, id vault.ObjectID) string {
	return fmt.Sprintf("vault-cache:%s:%s", bundleType, id.Hex())
}

// AddStream writes the full content of r to the blob's final path,
// going through a temporary file in the same directory and an atomic
// rename so a partial write is never observable under the final name
// (spec §4.1, §5: "rename-into-place is safe against itself").
func (s *Store) AddStream(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, r io.Reader) (int64, error) {
	full, dir := s.path(bundleType, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, vaulterrors.Wrapf(err, vaulterrors.ErrorTypeInternal, "cache: failed to create directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return 0, vaulterrors.Wrapf(err, vaulterrors.ErrorTypeInternal, "cache: failed to create temp file in %s", dir)
	}
	tmpPath := tmp.Name()
	removeTemp := true
	defer func() {
		if removeTemp {
			os.Remove(tmpPath)
		}
	}()

	var buf bytes.Buffer
	n, err := io.Copy(io.MultiWriter(tmp, &buf), r)
	if err != nil {
		tmp.Close()
		return 0, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "cache: failed to write blob")
	}
	if err := tmp.Close(); err != nil {
		return 0, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "cache: failed to close temp file")
	}

	if err := os.Rename(tmpPath, full); err != nil {
		return 0, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "cache: failed to rename into place")
	}
	removeTemp = false

	if s.redis != nil {
		if err := s.redis.Set(ctx, s.redisKey(bundleType, id), buf.Bytes(), 0).Err(); err != nil {
			s.logger.Warnw("cache: redis fast-path write failed", "error", err)
		}
	}
	return n, nil
}

// Get returns the entire blob. It does not stream (spec §4.1, §9: "a
// planned improvement").
func (s *Store) Get(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]byte, error) {
	if s.redis != nil {
		data, err := s.redis.Get(ctx, s.redisKey(bundleType, id)).Bytes()
		if err == nil {
			return data, nil
		}
		if err != redis.Nil {
			s.logger.Warnw("cache: redis fast-path read failed", "error", err)
		}
	}

	full, _ := s.path(bundleType, id)
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, vaulterrors.NewNotFoundError("bundle")
		}
		return nil, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "cache: failed to read blob")
	}

	if s.redis != nil {
		if err := s.redis.Set(ctx, s.redisKey(bundleType, id), data, 0).Err(); err != nil {
			s.logger.Warnw("cache: redis fast-path populate failed", "error", err)
		}
	}
	return data, nil
}

func (s *Store) IsCached(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) (bool, error) {
	if s.redis != nil {
		if n, err := s.redis.Exists(ctx, s.redisKey(bundleType, id)).Result(); err == nil && n > 0 {
			return true, nil
		}
	}
	full, _ := s.path(bundleType, id)
	_, err := os.Stat(full)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Delete removes the blob. Refused unless the Store was constructed
// with allow_delete, guarding accidental data loss in production (spec
// §4.1).
func (s *Store) Delete(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error {
	if !s.allowDelete {
		return vaulterrors.New(vaulterrors.ErrorTypePolicy, "cache: delete is disabled (allow_delete=false)")
	}
	full, _ := s.path(bundleType, id)
	if s.redis != nil {
		if err := s.redis.Del(ctx, s.redisKey(bundleType, id)).Err(); err != nil {
			s.logger.Warnw("cache: redis fast-path delete failed", "error", err)
		}
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "cache: failed to delete blob")
	}
	return nil
}
