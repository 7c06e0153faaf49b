package cache

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

func TestCache(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Cache Suite")
}

func mustID(hexStr string) vault.ObjectID {
	id, err := vault.ObjectIDFromHex(hexStr)
	if err != nil {
		panic(err)
	}
	return id
}

var _ = Describe("ParseSlicing", func() {
	It("parses a multi-segment spec", func() {
		slices, err := ParseSlicing("0:1/1:5")
		Expect(err).NotTo(HaveOccurred())
		Expect(slices).To(Equal([]Slice{{0, 1}, {1, 5}}))
	})

	It("treats an empty spec as no slicing", func() {
		slices, err := ParseSlicing("")
		Expect(err).NotTo(HaveOccurred())
		Expect(slices).To(BeNil())
	})

	It("rejects a malformed segment", func() {
		_, err := ParseSlicing("0-1")
		Expect(err).To(HaveOccurred())
	})

	It("rejects start >= end", func() {
		_, err := ParseSlicing("5:1")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Store", func() {
	var (
		dir    string
		store  *Store
		logger *zap.SugaredLogger
		id     vault.ObjectID
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		logger = zap.NewNop().Sugar()
		var err error
		store, err = New(dir, "0:1/1:5", false, logger)
		Expect(err).NotTo(HaveOccurred())
		id = mustID("0123456789abcdef0123456789abcdef01234567")
	})

	It("is not cached before any write", func() {
		cached, err := store.IsCached(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).To(BeFalse())
	})

	It("writes and reads a blob through the sliced path", func() {
		content := []byte("hello bundle")
		n, err := store.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader(content))
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(Equal(int64(len(content))))

		expectedPath := filepathJoin(dir, "directory", "0", "1234", id.Hex())
		_, statErr := os.Stat(expectedPath)
		Expect(statErr).NotTo(HaveOccurred())

		got, err := store.Get(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))

		cached, err := store.IsCached(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).To(BeTrue())
	})

	It("never leaves a partial file visible under the final name", func() {
		content := []byte("final content")
		_, err := store.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader(content))
		Expect(err).NotTo(HaveOccurred())

		// No stray temp files left behind in the target directory.
		entries, err := os.ReadDir(filepathJoin(dir, "directory", "0", "1234"))
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Name()).To(Equal(id.Hex()))
	})

	It("returns NotFound for a missing blob", func() {
		_, err := store.Get(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).To(HaveOccurred())
	})

	It("refuses to delete when allow_delete is false", func() {
		_, err := store.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader([]byte("x")))
		Expect(err).NotTo(HaveOccurred())

		err = store.Delete(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).To(HaveOccurred())
	})

	It("deletes when allow_delete is true", func() {
		allowDir := GinkgoT().TempDir()
		allowStore, err := New(allowDir, "0:1/1:5", true, logger)
		Expect(err).NotTo(HaveOccurred())

		_, err = allowStore.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader([]byte("x")))
		Expect(err).NotTo(HaveOccurred())

		Expect(allowStore.Delete(context.Background(), vault.BundleTypeDirectory, id)).To(Succeed())

		cached, err := allowStore.IsCached(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(cached).To(BeFalse())
	})

	It("overwrites idempotently on a duplicate write to the same key", func() {
		_, err := store.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader([]byte("first")))
		Expect(err).NotTo(HaveOccurred())
		_, err = store.AddStream(context.Background(), vault.BundleTypeDirectory, id, bytes.NewReader([]byte("second")))
		Expect(err).NotTo(HaveOccurred())

		got, err := store.Get(context.Background(), vault.BundleTypeDirectory, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal([]byte("second")))
	})
})

var _ = Describe("Store with Redis fast path", func() {
	var (
		dir    string
		store  *Store
		mr     *miniredis.Miniredis
		id     vault.ObjectID
	)

	BeforeEach(func() {
		dir = GinkgoT().TempDir()
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())

		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		store, err = New(dir, "0:1/1:5", false, zap.NewNop().Sugar(), WithRedis(client))
		Expect(err).NotTo(HaveOccurred())

		id = mustID("fedcba9876543210fedcba9876543210fedcba98")
	})

	AfterEach(func() {
		mr.Close()
	})

	It("serves reads from redis without touching disk once populated", func() {
		content := []byte("redis-backed content")
		_, err := store.AddStream(context.Background(), vault.BundleTypeGitBare, id, bytes.NewReader(content))
		Expect(err).NotTo(HaveOccurred())

		full, _ := store.path(vault.BundleTypeGitBare, id)
		Expect(os.Remove(full)).To(Succeed())

		got, err := store.Get(context.Background(), vault.BundleTypeGitBare, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))
	})

	It("falls back to disk and repopulates redis on a cache miss", func() {
		content := []byte("disk-only content")
		_, err := store.AddStream(context.Background(), vault.BundleTypeGitBare, id, bytes.NewReader(content))
		Expect(err).NotTo(HaveOccurred())

		mr.FlushAll()

		got, err := store.Get(context.Background(), vault.BundleTypeGitBare, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(content))

		// Now even a deleted disk file can still be served from redis.
		full, _ := store.path(vault.BundleTypeGitBare, id)
		Expect(os.Remove(full)).To(Succeed())
		got2, err := store.Get(context.Background(), vault.BundleTypeGitBare, id)
		Expect(err).NotTo(HaveOccurred())
		Expect(got2).To(Equal(content))
	})
})

func filepathJoin(parts ...string) string {
	result := parts[0]
	for _, p := range parts[1:] {
		result = result + string(os.PathSeparator) + p
	}
	return result
}
