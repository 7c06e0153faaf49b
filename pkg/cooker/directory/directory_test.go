package directory

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

func TestDirectoryCooker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Directory Cooker Suite")
}

func mustID(hex string) vault.ObjectID {
	id, err := vault.ObjectIDFromHex(hex)
	Expect(err).NotTo(HaveOccurred())
	return id
}

func tarEntries(t []byte) map[string][]byte {
	out := make(map[string][]byte)
	tr := tar.NewReader(bytes.NewReader(t))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		Expect(err).NotTo(HaveOccurred())
		if hdr.Typeflag == tar.TypeReg {
			data, _ := io.ReadAll(tr)
			out[hdr.Name] = data
		} else {
			out[hdr.Name] = nil
		}
	}
	return out
}

var _ = Describe("Directory Cooker", func() {
	var (
		storage *vaultstorage.FakeStorage
		root    vault.ObjectID
		sha1Git vault.ObjectID
		logger  *zap.SugaredLogger
	)

	BeforeEach(func() {
		storage = vaultstorage.NewFakeStorage()
		root = mustID("000000000000000000000000000000000000000a")
		sha1Git = mustID("111111111111111111111111111111111111111b")
		logger = zap.NewNop().Sugar()
	})

	It("reports check_exists false for an unknown directory", func() {
		c := New(storage, root, logger)
		ok, err := c.CheckExists(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeFalse())
	})

	It("builds a tarball with visible file content and nested dirs", func() {
		storage.Contents[sha1Git] = []byte("hello world")
		storage.Directories[root] = []vaultstorage.DirEntry{
			{Name: "sub", Path: "sub", Type: vaultstorage.EntryTypeDir},
			{Name: "a.txt", Path: "a.txt", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentVisible, Sha1Git: sha1Git},
			{Name: "b.txt", Path: "sub/b.txt", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentVisible, Sha1Git: sha1Git},
		}

		c := New(storage, root, logger)
		ok, err := c.CheckExists(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(ok).To(BeTrue())

		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())

		entries := tarEntries(buf.Bytes())
		arcname := root.Hex()
		Expect(entries[arcname+"/a.txt"]).To(Equal([]byte("hello world")))
		Expect(entries[arcname+"/sub/b.txt"]).To(Equal([]byte("hello world")))
	})

	It("substitutes the skipped message for absent content", func() {
		storage.Directories[root] = []vaultstorage.DirEntry{
			{Name: "big.bin", Path: "big.bin", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentAbsent},
		}
		c := New(storage, root, logger)
		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())

		entries := tarEntries(buf.Bytes())
		Expect(entries[root.Hex()+"/big.bin"]).To(Equal(SkippedMessage))
	})

	It("substitutes the hidden message for hidden content", func() {
		storage.Directories[root] = []vaultstorage.DirEntry{
			{Name: "secret.bin", Path: "secret.bin", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentHidden},
		}
		c := New(storage, root, logger)
		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())

		entries := tarEntries(buf.Bytes())
		Expect(entries[root.Hex()+"/secret.bin"]).To(Equal(HiddenMessage))
	})

	It("coerces an unrecognized permission mode to a regular file, with a warning", func() {
		storage.Contents[sha1Git] = []byte("x")
		storage.Directories[root] = []vaultstorage.DirEntry{
			{Name: "odd.bin", Path: "odd.bin", Type: vaultstorage.EntryTypeFile, Perms: 0o100750, Status: vaultstorage.ContentVisible, Sha1Git: sha1Git},
		}
		core, logs := observer.New(zapcore.WarnLevel)
		c := New(storage, root, zap.New(core).Sugar())
		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())
		entries := tarEntries(buf.Bytes())
		Expect(entries[root.Hex()+"/odd.bin"]).To(Equal([]byte("x")))

		Expect(logs.Len()).To(Equal(1))
		Expect(logs.All()[0].Message).To(ContainSubstring("coercing to regular file"))
		Expect(logs.All()[0].ContextMap()["path"]).To(Equal("odd.bin"))
	})

	It("materializes revision entries as broken symlinks to the hex target", func() {
		target := mustID("222222222222222222222222222222222222222c")
		storage.Directories[root] = []vaultstorage.DirEntry{
			{Name: "submodule", Path: "submodule", Type: vaultstorage.EntryTypeRev, Target: target},
		}
		c := New(storage, root, logger)
		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())

		tr := tar.NewReader(bytes.NewReader(buf.Bytes()))
		found := false
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			Expect(err).NotTo(HaveOccurred())
			if hdr.Name == root.Hex()+"/submodule" {
				found = true
				Expect(hdr.Linkname).To(Equal(target.Hex()))
			}
		}
		Expect(found).To(BeTrue())
	})
})
