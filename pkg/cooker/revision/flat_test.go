package revision

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"path"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

func tarEntryNames(data []byte) []string {
	var names []string
	tr := tar.NewReader(bytes.NewReader(data))
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		Expect(err).NotTo(HaveOccurred())
		names = append(names, hdr.Name)
	}
	return names
}

var _ = Describe("FlatCooker", func() {
	var storage *vaultstorage.FakeStorage
	logger := zap.NewNop().Sugar()

	BeforeEach(func() {
		storage = vaultstorage.NewFakeStorage()
	})

	It("reports non-existence for an unknown revision", func() {
		c := NewFlat(storage, mustID("000000000000000000000000000000000000000c"), logger)
		exists, err := c.CheckExists(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeFalse())
	})

	It("produces one subdirectory per revision in the history, each with its own snapshot", func() {
		author := vaultstorage.Person{Fullname: []byte("A <a@example.org>")}
		content1 := mustID("000000000000000000000000000000000000000d")
		content2 := mustID("000000000000000000000000000000000000000e")
		storage.Contents[content1] = []byte("v1\n")
		storage.Contents[content2] = []byte("v2\n")

		dir1 := mustID("000000000000000000000000000000000000000f")
		dir2 := mustID("0000000000000000000000000000000000000010")
		storage.Directories[dir1] = []vaultstorage.DirEntry{
			{Name: "f.txt", Path: "f.txt", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentVisible, Sha1Git: content1},
		}
		storage.Directories[dir2] = []vaultstorage.DirEntry{
			{Name: "f.txt", Path: "f.txt", Type: vaultstorage.EntryTypeFile, Perms: 0o100644, Status: vaultstorage.ContentVisible, Sha1Git: content2},
		}

		parent := mustID("0000000000000000000000000000000000000011")
		head := mustID("0000000000000000000000000000000000000012")
		storage.Revisions[parent] = &vaultstorage.Revision{ID: parent, Directory: dir1, Author: author, Committer: author, Message: []byte("first\n")}
		storage.Revisions[head] = &vaultstorage.Revision{
			ID: head, Directory: dir2, Author: author, Committer: author,
			Parents: []vault.ObjectID{parent}, Message: []byte("second\n"),
		}

		c := NewFlat(storage, head, logger)
		exists, err := c.CheckExists(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(exists).To(BeTrue())

		var buf bytes.Buffer
		Expect(c.PrepareBundle(context.Background(), &buf)).To(Succeed())
		names := tarEntryNames(buf.Bytes())

		Expect(names).To(ContainElement(path.Join(head.Hex(), "f.txt")))
		Expect(names).To(ContainElement(path.Join(parent.Hex(), "f.txt")))
	})
})
