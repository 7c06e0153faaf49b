package gitbare

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	vaultstorage "github.com/SoftwareHeritage/swh-vault/pkg/storage"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// Git tree-entry modes for the entry kinds DirEntry can carry beyond a
// plain file's own perms.
const (
	modeTree    uint32 = 0o40000
	modeGitlink uint32 = 0o160000
)

// frame wraps a git object body in its type/length header:
// "<kind> <len>\0<body>" — the exact byte string whose SHA-1 is the
// object's id.
func frame(kind string, body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString(kind)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(body)))
	buf.WriteByte(0)
	buf.Write(body)
	return buf.Bytes()
}

// BlobObject returns the canonical serialization of a content object.
func BlobObject(data []byte) []byte {
	return frame("blob", data)
}

// TreeObject returns the canonical serialization of one directory's
// immediate entries (non-recursive: entries reference their target ids,
// not their contents). Entries sort by their raw name, with directory
// names compared as if a trailing "/" were appended, matching Git's
// tree-entry ordering rule.
func TreeObject(entries []vaultstorage.DirEntry) []byte {
	type treeItem struct {
		sortKey string
		mode    uint32
		name    string
		id      vault.ObjectID
	}

	items := make([]treeItem, 0, len(entries))
	for _, e := range entries {
		it := treeItem{name: e.Name, sortKey: e.Name}
		switch e.Type {
		case vaultstorage.EntryTypeDir:
			it.mode = modeTree
			it.id = e.Target
			it.sortKey = e.Name + "/"
		case vaultstorage.EntryTypeRev:
			it.mode = modeGitlink
			it.id = e.Target
		default:
			it.mode = e.Perms
			it.id = e.Sha1Git
		}
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].sortKey < items[j].sortKey })

	var body bytes.Buffer
	for _, it := range items {
		body.WriteString(strconv.FormatUint(uint64(it.mode), 8))
		body.WriteByte(' ')
		body.WriteString(it.name)
		body.WriteByte(0)
		body.Write(it.id[:])
	}
	return frame("tree", body.Bytes())
}

// encodeHeaderValue indents continuation lines of a multi-line header
// value (e.g. a gpgsig) with a single space, per Git's header grammar.
func encodeHeaderValue(value []byte) []byte {
	return bytes.ReplaceAll(value, []byte("\n"), []byte("\n "))
}

// CommitObject returns the canonical serialization of a revision.
// Author/committer bytes are written verbatim from Person.Fullname —
// they must be the archive's raw fullname, never a display-name
// substitution, or the SHA-1 won't match (spec's display-name bypass
// rule).
func CommitObject(r *vaultstorage.Revision) []byte {
	var body bytes.Buffer
	fmt.Fprintf(&body, "tree %s\n", r.Directory.Hex())
	for _, p := range r.Parents {
		fmt.Fprintf(&body, "parent %s\n", p.Hex())
	}
	fmt.Fprintf(&body, "author %s %d +0000\n", r.Author.Fullname, r.AuthorDate)
	fmt.Fprintf(&body, "committer %s %d +0000\n", r.Committer.Fullname, r.CommitDate)
	for _, h := range r.ExtraHeaders {
		body.WriteString(string(h[0]))
		body.WriteByte(' ')
		body.Write(encodeHeaderValue(h[1]))
		body.WriteByte('\n')
	}
	body.WriteByte('\n')
	body.Write(r.Message)
	return frame("commit", body.Bytes())
}

// TagObject returns the canonical serialization of an annotated
// release.
func TagObject(r *vaultstorage.Release) []byte {
	var body bytes.Buffer
	fmt.Fprintf(&body, "object %s\n", r.Target.Hex())
	fmt.Fprintf(&body, "type %s\n", r.TargetType)
	fmt.Fprintf(&body, "tag %s\n", r.Name)
	if r.Author != nil {
		fmt.Fprintf(&body, "tagger %s %d +0000\n", r.Author.Fullname, r.Date)
	}
	body.WriteByte('\n')
	body.Write(r.Message)
	return frame("tag", body.Bytes())
}
