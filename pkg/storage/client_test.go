package vaultstorage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

var _ = Describe("HTTPClient", func() {
	var (
		mux     *http.ServeMux
		srv     *httptest.Server
		client  *HTTPClient
		rootID  string
	)

	BeforeEach(func() {
		rootID = "000000000000000000000000000000000000000a"
		mux = http.NewServeMux()
		srv = httptest.NewServer(mux)
		client = NewHTTPClient(srv.URL, "")
	})

	AfterEach(func() {
		srv.Close()
	})

	It("reports no graph configured when graphEndpoint is empty", func() {
		Expect(client.HasGraph()).To(BeFalse())
	})

	It("reports a graph configured when graphEndpoint is set", func() {
		withGraph := NewHTTPClient(srv.URL, srv.URL)
		Expect(withGraph.HasGraph()).To(BeTrue())
	})

	It("decodes directory_missing", func() {
		mux.HandleFunc("/directory/missing", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"missing": []string{rootID}})
		})

		missing, err := client.DirectoryMissing(context.Background(), []vault.ObjectID{id(rootID)})
		Expect(err).NotTo(HaveOccurred())
		Expect(missing).To(ConsistOf(id(rootID)))
	})

	It("decodes directory_ls entries including sha1/sha1_git/target", func() {
		mux.HandleFunc("/directory/ls", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{
				{"name": "file", "path": "file", "type": "file", "perms": uint32(0o100644), "status": "visible", "sha1": rootID, "sha1_git": rootID},
			})
		})

		entries, err := client.DirectoryLs(context.Background(), id(rootID), true)
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(HaveLen(1))
		Expect(entries[0].Sha1).To(Equal(id(rootID)))
	})

	It("decodes revision_get into canonical Revision values", func() {
		mux.HandleFunc("/revision", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode([]map[string]any{
				{"id": rootID, "directory": rootID, "parents": []string{}, "type": "git",
					"author": map[string]any{"fullname": []byte("A <a@example.org>")},
					"committer": map[string]any{"fullname": []byte("A <a@example.org>")}},
			})
		})

		revs, err := client.RevisionGet(context.Background(), []vault.ObjectID{id(rootID)})
		Expect(err).NotTo(HaveOccurred())
		Expect(revs).To(HaveLen(1))
		Expect(revs[0].ID).To(Equal(id(rootID)))
	})

	It("returns an error on a non-200 response", func() {
		mux.HandleFunc("/revision/missing", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("boom"))
		})

		_, err := client.RevisionMissing(context.Background(), []vault.ObjectID{id(rootID)})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("500"))
	})

	It("synthesizes a GraphArgumentError when the graph service reports an unknown node", func() {
		withGraph := NewHTTPClient(srv.URL, srv.URL)
		mux.HandleFunc("/graph/visit/nodes", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error": "404 unknown node"}`))
		})

		_, err := withGraph.VisitNodes(context.Background(), "swh:1:rev:"+rootID, "rev:rev")
		Expect(err).To(HaveOccurred())
		var argErr *GraphArgumentError
		Expect(err).To(BeAssignableToTypeOf(argErr))
	})
})
