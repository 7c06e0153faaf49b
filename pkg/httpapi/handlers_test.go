package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/SoftwareHeritage/swh-vault/pkg/notification"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

func TestHTTPAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTP API Suite")
}

var validID = "0000000000000000000000000000000000000001"

type fakeStore struct {
	records map[string]*vault.BundleRecord
	notifs  map[string][]vault.NotificationEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*vault.BundleRecord), notifs: make(map[string][]vault.NotificationEntry)}
}

func key(bundleType vault.BundleType, id vault.ObjectID) string {
	return string(bundleType) + ":" + id.Hex()
}

func (f *fakeStore) TaskInfo(_ context.Context, bundleType vault.BundleType, id vault.ObjectID) (*vault.BundleRecord, error) {
	rec, ok := f.records[key(bundleType, id)]
	if !ok {
		return nil, nil
	}
	copied := *rec
	return &copied, nil
}

func (f *fakeStore) SetProgress(_ context.Context, bundleType vault.BundleType, id vault.ObjectID, msg *string) error {
	f.records[key(bundleType, id)].ProgressMsg = msg
	return nil
}

func (f *fakeStore) SetStatus(_ context.Context, bundleType vault.BundleType, id vault.ObjectID, status vault.Status) error {
	f.records[key(bundleType, id)].Status = status
	return nil
}

func (f *fakeStore) UpdateAccessTS(context.Context, vault.BundleType, vault.ObjectID) error { return nil }

func (f *fakeStore) PendingNotifications(_ context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]vault.NotificationEntry, error) {
	return f.notifs[key(bundleType, id)], nil
}

func (f *fakeStore) DeleteNotification(context.Context, int64) error { return nil }

type fakeCache struct {
	blobs map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{blobs: make(map[string][]byte)} }

func (c *fakeCache) Get(_ context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]byte, error) {
	return c.blobs[key(bundleType, id)], nil
}

func (c *fakeCache) IsCached(_ context.Context, bundleType vault.BundleType, id vault.ObjectID) (bool, error) {
	_, ok := c.blobs[key(bundleType, id)]
	return ok, nil
}

func (c *fakeCache) AddStream(_ context.Context, bundleType vault.BundleType, id vault.ObjectID, r io.Reader) (int64, error) {
	var buf bytes.Buffer
	n, err := buf.ReadFrom(r)
	c.blobs[key(bundleType, id)] = buf.Bytes()
	return n, err
}

type fakeNotifier struct {
	calls int
}

func (n *fakeNotifier) SendAll(context.Context, notification.PendingNotificationSource, vault.Status, vault.BundleType, vault.ObjectID) error {
	n.calls++
	return nil
}

type fakeCoordinator struct {
	record *vault.BundleRecord
	err    error
}

func (c *fakeCoordinator) CookRequest(context.Context, vault.BundleType, vault.ObjectID, *string, bool) (*vault.BundleRecord, error) {
	return c.record, c.err
}

func newTestServer(store *fakeStore, cache *fakeCache, notifier *fakeNotifier, coord *fakeCoordinator) http.Handler {
	return NewRouter(Deps{
		Store:       store,
		Cache:       cache,
		Notifier:    notifier,
		Coordinator: coord,
		Logger:      zap.NewNop().Sugar(),
	})
}

var _ = Describe("httpapi", func() {
	It("reports liveness on GET /", func() {
		srv := newTestServer(newFakeStore(), newFakeCache(), &fakeNotifier{}, &fakeCoordinator{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
	})

	It("rejects a malformed id on /fetch with 400", func() {
		srv := newTestServer(newFakeStore(), newFakeCache(), &fakeNotifier{}, &fakeCoordinator{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/fetch/directory/not-hex", nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusBadRequest))
	})

	It("returns 404 from /fetch for an unknown bundle", func() {
		srv := newTestServer(newFakeStore(), newFakeCache(), &fakeNotifier{}, &fakeCoordinator{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/fetch/directory/"+validID, nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusNotFound))
	})

	It("serves the cached blob for a done, cached bundle on /fetch", func() {
		store := newFakeStore()
		id, _ := vault.ObjectIDFromHex(validID)
		store.records[key(vault.BundleTypeDirectory, id)] = &vault.BundleRecord{
			Type: vault.BundleTypeDirectory, ObjectID: id, Status: vault.StatusDone, TSCreated: time.Now(),
		}
		cache := newFakeCache()
		cache.blobs[key(vault.BundleTypeDirectory, id)] = []byte("bundle-bytes")

		srv := newTestServer(store, cache, &fakeNotifier{}, &fakeCoordinator{})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/fetch/directory/"+validID, nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("bundle-bytes"))
	})

	It("returns the bundle_info view from /cook", func() {
		id, _ := vault.ObjectIDFromHex(validID)
		coord := &fakeCoordinator{record: &vault.BundleRecord{
			Type: vault.BundleTypeDirectory, ObjectID: id, Status: vault.StatusNew, TSCreated: time.Now(),
		}}
		srv := newTestServer(newFakeStore(), newFakeCache(), &fakeNotifier{}, coord)
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/cook/directory/"+validID, nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		var view bundleInfoView
		Expect(json.Unmarshal(rec.Body.Bytes(), &view)).To(Succeed())
		Expect(view.Status).To(Equal("new"))
		Expect(view.ObjectID).To(Equal(validID))
	})

	It("accepts a cooker's set_status callback", func() {
		store := newFakeStore()
		id, _ := vault.ObjectIDFromHex(validID)
		store.records[key(vault.BundleTypeDirectory, id)] = &vault.BundleRecord{
			Type: vault.BundleTypeDirectory, ObjectID: id, Status: vault.StatusPending, TSCreated: time.Now(),
		}
		srv := newTestServer(store, newFakeCache(), &fakeNotifier{}, &fakeCoordinator{})

		body, _ := json.Marshal(setStatusBody{Status: "done"})
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/set_status/directory/"+validID, bytes.NewReader(body))
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(store.records[key(vault.BundleTypeDirectory, id)].Status).To(Equal(vault.StatusDone))
	})

	It("streams a cooker's put_bundle upload straight into the cache", func() {
		cache := newFakeCache()
		srv := newTestServer(newFakeStore(), cache, &fakeNotifier{}, &fakeCoordinator{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/put_bundle/directory/"+validID, bytes.NewReader([]byte("payload")))
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))

		id, _ := vault.ObjectIDFromHex(validID)
		Expect(cache.blobs[key(vault.BundleTypeDirectory, id)]).To(Equal([]byte("payload")))
	})

	It("triggers a notification flush on send_notif for a known bundle", func() {
		store := newFakeStore()
		id, _ := vault.ObjectIDFromHex(validID)
		store.records[key(vault.BundleTypeDirectory, id)] = &vault.BundleRecord{
			Type: vault.BundleTypeDirectory, ObjectID: id, Status: vault.StatusDone, TSCreated: time.Now(),
		}
		notifier := &fakeNotifier{}
		srv := newTestServer(store, newFakeCache(), notifier, &fakeCoordinator{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/send_notif/directory/"+validID, nil)
		srv.ServeHTTP(rec, req)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(notifier.calls).To(Equal(1))
	})
})
