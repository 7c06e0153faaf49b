// Package httpapi builds the Vault's HTTP route table (spec §6): the
// liveness probe, the fetch/cook/progress surface a client drives, and
// the cooker-side callbacks (set_progress, set_status, put_bundle,
// send_notif) a worker process calls back into as it runs a cook.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SoftwareHeritage/swh-vault/pkg/notification"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// LifecycleStore is the subset of the Lifecycle Store the HTTP layer
// drives directly. It embeds notification.PendingNotificationSource so
// the same collaborator can be handed to the Notifier by send_notif.
type LifecycleStore interface {
	TaskInfo(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) (*vault.BundleRecord, error)
	SetProgress(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, msg *string) error
	SetStatus(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, status vault.Status) error
	UpdateAccessTS(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error
	notification.PendingNotificationSource
}

// BundleCache is the subset of the Cache the HTTP layer serves fetches
// from and accepts cooker uploads through.
type BundleCache interface {
	Get(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]byte, error)
	IsCached(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) (bool, error)
	AddStream(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, r io.Reader) (int64, error)
}

// Notifier is the subset of the Notifier the send_notif callback
// drives.
type Notifier interface {
	SendAll(ctx context.Context, store notification.PendingNotificationSource, status vault.Status, bundleType vault.BundleType, id vault.ObjectID) error
}

// Coordinator is the Request Coordinator's public surface, as seen
// from the cook route.
type Coordinator interface {
	CookRequest(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, email *string, sticky bool) (*vault.BundleRecord, error)
}

// Deps bundles every collaborator the route handlers need. The zero
// value is not usable; every field is required.
type Deps struct {
	Store       LifecycleStore
	Cache       BundleCache
	Notifier    Notifier
	Coordinator Coordinator
	Logger      *zap.SugaredLogger
}

type server struct {
	Deps
	validate *validator.Validate
}

// NewRouter builds the chi.Mux serving spec §6's route table.
// CORS is enabled only on the two read-only routes a browser-hosted
// archive UI might call directly (/fetch, /progress); the cooker-side
// callback routes and /cook are server-to-server and carry no CORS
// headers.
func NewRouter(deps Deps) *chi.Mux {
	s := &server{Deps: deps, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleRoot)

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET"},
			MaxAge:         300,
		}))
		r.Get("/fetch/{type}/{id}", s.handleFetch)
		r.Get("/progress/{type}/{id}", s.handleProgress)
	})

	r.Post("/cook/{type}/{id}", s.handleCook)
	r.Post("/set_progress/{type}/{id}", s.handleSetProgress)
	r.Post("/set_status/{type}/{id}", s.handleSetStatus)
	r.Post("/put_bundle/{type}/{id}", s.handlePutBundle)
	r.Post("/send_notif/{type}/{id}", s.handleSendNotif)

	return r
}

type requestIDKey struct{}

// requestIDMiddleware assigns a uuid per request, propagated both as a
// response header and into the request context, so every handler's
// zap fields correlate across the cooker-side callback routes.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// timeLayout matches spec §3's UTC timestamp fields in the bundle_info
// JSON view.
const timeLayout = time.RFC3339
