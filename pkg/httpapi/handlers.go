package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

// pathParams is every route's {type}/{id} pair, validated before
// either one reaches the Coordinator or the Store (SPEC_FULL.md §6
// [ADD]: "struct tags validating ... before they reach the
// Coordinator").
type pathParams struct {
	Type string `validate:"required"`
	ID   string `validate:"required,len=40,hexadecimal"`
}

type cookQuery struct {
	Email  string `validate:"omitempty,email"`
	Sticky string `validate:"omitempty,oneof=true false"`
}

func (s *server) parsePathParams(r *http.Request) (vault.BundleType, vault.ObjectID, error) {
	p := pathParams{Type: chi.URLParam(r, "type"), ID: chi.URLParam(r, "id")}
	if err := s.validate.Struct(p); err != nil {
		return "", vault.ObjectID{}, vaulterrors.NewValidationError("invalid type or id: " + err.Error())
	}
	bundleType := vault.BundleType(p.Type)
	if !vault.KnownBundleTypes[bundleType] {
		return "", vault.ObjectID{}, vaulterrors.NewValidationError("unknown bundle type " + p.Type)
	}
	id, err := vault.ObjectIDFromHex(p.ID)
	if err != nil {
		return "", vault.ObjectID{}, vaulterrors.NewValidationError(err.Error())
	}
	return bundleType, id, nil
}

// bundleInfoView is the bundle_info JSON shape returned by /cook and
// /progress (spec §6).
type bundleInfoView struct {
	Type         string  `json:"type"`
	ObjectID     string  `json:"object_id"`
	Status       string  `json:"status"`
	Sticky       bool    `json:"sticky"`
	ProgressMsg  *string `json:"progress_message"`
	TSCreated    string  `json:"ts_created"`
	TSDone       *string `json:"ts_done"`
	TSLastAccess *string `json:"ts_last_access"`
}

func newBundleInfoView(rec *vault.BundleRecord) bundleInfoView {
	v := bundleInfoView{
		Type:        string(rec.Type),
		ObjectID:    rec.ObjectID.Hex(),
		Status:      string(rec.Status),
		Sticky:      rec.Sticky,
		ProgressMsg: rec.ProgressMsg,
		TSCreated:   rec.TSCreated.Format(timeLayout),
	}
	if rec.TSDone != nil {
		s := rec.TSDone.Format(timeLayout)
		v.TSDone = &s
	}
	if rec.TSLastAccess != nil {
		s := rec.TSLastAccess.Format(timeLayout)
		v.TSLastAccess = &s
	}
	return v
}

func (s *server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.Logger.Warnw("httpapi: failed to encode response body", "error", err)
	}
}

func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	s.Logger.Errorw("httpapi: request failed",
		append([]any{"request_id", requestIDFrom(r.Context()), "path", r.URL.Path}, logPairs(err)...)...)
	s.writeJSON(w, vaulterrors.GetStatusCode(err), map[string]string{"error": vaulterrors.SafeErrorMessage(err)})
}

func logPairs(err error) []any {
	pairs := make([]any, 0, 8)
	for k, v := range vaulterrors.LogFields(err) {
		pairs = append(pairs, k, v)
	}
	return pairs
}

// handleRoot is the liveness probe (spec §6: GET / -> 200).
func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleFetch returns the bundle bytes if, and only if, the row is
// done and the blob is still cached — mirroring backend.py's
// is_available check (spec §6: GET /fetch -> 200, 404).
func (s *server) handleFetch(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()

	rec, err := s.Store.TaskInfo(ctx, bundleType, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil || rec.Status != vault.StatusDone {
		s.writeError(w, r, vaulterrors.NewNotFoundError("bundle"))
		return
	}
	cached, err := s.Cache.IsCached(ctx, bundleType, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !cached {
		s.writeError(w, r, vaulterrors.NewNotFoundError("bundle"))
		return
	}

	data, err := s.Cache.Get(ctx, bundleType, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.Store.UpdateAccessTS(ctx, bundleType, id); err != nil {
		s.Logger.Warnw("httpapi: update_access_ts failed", "type", bundleType, "object_id", id.Hex(), "error", err)
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleCook is the public cook_request entry point (spec §6: POST
// /cook -> 200, 404).
func (s *server) handleCook(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := cookQuery{Email: r.URL.Query().Get("email"), Sticky: r.URL.Query().Get("sticky")}
	if err := s.validate.Struct(q); err != nil {
		s.writeError(w, r, vaulterrors.NewValidationError("invalid query parameters: "+err.Error()))
		return
	}
	var email *string
	if q.Email != "" {
		email = &q.Email
	}
	sticky, _ := strconv.ParseBool(q.Sticky)

	rec, err := s.Coordinator.CookRequest(r.Context(), bundleType, id, email, sticky)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newBundleInfoView(rec))
}

// handleProgress returns the current bundle_info view (spec §6: GET
// /progress -> 200, 404).
func (s *server) handleProgress(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.Store.TaskInfo(r.Context(), bundleType, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, vaulterrors.NewNotFoundError("bundle"))
		return
	}
	s.writeJSON(w, http.StatusOK, newBundleInfoView(rec))
}

type setProgressBody struct {
	Message *string `json:"message"`
}

// handleSetProgress is a cooker-side callback (spec §6: POST
// /set_progress -> 200).
func (s *server) handleSetProgress(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body setProgressBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, vaulterrors.NewValidationError("invalid request body"))
		return
	}
	if err := s.Store.SetProgress(r.Context(), bundleType, id, body.Message); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

type setStatusBody struct {
	Status string `json:"status" validate:"required,oneof=new pending done failed"`
}

// handleSetStatus is a cooker-side callback (spec §6: POST
// /set_status -> 200).
func (s *server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var body setStatusBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, vaulterrors.NewValidationError("invalid request body"))
		return
	}
	if err := s.validate.Struct(body); err != nil {
		s.writeError(w, r, vaulterrors.NewValidationError("invalid status: "+err.Error()))
		return
	}
	if err := s.Store.SetStatus(r.Context(), bundleType, id, vault.Status(body.Status)); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handlePutBundle is the cooker-side bundle upload (spec §6: POST
// /put_bundle -> 200). The request body is streamed directly into the
// Cache without buffering a second copy in the handler.
func (s *server) handlePutBundle(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.Cache.AddStream(r.Context(), bundleType, id, r.Body); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleSendNotif triggers a notification flush for the bundle's
// current status (spec §6: POST /send_notif -> 200).
func (s *server) handleSendNotif(w http.ResponseWriter, r *http.Request) {
	bundleType, id, err := s.parsePathParams(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	rec, err := s.Store.TaskInfo(r.Context(), bundleType, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec == nil {
		s.writeError(w, r, vaulterrors.NewNotFoundError("bundle"))
		return
	}
	if err := s.Notifier.SendAll(r.Context(), s.Store, rec.Status, bundleType, id); err != nil {
		s.Logger.Warnw("httpapi: send_notif flush failed", "type", bundleType, "object_id", id.Hex(), "error", err)
	}
	w.WriteHeader(http.StatusOK)
}
