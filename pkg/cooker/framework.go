// Package cooker implements the Cooker Framework (spec §4.4): the
// shared run loop every concrete cooker executes inside — a
// size-limited sink, status/progress callbacks, policy-vs-internal
// failure classification, a cache commit, and an unconditional
// notification flush.
package cooker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/notification"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

var tracer = otel.Tracer("github.com/SoftwareHeritage/swh-vault/pkg/cooker")

// DefaultMaxBundleSize is the sink's default ceiling (spec §4.4): 512
// MiB, matching internal/config's defaultMaxBundleSize.
const DefaultMaxBundleSize int64 = 512 * 1024 * 1024

// processingMessage is the progress text set for the whole duration of
// a cook (spec §4.4: "Processing…").
const processingMessage = "Processing..."

// Sink is a size-limited write destination. Any write that would push
// the sink past its limit raises a PolicyError rather than silently
// truncating (spec §4.4).
type Sink struct {
	buf   bytes.Buffer
	limit int64
}

func NewSink(limit int64) *Sink {
	return &Sink{limit: limit}
}

func (s *Sink) Write(p []byte) (int, error) {
	if int64(s.buf.Len()+len(p)) > s.limit {
		return 0, vaulterrors.NewPolicyError(
			fmt.Sprintf("bundle exceeds the maximum allowed size of %d bytes", s.limit))
	}
	return s.buf.Write(p)
}

func (s *Sink) Bytes() []byte { return s.buf.Bytes() }

// Cooker is the abstract surface each concrete bundle type implements
// (spec §4.4).
type Cooker interface {
	CheckExists(ctx context.Context) (bool, error)
	PrepareBundle(ctx context.Context, sink io.Writer) error
	CacheTypeKey() vault.BundleType
}

// Store is the subset of the Lifecycle Store the framework drives
// directly, plus the notification rows the Notifier needs to flush.
type Store interface {
	SetStatus(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, status vault.Status) error
	SetProgress(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, msg *string) error
	notification.PendingNotificationSource
}

// BundleCache is the subset of the Cache the framework writes the
// finished bundle to.
type BundleCache interface {
	AddStream(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, r io.Reader) (int64, error)
}

// Notifier is the subset of the Notifier the framework's unconditional
// finally block calls.
type Notifier interface {
	SendAll(ctx context.Context, store notification.PendingNotificationSource, status vault.Status, bundleType vault.BundleType, id vault.ObjectID) error
}

// Cook runs the framework's loop around a concrete Cooker (spec §4.4):
//
//  1. set_status(pending), set_progress("Processing...")
//  2. prepare_bundle() into a size-limited sink
//  3. on PolicyError: set_status(failed) with the safe message
//  4. on any other error: set_status(failed) with the fixed internal
//     message; the real error is logged, never shown
//  5. on success: commit the sink to the Cache, set_status(done),
//     clear progress
//  6. unconditionally: send_all_notifications — done is always visible
//     in the Store before notifications are sent, since this call
//     comes after every branch above
func Cook(ctx context.Context, c Cooker, id vault.ObjectID, store Store, blobs BundleCache, notifier Notifier, maxBundleSize int64, logger *zap.SugaredLogger) error {
	bundleType := c.CacheTypeKey()

	ctx, span := tracer.Start(ctx, "Cook")
	span.SetAttributes(
		attribute.String("vault.bundle_type", string(bundleType)),
		attribute.String("vault.object_id", id.Hex()),
	)
	defer span.End()

	if err := cook(ctx, c, bundleType, id, store, blobs, notifier, maxBundleSize, logger); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

func cook(ctx context.Context, c Cooker, bundleType vault.BundleType, id vault.ObjectID, store Store, blobs BundleCache, notifier Notifier, maxBundleSize int64, logger *zap.SugaredLogger) error {
	if err := store.SetStatus(ctx, bundleType, id, vault.StatusPending); err != nil {
		return err
	}
	processing := processingMessage
	if err := store.SetProgress(ctx, bundleType, id, &processing); err != nil {
		return err
	}

	sink := NewSink(maxBundleSize)
	prepErr := c.PrepareBundle(ctx, sink)

	finalStatus := vault.StatusDone
	switch {
	case prepErr == nil:
		if _, err := blobs.AddStream(ctx, bundleType, id, bytes.NewReader(sink.Bytes())); err != nil {
			finalStatus = vault.StatusFailed
			msg := vaulterrors.ErrorMessages.InternalError
			logger.Errorw("cooker: cache commit failed", "type", bundleType, "object_id", id.Hex(), "error", err)
			if err := store.SetStatus(ctx, bundleType, id, finalStatus); err != nil {
				return err
			}
			if err := store.SetProgress(ctx, bundleType, id, &msg); err != nil {
				return err
			}
			break
		}
		if err := store.SetStatus(ctx, bundleType, id, vault.StatusDone); err != nil {
			return err
		}
		if err := store.SetProgress(ctx, bundleType, id, nil); err != nil {
			return err
		}

	case vaulterrors.IsType(prepErr, vaulterrors.ErrorTypePolicy):
		finalStatus = vault.StatusFailed
		msg := prepErr.Error()
		if err := store.SetStatus(ctx, bundleType, id, finalStatus); err != nil {
			return err
		}
		if err := store.SetProgress(ctx, bundleType, id, &msg); err != nil {
			return err
		}

	default:
		finalStatus = vault.StatusFailed
		msg := vaulterrors.ErrorMessages.InternalError
		logger.Errorw("cooker: prepare_bundle failed", "type", bundleType, "object_id", id.Hex(), "error", prepErr)
		if err := store.SetStatus(ctx, bundleType, id, finalStatus); err != nil {
			return err
		}
		if err := store.SetProgress(ctx, bundleType, id, &msg); err != nil {
			return err
		}
	}

	if err := notifier.SendAll(ctx, store, finalStatus, bundleType, id); err != nil {
		logger.Warnw("cooker: notification flush failed", "type", bundleType, "object_id", id.Hex(), "error", err)
	}

	return nil
}
