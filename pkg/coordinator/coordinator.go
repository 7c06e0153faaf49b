// Package coordinator implements the Request Coordinator (spec §4.3):
// the single public entry point tying the Lifecycle Store, the Cooker
// Framework's existence check, the Scheduler Adapter, and the Notifier
// together into one idempotent, non-blocking cook_request call.
package coordinator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/cooker"
	"github.com/SoftwareHeritage/swh-vault/pkg/scheduler"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

var tracer = otel.Tracer("github.com/SoftwareHeritage/swh-vault/pkg/coordinator")

// Store is the subset of the Lifecycle Store the coordinator drives.
type Store interface {
	TaskInfo(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) (*vault.BundleRecord, error)
	CreateTask(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, sticky bool) (*vault.BundleRecord, error)
	SetTaskHandle(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, handle string) error
	DeleteFailed(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error
	AddNotifEmail(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, email string) error
}

// Notifier is the subset of the Notifier used for the immediate
// "already done" send path (spec §4.3 step 5).
type Notifier interface {
	Send(ctx context.Context, email string, status vault.Status, bundleType vault.BundleType, id vault.ObjectID) error
}

// CookerFactory builds the concrete Cooker for a bundle type, used
// solely to call CheckExists before a task row is created (spec §4.2:
// "create_task verifies the object exists via the cooker's
// check_exists").
type CookerFactory func(bundleType vault.BundleType, id vault.ObjectID) (cooker.Cooker, error)

// Coordinator is the Request Coordinator. The zero value is not
// usable; build one with New.
type Coordinator struct {
	store     Store
	scheduler scheduler.Scheduler
	notifier  Notifier
	cookers   CookerFactory
	logger    *zap.SugaredLogger
}

func New(store Store, sched scheduler.Scheduler, notifier Notifier, cookers CookerFactory, logger *zap.SugaredLogger) *Coordinator {
	return &Coordinator{store: store, scheduler: sched, notifier: notifier, cookers: cookers, logger: logger}
}

// CookRequest is cook_request (spec §4.3): reject unknown type; verify
// the object exists before creating any row; one-shot retry on a prior
// failure by deleting and recreating the row in the same logical
// operation; capture the notification email either immediately (if the
// bundle is already done) or by appending to the pending list;
// re-read and return the final row. It never blocks on cooking — the
// scheduler enqueue only hands the task off, it does not cook inline.
func (c *Coordinator) CookRequest(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, email *string, sticky bool) (*vault.BundleRecord, error) {
	ctx, span := tracer.Start(ctx, "CookRequest")
	span.SetAttributes(
		attribute.String("vault.bundle_type", string(bundleType)),
		attribute.String("vault.object_id", id.Hex()),
	)
	defer span.End()

	record, err := c.cookRequest(ctx, bundleType, id, email, sticky)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return record, err
}

func (c *Coordinator) cookRequest(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, email *string, sticky bool) (*vault.BundleRecord, error) {
	if !vault.KnownBundleTypes[bundleType] {
		return nil, vaulterrors.NewValidationError(fmt.Sprintf("unknown bundle type %q", bundleType))
	}

	info, err := c.store.TaskInfo(ctx, bundleType, id)
	if err != nil {
		return nil, err
	}

	if info != nil && info.Status == vault.StatusFailed {
		if err := c.store.DeleteFailed(ctx, bundleType, id); err != nil {
			return nil, err
		}
		info = nil
	}

	if info == nil {
		created, err := c.createTask(ctx, bundleType, id, sticky)
		if err != nil {
			return nil, err
		}
		info = created
	}

	if email != nil {
		if info.Status == vault.StatusDone {
			if err := c.notifier.Send(ctx, *email, vault.StatusDone, bundleType, id); err != nil {
				c.logger.Warnw("coordinator: immediate done notification failed",
					"type", bundleType, "object_id", id.Hex(), "error", err)
			}
		} else if err := c.store.AddNotifEmail(ctx, bundleType, id, *email); err != nil {
			return nil, err
		}
	}

	return c.store.TaskInfo(ctx, bundleType, id)
}

// createTask verifies existence, inserts the row, and enqueues the
// cooking task — tolerating a mid-flight crash between insert and
// enqueue, since a row left in status=new with no task_handle is
// orphaned and can be re-enqueued on recovery (spec §4.2).
func (c *Coordinator) createTask(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, sticky bool) (*vault.BundleRecord, error) {
	ck, err := c.cookers(bundleType, id)
	if err != nil {
		return nil, err
	}
	exists, err := ck.CheckExists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, vaulterrors.NewNotFoundError(fmt.Sprintf("%s %s", bundleType, id.Hex()))
	}

	record, err := c.store.CreateTask(ctx, bundleType, id, sticky)
	if err != nil {
		if vaulterrors.IsType(err, vaulterrors.ErrorTypeConflict) {
			// Lost the race on the unique (type, object_id) constraint —
			// another caller's insert won, so observe its row instead of
			// surfacing the conflict (spec §4.3).
			return c.store.TaskInfo(ctx, bundleType, id)
		}
		return nil, err
	}

	handle, err := c.scheduler.Enqueue(ctx, scheduler.Task{Type: string(bundleType), HexID: id.Hex()})
	if err != nil {
		return nil, vaulterrors.Wrap(err, vaulterrors.ErrorTypeInternal, "coordinator: enqueue failed")
	}
	if err := c.store.SetTaskHandle(ctx, bundleType, id, handle); err != nil {
		return nil, err
	}
	record.TaskHandle = &handle
	return record, nil
}
