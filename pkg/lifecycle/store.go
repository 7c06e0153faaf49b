// Package lifecycle implements the Lifecycle Store (spec §4.2): the
// durable table of bundle requests keyed by (type, object_id), their
// notification lists, and cache-eviction sweeps coordinated against the
// Cache.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	vaulterrors "github.com/SoftwareHeritage/swh-vault/internal/errors"
	"github.com/SoftwareHeritage/swh-vault/pkg/vault"
)

const uniqueViolation = "23505"

// OrderBy selects the timestamp column cache_expire_oldest/cache_expire_until
// sort by (spec §4.2).
type OrderBy string

const (
	OrderByCreated    OrderBy = "ts_created"
	OrderByDone       OrderBy = "ts_done"
	OrderByLastAccess OrderBy = "ts_last_access"
)

var validOrderBy = map[OrderBy]bool{
	OrderByCreated: true, OrderByDone: true, OrderByLastAccess: true,
}

// BlobDeleter is the narrow Cache collaborator the Store needs for
// eviction: the Store deletes its own row first, then asks the blob
// store to drop the bytes (spec §4.2: "store-first, blob-second").
type BlobDeleter interface {
	Delete(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error
}

// Store is the Lifecycle Store. The zero value is not usable; build one
// with New.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func New(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) classifyDBError(operation string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return vaulterrors.NewNotFoundError("bundle")
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return vaulterrors.NewConflictError("bundle already requested")
	}
	return vaulterrors.NewDatabaseError(operation, err)
}

// TaskInfo returns the row for (type, id), or (nil, nil) if absent —
// mirroring backend.py's task_info returning None rather than raising.
func (s *Store) TaskInfo(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) (*vault.BundleRecord, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, type, object_id, task_handle, status, sticky,
		       progress_msg, ts_created, ts_done, ts_last_access
		FROM vault_bundle
		WHERE type = $1 AND object_id = $2`, string(bundleType), id[:])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, vaulterrors.NewDatabaseError("task_info", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// CreateTask inserts a new row in status=new and returns it. The caller
// (the Request Coordinator) is responsible for object-existence
// verification before calling this (spec §4.2: create_task "verifies
// the object exists via the cooker's check_exists").
func (s *Store) CreateTask(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, sticky bool) (*vault.BundleRecord, error) {
	var row bundleRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO vault_bundle (type, object_id, status, sticky, ts_created)
		VALUES ($1, $2, 'new', $3, NOW())
		RETURNING id, type, object_id, task_handle, status, sticky,
		          progress_msg, ts_created, ts_done, ts_last_access`,
		string(bundleType), id[:], sticky)
	if err != nil {
		return nil, s.classifyDBError("create_task", err)
	}
	rec := row.toRecord()
	return &rec, nil
}

// SetTaskHandle records the scheduler's opaque task handle for an
// already-created row. create_task's insert+enqueue sequence tolerates a
// mid-flight crash: a row in new without a handle is orphaned and can be
// re-enqueued on recovery (spec §4.2).
func (s *Store) SetTaskHandle(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, handle string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vault_bundle SET task_handle = $1
		WHERE type = $2 AND object_id = $3`, handle, string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("set_task_handle", err)
	}
	return nil
}

// SetStatus transitions status, stamping ts_done only when the new
// status is done (spec §4.2).
func (s *Store) SetStatus(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, status vault.Status) error {
	query := `UPDATE vault_bundle SET status = $1`
	if status == vault.StatusDone {
		query += `, ts_done = NOW()`
	}
	query += ` WHERE type = $2 AND object_id = $3`
	_, err := s.db.ExecContext(ctx, query, string(status), string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("set_status", err)
	}
	return nil
}

// SetProgress updates the free-form progress text, or clears it when
// msg is nil.
func (s *Store) SetProgress(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, msg *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vault_bundle SET progress_msg = $1
		WHERE type = $2 AND object_id = $3`, msg, string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("set_progress", err)
	}
	return nil
}

// UpdateAccessTS stamps ts_last_access=now() on a successful fetch.
func (s *Store) UpdateAccessTS(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE vault_bundle SET ts_last_access = NOW()
		WHERE type = $1 AND object_id = $2`, string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("update_access_ts", err)
	}
	return nil
}

// AddNotifEmail appends a pending notification for the bundle.
// Duplicates are permitted (spec §3).
func (s *Store) AddNotifEmail(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID, email string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO vault_notif_email (email, bundle_id)
		VALUES ($1, (SELECT id FROM vault_bundle WHERE type = $2 AND object_id = $3))`,
		email, string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("add_notif_email", err)
	}
	return nil
}

// PendingNotifications materializes every notification row for the
// bundle, the RIGHT JOIN against vault_bundle matching backend.py's
// send_all_notifications query.
func (s *Store) PendingNotifications(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) ([]vault.NotificationEntry, error) {
	var rows []vault.NotificationEntry
	err := s.db.SelectContext(ctx, &rows, `
		SELECT vault_notif_email.id AS id, vault_notif_email.bundle_id AS bundle_id, email
		FROM vault_notif_email
		RIGHT JOIN vault_bundle ON bundle_id = vault_bundle.id
		WHERE vault_bundle.type = $1 AND vault_bundle.object_id = $2
		  AND vault_notif_email.id IS NOT NULL`, string(bundleType), id[:])
	if err != nil {
		return nil, vaulterrors.NewDatabaseError("pending_notifications", err)
	}
	return rows, nil
}

// DeleteNotification removes a notification row after its email has been
// sent successfully.
func (s *Store) DeleteNotification(ctx context.Context, notifID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM vault_notif_email WHERE id = $1`, notifID)
	if err != nil {
		return vaulterrors.NewDatabaseError("delete_notification", err)
	}
	return nil
}

// DeleteFailed deletes a failed row so the Request Coordinator can
// recreate it with CreateTask (spec §3, §4.3). The delete and the later
// insert are separate statements, not one transaction. Only rows in
// status=failed may be deleted this way.
func (s *Store) DeleteFailed(ctx context.Context, bundleType vault.BundleType, id vault.ObjectID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM vault_bundle
		WHERE type = $1 AND object_id = $2 AND status = 'failed'`, string(bundleType), id[:])
	if err != nil {
		return vaulterrors.NewDatabaseError("delete_failed", err)
	}
	return nil
}

// ListOrphaned returns every row stuck in status=new with no
// task_handle: the gap CreateTask's doc comment describes between
// inserting the row and recording the scheduler's handle. A worker
// process recovers these on startup by re-enqueuing them.
func (s *Store) ListOrphaned(ctx context.Context) ([]vault.BundleRecord, error) {
	var rows []bundleRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, type, object_id, task_handle, status, sticky,
		       progress_msg, ts_created, ts_done, ts_last_access
		FROM vault_bundle
		WHERE status = 'new' AND task_handle IS NULL
		ORDER BY ts_created ASC`)
	if err != nil {
		return nil, vaulterrors.NewDatabaseError("list_orphaned", err)
	}
	records := make([]vault.BundleRecord, len(rows))
	for i, row := range rows {
		records[i] = row.toRecord()
	}
	return records, nil
}

// ExpireOldest selects the n oldest non-sticky rows ordered by by,
// deletes each (store-first) then asks blobs to drop the matching blob
// (blob-second). A crash between the two leaves a harmless orphan blob,
// swept separately (spec §4.2, §9).
func (s *Store) ExpireOldest(ctx context.Context, n int, by OrderBy, blobs BlobDeleter) (int, error) {
	if !validOrderBy[by] {
		return 0, vaulterrors.NewValidationError(fmt.Sprintf("invalid order column %q", by))
	}
	rows, err := s.selectExpireCandidates(ctx, by, fmt.Sprintf("LIMIT %d", n))
	if err != nil {
		return 0, err
	}
	return s.expireRows(ctx, rows, blobs)
}

// ExpireUntil selects every non-sticky, done row whose by column is
// older than cutoff, evicting all of them the same way as ExpireOldest.
func (s *Store) ExpireUntil(ctx context.Context, cutoff time.Time, by OrderBy, blobs BlobDeleter) (int, error) {
	if !validOrderBy[by] {
		return 0, vaulterrors.NewValidationError(fmt.Sprintf("invalid order column %q", by))
	}
	rows, err := s.selectExpireCandidatesBefore(ctx, by, cutoff)
	if err != nil {
		return 0, err
	}
	return s.expireRows(ctx, rows, blobs)
}

func (s *Store) selectExpireCandidates(ctx context.Context, by OrderBy, limitClause string) ([]bundleRow, error) {
	var rows []bundleRow
	query := fmt.Sprintf(`
		SELECT id, type, object_id, task_handle, status, sticky,
		       progress_msg, ts_created, ts_done, ts_last_access
		FROM vault_bundle
		WHERE sticky = false AND status = 'done'
		ORDER BY %s ASC %s`, string(by), limitClause)
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, vaulterrors.NewDatabaseError("expire_select", err)
	}
	return rows, nil
}

func (s *Store) selectExpireCandidatesBefore(ctx context.Context, by OrderBy, cutoff time.Time) ([]bundleRow, error) {
	var rows []bundleRow
	query := fmt.Sprintf(`
		SELECT id, type, object_id, task_handle, status, sticky,
		       progress_msg, ts_created, ts_done, ts_last_access
		FROM vault_bundle
		WHERE sticky = false AND status = 'done' AND %s < $1
		ORDER BY %s ASC`, string(by), string(by))
	if err := s.db.SelectContext(ctx, &rows, query, cutoff); err != nil {
		return nil, vaulterrors.NewDatabaseError("expire_select", err)
	}
	return rows, nil
}

func (s *Store) expireRows(ctx context.Context, rows []bundleRow, blobs BlobDeleter) (int, error) {
	evicted := 0
	for _, row := range rows {
		rec := row.toRecord()
		if _, err := s.db.ExecContext(ctx, `DELETE FROM vault_bundle WHERE id = $1`, rec.ID); err != nil {
			return evicted, vaulterrors.NewDatabaseError("expire_delete_row", err)
		}
		if err := blobs.Delete(ctx, rec.Type, rec.ObjectID); err != nil {
			s.logger.Warn("cache_expire: orphan blob left behind after row delete",
				zap.String("type", string(rec.Type)), zap.String("object_id", rec.ObjectID.Hex()),
				zap.Error(err))
		}
		evicted++
	}
	return evicted, nil
}

// bundleRow is the sqlx scan target for vault_bundle; ObjectID is stored
// as raw bytea and converted to/from vault.ObjectID at the boundary.
type bundleRow struct {
	ID           int64      `db:"id"`
	Type         string     `db:"type"`
	ObjectID     []byte     `db:"object_id"`
	TaskHandle   *string    `db:"task_handle"`
	Status       string     `db:"status"`
	Sticky       bool       `db:"sticky"`
	ProgressMsg  *string    `db:"progress_msg"`
	TSCreated    time.Time  `db:"ts_created"`
	TSDone       *time.Time `db:"ts_done"`
	TSLastAccess *time.Time `db:"ts_last_access"`
}

func (r bundleRow) toRecord() vault.BundleRecord {
	var id vault.ObjectID
	copy(id[:], r.ObjectID)
	return vault.BundleRecord{
		ID:           r.ID,
		Type:         vault.BundleType(r.Type),
		ObjectID:     id,
		TaskHandle:   r.TaskHandle,
		Status:       vault.Status(r.Status),
		Sticky:       r.Sticky,
		ProgressMsg:  r.ProgressMsg,
		TSCreated:    r.TSCreated,
		TSDone:       r.TSDone,
		TSLastAccess: r.TSLastAccess,
	}
}
