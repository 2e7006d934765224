package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// =====================================================
// Outbox Operations
// =====================================================

// AppendOutbox stores a new outbox entry and assigns its id. A zero
// timestamp is stamped with the current time.
func (r *Repository) AppendOutbox(ctx context.Context, e *models.OutboxEntry) error {
	if !e.Action.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown outbox action %q", e.Action)
	}
	if e.Store == "" {
		return apperrors.New(apperrors.ErrInvalid, "outbox entry requires a store")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var data sql.NullString
	if e.Action != models.ActionDelete && e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInvalid, "outbox payload is not serializable", err)
		}
		data = sql.NullString{String: string(b), Valid: true}
	}

	stmt, err := r.PrepareStmt(ctx, `
	INSERT INTO sync_queue (store, action, record_id, data, timestamp, synced)
	VALUES (?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, e.Store, string(e.Action), e.RecordID, data, models.FormatTimestamp(e.Timestamp))
	if err != nil {
		return storageErr("append outbox", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("append outbox", err)
	}
	e.ID = id
	e.Synced = false
	return nil
}

// ListOutbox returns outbox entries ordered by timestamp, then id.
func (r *Repository) ListOutbox(ctx context.Context, onlyPending bool) ([]*models.OutboxEntry, error) {
	query := `SELECT id, store, action, record_id, data, timestamp, synced FROM sync_queue`
	if onlyPending {
		query += ` WHERE synced = 0`
	}
	query += ` ORDER BY timestamp, id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list outbox", err)
	}
	defer rows.Close()

	entries := []*models.OutboxEntry{}
	for rows.Next() {
		var (
			e      models.OutboxEntry
			action string
			data   sql.NullString
			ts     string
		)
		if err := rows.Scan(&e.ID, &e.Store, &action, &e.RecordID, &data, &ts, &e.Synced); err != nil {
			return nil, storageErr("scan outbox", err)
		}
		e.Action = models.Action(action)
		if e.Timestamp, err = models.ParseTimestamp(ts); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode outbox timestamp", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &e.Payload); err != nil {
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode outbox payload", err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list outbox", err)
	}
	return entries, nil
}

// MarkOutboxSynced flips synced for ids in a single transaction. Ids that are
// already synced or unknown are skipped.
func (r *Repository) MarkOutboxSynced(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("begin mark synced", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE sync_queue SET synced = 1 WHERE id = ? AND synced = 0`)
	if err != nil {
		return 0, storageErr("prepare mark synced", err)
	}
	defer stmt.Close()

	var marked int64
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return 0, storageErr("mark synced", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storageErr("mark synced", err)
		}
		marked += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr("commit mark synced", err)
	}
	return marked, nil
}

// DeleteSyncedBefore removes synced entries recorded before cutoff.
// Unsynced entries are never removed.
func (r *Repository) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	stmt, err := r.PrepareStmt(ctx, `DELETE FROM sync_queue WHERE synced = 1 AND timestamp < ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.ExecContext(ctx, models.FormatTimestamp(cutoff))
	if err != nil {
		return 0, storageErr("cleanup outbox", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("cleanup outbox", err)
	}
	return n, nil
}
