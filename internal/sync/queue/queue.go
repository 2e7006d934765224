// Package queue manages the outbox of local mutations awaiting remote replay.
package queue

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

// DefaultRetention is how long synced entries are kept before cleanup.
const DefaultRetention = 7 * 24 * time.Hour

// Stats summarizes the outbox.
type Stats struct {
	Total         int            `json:"total"`
	Pending       int            `json:"pending"`
	Synced        int            `json:"synced"`
	OldestPending *time.Time     `json:"oldest_pending,omitempty"`
	PendingBy     map[string]int `json:"pending_by_store"`
}

// Outbox appends, lists and retires outbox entries over an OutboxStore.
type Outbox struct {
	store store.OutboxStore
	log   *logging.Logger
	now   func() time.Time
}

// Option configures an Outbox.
type Option func(*Outbox)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Outbox) { o.log = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Outbox) { o.now = now }
}

// New creates an Outbox over s.
func New(s store.OutboxStore, opts ...Option) *Outbox {
	o := &Outbox{store: s, log: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Append records one mutation. Delete entries never carry a payload.
func (o *Outbox) Append(ctx context.Context, storeName string, action models.Action, id models.RecordID, payload models.Record) (*models.OutboxEntry, error) {
	if !action.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown outbox action %q", action)
	}
	if storeName == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "outbox entry requires a store")
	}
	if id.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "outbox entry requires a record id")
	}

	entry := &models.OutboxEntry{
		Store:     storeName,
		Action:    action,
		RecordID:  id,
		Timestamp: o.now().UTC(),
	}
	if action != models.ActionDelete {
		entry.Payload = payload.Clone()
	}

	if err := o.store.AppendOutbox(ctx, entry); err != nil {
		return nil, err
	}

	o.log.Debug("outbox entry appended", map[string]interface{}{
		"entry_id":  entry.ID,
		"store":     storeName,
		"action":    string(action),
		"record_id": id.String(),
	})
	return entry, nil
}

// Pending returns unsynced entries, oldest first (ties broken by id).
func (o *Outbox) Pending(ctx context.Context) ([]*models.OutboxEntry, error) {
	return o.store.ListOutbox(ctx, true)
}

// All returns every retained entry, oldest first.
func (o *Outbox) All(ctx context.Context) ([]*models.OutboxEntry, error) {
	return o.store.ListOutbox(ctx, false)
}

// MarkSynced flags entries as confirmed by the remote.
func (o *Outbox) MarkSynced(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := o.store.MarkOutboxSynced(ctx, ids)
	if err != nil {
		return 0, err
	}
	o.log.Debug("outbox entries marked synced", map[string]interface{}{
		"requested": len(ids),
		"marked":    n,
	})
	return n, nil
}

// Cleanup removes synced entries older than retention. Unsynced entries are
// kept regardless of age.
func (o *Outbox) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := o.now().Add(-retention)

	n, err := o.store.DeleteSyncedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		o.log.Info("outbox cleanup removed synced entries", map[string]interface{}{
			"removed": n,
			"cutoff":  models.FormatTimestamp(cutoff),
		})
	}
	return n, nil
}

// Stats counts entries by state.
func (o *Outbox) Stats(ctx context.Context) (Stats, error) {
	entries, err := o.All(ctx)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{PendingBy: map[string]int{}}
	for _, e := range entries {
		stats.Total++
		if e.Synced {
			stats.Synced++
			continue
		}
		stats.Pending++
		stats.PendingBy[e.Store]++
		if stats.OldestPending == nil || e.Timestamp.Before(*stats.OldestPending) {
			ts := e.Timestamp
			stats.OldestPending = &ts
		}
	}
	return stats, nil
}
