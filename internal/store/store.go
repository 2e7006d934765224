// Package store defines the Local Store contracts shared by the SQLite and
// key-value backends, the interceptor and the sync engine.
package store

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// CRUD is the minimal entity surface the UI mutates through.
//
// Entity stores (products, customers, sales, inventory) assign numeric ids.
// The settings store is keyed by section name: Add requires a "key" field and
// Update is create-or-replace.
type CRUD interface {
	Add(ctx context.Context, store string, item models.Record) (models.RecordID, error)
	Get(ctx context.Context, store string, id models.RecordID) (models.Record, error)
	Update(ctx context.Context, store string, id models.RecordID, item models.Record) error
	Delete(ctx context.Context, store string, id models.RecordID) error
	GetAll(ctx context.Context, store string) ([]models.Record, error)
}

// OutboxStore persists outbox entries. Entries are immutable apart from the
// synced flag, which only moves from false to true.
type OutboxStore interface {
	// AppendOutbox stores e and assigns e.ID.
	AppendOutbox(ctx context.Context, e *models.OutboxEntry) error
	// ListOutbox returns entries ordered by timestamp, then id.
	ListOutbox(ctx context.Context, onlyPending bool) ([]*models.OutboxEntry, error)
	// MarkOutboxSynced flags the given entries in one transaction and returns
	// how many flipped. Already-synced ids are not counted.
	MarkOutboxSynced(ctx context.Context, ids []int64) (int64, error)
	// DeleteSyncedBefore removes synced entries older than cutoff.
	DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is a complete Local Store backend.
type Store interface {
	CRUD
	OutboxStore
	Close() error
}

// CheckName rejects names that are not business stores.
func CheckName(name string) error {
	if !models.IsKnownStore(name) {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown store %q", name)
	}
	return nil
}

// SettingsKey extracts the section name a settings record is saved under.
func SettingsKey(item models.Record) (models.RecordID, error) {
	key := item.String("key")
	if key == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "settings record requires a non-empty key")
	}
	return models.RecordID(key), nil
}

// SaveSettings writes each section as its own record, in key order.
//
// The save is not atomic across sections: it stops at the first failure and
// sections written before it stay written. The returned slice lists the
// sections that were saved.
func SaveSettings(ctx context.Context, crud CRUD, sections map[string]models.Record) ([]string, error) {
	keys := make([]string, 0, len(sections))
	for k := range sections {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	saved := make([]string, 0, len(keys))
	for _, key := range keys {
		if key == "" {
			return saved, apperrors.New(apperrors.ErrInvalid, "settings section name cannot be empty")
		}
		rec := sections[key].Clone()
		if rec == nil {
			rec = models.Record{}
		}
		rec["key"] = key
		if err := crud.Update(ctx, models.StoreSettings, models.RecordID(key), rec); err != nil {
			return saved, err
		}
		saved = append(saved, key)
	}
	return saved, nil
}

// GetSettings returns one settings section.
func GetSettings(ctx context.Context, crud CRUD, key string) (models.Record, error) {
	return crud.Get(ctx, models.StoreSettings, models.RecordID(key))
}
