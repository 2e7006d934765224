package store

import (
	"context"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// Unavailable is a Store used when the backend could not be opened.
// Every operation fails fast with STORAGE_UNAVAILABLE carrying the open error.
type Unavailable struct {
	Cause error
}

var _ Store = (*Unavailable)(nil)

func (u *Unavailable) err() error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, "local store is not available", u.Cause)
}

func (u *Unavailable) Add(context.Context, string, models.Record) (models.RecordID, error) {
	return "", u.err()
}

func (u *Unavailable) Get(context.Context, string, models.RecordID) (models.Record, error) {
	return nil, u.err()
}

func (u *Unavailable) Update(context.Context, string, models.RecordID, models.Record) error {
	return u.err()
}

func (u *Unavailable) Delete(context.Context, string, models.RecordID) error {
	return u.err()
}

func (u *Unavailable) GetAll(context.Context, string) ([]models.Record, error) {
	return nil, u.err()
}

func (u *Unavailable) AppendOutbox(context.Context, *models.OutboxEntry) error {
	return u.err()
}

func (u *Unavailable) ListOutbox(context.Context, bool) ([]*models.OutboxEntry, error) {
	return nil, u.err()
}

func (u *Unavailable) MarkOutboxSynced(context.Context, []int64) (int64, error) {
	return 0, u.err()
}

func (u *Unavailable) DeleteSyncedBefore(context.Context, time.Time) (int64, error) {
	return 0, u.err()
}

func (u *Unavailable) Close() error { return nil }
