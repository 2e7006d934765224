// Package storetest holds the behaviour every Local Store backend must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

// Factory returns a fresh, empty backend. Cleanup is registered on t.
type Factory func(t *testing.T) store.Store

// Run exercises the store.Store contract against backends built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EntityLifecycle", func(t *testing.T) { entityLifecycle(t, newStore(t)) })
	t.Run("SettingsSections", func(t *testing.T) { settingsSections(t, newStore(t)) })
	t.Run("UnknownStore", func(t *testing.T) { unknownStore(t, newStore(t)) })
	t.Run("OutboxOrdering", func(t *testing.T) { outboxOrdering(t, newStore(t)) })
	t.Run("OutboxSyncedMonotonic", func(t *testing.T) { outboxSyncedMonotonic(t, newStore(t)) })
	t.Run("OutboxRetention", func(t *testing.T) { outboxRetention(t, newStore(t)) })
}

func entityLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.Add(ctx, models.StoreCustomers, models.Record{"name": "Ana"})
	require.NoError(t, err)
	n, ok := id.Int64()
	require.True(t, ok, "entity ids are numeric, got %q", id)
	assert.Positive(t, n)

	next, err := s.Add(ctx, models.StoreCustomers, models.Record{"name": "Luis"})
	require.NoError(t, err)
	m, _ := next.Int64()
	assert.Greater(t, m, n, "ids increase")

	rec, err := s.Get(ctx, models.StoreCustomers, id)
	require.NoError(t, err)
	assert.Equal(t, "Ana", rec["name"])
	assert.EqualValues(t, n, rec["id"])

	require.NoError(t, s.Update(ctx, models.StoreCustomers, id, models.Record{"name": "Ana María"}))
	rec, err = s.Get(ctx, models.StoreCustomers, id)
	require.NoError(t, err)
	assert.Equal(t, "Ana María", rec["name"])

	err = s.Update(ctx, models.StoreCustomers, "999999", models.Record{"name": "ghost"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "update of missing entity: %v", err)

	all, err := s.GetAll(ctx, models.StoreCustomers)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.Delete(ctx, models.StoreCustomers, id))
	_, err = s.Get(ctx, models.StoreCustomers, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "get after delete: %v", err)
	err = s.Delete(ctx, models.StoreCustomers, id)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound), "second delete: %v", err)
}

func settingsSections(t *testing.T, s store.Store) {
	ctx := context.Background()

	id, err := s.Add(ctx, models.StoreSettings, models.Record{"key": "business", "name": "Pizzería"})
	require.NoError(t, err)
	assert.Equal(t, models.RecordID("business"), id)

	_, err = s.Add(ctx, models.StoreSettings, models.Record{"key": "business"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "duplicate section: %v", err)

	// Update creates missing sections.
	require.NoError(t, s.Update(ctx, models.StoreSettings, "receipt", models.Record{"footer": "Gracias"}))

	rec, err := store.GetSettings(ctx, s, "receipt")
	require.NoError(t, err)
	assert.Equal(t, "receipt", rec["key"])
	assert.Equal(t, "Gracias", rec["footer"])

	all, err := s.GetAll(ctx, models.StoreSettings)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "business", all[0]["key"])
}

func unknownStore(t *testing.T, s store.Store) {
	ctx := context.Background()
	_, err := s.Add(ctx, "unknownThing", models.Record{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = s.GetAll(ctx, models.StoreSyncQueue)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func appendAt(t *testing.T, s store.Store, action models.Action, id models.RecordID, ts time.Time) *models.OutboxEntry {
	t.Helper()
	e := &models.OutboxEntry{
		Store:     models.StoreSales,
		Action:    action,
		RecordID:  id,
		Payload:   models.Record{"total": 10.5},
		Timestamp: ts,
	}
	require.NoError(t, s.AppendOutbox(context.Background(), e))
	require.NotZero(t, e.ID)
	return e
}

func outboxOrdering(t *testing.T, s store.Store) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	late := appendAt(t, s, models.ActionAdd, "1", base.Add(time.Second))
	early := appendAt(t, s, models.ActionAdd, "2", base)
	tie := appendAt(t, s, models.ActionDelete, "2", base)

	entries, err := s.ListOutbox(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []int64{early.ID, tie.ID, late.ID}, []int64{entries[0].ID, entries[1].ID, entries[2].ID})
	assert.True(t, entries[0].Timestamp.Equal(base))
	assert.Equal(t, 10.5, entries[0].Payload["total"])
	assert.Nil(t, entries[1].Payload, "delete entries carry no payload")
}

func outboxSyncedMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := appendAt(t, s, models.ActionAdd, "1", time.Time{})
	b := appendAt(t, s, models.ActionAdd, "2", time.Time{})

	n, err := s.MarkOutboxSynced(ctx, []int64{a.ID, 424242})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = s.MarkOutboxSynced(ctx, []int64{a.ID})
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	pending, err := s.ListOutbox(ctx, true)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)

	all, err := s.ListOutbox(ctx, false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, e := range all {
		if e.ID == a.ID {
			assert.True(t, e.Synced)
		}
	}
}

func outboxRetention(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)

	oldSynced := appendAt(t, s, models.ActionAdd, "1", old)
	oldPending := appendAt(t, s, models.ActionAdd, "2", old)
	fresh := appendAt(t, s, models.ActionAdd, "3", now)
	_, err := s.MarkOutboxSynced(ctx, []int64{oldSynced.ID, fresh.ID})
	require.NoError(t, err)

	removed, err := s.DeleteSyncedBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	left, err := s.ListOutbox(ctx, false)
	require.NoError(t, err)
	ids := make([]int64, 0, len(left))
	for _, e := range left {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []int64{oldPending.ID, fresh.ID}, ids)
}
