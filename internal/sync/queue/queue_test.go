// Package queue provides unit tests for the outbox.
package queue

import (
	"context"
	"testing"
	"time"

	"github.com/kimhsiao/possync/internal/db"
	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
)

// newTestOutbox returns an Outbox over an in-memory SQLite store and a
// settable clock.
func newTestOutbox(t *testing.T) (*Outbox, *time.Time) {
	t.Helper()
	conn, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return New(repo, WithClock(func() time.Time { return now })), &now
}

// TestOutboxAppend tests appending entries.
func TestOutboxAppend(t *testing.T) {
	o, now := newTestOutbox(t)
	ctx := context.Background()

	payload := models.Record{"name": "Ana"}
	entry, err := o.Append(ctx, models.StoreCustomers, models.ActionAdd, "1", payload)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if entry.ID == 0 {
		t.Error("Expected entry ID to be set")
	}
	if !entry.Timestamp.Equal(*now) {
		t.Errorf("Timestamp = %v, want %v", entry.Timestamp, *now)
	}
	if entry.Synced {
		t.Error("new entries start unsynced")
	}

	// The payload is a snapshot.
	payload["name"] = "changed"
	pending, _ := o.Pending(ctx)
	if pending[0].Payload["name"] != "Ana" {
		t.Errorf("payload = %v, want snapshot", pending[0].Payload)
	}
}

// TestOutboxAppend_deleteDropsPayload tests delete entries carry no data.
func TestOutboxAppend_deleteDropsPayload(t *testing.T) {
	o, _ := newTestOutbox(t)

	entry, err := o.Append(context.Background(), models.StoreCustomers, models.ActionDelete, "1", models.Record{"name": "Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if entry.Payload != nil {
		t.Errorf("Payload = %v, want nil", entry.Payload)
	}
}

// TestOutboxAppend_invalid tests input validation.
func TestOutboxAppend_invalid(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		store  string
		action models.Action
		id     models.RecordID
	}{
		{"bad action", models.StoreSales, "upsert", "1"},
		{"empty store", "", models.ActionAdd, "1"},
		{"empty id", models.StoreSales, models.ActionAdd, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := o.Append(ctx, tt.store, tt.action, tt.id, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
				t.Errorf("Append() error = %v, want INVALID_INPUT", err)
			}
		})
	}
}

// TestOutboxPending_order tests entries come back in mutation order.
func TestOutboxPending_order(t *testing.T) {
	o, now := newTestOutbox(t)
	ctx := context.Background()

	add, _ := o.Append(ctx, models.StoreCustomers, models.ActionAdd, "1", models.Record{"name": "Ana"})
	*now = now.Add(time.Second)
	upd, _ := o.Append(ctx, models.StoreCustomers, models.ActionUpdate, "1", models.Record{"name": "Ana M."})
	*now = now.Add(time.Second)
	del, _ := o.Append(ctx, models.StoreCustomers, models.ActionDelete, "1", nil)

	pending, err := o.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("Expected 3 pending, got %d", len(pending))
	}
	for i, want := range []int64{add.ID, upd.ID, del.ID} {
		if pending[i].ID != want {
			t.Errorf("pending[%d] = %d, want %d", i, pending[i].ID, want)
		}
	}
}

// TestOutboxMarkSynced tests the synced flag is set once.
func TestOutboxMarkSynced(t *testing.T) {
	o, _ := newTestOutbox(t)
	ctx := context.Background()

	a, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "1", models.Record{"total": 10.0})
	b, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "2", models.Record{"total": 20.0})

	n, err := o.MarkSynced(ctx, []int64{a.ID})
	if err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}

	pending, _ := o.Pending(ctx)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("pending = %v", pending)
	}

	if n, _ := o.MarkSynced(ctx, nil); n != 0 {
		t.Errorf("MarkSynced(nil) = %d", n)
	}
}

// TestOutboxCleanup tests retention only removes old synced entries.
func TestOutboxCleanup(t *testing.T) {
	o, now := newTestOutbox(t)
	ctx := context.Background()

	oldSynced, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "1", nil)
	oldPending, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "2", nil)
	if _, err := o.MarkSynced(ctx, []int64{oldSynced.ID}); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(8 * 24 * time.Hour)
	recentSynced, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "3", nil)
	if _, err := o.MarkSynced(ctx, []int64{recentSynced.ID}); err != nil {
		t.Fatal(err)
	}

	removed, err := o.Cleanup(ctx, DefaultRetention)
	if err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	all, _ := o.All(ctx)
	if len(all) != 2 {
		t.Fatalf("remaining = %d, want 2", len(all))
	}
	for _, e := range all {
		if e.ID == oldSynced.ID {
			t.Error("old synced entry should be removed")
		}
	}
	if all[0].ID != oldPending.ID {
		t.Error("old unsynced entry must be retained")
	}
}

// TestOutboxCleanup_defaultRetention tests a non-positive retention falls back to 7 days.
func TestOutboxCleanup_defaultRetention(t *testing.T) {
	o, now := newTestOutbox(t)
	ctx := context.Background()

	e, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "1", nil)
	o.MarkSynced(ctx, []int64{e.ID})

	*now = now.Add(6 * 24 * time.Hour)
	if n, _ := o.Cleanup(ctx, 0); n != 0 {
		t.Errorf("removed %d entries inside the retention window", n)
	}
	*now = now.Add(2 * 24 * time.Hour)
	if n, _ := o.Cleanup(ctx, 0); n != 1 {
		t.Errorf("removed %d, want 1 after the retention window", n)
	}
}

// TestOutboxStats tests statistics.
func TestOutboxStats(t *testing.T) {
	o, now := newTestOutbox(t)
	ctx := context.Background()

	first := *now
	a, _ := o.Append(ctx, models.StoreSales, models.ActionAdd, "1", nil)
	*now = now.Add(time.Minute)
	o.Append(ctx, models.StoreSales, models.ActionAdd, "2", nil)
	o.Append(ctx, models.StoreCustomers, models.ActionAdd, "1", nil)
	o.MarkSynced(ctx, []int64{a.ID})

	stats, err := o.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 3 || stats.Pending != 2 || stats.Synced != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.PendingBy[models.StoreSales] != 1 || stats.PendingBy[models.StoreCustomers] != 1 {
		t.Errorf("PendingBy = %v", stats.PendingBy)
	}
	if stats.OldestPending == nil || !stats.OldestPending.Equal(first.Add(time.Minute)) {
		t.Errorf("OldestPending = %v", stats.OldestPending)
	}
}
