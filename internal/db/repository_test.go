// Package db provides unit tests for the SQLite Local Store.
package db

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
	"github.com/kimhsiao/possync/internal/store/storetest"
)

// setupTestRepo opens a migrated in-memory database.
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory() failed: %v", err)
	}
	repo := NewRepository(db.DB)
	t.Cleanup(func() {
		repo.Close()
		db.Close()
	})
	return repo
}

// =====================================================
// Entity Tests
// =====================================================

func TestRepository_AddGet(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	id, err := repo.Add(ctx, models.StoreCustomers, models.Record{"name": "Ana", "phone": "555-0101"})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if id != "1" {
		t.Errorf("first id = %q, want 1", id)
	}

	second, err := repo.Add(ctx, models.StoreCustomers, models.Record{"name": "Luis"})
	if err != nil {
		t.Fatal(err)
	}
	if second != "2" {
		t.Errorf("second id = %q, want 2", second)
	}

	rec, err := repo.Get(ctx, models.StoreCustomers, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec["name"] != "Ana" || rec["phone"] != "555-0101" {
		t.Errorf("Get() = %v", rec)
	}
	if rec["id"] != int64(1) {
		t.Errorf("id field = %#v, want int64(1)", rec["id"])
	}
}

// TestRepository_AddIgnoresCallerID verifies ids are always assigned locally.
func TestRepository_AddIgnoresCallerID(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	id, err := repo.Add(ctx, models.StoreProducts, models.Record{"id": 99, "name": "Pizza"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "1" {
		t.Errorf("id = %q, want 1", id)
	}
}

func TestRepository_Update(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Add(ctx, models.StoreProducts, models.Record{"name": "Corte", "price": 120.0})
	if err := repo.Update(ctx, models.StoreProducts, id, models.Record{"name": "Corte clásico"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	rec, err := repo.Get(ctx, models.StoreProducts, id)
	if err != nil {
		t.Fatal(err)
	}
	if rec["name"] != "Corte clásico" {
		t.Errorf("name = %v", rec["name"])
	}
	if _, ok := rec["price"]; ok {
		t.Error("update is a full replace, price should be gone")
	}

	err = repo.Update(ctx, models.StoreProducts, "42", models.Record{"name": "x"})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Update(missing) error = %v, want NOT_FOUND", err)
	}
}

func TestRepository_Delete(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	id, _ := repo.Add(ctx, models.StoreSales, models.Record{"total": 250.5})
	if err := repo.Delete(ctx, models.StoreSales, id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	if _, err := repo.Get(ctx, models.StoreSales, id); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(deleted) error = %v, want NOT_FOUND", err)
	}
	if err := repo.Delete(ctx, models.StoreSales, id); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Delete(deleted) error = %v, want NOT_FOUND", err)
	}
}

func TestRepository_GetAll(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	empty, err := repo.GetAll(ctx, models.StoreInventory)
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("GetAll(empty) = %#v, want empty non-nil slice", empty)
	}

	for _, qty := range []float64{5, -2, 10} {
		if _, err := repo.Add(ctx, models.StoreInventory, models.Record{"qty": qty}); err != nil {
			t.Fatal(err)
		}
	}
	all, err := repo.GetAll(ctx, models.StoreInventory)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("GetAll() returned %d records", len(all))
	}
	if all[0]["id"] != int64(1) || all[1]["qty"] != -2.0 {
		t.Errorf("GetAll() = %v", all)
	}
}

func TestRepository_unknownStore(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	if _, err := repo.Add(ctx, "unknownThing", models.Record{}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Add(unknownThing) error = %v, want INVALID_INPUT", err)
	}
	if _, err := repo.GetAll(ctx, "sync_queue; DROP TABLE products"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("GetAll(injection) error = %v, want INVALID_INPUT", err)
	}
}

func TestRepository_nonNumericEntityID(t *testing.T) {
	repo := setupTestRepo(t)
	if _, err := repo.Get(context.Background(), models.StoreCustomers, "abc"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Get(abc) error = %v, want NOT_FOUND", err)
	}
}

// =====================================================
// Settings Tests
// =====================================================

func TestRepository_Settings(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	id, err := repo.Add(ctx, models.StoreSettings, models.Record{"key": "business", "name": "CotiPro"})
	if err != nil {
		t.Fatalf("Add(settings) error = %v", err)
	}
	if id != "business" {
		t.Errorf("id = %q, want business", id)
	}

	if _, err := repo.Add(ctx, models.StoreSettings, models.Record{"key": "business"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("duplicate Add error = %v, want INVALID_INPUT", err)
	}
	if _, err := repo.Add(ctx, models.StoreSettings, models.Record{"name": "no key"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("Add without key error = %v, want INVALID_INPUT", err)
	}

	// Update is create-or-replace for settings.
	if err := repo.Update(ctx, models.StoreSettings, "receipt", models.Record{"footer": "Gracias"}); err != nil {
		t.Fatalf("Update(new section) error = %v", err)
	}
	rec, err := repo.Get(ctx, models.StoreSettings, "receipt")
	if err != nil {
		t.Fatal(err)
	}
	if rec["key"] != "receipt" || rec["footer"] != "Gracias" {
		t.Errorf("Get(receipt) = %v", rec)
	}

	all, _ := repo.GetAll(ctx, models.StoreSettings)
	if len(all) != 2 || all[0]["key"] != "business" {
		t.Errorf("GetAll(settings) = %v", all)
	}
}

// =====================================================
// Outbox Tests
// =====================================================

func appendEntry(t *testing.T, repo *Repository, store string, action models.Action, id models.RecordID, ts time.Time) *models.OutboxEntry {
	t.Helper()
	e := &models.OutboxEntry{Store: store, Action: action, RecordID: id, Payload: models.Record{"v": 1.0}, Timestamp: ts}
	if err := repo.AppendOutbox(context.Background(), e); err != nil {
		t.Fatalf("AppendOutbox() error = %v", err)
	}
	return e
}

func TestRepository_AppendOutbox(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	add := appendEntry(t, repo, models.StoreCustomers, models.ActionAdd, "1", time.Time{})
	del := appendEntry(t, repo, models.StoreCustomers, models.ActionDelete, "1", time.Time{})

	if add.ID == 0 || del.ID <= add.ID {
		t.Errorf("ids not monotonic: %d, %d", add.ID, del.ID)
	}
	if add.Timestamp.IsZero() {
		t.Error("zero timestamp should be stamped")
	}

	entries, err := repo.ListOutbox(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("ListOutbox() returned %d entries", len(entries))
	}
	if entries[0].Payload["v"] != 1.0 {
		t.Errorf("payload = %v", entries[0].Payload)
	}
	if entries[1].Payload != nil {
		t.Errorf("delete entry payload = %v, want nil", entries[1].Payload)
	}
	if entries[0].RecordID != "1" || entries[0].Synced {
		t.Errorf("entry = %+v", entries[0])
	}

	if err := repo.AppendOutbox(ctx, &models.OutboxEntry{Store: "x", Action: "upsert"}); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("AppendOutbox(upsert) error = %v, want INVALID_INPUT", err)
	}
}

// TestRepository_ListOutbox_order verifies timestamp-then-id ordering.
func TestRepository_ListOutbox_order(t *testing.T) {
	repo := setupTestRepo(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	late := appendEntry(t, repo, models.StoreSales, models.ActionAdd, "1", base.Add(time.Minute))
	early := appendEntry(t, repo, models.StoreSales, models.ActionAdd, "2", base)
	tie := appendEntry(t, repo, models.StoreSales, models.ActionUpdate, "2", base)

	entries, err := repo.ListOutbox(context.Background(), true)
	if err != nil {
		t.Fatal(err)
	}
	got := []int64{entries[0].ID, entries[1].ID, entries[2].ID}
	want := []int64{early.ID, tie.ID, late.ID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
	if !entries[0].Timestamp.Equal(base) {
		t.Errorf("timestamp round trip = %v, want %v", entries[0].Timestamp, base)
	}
}

func TestRepository_MarkOutboxSynced(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()

	a := appendEntry(t, repo, models.StoreProducts, models.ActionAdd, "1", time.Time{})
	b := appendEntry(t, repo, models.StoreProducts, models.ActionAdd, "2", time.Time{})

	n, err := repo.MarkOutboxSynced(ctx, []int64{a.ID, 9999})
	if err != nil {
		t.Fatalf("MarkOutboxSynced() error = %v", err)
	}
	if n != 1 {
		t.Errorf("marked = %d, want 1", n)
	}

	// Marking again does not count.
	n, _ = repo.MarkOutboxSynced(ctx, []int64{a.ID})
	if n != 0 {
		t.Errorf("re-mark = %d, want 0", n)
	}

	pending, _ := repo.ListOutbox(ctx, true)
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Errorf("pending = %+v", pending)
	}

	if n, err := repo.MarkOutboxSynced(ctx, nil); err != nil || n != 0 {
		t.Errorf("MarkOutboxSynced(nil) = %d, %v", n, err)
	}
}

// TestRepository_outboxTriggers verifies the schema refuses to revert or rewrite entries.
func TestRepository_outboxTriggers(t *testing.T) {
	repo := setupTestRepo(t)
	e := appendEntry(t, repo, models.StoreProducts, models.ActionAdd, "1", time.Time{})
	if _, err := repo.MarkOutboxSynced(context.Background(), []int64{e.ID}); err != nil {
		t.Fatal(err)
	}

	if _, err := repo.db.Exec(`UPDATE sync_queue SET synced = 0 WHERE id = ?`, e.ID); err == nil {
		t.Error("reverting synced should be rejected")
	}
	if _, err := repo.db.Exec(`UPDATE sync_queue SET record_id = '7' WHERE id = ?`, e.ID); err == nil {
		t.Error("rewriting record_id should be rejected")
	}
}

func TestRepository_DeleteSyncedBefore(t *testing.T) {
	repo := setupTestRepo(t)
	ctx := context.Background()
	now := time.Now().UTC()
	old := now.Add(-8 * 24 * time.Hour)

	oldSynced := appendEntry(t, repo, models.StoreCustomers, models.ActionAdd, "1", old)
	oldPending := appendEntry(t, repo, models.StoreCustomers, models.ActionAdd, "2", old)
	freshSynced := appendEntry(t, repo, models.StoreCustomers, models.ActionAdd, "3", now)
	if _, err := repo.MarkOutboxSynced(ctx, []int64{oldSynced.ID, freshSynced.ID}); err != nil {
		t.Fatal(err)
	}

	n, err := repo.DeleteSyncedBefore(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("DeleteSyncedBefore() error = %v", err)
	}
	if n != 1 {
		t.Errorf("removed = %d, want 1", n)
	}

	remaining, _ := repo.ListOutbox(ctx, false)
	ids := map[int64]bool{}
	for _, e := range remaining {
		ids[e.ID] = true
	}
	if ids[oldSynced.ID] || !ids[oldPending.ID] || !ids[freshSynced.ID] {
		t.Errorf("remaining = %v", ids)
	}
}

// TestRepository_closed verifies a closed database surfaces STORAGE_UNAVAILABLE.
func TestRepository_closed(t *testing.T) {
	db, err := OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewRepository(db.DB)
	repo.Close()
	db.Close()

	_, err = repo.Add(context.Background(), models.StoreProducts, models.Record{"name": "x"})
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("Add() after close error = %v, want STORAGE_UNAVAILABLE", err)
	}
	_, err = repo.ListOutbox(context.Background(), true)
	if !apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		t.Errorf("ListOutbox() after close error = %v, want STORAGE_UNAVAILABLE", err)
	}
}

func TestOpenStore(t *testing.T) {
	repo, err := OpenStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if _, err := repo.Add(context.Background(), models.StoreProducts, models.Record{"name": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := repo.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

// TestRepository_contract runs the shared Local Store behaviour.
func TestRepository_contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return setupTestRepo(t) })
}
