// Package sync provides synchronization interfaces and implementations.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/possync/internal/models"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync replays pending outbox entries against the remote.
	// The result is always non-nil; err is set whenever result.Error is.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful sync.
	LastSync() *time.Time

	// PendingChanges returns the number of entries left pending by the last pass.
	PendingChanges() int

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// Remote is the multi-tenant backend outbox entries are replayed against.
// Rows are correlated to local records through their local_id column.
type Remote interface {
	Insert(ctx context.Context, table string, row models.Record) error
	Update(ctx context.Context, table string, localID models.RecordID, row models.Record) error
	Delete(ctx context.Context, table string, localID models.RecordID) error
}

// Connectivity reports whether the remote is reachable.
type Connectivity interface {
	IsOnline(ctx context.Context) bool
}

// ConnectivityFunc adapts a function to Connectivity.
type ConnectivityFunc func(ctx context.Context) bool

// IsOnline calls f(ctx).
func (f ConnectivityFunc) IsOnline(ctx context.Context) bool {
	return f(ctx)
}

// Outbox is the part of the sync queue the engine needs.
type Outbox interface {
	Pending(ctx context.Context) ([]*models.OutboxEntry, error)
	MarkSynced(ctx context.Context, ids []int64) (int64, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}
