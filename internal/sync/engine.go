// Package sync replays the local outbox against the remote backend.
package sync

import (
	"context"
	"fmt"
	"sort"
	"strings"
	gosync "sync"
	"sync/atomic"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/metrics"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/uuid"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// Precondition failure messages.
const (
	MsgOffline       = "offline"
	MsgNotConfigured = "not-configured"
	MsgInProgress    = "sync already in progress"
)

// maxErrorHistory caps the per-engine error history.
const maxErrorHistory = 50

// SyncResult summarizes one pass. Success is true only when nothing failed,
// or, for a partial pass, when at least one entry was synced.
type SyncResult struct {
	PassID    string        `json:"pass_id"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Cleaned   int64         `json:"cleaned"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
}

// SyncError is one entry of the error history.
type SyncError struct {
	PassID    string    `json:"pass_id"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// SyncEngine provides synchronization capabilities.
type SyncEngine struct {
	outbox    Outbox
	remote    Remote
	conn      Connectivity
	log       *logging.Logger
	metrics   *metrics.Metrics
	retention time.Duration
	now       func() time.Time

	inFlight     atomic.Bool
	unconfigured gosync.Once
	handlerMu    gosync.RWMutex
	handler      SyncEventHandler
	mu           gosync.RWMutex
	status       SyncStatus
	lastSync     *time.Time
	pending      int
	lastErr      error
	errorHistory []SyncError
	lastResult   *SyncResult
}

// Option configures a SyncEngine.
type Option func(*SyncEngine)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *SyncEngine) { e.log = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *SyncEngine) { e.metrics = m }
}

// WithRetention overrides how long synced entries are kept.
func WithRetention(d time.Duration) Option {
	return func(e *SyncEngine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithEventHandler sets the initial event handler.
func WithEventHandler(h SyncEventHandler) Option {
	return func(e *SyncEngine) { e.handler = h }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *SyncEngine) { e.now = now }
}

// NewSyncEngine creates a new SyncEngine. A nil remote means the backend is
// not configured; a nil conn is treated as always online.
func NewSyncEngine(outbox Outbox, remote Remote, conn Connectivity, opts ...Option) *SyncEngine {
	e := &SyncEngine{
		outbox:    outbox,
		remote:    remote,
		conn:      conn,
		log:       logging.Nop(),
		retention: queue.DefaultRetention,
		now:       time.Now,
		status:    SyncStatusIdle,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	e.handler = handler
	e.handlerMu.Unlock()
}

// SetRemote swaps the remote, e.g. after the DSN is configured at runtime.
func (e *SyncEngine) SetRemote(remote Remote) {
	e.mu.Lock()
	e.remote = remote
	e.mu.Unlock()
}

// Configured reports whether a remote is set.
func (e *SyncEngine) Configured() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.remote != nil
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last successful sync.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// PendingChanges returns the number of entries the last pass left pending.
func (e *SyncEngine) PendingChanges() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.pending
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// LastResult returns the result of the most recent completed pass.
func (e *SyncEngine) LastResult() *SyncResult {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastResult
}

// InFlight reports whether a pass is currently running.
func (e *SyncEngine) InFlight() bool {
	return e.inFlight.Load()
}

// GetErrorHistory returns a copy of recent pass errors, oldest first.
func (e *SyncEngine) GetErrorHistory() []SyncError {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncError, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory drops the error history.
func (e *SyncEngine) ClearErrorHistory() {
	e.mu.Lock()
	e.errorHistory = nil
	e.mu.Unlock()
}

func (e *SyncEngine) recordError(passID string, code apperrors.ErrorCode, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errorHistory = append(e.errorHistory, SyncError{
		PassID:    passID,
		Code:      string(code),
		Message:   message,
		Timestamp: e.now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}

// emitEvent delivers event to the handler, stamping it if needed.
func (e *SyncEngine) emitEvent(event SyncEvent) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.now()
	}
	h.OnSyncEvent(event)
}

// Sync replays every pending outbox entry against the remote.
//
// Entries are grouped by store, groups run in order of their oldest entry and
// entries within a group run in timestamp order. One failing entry never
// aborts the pass; entries that succeeded are marked synced together at the
// end and synced entries past the retention window are cleaned up.
func (e *SyncEngine) Sync(ctx context.Context) (result *SyncResult, err error) {
	result = &SyncResult{PassID: uuid.NewPassID(), StartTime: e.now()}

	if !e.inFlight.CompareAndSwap(false, true) {
		e.metrics.ObservePass(metrics.OutcomeSkipped, 0)
		return e.reject(result, apperrors.ErrSyncInProgress, MsgInProgress)
	}
	defer e.inFlight.Store(false)

	started := false
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("Error inesperado: %v", r)
			result.Success = false
			result.Error = msg
			result.Code = string(apperrors.ErrInternal)
			err = apperrors.New(apperrors.ErrInternal, msg)
			e.log.ErrorWithCode("sync pass panicked", string(apperrors.ErrInternal), err,
				map[string]interface{}{"pass_id": result.PassID})
			if !started {
				result, err = e.reject(result, apperrors.ErrInternal, msg)
				return
			}
		}
		if started {
			e.finish(result, err)
		}
	}()

	e.mu.RLock()
	remote := e.remote
	e.mu.RUnlock()

	if e.conn != nil && !e.conn.IsOnline(ctx) {
		e.metrics.SetOnline(false)
		e.metrics.ObservePass(metrics.OutcomeOffline, 0)
		e.log.Debug("sync skipped, remote unreachable", map[string]interface{}{"pass_id": result.PassID})
		return e.reject(result, apperrors.ErrSyncOffline, MsgOffline)
	}
	e.metrics.SetOnline(true)

	if remote == nil {
		e.unconfigured.Do(func() {
			e.log.Warn("sync skipped, remote backend not configured")
		})
		e.metrics.ObservePass(metrics.OutcomeNotConfigured, 0)
		return e.reject(result, apperrors.ErrSyncNotConfigured, MsgNotConfigured)
	}

	e.setStatus(SyncStatusSyncing)
	started = true
	e.emitEvent(SyncEvent{Type: SyncEventStarted, PassID: result.PassID})
	e.log.Info("sync pass started", map[string]interface{}{"pass_id": result.PassID})

	return e.run(ctx, remote, result)
}

// reject ends a pass that never started: no entries are read or written.
func (e *SyncEngine) reject(result *SyncResult, code apperrors.ErrorCode, msg string) (*SyncResult, error) {
	result.Error = msg
	result.Code = string(code)
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	err := apperrors.New(code, msg)
	if code != apperrors.ErrSyncInProgress {
		e.mu.Lock()
		e.lastErr = err
		e.mu.Unlock()
	}
	return result, err
}

func (e *SyncEngine) run(ctx context.Context, remote Remote, result *SyncResult) (*SyncResult, error) {
	entries, err := e.outbox.Pending(ctx)
	if err != nil {
		msg := "Error inesperado: " + apperrors.Message(err)
		result.Error = msg
		result.Code = string(apperrors.ErrSyncFailed)
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, msg, err)
	}
	var succeeded []int64
	for _, group := range groupByStore(entries) {
		table := RemoteTable(group.store)
		for _, entry := range group.entries {
			if entry.Synced {
				// Already confirmed by an earlier pass.
				result.Synced++
				continue
			}
			if err := dispatch(ctx, remote, table, entry); err != nil {
				msg := fmt.Sprintf("Error al sincronizar %s/%s: %s", entry.Store, entry.RecordID, apperrors.Message(err))
				result.Failed++
				result.Errors = append(result.Errors, msg)
				e.metrics.EntryFailed(entry.Store)
				e.log.Warn("outbox entry failed to sync", map[string]interface{}{
					"pass_id":   result.PassID,
					"entry_id":  entry.ID,
					"store":     entry.Store,
					"table":     table,
					"action":    string(entry.Action),
					"record_id": entry.RecordID.String(),
					"error":     err.Error(),
				})
				continue
			}
			succeeded = append(succeeded, entry.ID)
			result.Synced++
			e.metrics.EntrySynced(entry.Store)
		}
	}

	// Remote writes already happened; record them even if the caller gave up.
	local := context.WithoutCancel(ctx)
	if _, err := e.outbox.MarkSynced(local, succeeded); err != nil {
		// The remote has these rows but they stay pending, so the next pass
		// replays them again.
		msg := "Error inesperado: " + apperrors.Message(err)
		result.Success = false
		result.Error = msg
		result.Code = string(apperrors.ErrSyncFailed)
		return result, apperrors.Wrap(apperrors.ErrSyncFailed, msg, err)
	}

	removed, err := e.outbox.Cleanup(local, e.retention)
	if err != nil {
		e.log.Warn("outbox cleanup failed", map[string]interface{}{"pass_id": result.PassID, "error": err.Error()})
	}
	result.Cleaned = removed
	e.metrics.CleanupRemoved(removed)

	if result.Failed > 0 {
		result.Success = result.Synced > 0
		result.Error = "Sincronización parcial. Errores: " + strings.Join(result.Errors, ", ")
		result.Code = string(apperrors.ErrSyncPartial)
		return result, apperrors.New(apperrors.ErrSyncPartial, result.Error)
	}
	result.Success = true
	return result, nil
}

// finish records the outcome of a started pass and notifies the handler.
func (e *SyncEngine) finish(result *SyncResult, err error) {
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	outcome := metrics.OutcomeSuccess
	event := SyncEvent{
		Type:   SyncEventCompleted,
		PassID: result.PassID,
		Synced: result.Synced,
		Failed: result.Failed,
		Errors: result.Errors,
	}
	switch {
	case err == nil:
	case result.Code == string(apperrors.ErrSyncPartial) && result.Success:
		outcome = metrics.OutcomePartial
		event.Type = SyncEventPartial
	default:
		outcome = metrics.OutcomeFailed
		event.Type = SyncEventFailed
	}
	event.Message = result.Error
	event.Code = result.Code

	e.mu.Lock()
	e.lastResult = result
	e.pending = result.Failed
	e.lastErr = err
	if err == nil || result.Success {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	} else {
		e.status = SyncStatusFailed
	}
	e.mu.Unlock()

	if err != nil {
		e.recordError(result.PassID, apperrors.ErrorCode(result.Code), result.Error)
	}

	e.metrics.ObservePass(outcome, result.Duration)
	e.metrics.SetPending(result.Failed)

	fields := map[string]interface{}{
		"pass_id":     result.PassID,
		"synced":      result.Synced,
		"failed":      result.Failed,
		"cleaned":     result.Cleaned,
		"duration_ms": result.Duration.Milliseconds(),
	}
	switch outcome {
	case metrics.OutcomeSuccess:
		e.log.Info("sync pass completed", fields)
	case metrics.OutcomePartial:
		e.log.Warn("sync pass partially failed", fields)
	default:
		e.log.ErrorWithCode("sync pass failed", result.Code, err, fields)
	}

	e.emitEvent(event)
}

func (e *SyncEngine) setStatus(s SyncStatus) {
	e.mu.Lock()
	e.status = s
	e.mu.Unlock()
}

// dispatch replays one entry. Inserts carry local_id so retried inserts can
// be correlated with the row they already produced.
func dispatch(ctx context.Context, remote Remote, table string, entry *models.OutboxEntry) error {
	switch entry.Action {
	case models.ActionAdd:
		row := entry.Payload.Clone()
		if row == nil {
			row = models.Record{}
		}
		row["local_id"] = entry.RecordID.Native()
		return remote.Insert(ctx, table, row)
	case models.ActionUpdate:
		return remote.Update(ctx, table, entry.RecordID, entry.Payload.Clone())
	case models.ActionDelete:
		return remote.Delete(ctx, table, entry.RecordID)
	default:
		return fmt.Errorf("unknown action %q", entry.Action)
	}
}

type storeGroup struct {
	store   string
	entries []*models.OutboxEntry
}

// groupByStore sorts entries by (timestamp, id) and groups them by store,
// keeping groups in order of their oldest entry.
func groupByStore(entries []*models.OutboxEntry) []storeGroup {
	sorted := make([]*models.OutboxEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return sorted[i].ID < sorted[j].ID
	})

	index := make(map[string]int)
	var groups []storeGroup
	for _, entry := range sorted {
		i, ok := index[entry.Store]
		if !ok {
			i = len(groups)
			index[entry.Store] = i
			groups = append(groups, storeGroup{store: entry.Store})
		}
		groups[i].entries = append(groups[i].entries, entry)
	}
	return groups
}
