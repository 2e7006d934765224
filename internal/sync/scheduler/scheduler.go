// Package scheduler decides when the sync engine runs: on a timer while
// online, once on every offline to online transition, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/metrics"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/queue"
)

// Trigger reasons, used in logs.
const (
	ReasonTimer     = "timer"
	ReasonReconnect = "reconnect"
	ReasonManual    = "manual"
)

// StatsSource reports outbox counts for status.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine  syncpkg.SyncEngineInterface
	outbox  StatsSource
	conn    syncpkg.Connectivity
	cfg     SchedulerConfig
	log     *logging.Logger
	metrics *metrics.Metrics

	wg             sync.WaitGroup
	mu             sync.RWMutex
	stopCh         chan struct{}
	cancel         context.CancelFunc
	runCtx         context.Context
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	syncInProgress int
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // How often to sync while online (default: 15 minutes)
	ProbeInterval time.Duration // How often to check connectivity; 0 disables probing
	SyncTimeout   time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		ProbeInterval: 30 * time.Second,
		SyncTimeout:   5 * time.Minute,
	}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithMetrics sets the metrics sink for the online gauge.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// NewScheduler creates a new Scheduler. outbox and conn may be nil: without
// conn the online state only changes through SetOnlineStatus.
func NewScheduler(engine syncpkg.SyncEngineInterface, outbox StatsSource, conn syncpkg.Connectivity, config *SchedulerConfig, opts ...Option) *Scheduler {
	defaults := DefaultSchedulerConfig()
	cfg := *defaults
	if config != nil {
		cfg.ProbeInterval = config.ProbeInterval
		if config.SyncInterval > 0 {
			cfg.SyncInterval = config.SyncInterval
		}
		if config.SyncTimeout > 0 {
			cfg.SyncTimeout = config.SyncTimeout
		}
	}

	s := &Scheduler{
		engine:   engine,
		outbox:   outbox,
		conn:     conn,
		cfg:      cfg,
		log:      logging.Nop(),
		isOnline: true, // Assume online until told otherwise
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start starts the timer and, when a Connectivity is set, the connectivity
// probe. The returned function stops both and waits for a running pass to
// finish; callers must invoke it on teardown. Calling Start on a running
// scheduler returns the same stop function.
func (s *Scheduler) Start(ctx context.Context) (stop func()) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return s.Stop
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx, stopCh := s.runCtx, s.stopCh

	s.wg.Add(1)
	go s.periodicSyncLoop(runCtx, stopCh)

	if s.conn != nil && s.cfg.ProbeInterval > 0 {
		s.wg.Add(1)
		go s.probeLoop(runCtx, stopCh)
	}
	s.mu.Unlock()

	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"interval_minutes": s.cfg.SyncInterval.Minutes(),
		"probe_seconds":    s.cfg.ProbeInterval.Seconds(),
	})
	return s.Stop
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()

	s.log.Info("Background sync scheduler stopped")
}

// SetOnlineStatus records the connectivity state. A transition from offline
// to online starts one pass immediately while the scheduler is running.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	s.mu.Unlock()

	s.metrics.SetOnline(isOnline)

	if wasOnline == isOnline {
		return
	}
	s.log.Info("Online status changed", map[string]interface{}{
		"was_online": wasOnline,
		"is_online":  isOnline,
	})
	if isOnline && running {
		s.launch(ReasonReconnect)
	}
}

// periodicSyncLoop runs a pass on every tick while online.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				s.log.Debug("Skipping sync - scheduler is offline")
				continue
			}
			if !s.launch(ReasonTimer) {
				s.log.Debug("Sync already in progress, skipping")
			}
		}
	}
}

// probeLoop polls Connectivity and feeds SetOnlineStatus.
func (s *Scheduler) probeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		s.SetOnlineStatus(s.conn.IsOnline(ctx))

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
		}
	}
}

// launch starts a pass in the background unless one is already running.
func (s *Scheduler) launch(reason string) bool {
	s.mu.Lock()
	if s.syncInProgress > 0 {
		s.mu.Unlock()
		return false
	}
	s.syncInProgress++
	ctx := context.Background()
	tracked := s.isRunning
	if tracked {
		ctx = s.runCtx
		s.wg.Add(1)
	}
	s.mu.Unlock()

	go func() {
		if tracked {
			defer s.wg.Done()
		}
		defer s.clearInProgress()
		s.runSync(ctx, reason)
	}()
	return true
}

func (s *Scheduler) clearInProgress() {
	s.mu.Lock()
	s.syncInProgress--
	s.mu.Unlock()
}

// runSync executes a sync operation. The pass is detached from ctx
// cancellation so stopping the scheduler lets it finish, within SyncTimeout.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SyncTimeout)
	defer cancel()

	s.log.Info("Starting sync", map[string]interface{}{"reason": reason})
	result, err := s.engine.Sync(syncCtx)
	s.record(reason, result, err)
}

// record keeps the outcome for status and logs it at a level matching how
// actionable it is.
func (s *Scheduler) record(reason string, result *syncpkg.SyncResult, err error) {
	s.mu.Lock()
	if result != nil && !errors.Is(err, errors.ErrSyncInProgress) {
		s.lastResult = result
	}
	if err == nil || (result != nil && result.Success) {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	fields := map[string]interface{}{"reason": reason}
	if result != nil {
		fields["pass_id"] = result.PassID
		fields["synced"] = result.Synced
		fields["failed"] = result.Failed
	}

	switch {
	case err == nil:
		s.log.Info("Sync completed", fields)
	case errors.Is(err, errors.ErrSyncOffline),
		errors.Is(err, errors.ErrSyncNotConfigured),
		errors.Is(err, errors.ErrSyncInProgress):
		s.log.Debug("Sync skipped", fields, map[string]interface{}{"code": string(errors.CodeOf(err))})
	case errors.Is(err, errors.ErrSyncPartial):
		s.log.Warn("Sync partially completed", fields)
	default:
		s.log.ErrorWithCode("Sync failed", string(errors.CodeOf(err)), err, fields)
	}
}

// TriggerSync starts an immediate pass in the background.
// Returns true if sync was started, false if sync is already in progress.
func (s *Scheduler) TriggerSync() bool {
	return s.launch(ReasonManual)
}

// SyncNow runs a pass and waits for it. The caller's ctx bounds the pass.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.syncInProgress++
	s.mu.Unlock()
	defer s.clearInProgress()

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.record(ReasonManual, result, err)
	return result, err
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	SyncInProgress bool                `json:"sync_in_progress"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	EngineStatus   syncpkg.SyncStatus  `json:"engine_status"`
	SyncInterval   string              `json:"sync_interval"`
	PendingItems   int                 `json:"pending_items"`
	QueueStats     *queue.Stats        `json:"queue_stats,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress > 0,
		LastResult:     s.lastResult,
		SyncInterval:   s.cfg.SyncInterval.String(),
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	if s.engine != nil {
		status.EngineStatus = s.engine.Status()
	}

	if s.outbox != nil {
		stats, err := s.outbox.Stats(ctx)
		if err != nil {
			s.log.Warn("Failed to read outbox stats", map[string]interface{}{"error": err.Error()})
		} else {
			status.PendingItems = stats.Pending
			status.QueueStats = &stats
			s.metrics.SetPending(stats.Pending)
		}
	}
	return status
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
