// Package scheduler tests for background sync scheduling functionality.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/possync/internal/db"
	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// countingEngine records Sync calls. When block is set, each call waits on it.
type countingEngine struct {
	calls   atomic.Int32
	block   chan struct{}
	started chan struct{}
	err     error
}

func (e *countingEngine) Sync(ctx context.Context) (*syncpkg.SyncResult, error) {
	e.calls.Add(1)
	if e.started != nil {
		select {
		case e.started <- struct{}{}:
		default:
		}
	}
	if e.block != nil {
		<-e.block
	}
	if e.err != nil {
		return &syncpkg.SyncResult{Error: e.err.Error(), Code: string(apperrors.CodeOf(e.err))}, e.err
	}
	return &syncpkg.SyncResult{Success: true, Synced: 1, PassID: "pass"}, nil
}

func (e *countingEngine) SetEventHandler(syncpkg.SyncEventHandler) {}
func (e *countingEngine) Status() syncpkg.SyncStatus { return syncpkg.SyncStatusIdle }
func (e *countingEngine) LastSync() *time.Time { return nil }
func (e *countingEngine) PendingChanges() int { return 0 }
func (e *countingEngine) LastError() error { return nil }

// fastConfig ticks quickly; probing stays off unless a test sets it.
func fastConfig() *SchedulerConfig {
	return &SchedulerConfig{SyncInterval: 20 * time.Millisecond}
}

// slowConfig never ticks during a test.
func slowConfig() *SchedulerConfig {
	return &SchedulerConfig{SyncInterval: time.Hour}
}

// =====================================================
// Construction Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncInterval != 15*time.Minute {
		t.Errorf("SyncInterval = %v, want 15m", config.SyncInterval)
	}
	if config.ProbeInterval != 30*time.Second {
		t.Errorf("ProbeInterval = %v, want 30s", config.ProbeInterval)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}
}

// TestNewScheduler_nilConfig verifies defaults apply without a config.
func TestNewScheduler_nilConfig(t *testing.T) {
	s := NewScheduler(&countingEngine{}, nil, nil, nil)

	assert.Equal(t, 15*time.Minute, s.cfg.SyncInterval)
	assert.Equal(t, 5*time.Minute, s.cfg.SyncTimeout)
	assert.True(t, s.IsOnline(), "scheduler should assume online initially")
	assert.False(t, s.IsRunning())
}

// TestNewScheduler_partialConfig verifies zero fields fall back to defaults.
func TestNewScheduler_partialConfig(t *testing.T) {
	s := NewScheduler(&countingEngine{}, nil, nil, &SchedulerConfig{SyncInterval: time.Minute})

	assert.Equal(t, time.Minute, s.cfg.SyncInterval)
	assert.Equal(t, 5*time.Minute, s.cfg.SyncTimeout)
	assert.Zero(t, s.cfg.ProbeInterval, "an explicit config without probing keeps it off")
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_Start_idempotent verifies double start returns a working stop handle.
func TestScheduler_Start_idempotent(t *testing.T) {
	s := NewScheduler(&countingEngine{}, nil, nil, slowConfig())

	stop1 := s.Start(context.Background())
	stop2 := s.Start(context.Background())
	assert.True(t, s.IsRunning())

	stop2()
	assert.False(t, s.IsRunning())
	stop1() // must not panic or block
}

// TestScheduler_Stop_withoutStart verifies stopping an idle scheduler is a no-op.
func TestScheduler_Stop_withoutStart(t *testing.T) {
	s := NewScheduler(&countingEngine{}, nil, nil, nil)
	s.Stop()
	assert.False(t, s.IsRunning())
}

// TestScheduler_restart verifies the scheduler can be started again after stop.
func TestScheduler_restart(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, fastConfig())

	stop := s.Start(context.Background())
	stop()
	before := engine.calls.Load()

	stop = s.Start(context.Background())
	defer stop()
	assert.Eventually(t, func() bool { return engine.calls.Load() > before }, time.Second, 5*time.Millisecond)
}

// =====================================================
// Timer Tests
// =====================================================

// TestScheduler_periodicSync verifies ticks run passes while online.
func TestScheduler_periodicSync(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, fastConfig())

	stop := s.Start(context.Background())
	defer stop()

	assert.Eventually(t, func() bool { return engine.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.NotNil(t, s.GetStatus(context.Background()).LastSyncTime)
}

// TestScheduler_periodicSync_offline verifies ticks are skipped while offline.
func TestScheduler_periodicSync_offline(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, fastConfig())
	s.SetOnlineStatus(false)

	stop := s.Start(context.Background())
	time.Sleep(100 * time.Millisecond)
	stop()

	assert.Zero(t, engine.calls.Load(), "offline ticks must not sync")
}

// TestScheduler_stopDetachesTimer verifies no pass runs after the stop handle returns.
func TestScheduler_stopDetachesTimer(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, fastConfig())

	stop := s.Start(context.Background())
	assert.Eventually(t, func() bool { return engine.calls.Load() >= 1 }, time.Second, 5*time.Millisecond)
	stop()

	after := engine.calls.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, after, engine.calls.Load())
}

// TestScheduler_contextCancellation verifies the loops exit with the parent context.
func TestScheduler_contextCancellation(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	stop := s.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after context cancellation")
	}
}

// TestScheduler_stopWaitsForPass verifies teardown lets a running pass finish.
func TestScheduler_stopWaitsForPass(t *testing.T) {
	engine := &countingEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(engine, nil, nil, fastConfig())

	stop := s.Start(context.Background())
	<-engine.started

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a pass was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(engine.block)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("stop did not return after the pass finished")
	}
}

// =====================================================
// Connectivity Tests
// =====================================================

// TestScheduler_SetOnlineStatus_reconnect verifies one immediate pass per
// offline to online transition.
func TestScheduler_SetOnlineStatus_reconnect(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, slowConfig())
	stop := s.Start(context.Background())
	defer stop()

	s.SetOnlineStatus(true) // already online: no transition
	s.SetOnlineStatus(false)
	assert.False(t, s.IsOnline())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, engine.calls.Load())

	s.SetOnlineStatus(true)
	assert.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), engine.calls.Load(), "a transition triggers exactly one pass")
}

// TestScheduler_SetOnlineStatus_notRunning verifies a stopped scheduler ignores reconnects.
func TestScheduler_SetOnlineStatus_notRunning(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, slowConfig())

	s.SetOnlineStatus(false)
	s.SetOnlineStatus(true)
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, engine.calls.Load())
}

// TestScheduler_probeLoop verifies the probe feeds the online state and a
// probed reconnect triggers a pass.
func TestScheduler_probeLoop(t *testing.T) {
	engine := &countingEngine{}
	var online atomic.Bool
	conn := syncpkg.ConnectivityFunc(func(context.Context) bool { return online.Load() })

	s := NewScheduler(engine, nil, conn, &SchedulerConfig{
		SyncInterval:  time.Hour,
		ProbeInterval: 10 * time.Millisecond,
	})
	stop := s.Start(context.Background())
	defer stop()

	assert.Eventually(t, func() bool { return !s.IsOnline() }, time.Second, 5*time.Millisecond)
	assert.Zero(t, engine.calls.Load())

	online.Store(true)
	assert.Eventually(t, func() bool { return engine.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, s.IsOnline())
}

// =====================================================
// On-demand Tests
// =====================================================

// TestScheduler_TriggerSync verifies on-demand passes and the in-flight check.
func TestScheduler_TriggerSync(t *testing.T) {
	engine := &countingEngine{block: make(chan struct{}), started: make(chan struct{}, 1)}
	s := NewScheduler(engine, nil, nil, slowConfig())

	require.True(t, s.TriggerSync())
	<-engine.started

	assert.True(t, s.GetStatus(context.Background()).SyncInProgress)
	assert.False(t, s.TriggerSync(), "a second trigger must be refused while a pass runs")

	close(engine.block)
	assert.Eventually(t, func() bool { return !s.GetStatus(context.Background()).SyncInProgress }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), engine.calls.Load())
}

// TestScheduler_TriggerSync_concurrent verifies racing triggers start one pass.
func TestScheduler_TriggerSync_concurrent(t *testing.T) {
	engine := &countingEngine{block: make(chan struct{})}
	s := NewScheduler(engine, nil, nil, slowConfig())

	var started atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.TriggerSync() {
				started.Add(1)
			}
		}()
	}
	wg.Wait()
	close(engine.block)

	assert.Equal(t, int32(1), started.Load())
}

// TestScheduler_SyncNow verifies the synchronous call returns the pass result.
func TestScheduler_SyncNow(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, nil)

	result, err := s.SyncNow(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)

	status := s.GetStatus(context.Background())
	assert.NotNil(t, status.LastSyncTime)
	assert.Same(t, result, status.LastResult)
	assert.False(t, status.SyncInProgress)
}

// TestScheduler_SyncNow_error verifies failures are returned and not recorded as a sync time.
func TestScheduler_SyncNow_error(t *testing.T) {
	engine := &countingEngine{err: apperrors.New(apperrors.ErrSyncOffline, syncpkg.MsgOffline)}
	s := NewScheduler(engine, nil, nil, nil)

	result, err := s.SyncNow(context.Background())
	require.Error(t, err)
	assert.Equal(t, syncpkg.MsgOffline, result.Error)
	assert.Nil(t, s.GetStatus(context.Background()).LastSyncTime)
}

// TestScheduler_inProgressResultNotRecorded verifies an overlap rejection
// does not replace the last real result.
func TestScheduler_inProgressResultNotRecorded(t *testing.T) {
	engine := &countingEngine{}
	s := NewScheduler(engine, nil, nil, nil)

	first, err := s.SyncNow(context.Background())
	require.NoError(t, err)

	engine.err = apperrors.New(apperrors.ErrSyncInProgress, syncpkg.MsgInProgress)
	_, err = s.SyncNow(context.Background())
	require.Error(t, err)

	assert.Same(t, first, s.GetStatus(context.Background()).LastResult)
}

// =====================================================
// Status Tests
// =====================================================

// TestScheduler_GetStatus_withPendingItems verifies outbox counts reach the status.
func TestScheduler_GetStatus_withPendingItems(t *testing.T) {
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	repo := db.NewRepository(conn.DB)
	t.Cleanup(func() {
		repo.Close()
		conn.Close()
	})
	outbox := queue.New(repo)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := outbox.Append(ctx, models.StoreSales, models.ActionAdd, models.NumericID(int64(i+1)), models.Record{"total": i})
		require.NoError(t, err)
	}

	s := NewScheduler(&countingEngine{}, outbox, nil, slowConfig())
	status := s.GetStatus(ctx)

	assert.Equal(t, 3, status.PendingItems)
	require.NotNil(t, status.QueueStats)
	assert.Equal(t, 3, status.QueueStats.PendingBy[models.StoreSales])
	assert.Equal(t, syncpkg.SyncStatusIdle, status.EngineStatus)
	assert.Equal(t, "1h0m0s", status.SyncInterval)
	assert.False(t, status.IsRunning)
	assert.True(t, status.IsOnline)
}

// TestScheduler_concurrentAccess exercises status reads against state changes.
func TestScheduler_concurrentAccess(t *testing.T) {
	s := NewScheduler(&countingEngine{}, nil, nil, fastConfig())
	stop := s.Start(context.Background())
	defer stop()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.SetOnlineStatus(n%2 == 0)
			_ = s.GetStatus(context.Background())
			_ = s.IsOnline()
			_ = s.IsRunning()
		}(i)
	}
	wg.Wait()
}
