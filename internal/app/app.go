// Package app wires the sync core together from configuration.
//
// An App owns the Local Store, the outbox, the mutation interceptor, the
// remote backend, the sync engine and the scheduler. Callers build one with
// New and release it with Close; there is no package-level client handle.
package app

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/kimhsiao/possync/internal/config"
	"github.com/kimhsiao/possync/internal/crypto"
	"github.com/kimhsiao/possync/internal/db"
	"github.com/kimhsiao/possync/internal/db/kv"
	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/metrics"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
	syncpkg "github.com/kimhsiao/possync/internal/sync"
	"github.com/kimhsiao/possync/internal/sync/intercept"
	"github.com/kimhsiao/possync/internal/sync/queue"
	"github.com/kimhsiao/possync/internal/sync/remote"
	"github.com/kimhsiao/possync/internal/sync/scheduler"
)

// pinger is implemented by remotes that can probe their own reachability.
type pinger interface {
	IsOnline(ctx context.Context) bool
}

// poolCloser is a remote connection pool that can be released.
type poolCloser interface {
	Close()
}

// App is an initialized sync core.
type App struct {
	cfg     *config.Config
	log     *logging.Logger
	metrics *metrics.Metrics

	store    store.Store
	storeErr error
	outbox   *queue.Outbox
	crud     store.CRUD
	engine   *syncpkg.SyncEngine
	sched    *scheduler.Scheduler

	cipher    *crypto.DSNCipher
	cipherErr error

	conn syncpkg.Connectivity

	mu       sync.RWMutex
	remote   syncpkg.Remote
	pg       *remote.Postgres
	injected bool
	closed   bool

	// retiring tracks replaced remote pools waiting for the pass using them.
	retiring sync.WaitGroup
}

// retirePoll is how often a replaced remote pool checks for the pass still
// holding it.
const retirePoll = 20 * time.Millisecond

// Option configures an App.
type Option func(*App)

// WithLogger sets the root logger. Components get named children.
func WithLogger(l *logging.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithStore uses s instead of opening the configured backend. Close still
// closes it.
func WithStore(s store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithRemote uses r instead of connecting to the configured DSN.
func WithRemote(r syncpkg.Remote) Option {
	return func(a *App) {
		a.remote = r
		a.injected = true
	}
}

// WithConnectivity replaces the remote ping as the online check.
func WithConnectivity(c syncpkg.Connectivity) Option {
	return func(a *App) { a.conn = c }
}

// New builds the sync core described by cfg.
//
// A Local Store that cannot be opened does not fail New: the App starts in a
// degraded mode where every store operation returns STORAGE_UNAVAILABLE. A
// remote that cannot be resolved leaves sync not configured.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "config is required")
	}

	a := &App{cfg: cfg, log: logging.Nop()}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New(nil)
	}

	if a.store == nil {
		s, err := openStore(cfg)
		if err != nil {
			a.log.ErrorWithCode("local store unavailable", string(apperrors.CodeOf(err)), err, map[string]interface{}{
				"driver":   cfg.Store.Driver,
				"data_dir": cfg.DataDir,
			})
			a.storeErr = err
			s = &store.Unavailable{Cause: err}
		}
		a.store = s
	}

	a.outbox = queue.New(a.store, queue.WithLogger(a.log.Named("queue")))
	a.crud = &credentialGuard{next: intercept.Wrap(a.store, a.outbox,
		intercept.WithLogger(a.log.Named("interceptor")),
		intercept.WithMetrics(a.metrics),
	)}

	a.cipher, a.cipherErr = crypto.NewDSNCipher(cfg.Device.Secret)

	if !a.injected {
		a.resolveRemote(ctx)
	}

	if a.conn == nil {
		a.conn = syncpkg.ConnectivityFunc(a.remoteOnline)
	}

	a.engine = syncpkg.NewSyncEngine(a.outbox, a.currentRemote(), a.conn,
		syncpkg.WithLogger(a.log.Named("engine")),
		syncpkg.WithMetrics(a.metrics),
		syncpkg.WithRetention(cfg.Sync.Retention),
	)

	a.sched = scheduler.NewScheduler(a.engine, a.outbox, a.conn, &scheduler.SchedulerConfig{
		SyncInterval:  cfg.Sync.Interval,
		ProbeInterval: cfg.Sync.ProbeInterval,
		SyncTimeout:   cfg.Sync.Timeout,
	}, scheduler.WithLogger(a.log.Named("scheduler")), scheduler.WithMetrics(a.metrics))

	a.log.Info("sync core initialized", map[string]interface{}{
		"config":     cfg.String(),
		"configured": a.engine.Configured(),
		"degraded":   a.storeErr != nil,
	})
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverBadger:
		return kv.Open(cfg.DataDir)
	case config.DriverSQLite, "":
		return db.OpenStore(cfg.DataDir)
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown store driver %q", cfg.Store.Driver)
	}
}

func (a *App) remoteConfig(tenantID string) remote.Config {
	return remote.Config{
		TenantID:     tenantID,
		TenantColumn: a.cfg.Remote.TenantColumn,
		ProbeTimeout: a.cfg.Remote.ProbeTimeout,
	}
}

// resolveRemote connects to the configured DSN, or failing that to the one
// sealed in the settings store.
func (a *App) resolveRemote(ctx context.Context) {
	log := a.log.Named("remote")

	if a.cfg.HasRemoteDSN() {
		pg, err := remote.Connect(ctx, a.cfg.Remote.DSN, a.remoteConfig(a.cfg.Remote.TenantID), log)
		if err != nil {
			a.log.ErrorWithCode("configured remote rejected", string(apperrors.CodeOf(err)), err)
			return
		}
		a.setRemote(pg)
		return
	}

	if a.storeErr != nil || a.cipher == nil {
		return
	}
	rec, err := store.GetSettings(ctx, a.store, models.RemoteSettingsKey)
	if err != nil {
		if !apperrors.Is(err, apperrors.ErrNotFound) {
			a.log.Warn("failed to read stored remote", map[string]interface{}{"error": err.Error()})
		}
		return
	}
	cred, err := models.RemoteCredentialFromRecord(rec)
	if err != nil {
		a.log.Warn("stored remote is malformed", map[string]interface{}{"error": err.Error()})
		return
	}
	dsn, err := a.cipher.Open(cred.DSNEncrypted, cred.TenantID)
	if err != nil {
		a.log.ErrorWithCode("failed to decrypt stored remote", string(apperrors.CodeOf(err)), err)
		return
	}
	tenant := cred.TenantID
	if tenant == "" {
		tenant = a.cfg.Remote.TenantID
	}
	pg, err := remote.Connect(ctx, dsn, a.remoteConfig(tenant), log)
	if err != nil {
		a.log.ErrorWithCode("stored remote rejected", string(apperrors.CodeOf(err)), err)
		return
	}
	a.setRemote(pg)
}

// setRemote installs pg and returns the pool it replaced, for the caller to
// retire once the engine has switched over.
func (a *App) setRemote(pg *remote.Postgres) (old *remote.Postgres) {
	a.mu.Lock()
	defer a.mu.Unlock()
	old = a.pg
	a.pg = pg
	a.remote = pg
	return old
}

// currentRemote returns the remote as an interface value that is nil, not a
// typed nil, when none is set.
func (a *App) currentRemote() syncpkg.Remote {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.remote == nil {
		return nil
	}
	return a.remote
}

// remoteOnline pings the remote when it can. Without a remote the device is
// treated as online so passes report "not-configured" rather than "offline".
func (a *App) remoteOnline(ctx context.Context) bool {
	r := a.currentRemote()
	if r == nil {
		return true
	}
	p, ok := r.(pinger)
	if !ok {
		return true
	}
	return p.IsOnline(ctx)
}

// SetRemoteDSN seals dsn under the device secret and saves it in the settings
// store without an outbox entry, so the credential never leaves the device.
// The engine switches to the new remote unless remote.dsn is set in config,
// which takes precedence.
func (a *App) SetRemoteDSN(ctx context.Context, dsn, tenantID string) error {
	if a.cipher == nil {
		return a.cipherErr
	}
	sealed, err := a.cipher.Seal(dsn, tenantID)
	if err != nil {
		return err
	}
	cred := &models.RemoteCredential{
		DSNEncrypted: sealed,
		TenantID:     tenantID,
		UpdatedAt:    time.Now().Unix(),
	}
	if err := a.store.Update(ctx, models.StoreSettings, models.RemoteSettingsKey, cred.ToRecord()); err != nil {
		return err
	}

	if a.cfg.HasRemoteDSN() {
		a.log.Warn("remote DSN stored but remote.dsn from config stays in effect")
		return nil
	}

	pg, err := remote.Connect(ctx, dsn, a.remoteConfig(tenantID), a.log.Named("remote"))
	if err != nil {
		return err
	}
	old := a.setRemote(pg)
	a.engine.SetRemote(pg)
	if old != nil {
		a.retire(old)
	}
	a.log.Info("remote backend configured", map[string]interface{}{"tenant_id": tenantID})
	return nil
}

// retire closes a replaced remote pool. A pass that picked it up before the
// switch may still be writing through it, so the close waits for that pass.
func (a *App) retire(old poolCloser) {
	if !a.engine.InFlight() {
		old.Close()
		return
	}
	a.retiring.Add(1)
	go func() {
		defer a.retiring.Done()
		ticker := time.NewTicker(retirePoll)
		defer ticker.Stop()
		for range ticker.C {
			if !a.engine.InFlight() {
				old.Close()
				return
			}
		}
	}()
}

// SaveSettings writes settings sections through the interceptor. The remote
// credential section is managed by SetRemoteDSN only, so a batch naming it is
// refused before anything is written.
func (a *App) SaveSettings(ctx context.Context, sections map[string]models.Record) ([]string, error) {
	if _, ok := sections[models.RemoteSettingsKey]; ok {
		return nil, errReservedSection()
	}
	return store.SaveSettings(ctx, a.crud, sections)
}

// GetSettings returns one settings section. The sealed DSN is never returned.
func (a *App) GetSettings(ctx context.Context, key string) (models.Record, error) {
	return store.GetSettings(ctx, a.crud, key)
}

// SetEventHandler routes engine events to h.
func (a *App) SetEventHandler(h syncpkg.SyncEventHandler) {
	a.engine.SetEventHandler(h)
}

// Start starts the background scheduler. The returned function stops it.
func (a *App) Start(ctx context.Context) (stop func()) {
	return a.sched.Start(ctx)
}

// Cleanup removes synced outbox entries past the configured retention.
func (a *App) Cleanup(ctx context.Context) (int64, error) {
	n, err := a.outbox.Cleanup(ctx, a.cfg.Sync.Retention)
	if err == nil {
		a.metrics.CleanupRemoved(n)
	}
	return n, err
}

// Close stops the scheduler and releases the remote pool and the store.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	pg := a.pg
	a.pg = nil
	a.mu.Unlock()

	a.sched.Stop()
	a.retiring.Wait()
	if pg != nil {
		pg.Close()
	}
	return a.store.Close()
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *logging.Logger { return a.log }

// Metrics returns the collectors, or nil when metrics are disabled.
func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// CRUD returns the intercepted Local Store every UI mutation must go through.
// The remote credential section is read-only here and its sealed DSN is
// redacted.
func (a *App) CRUD() store.CRUD { return a.crud }

// Outbox returns the outbox.
func (a *App) Outbox() *queue.Outbox { return a.outbox }

// Engine returns the sync engine.
func (a *App) Engine() *syncpkg.SyncEngine { return a.engine }

// Scheduler returns the scheduler.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// StoreErr returns why the Local Store could not be opened, or nil.
func (a *App) StoreErr() error { return a.storeErr }

// NewLogger builds the root logger described by cfg, writing to out and, when
// log.file is set, to a rotated file.
func NewLogger(cfg *config.Config, out io.Writer) *logging.Logger {
	return logging.New(logging.Options{
		Level:  logging.LogLevel(cfg.Log.Level),
		Format: logging.LogFormat(cfg.Log.Format),
		Out:    out,
		File:   cfg.Log.File,
	})
}
