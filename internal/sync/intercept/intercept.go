// Package intercept records every successful local mutation in the outbox.
//
// CRUD decorates a store.CRUD: after the wrapped write succeeds it appends one
// outbox entry with the same store, action and record id. A failed append is
// logged and counted but does not undo the write that already happened.
package intercept

import (
	"context"

	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/metrics"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

// Appender records outbox entries. *queue.Outbox implements it.
type Appender interface {
	Append(ctx context.Context, storeName string, action models.Action, id models.RecordID, payload models.Record) (*models.OutboxEntry, error)
}

// AppendFailure describes a mutation left without an outbox entry.
type AppendFailure struct {
	Store    string
	Action   models.Action
	RecordID models.RecordID
	Err      error
}

// CRUD is a store.CRUD that appends to the outbox after each write.
type CRUD struct {
	next     store.CRUD
	outbox   Appender
	log      *logging.Logger
	metrics  *metrics.Metrics
	onFailed func(AppendFailure)
	onAppend func(*models.OutboxEntry)
}

var _ store.CRUD = (*CRUD)(nil)

// Option configures the interceptor.
type Option func(*CRUD)

func WithLogger(l *logging.Logger) Option {
	return func(c *CRUD) { c.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *CRUD) { c.metrics = m }
}

// OnAppendFailure registers a callback for failed outbox appends.
func OnAppendFailure(fn func(AppendFailure)) Option {
	return func(c *CRUD) { c.onFailed = fn }
}

// OnAppend registers a callback for every appended entry.
func OnAppend(fn func(*models.OutboxEntry)) Option {
	return func(c *CRUD) { c.onAppend = fn }
}

// Wrap decorates next so its mutations are recorded in outbox.
func Wrap(next store.CRUD, outbox Appender, opts ...Option) *CRUD {
	c := &CRUD{next: next, outbox: outbox, log: logging.Nop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Add persists item and records an add entry.
func (c *CRUD) Add(ctx context.Context, storeName string, item models.Record) (models.RecordID, error) {
	id, err := c.next.Add(ctx, storeName, item)
	if err != nil {
		return "", err
	}
	c.record(ctx, storeName, models.ActionAdd, id, item)
	return id, nil
}

// Update replaces the record and records an update entry.
func (c *CRUD) Update(ctx context.Context, storeName string, id models.RecordID, item models.Record) error {
	if err := c.next.Update(ctx, storeName, id, item); err != nil {
		return err
	}
	c.record(ctx, storeName, models.ActionUpdate, id, item)
	return nil
}

// Delete removes the record and records a delete entry.
func (c *CRUD) Delete(ctx context.Context, storeName string, id models.RecordID) error {
	if err := c.next.Delete(ctx, storeName, id); err != nil {
		return err
	}
	c.record(ctx, storeName, models.ActionDelete, id, nil)
	return nil
}

func (c *CRUD) Get(ctx context.Context, storeName string, id models.RecordID) (models.Record, error) {
	return c.next.Get(ctx, storeName, id)
}

func (c *CRUD) GetAll(ctx context.Context, storeName string) ([]models.Record, error) {
	return c.next.GetAll(ctx, storeName)
}

// record appends the outbox entry for a write that already succeeded. The
// caller's cancellation does not apply: the write is done, so its
// bookkeeping must be attempted.
func (c *CRUD) record(ctx context.Context, storeName string, action models.Action, id models.RecordID, payload models.Record) {
	entry, err := c.outbox.Append(context.WithoutCancel(ctx), storeName, action, id, payload)
	if err == nil {
		if c.onAppend != nil {
			c.onAppend(entry)
		}
		return
	}

	// The local write stands and this mutation never reaches the remote.
	// OnAppendFailure is the only record of it.
	c.log.ErrorWithCode("outbox append failed after local write; mutation will not sync",
		"OUTBOX_APPEND_FAILED", err, map[string]interface{}{
			"store":     storeName,
			"action":    string(action),
			"record_id": id.String(),
		})
	c.metrics.OutboxAppendFailed(storeName, string(action))
	if c.onFailed != nil {
		c.onFailed(AppendFailure{Store: storeName, Action: action, RecordID: id, Err: err})
	}
}
