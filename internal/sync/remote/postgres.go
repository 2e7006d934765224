// Package remote writes replayed outbox entries to the shared multi-tenant
// Postgres backend.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/logging"
	"github.com/kimhsiao/possync/internal/models"
)

// LocalIDColumn correlates remote rows with the local record they came from.
const LocalIDColumn = "local_id"

// DefaultProbeTimeout bounds a connectivity ping.
const DefaultProbeTimeout = 5 * time.Second

// DBTX is the subset of *pgxpool.Pool the remote needs.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
}

// Config scopes writes to one tenant.
type Config struct {
	// TenantID is written to, and filtered on, TenantColumn. Empty disables
	// tenant scoping.
	TenantID     string
	TenantColumn string
	ProbeTimeout time.Duration
}

// Postgres is the remote backend.
type Postgres struct {
	db     DBTX
	cfg    Config
	log    *logging.Logger
	closer func()
}

// New wraps an open connection.
func New(db DBTX, cfg Config, log *logging.Logger) *Postgres {
	if cfg.TenantColumn == "" {
		cfg.TenantColumn = "tenant_id"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Postgres{db: db, cfg: cfg, log: log}
}

// Connect opens a pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string, cfg Config, log *logging.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "parse remote DSN", err)
	}
	poolCfg.MaxConns = 4

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncNotConfigured, "open remote pool", err)
	}

	p := New(pool, cfg, log)
	p.closer = pool.Close
	if !p.IsOnline(ctx) {
		// The device may simply be offline; the pool reconnects lazily.
		p.log.Warn("remote not reachable at startup", map[string]interface{}{
			"host": poolCfg.ConnConfig.Host,
		})
	}
	return p, nil
}

// Close releases the pool if Connect opened it.
func (p *Postgres) Close() {
	if p.closer != nil {
		p.closer()
	}
}

// IsOnline pings the backend within the probe timeout.
func (p *Postgres) IsOnline(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()
	if err := p.db.Ping(ctx); err != nil {
		p.log.Debug("remote ping failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	return true
}

// Insert adds row to table, stamping the tenant.
func (p *Postgres) Insert(ctx context.Context, table string, row models.Record) error {
	cols, args, err := p.columns(row)
	if err != nil {
		return err
	}
	if v, ok := row[LocalIDColumn]; ok {
		cols = append(cols, LocalIDColumn)
		args = append(args, v)
	}
	if p.cfg.TenantID != "" {
		cols = append(cols, p.cfg.TenantColumn)
		args = append(args, p.cfg.TenantID)
	}
	if len(cols) == 0 {
		return fmt.Errorf("insert into %s: empty row", table)
	}

	quoted := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(quoted, ", "), strings.Join(marks, ", "))

	if _, err := p.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert into %s: %w", table, err)
	}
	return nil
}

// Update replaces the columns in row on the row whose local_id matches.
// A missing remote row is not an error, and neither is a row with nothing
// left to set once the managed columns are dropped.
func (p *Postgres) Update(ctx context.Context, table string, localID models.RecordID, row models.Record) error {
	cols, args, err := p.columns(row)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		p.log.Debug("remote update has no columns to set", map[string]interface{}{"table": table, "local_id": localID.String()})
		return nil
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", pgx.Identifier{c}.Sanitize(), i+1)
	}
	where, whereArgs := p.match(localID, len(args))
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), where)

	tag, err := p.db.Exec(ctx, sql, append(args, whereArgs...)...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if tag.RowsAffected() == 0 {
		p.log.Debug("remote update matched no row", map[string]interface{}{"table": table, "local_id": localID.String()})
	}
	return nil
}

// Delete removes the row whose local_id matches. Deleting a row that never
// reached the remote is not an error.
func (p *Postgres) Delete(ctx context.Context, table string, localID models.RecordID) error {
	where, args := p.match(localID, 0)
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s", pgx.Identifier{table}.Sanitize(), where)
	if _, err := p.db.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// columns returns the payload columns in name order with their values. The
// local id, local_id and tenant column are managed here, not by the payload.
func (p *Postgres) columns(row models.Record) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		if k == "id" || k == LocalIDColumn || k == p.cfg.TenantColumn {
			continue
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	for i, c := range cols {
		v, err := columnValue(row[c])
		if err != nil {
			return nil, nil, fmt.Errorf("column %s: %w", c, err)
		}
		args[i] = v
	}
	return cols, args, nil
}

// match builds the local_id (and tenant) filter, numbering placeholders after offset.
func (p *Postgres) match(localID models.RecordID, offset int) (string, []any) {
	clause := fmt.Sprintf("%s = $%d", pgx.Identifier{LocalIDColumn}.Sanitize(), offset+1)
	args := []any{localID.Native()}
	if p.cfg.TenantID != "" {
		clause += fmt.Sprintf(" AND %s = $%d", pgx.Identifier{p.cfg.TenantColumn}.Sanitize(), offset+2)
		args = append(args, p.cfg.TenantID)
	}
	return clause, args
}

// columnValue passes scalars through and encodes nested values as JSON text.
func columnValue(v any) (any, error) {
	switch v.(type) {
	case map[string]interface{}, models.Record, []interface{}:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	default:
		return v, nil
	}
}
