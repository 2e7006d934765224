package db

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

// Repository is the SQLite Local Store. It implements store.Store.
type Repository struct {
	db    *sql.DB
	owned *DB

	// Prepared statements are cached by query text.
	stmtCache sync.Map // map[string]*sql.Stmt
}

var _ store.Store = (*Repository)(nil)

// NewRepository creates a Repository over an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// OpenStore opens the device database in dataDir and returns a Repository
// that closes it on Close.
func OpenStore(dataDir string) (*Repository, error) {
	db, err := Open(dataDir)
	if err != nil {
		return nil, err
	}
	r := NewRepository(db.DB)
	r.owned = db
	return r, nil
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(ctx context.Context, query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, storageErr("prepare statement", err)
	}

	// Another goroutine may have prepared the same query meanwhile.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements, and the database if the
// Repository opened it.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	if r.owned != nil {
		if err := r.owned.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// =====================================================
// Entity Operations
// =====================================================

// Add persists a new record. Entity stores assign the next numeric id;
// settings records are keyed by their "key" field and must not exist yet.
func (r *Repository) Add(ctx context.Context, storeName string, item models.Record) (models.RecordID, error) {
	if err := store.CheckName(storeName); err != nil {
		return "", err
	}
	now := time.Now().Unix()

	if storeName == models.StoreSettings {
		key, err := store.SettingsKey(item)
		if err != nil {
			return "", err
		}
		data, err := encodeRecord(item, "key")
		if err != nil {
			return "", err
		}
		stmt, err := r.PrepareStmt(ctx, `INSERT INTO settings (key, data, updated_at) VALUES (?, ?, ?)`)
		if err != nil {
			return "", err
		}
		if _, err := stmt.ExecContext(ctx, string(key), data, now); err != nil {
			if isConstraint(err) {
				return "", apperrors.Newf(apperrors.ErrInvalid, "settings section %q already exists", key)
			}
			return "", storageErr("add settings/"+string(key), err)
		}
		return key, nil
	}

	data, err := encodeRecord(item, "id")
	if err != nil {
		return "", err
	}
	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf(`INSERT INTO %s (data, created_at, updated_at) VALUES (?, ?, ?)`, storeName))
	if err != nil {
		return "", err
	}
	res, err := stmt.ExecContext(ctx, data, now, now)
	if err != nil {
		return "", storageErr("add "+storeName, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", storageErr("add "+storeName, err)
	}
	return models.NumericID(id), nil
}

// Get retrieves a record by id. The returned record carries its id under
// "id" (entities) or "key" (settings).
func (r *Repository) Get(ctx context.Context, storeName string, id models.RecordID) (models.Record, error) {
	if err := store.CheckName(storeName); err != nil {
		return nil, err
	}
	keyCol, keyArg, err := keyFor(storeName, id)
	if err != nil {
		return nil, err
	}

	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE %s = ?`, storeName, keyCol))
	if err != nil {
		return nil, err
	}
	var data string
	if err := stmt.QueryRowContext(ctx, keyArg).Scan(&data); err != nil {
		return nil, storageErr(fmt.Sprintf("get %s/%s", storeName, id), err)
	}
	return decodeRecord(data, keyCol, keyArg)
}

// Update replaces a record. Entities must exist; settings sections are
// created if missing.
func (r *Repository) Update(ctx context.Context, storeName string, id models.RecordID, item models.Record) error {
	if err := store.CheckName(storeName); err != nil {
		return err
	}
	keyCol, keyArg, err := keyFor(storeName, id)
	if err != nil {
		return err
	}
	data, err := encodeRecord(item, keyCol)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	if storeName == models.StoreSettings {
		stmt, err := r.PrepareStmt(ctx, `
		INSERT INTO settings (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, keyArg, data, now); err != nil {
			return storageErr("put settings/"+string(id), err)
		}
		return nil
	}

	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf(`UPDATE %s SET data = ?, updated_at = ? WHERE id = ?`, storeName))
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, data, now, keyArg)
	if err != nil {
		return storageErr(fmt.Sprintf("update %s/%s", storeName, id), err)
	}
	return requireAffected(res, storeName, id)
}

// Delete removes a record. Deleting a missing record is NOT_FOUND.
func (r *Repository) Delete(ctx context.Context, storeName string, id models.RecordID) error {
	if err := store.CheckName(storeName); err != nil {
		return err
	}
	keyCol, keyArg, err := keyFor(storeName, id)
	if err != nil {
		return err
	}

	stmt, err := r.PrepareStmt(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = ?`, storeName, keyCol))
	if err != nil {
		return err
	}
	res, err := stmt.ExecContext(ctx, keyArg)
	if err != nil {
		return storageErr(fmt.Sprintf("delete %s/%s", storeName, id), err)
	}
	return requireAffected(res, storeName, id)
}

// GetAll returns every record in a store ordered by key.
func (r *Repository) GetAll(ctx context.Context, storeName string) ([]models.Record, error) {
	if err := store.CheckName(storeName); err != nil {
		return nil, err
	}
	keyCol := "id"
	if storeName == models.StoreSettings {
		keyCol = "key"
	}

	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s, data FROM %s ORDER BY %s`, keyCol, storeName, keyCol))
	if err != nil {
		return nil, storageErr("list "+storeName, err)
	}
	defer rows.Close()

	records := []models.Record{}
	for rows.Next() {
		var key interface{}
		var data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, storageErr("scan "+storeName, err)
		}
		rec, err := decodeRecord(data, keyCol, key)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list "+storeName, err)
	}
	return records, nil
}

// =====================================================
// Helpers
// =====================================================

// keyFor resolves the key column and typed key argument of a store.
func keyFor(storeName string, id models.RecordID) (string, interface{}, error) {
	if storeName == models.StoreSettings {
		if id.IsZero() {
			return "", nil, apperrors.New(apperrors.ErrInvalid, "settings key cannot be empty")
		}
		return "key", string(id), nil
	}
	n, ok := id.Int64()
	if !ok {
		return "", nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", storeName, id)
	}
	return "id", n, nil
}

// encodeRecord serializes item without its key field, which lives in its own column.
func encodeRecord(item models.Record, keyField string) (string, error) {
	body := item.Clone()
	if body == nil {
		body = models.Record{}
	}
	delete(body, keyField)
	data, err := json.Marshal(body)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "record is not serializable", err)
	}
	return string(data), nil
}

func decodeRecord(data, keyField string, key interface{}) (models.Record, error) {
	var rec models.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "decode stored record", err)
	}
	if rec == nil {
		rec = models.Record{}
	}
	if b, ok := key.([]byte); ok {
		key = string(b)
	}
	rec[keyField] = key
	return rec, nil
}

func requireAffected(res sql.Result, storeName string, id models.RecordID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", storeName, id)
	}
	return nil
}

// storageErr maps driver errors onto the Local Store error codes.
func storageErr(op string, err error) error {
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		return apperrors.New(apperrors.ErrNotFound, op+": not found")
	case stderrors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
}

func isConstraint(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "constraint failed")
}
