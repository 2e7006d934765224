// Package kv implements the Local Store on Badger, an embedded key-value
// store. Values are msgpack-encoded.
//
// Key layout:
//
//	e/{store}/{id:020d}  entity record
//	s/{key}              settings section
//	o/{id:020d}          outbox entry
//	seq/{name}           id sequences
package kv

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/kimhsiao/possync/internal/errors"
	"github.com/kimhsiao/possync/internal/models"
	"github.com/kimhsiao/possync/internal/store"
)

const (
	outboxSequence = "outbox"
	seqBandwidth   = 64
)

// Store is the Badger Local Store. It implements store.Store.
type Store struct {
	db *badger.DB

	mu   sync.Mutex
	seqs map[string]*badger.Sequence
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) a Badger store in dir. An empty dir opens
// an in-memory store.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorageUnavailable, "open badger store", err)
	}
	return &Store{db: db, seqs: make(map[string]*badger.Sequence)}, nil
}

// Close releases leased ids and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	var firstErr error
	for name, seq := range s.seqs {
		if err := seq.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.seqs, name)
	}
	s.mu.Unlock()

	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// row is the stored form of an entity or settings record.
type row struct {
	Data      models.Record `msgpack:"data"`
	CreatedAt int64         `msgpack:"created_at"`
	UpdatedAt int64         `msgpack:"updated_at"`
}

// =====================================================
// Entity Operations
// =====================================================

func (s *Store) Add(ctx context.Context, storeName string, item models.Record) (models.RecordID, error) {
	if err := store.CheckName(storeName); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", kvErr("add "+storeName, err)
	}
	now := time.Now().Unix()

	var id models.RecordID
	if storeName == models.StoreSettings {
		key, err := store.SettingsKey(item)
		if err != nil {
			return "", err
		}
		id = key
	} else {
		n, err := s.next(storeName)
		if err != nil {
			return "", err
		}
		id = models.NumericID(n)
	}

	keyField := keyFieldOf(storeName)
	value, err := encode(row{Data: strip(item, keyField), CreatedAt: now, UpdatedAt: now})
	if err != nil {
		return "", err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		k := recordKey(storeName, id)
		if _, err := txn.Get(k); err == nil {
			return apperrors.Newf(apperrors.ErrInvalid, "%s/%s already exists", storeName, id)
		} else if !stderrors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, value)
	})
	if err != nil {
		return "", kvErr("add "+storeName, err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, storeName string, id models.RecordID) (models.Record, error) {
	if err := store.CheckName(storeName); err != nil {
		return nil, err
	}
	k, err := checkedKey(storeName, id)
	if err != nil {
		return nil, err
	}

	var r row
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return decode(val, &r)
		})
	})
	if err != nil {
		return nil, kvErr(fmt.Sprintf("get %s/%s", storeName, id), err)
	}
	return withKey(r.Data, storeName, id), nil
}

// Update replaces an entity (which must exist) or puts a settings section.
func (s *Store) Update(ctx context.Context, storeName string, id models.RecordID, item models.Record) error {
	if err := store.CheckName(storeName); err != nil {
		return err
	}
	k, err := checkedKey(storeName, id)
	if err != nil {
		return err
	}
	now := time.Now().Unix()

	err = s.db.Update(func(txn *badger.Txn) error {
		created := now
		existing, err := txn.Get(k)
		switch {
		case err == nil:
			var prev row
			if err := existing.Value(func(val []byte) error { return decode(val, &prev) }); err != nil {
				return err
			}
			created = prev.CreatedAt
		case stderrors.Is(err, badger.ErrKeyNotFound) && storeName == models.StoreSettings:
		default:
			return err
		}

		value, err := encode(row{Data: strip(item, keyFieldOf(storeName)), CreatedAt: created, UpdatedAt: now})
		if err != nil {
			return err
		}
		return txn.Set(k, value)
	})
	return kvErr(fmt.Sprintf("update %s/%s", storeName, id), err)
}

func (s *Store) Delete(ctx context.Context, storeName string, id models.RecordID) error {
	if err := store.CheckName(storeName); err != nil {
		return err
	}
	k, err := checkedKey(storeName, id)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err != nil {
			return err
		}
		return txn.Delete(k)
	})
	return kvErr(fmt.Sprintf("delete %s/%s", storeName, id), err)
}

// GetAll returns every record of a store in key order.
func (s *Store) GetAll(ctx context.Context, storeName string) ([]models.Record, error) {
	if err := store.CheckName(storeName); err != nil {
		return nil, err
	}
	prefix := storePrefix(storeName)

	records := []models.Record{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			id := models.RecordID(bytes.TrimLeft(item.Key()[len(prefix):], "0"))
			if storeName == models.StoreSettings {
				id = models.RecordID(item.Key()[len(prefix):])
			}
			var r row
			if err := item.Value(func(val []byte) error { return decode(val, &r) }); err != nil {
				return err
			}
			records = append(records, withKey(r.Data, storeName, id))
		}
		return nil
	})
	if err != nil {
		return nil, kvErr("list "+storeName, err)
	}
	return records, nil
}

// =====================================================
// Outbox Operations
// =====================================================

func (s *Store) AppendOutbox(ctx context.Context, e *models.OutboxEntry) error {
	if !e.Action.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown outbox action %q", e.Action)
	}
	if e.Store == "" {
		return apperrors.New(apperrors.ErrInvalid, "outbox entry requires a store")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	id, err := s.next(outboxSequence)
	if err != nil {
		return err
	}

	stored := *e
	stored.ID = id
	stored.Synced = false
	stored.Timestamp = e.Timestamp.UTC()
	if stored.Action == models.ActionDelete {
		stored.Payload = nil
	}
	value, err := encode(&stored)
	if err != nil {
		return err
	}

	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(outboxKey(id), value)
	}); err != nil {
		return kvErr("append outbox", err)
	}
	e.ID = id
	e.Synced = false
	return nil
}

func (s *Store) ListOutbox(ctx context.Context, onlyPending bool) ([]*models.OutboxEntry, error) {
	entries := []*models.OutboxEntry{}
	err := s.db.View(func(txn *badger.Txn) error {
		return eachOutbox(txn, func(e *models.OutboxEntry) error {
			if !onlyPending || !e.Synced {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, kvErr("list outbox", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].Timestamp.Equal(entries[j].Timestamp) {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].ID < entries[j].ID
	})
	return entries, nil
}

// MarkOutboxSynced flips synced for ids in one transaction.
func (s *Store) MarkOutboxSynced(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	var marked int64
	err := s.db.Update(func(txn *badger.Txn) error {
		marked = 0
		for _, id := range ids {
			item, err := txn.Get(outboxKey(id))
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			var e models.OutboxEntry
			if err := item.Value(func(val []byte) error { return decode(val, &e) }); err != nil {
				return err
			}
			if e.Synced {
				continue
			}
			e.Synced = true
			value, err := encode(&e)
			if err != nil {
				return err
			}
			if err := txn.Set(outboxKey(id), value); err != nil {
				return err
			}
			marked++
		}
		return nil
	})
	if err != nil {
		return 0, kvErr("mark synced", err)
	}
	return marked, nil
}

// DeleteSyncedBefore removes synced entries recorded before cutoff.
func (s *Store) DeleteSyncedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := s.db.Update(func(txn *badger.Txn) error {
		removed = 0
		var expired [][]byte
		err := eachOutbox(txn, func(e *models.OutboxEntry) error {
			if e.ExpiredBefore(cutoff) {
				expired = append(expired, outboxKey(e.ID))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := txn.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, kvErr("cleanup outbox", err)
	}
	return removed, nil
}

// =====================================================
// Helpers
// =====================================================

func eachOutbox(txn *badger.Txn, fn func(*models.OutboxEntry) error) error {
	prefix := []byte("o/")
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		var e models.OutboxEntry
		if err := it.Item().Value(func(val []byte) error { return decode(val, &e) }); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return nil
}

// next returns the next id of a sequence, starting at 1.
func (s *Store) next(name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq, ok := s.seqs[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq/"+name), seqBandwidth)
		if err != nil {
			return 0, kvErr("lease ids for "+name, err)
		}
		s.seqs[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, kvErr("next id for "+name, err)
	}
	return int64(n) + 1, nil
}

func keyFieldOf(storeName string) string {
	if storeName == models.StoreSettings {
		return "key"
	}
	return "id"
}

func storePrefix(storeName string) []byte {
	if storeName == models.StoreSettings {
		return []byte("s/")
	}
	return []byte("e/" + storeName + "/")
}

func recordKey(storeName string, id models.RecordID) []byte {
	if storeName == models.StoreSettings {
		return append(storePrefix(storeName), string(id)...)
	}
	n, _ := id.Int64()
	return append(storePrefix(storeName), fmt.Sprintf("%020d", n)...)
}

// checkedKey validates id for the store and returns its key.
func checkedKey(storeName string, id models.RecordID) ([]byte, error) {
	if storeName == models.StoreSettings {
		if id.IsZero() {
			return nil, apperrors.New(apperrors.ErrInvalid, "settings key cannot be empty")
		}
		return recordKey(storeName, id), nil
	}
	if n, ok := id.Int64(); !ok || n <= 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", storeName, id)
	}
	return recordKey(storeName, id), nil
}

func outboxKey(id int64) []byte {
	return []byte(fmt.Sprintf("o/%020d", id))
}

func strip(item models.Record, keyField string) models.Record {
	body := item.Clone()
	if body == nil {
		body = models.Record{}
	}
	delete(body, keyField)
	return body
}

func withKey(data models.Record, storeName string, id models.RecordID) models.Record {
	rec := data.Clone()
	if rec == nil {
		rec = models.Record{}
	}
	if storeName == models.StoreSettings {
		rec["key"] = string(id)
	} else {
		n, _ := id.Int64()
		rec["id"] = n
	}
	return rec
}

func encode(v interface{}) ([]byte, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "record is not serializable", err)
	}
	return b, nil
}

// decode uses loose interface decoding so integers come back as int64 and
// floats as float64 regardless of their packed width.
func decode(b []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// kvErr maps badger errors onto the Local Store error codes. nil stays nil.
func kvErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	switch {
	case stderrors.As(err, &appErr):
		return err
	case stderrors.Is(err, badger.ErrKeyNotFound):
		return apperrors.New(apperrors.ErrNotFound, op+": not found")
	case stderrors.Is(err, badger.ErrDBClosed), stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
	default:
		return apperrors.Wrap(apperrors.ErrDatabase, op, err)
	}
}
