// Package models provides data model definitions for the POS sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Local collection names.
const (
	StoreProducts  = "products"
	StoreCustomers = "customers"
	StoreSales     = "sales"
	StoreInventory = "inventory"
	StoreSettings  = "settings"
	StoreSyncQueue = "syncQueue"
)

// EntityStores lists the collections keyed by an auto-assigned numeric id.
var EntityStores = []string{StoreProducts, StoreCustomers, StoreSales, StoreInventory}

// IsEntityStore reports whether name is one of the numeric-keyed collections.
func IsEntityStore(name string) bool {
	for _, s := range EntityStores {
		if s == name {
			return true
		}
	}
	return false
}

// IsKnownStore reports whether name is a business collection that can be
// mutated through the Local Store. The outbox itself is not one of them.
func IsKnownStore(name string) bool {
	return name == StoreSettings || IsEntityStore(name)
}

// Record is a business entity snapshot (product, customer, sale, ...).
type Record map[string]interface{}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// String returns the string value stored under key, or "".
func (r Record) String(key string) string {
	if v, ok := r[key].(string); ok {
		return v
	}
	return ""
}

// RecordID is the local identifier of an entity. Entity collections use
// numeric ids, settings sections use their name.
type RecordID string

// NumericID builds a RecordID from an auto-assigned integer key.
func NumericID(n int64) RecordID {
	return RecordID(strconv.FormatInt(n, 10))
}

// String returns the id as text.
func (id RecordID) String() string {
	return string(id)
}

// IsZero reports whether the id is empty.
func (id RecordID) IsZero() bool {
	return strings.TrimSpace(string(id)) == ""
}

// Int64 returns the numeric form of the id if it has one.
func (id RecordID) Int64() (int64, bool) {
	n, err := strconv.ParseInt(string(id), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// MarshalJSON encodes numeric ids as JSON numbers and the rest as strings.
func (id RecordID) MarshalJSON() ([]byte, error) {
	if n, ok := id.Int64(); ok {
		return []byte(strconv.FormatInt(n, 10)), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON accepts both number and string forms.
func (id *RecordID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = RecordID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("record id must be a number or string: %w", err)
	}
	*id = RecordID(n.String())
	return nil
}

// Value implements driver.Valuer for RecordID.
func (id RecordID) Value() (driver.Value, error) {
	return string(id), nil
}

// Scan implements sql.Scanner for RecordID.
func (id *RecordID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*id = ""
	case string:
		*id = RecordID(v)
	case []byte:
		*id = RecordID(v)
	case int64:
		*id = NumericID(v)
	default:
		return fmt.Errorf("cannot scan %T into RecordID", value)
	}
	return nil
}

// Native returns the id as an int64 when numeric, otherwise as a string.
// This is the form written to remote local_id columns.
func (id RecordID) Native() interface{} {
	if n, ok := id.Int64(); ok {
		return n
	}
	return string(id)
}
