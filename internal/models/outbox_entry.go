// Package models provides data model definitions for the POS sync core.
package models

import "time"

// Action is the kind of local mutation recorded in the outbox.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAdd, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// OutboxEntry is one pending (or already replayed) local mutation.
// Only Synced ever changes after the entry is appended, and only from false to true.
type OutboxEntry struct {
	ID        int64     `json:"id" msgpack:"id"`
	Store     string    `json:"store" msgpack:"store"`
	Action    Action    `json:"action" msgpack:"action"`
	RecordID  RecordID  `json:"recordId" msgpack:"record_id"`
	Payload   Record    `json:"data,omitempty" msgpack:"data,omitempty"`
	Timestamp time.Time `json:"timestamp" msgpack:"timestamp"`
	Synced    bool      `json:"synced" msgpack:"synced"`
}

// TableName returns the table name for OutboxEntry.
func (OutboxEntry) TableName() string {
	return "sync_queue"
}

// Age returns how long ago the entry was recorded.
func (e *OutboxEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.Timestamp)
}

// ExpiredBefore reports whether the entry is synced and older than cutoff.
func (e *OutboxEntry) ExpiredBefore(cutoff time.Time) bool {
	return e.Synced && e.Timestamp.Before(cutoff)
}

// TimestampLayout is the fixed-width ISO-8601 form entries are persisted in,
// so stored timestamps order correctly as text.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTimestamp renders t in UTC using TimestampLayout.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp parses a persisted timestamp. RFC 3339 input is accepted too.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
