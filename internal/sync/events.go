package sync

import "time"

// SyncEventType identifies a sync lifecycle notification.
type SyncEventType string

const (
	SyncEventStarted   SyncEventType = "sync.started"
	SyncEventCompleted SyncEventType = "sync.completed"
	SyncEventPartial   SyncEventType = "sync.partial"
	SyncEventFailed    SyncEventType = "sync.failed"
)

// SyncEvent is delivered to the SyncEventHandler during a pass.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	PassID    string        `json:"pass_id"`
	Message   string        `json:"message,omitempty"`
	Code      string        `json:"code,omitempty"`
	Synced    int           `json:"synced"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives sync notifications. Implementations must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
