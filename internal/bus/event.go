package bus

import "time"

// Event represents an engine event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by the namespace before the first dot.
const (
	KindOpCreated    = "op.created"
	KindOpConfirmed  = "op.confirmed"
	KindOpFailed     = "op.failed"
	KindOpRetried    = "op.retried"
	KindOpRolledBack = "op.rolled_back"

	KindRealtimeStatus = "realtime.status_changed"

	KindListUpdated   = "view.list_updated"
	KindThreadUpdated = "view.thread_updated"

	KindPrefetchDone    = "prefetch.done"
	KindPrefetchDropped = "prefetch.dropped"
)

// OperationEvent is the payload of op.* events.
type OperationEvent struct {
	OperationID    string
	ConversationID string
	MessageID      string
	Err            error
}

// StatusEvent is the payload of realtime.status_changed.
type StatusEvent struct {
	From string
	To   string
}

// ResourceEvent is the payload of view.* and prefetch.* events.
type ResourceEvent struct {
	ResourceID string
	Reason     string
}
