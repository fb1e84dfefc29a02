package model

// EventKind enumerates the domain events pushed to the per-tenant MQ topics.
//
//go:generate stringer -type=EventKind
type EventKind int16

const (
	EventConnect EventKind = iota + 1 // [SYSTEM]
	EventDisconnect                   // [SYSTEM]
	EventSingleChat                   // [BUSINESS]
	EventGroupChat                    // [BUSINESS]
	EventOfflineNotify                // [BUSINESS] pull-based offline handoff
)

// MqEvent is the at-least-once wire record for async consumers.
// Consumers are expected to dedupe by MsgID; the dispatcher guarantees
// no silent loss (DLQ and fallback buffering), not exactly-once.
type MqEvent struct {
	Tenant    string    `json:"tenant"`
	Kind      EventKind `json:"kind"`
	MsgID     string    `json:"msg_id"`
	User      string    `json:"user,omitempty"`
	Device    string    `json:"device,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	GroupID   string    `json:"group_id,omitempty"`
	Payload   []byte    `json:"payload,omitempty"`
	At        int64     `json:"at"` // unix milliseconds
	NodeID    string    `json:"node_id"`
	TraceID   string    `json:"trace_id,omitempty"`
	Signature string    `json:"sign,omitempty"`
}

// Topic returns the primary per-tenant topic name.
func (e *MqEvent) Topic() string { return e.Tenant + "-event" }

// DLQTopic returns the per-tenant dead-letter topic name.
func (e *MqEvent) DLQTopic() string { return e.Tenant + "-event-dlq" }

// PartitionKey keys the event by recipient so one user's events stay ordered
// within a partition.
func (e *MqEvent) PartitionKey() string {
	if e.Recipient != "" {
		return e.Recipient
	}
	return e.User
}
