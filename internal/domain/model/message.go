package model

// ChatType discriminates the two routable message shapes.
//
//go:generate stringer -type=ChatType
type ChatType int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	ChatSingle ChatType = iota + 1
	ChatGroup
)

// Message is the opaque application message as seen by the routing core.
// The body is never inspected here; encryption is a pluggable concern of
// the transport edge.
type Message struct {
	ID      string
	Tenant  string
	From    string
	Device  string
	To      string // single-chat recipient user id
	GroupID string // group-chat target
	Type    ChatType
	Body    []byte
	SentAt  int64 // unix milliseconds
	TraceID string
}

// Validate checks the per-type required fields. Body size limits are
// enforced separately by the session engine before any further processing.
func (m *Message) Validate() string {
	if m.ID == "" {
		return "missing msg id"
	}
	switch m.Type {
	case ChatSingle:
		if m.To == "" {
			return "single chat requires recipient id"
		}
	case ChatGroup:
		if m.GroupID == "" {
			return "group chat requires group id"
		}
	default:
		return "invalid message type"
	}
	return ""
}
