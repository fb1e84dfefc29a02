package model

// FrameType discriminates wire frames exchanged with clients.
//
//go:generate stringer -type=FrameType
type FrameType int16

const (
	FrameConnectAck FrameType = iota + 1
	FramePing
	FramePong
	FrameMsg
	FrameDelivery
	FrameAck
	FrameError
)

// AckState reports the terminal outcome of one inbound message.
type AckState int16

const (
	AckSent AckState = iota + 1
	AckDuplicate
	AckFailed
)

// AckCounts reports partial-delivery detail for group fan-out.
type AckCounts struct {
	Delivered       int `json:"delivered"`
	OfflineNotified int `json:"offline_notified,omitempty"`
	Buffered        int `json:"buffered,omitempty"`
	Skipped         int `json:"skipped,omitempty"`
	Truncated       int `json:"truncated,omitempty"`
}

// Frame is the server-side wire envelope. The Body stays opaque; JSON
// encodes it as base64 on the wire.
type Frame struct {
	Type    FrameType  `json:"type"`
	ID      string     `json:"id,omitempty"` // msg id this frame refers to
	From    string     `json:"from,omitempty"`
	To      string     `json:"to,omitempty"`
	GroupID string     `json:"group,omitempty"`
	Body    []byte     `json:"body,omitempty"`
	SentAt  int64      `json:"sent_at,omitempty"`
	State   AckState   `json:"state,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Code    int        `json:"code,omitempty"`
	Counts  *AckCounts `json:"counts,omitempty"`
}

// WebSocket close codes in the application range. Clients branch on these
// to decide whether to re-authenticate, back off, or reconnect elsewhere.
const (
	CloseTenantInvalid    = 4001
	CloseAuthFailed       = 4002
	CloseRateLimited      = 4003
	CloseHeartbeatTimeout = 4004
	CloseFrameTooLarge    = 4005
	CloseServerDraining   = 4006
	CloseReplaced         = 4007
)
