// Package hook implements the outbound client for tenant-operated business
// endpoints: authenticate, check-message, get-group-members and
// get-offline-messages. Every operation runs behind its own circuit breaker
// and concurrency limiter keyed by (tenant, operation), and degrades per a
// fixed policy: CheckMessage fails open, Auth fails closed, the fan-out
// reads report an explicit degraded flag.
package hook

import "github.com/webitel/im-gateway-service/internal/domain/model"

// Op names the four hook operations; also the URL suffix.
type Op string

const (
	OpAuth            Op = "auth"
	OpCheckMessage    Op = "check-message"
	OpGroupMembers    Op = "get-group-members"
	OpOfflineMessages Op = "get-offline-messages"
)

// Outcome classifies one hook call attempt.
//
//go:generate stringer -type=Outcome -linecomment
type Outcome int

const (
	OutcomeOK            Outcome = iota // ok
	OutcomeBreakerOpen                  // breaker_open
	OutcomeQueueRejected                // queue_rejected
	OutcomeTimeout                      // timeout
	OutcomeCanceled                     // canceled
	OutcomeHTTP4xx                      // http_4xx
	OutcomeHTTP5xx                      // http_5xx
	OutcomeHTTPOther                    // http_other
	OutcomeNetwork                      // network
	OutcomeDecode                       // decode
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBreakerOpen:
		return "breaker_open"
	case OutcomeQueueRejected:
		return "queue_rejected"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	case OutcomeHTTP4xx:
		return "http_4xx"
	case OutcomeHTTP5xx:
		return "http_5xx"
	case OutcomeHTTPOther:
		return "http_other"
	case OutcomeNetwork:
		return "network"
	case OutcomeDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// countsAsFailure reports whether the outcome feeds the breaker. A canceled
// or overloaded caller must not punish the downstream's health score, so
// queue rejection and cancellation are excluded.
func (o Outcome) countsAsFailure() bool {
	switch o {
	case OutcomeTimeout, OutcomeHTTP4xx, OutcomeHTTP5xx, OutcomeHTTPOther, OutcomeNetwork, OutcomeDecode:
		return true
	default:
		return false
	}
}

// Meta is the common envelope metadata block. Sign covers the payload with
// the signature field cleared, concatenated with the request id and the
// little-endian int64 timestamp.
type Meta struct {
	Tenant    string `json:"tenant"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"ts"` // unix milliseconds
	TraceID   string `json:"trace_id,omitempty"`
	Sign      string `json:"sign,omitempty"`
}

type authRequest struct {
	Meta   Meta   `json:"meta"`
	Token  string `json:"token"`
	User   string `json:"user,omitempty"`
	Device string `json:"device,omitempty"`
}

type authResponse struct {
	OK     bool          `json:"ok"`
	Reason string        `json:"reason,omitempty"`
	User   string        `json:"user,omitempty"`
	Config *tenantPolicy `json:"config,omitempty"`
}

// tenantPolicy is the hook's (sparse) view of tenant policy; durations in
// milliseconds on the wire.
type tenantPolicy struct {
	MaxTenantConnections  int64   `json:"max_tenant_connections,omitempty"`
	MaxUserConnections    int64   `json:"max_user_connections,omitempty"`
	HeartbeatTimeoutMs    int64   `json:"heartbeat_timeout_ms,omitempty"`
	OfflineTTLMs          int64   `json:"offline_ttl_ms,omitempty"`
	HookMaxConcurrency    int     `json:"hook_max_concurrency,omitempty"`
	MaxBodyBytes          int     `json:"max_body_bytes,omitempty"`
	MessageRate           float64 `json:"message_rate,omitempty"`
	MessageBurst          int     `json:"message_burst,omitempty"`
	GroupMembersMaxUsers  int     `json:"group_members_max_users,omitempty"`
	GroupOfflineWritesMax int     `json:"group_offline_writes_max,omitempty"`
	PreferPullOffline     bool    `json:"prefer_pull_offline,omitempty"`
}

type checkMessageRequest struct {
	Meta     Meta   `json:"meta"`
	MsgID    string `json:"msg_id"`
	From     string `json:"from"`
	To       string `json:"to,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	BodySize int    `json:"body_size"`
}

type checkMessageResponse struct {
	Allow  bool   `json:"allow"`
	Reason string `json:"reason,omitempty"`
}

type groupMembersRequest struct {
	Meta    Meta   `json:"meta"`
	GroupID string `json:"group_id"`
	From    string `json:"from"`
}

type groupMembersResponse struct {
	Members []string `json:"members"`
}

type offlineMessagesRequest struct {
	Meta  Meta   `json:"meta"`
	User  string `json:"user"`
	Limit int    `json:"limit,omitempty"`
}

type offlineMessagesResponse struct {
	Frames [][]byte `json:"frames"`
}

// AuthResult is the engine-facing verdict. Fail closed: any degraded
// outcome yields OK=false.
type AuthResult struct {
	OK       bool
	Reason   string
	User     string
	Config   model.TenantConfig
	Outcome  Outcome
	Degraded bool
}

// CheckResult fails open: a degraded hook never blocks chat.
type CheckResult struct {
	Allow    bool
	Reason   string
	Outcome  Outcome
	Degraded bool
}

// MembersResult reports ok=false when degraded; callers must treat that as
// "cannot fan out now" rather than an empty group.
type MembersResult struct {
	OK       bool
	Members  []string
	Outcome  Outcome
	Degraded bool
}

// OfflineResult mirrors MembersResult for pull-based offline drains.
type OfflineResult struct {
	OK       bool
	Frames   [][]byte
	Outcome  Outcome
	Degraded bool
}
