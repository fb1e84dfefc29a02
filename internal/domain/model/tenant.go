package model

import "time"

// TenantConfig is the per-tenant runtime policy. Instances are immutable
// snapshots: the admission path captures one per session and never mutates
// it, so a config refresh only affects sessions admitted afterwards.
type TenantConfig struct {
	Tenant      string
	HookBaseURL string
	Secret      string // HMAC key for hook payloads and MQ events

	// Connection caps enforced by the lease store.
	MaxTenantConnections int64
	MaxUserConnections   int64

	HeartbeatTimeout time.Duration
	OfflineTTL       time.Duration

	// Hook resilience overrides. Zero values fall back to gateway defaults.
	HookMaxConcurrency   int
	HookQueueTimeout     time.Duration
	HookTimeout          time.Duration
	HookFailureThreshold int
	HookOpenDuration     time.Duration

	MaxBodyBytes int

	// Token bucket for inbound messages, per tenant.
	MessageRate  float64
	MessageBurst int

	// Group fan-out policy.
	GroupMembersMaxUsers   int
	GroupOfflineWritesMax  int
	PreferPullOffline      bool // offline-notify via hook pull instead of buffering
	DedupWindow            time.Duration
}

// Sane floor values applied by Normalize.
const (
	minHeartbeatTimeout = 5 * time.Second
	defaultOfflineTTL   = 24 * time.Hour
	defaultDedupWindow  = 5 * time.Minute
)

// Normalize fills gaps left by a sparse hook auth response with gateway
// defaults so the rest of the core never branches on zero values.
func (c TenantConfig) Normalize(d Defaults) TenantConfig {
	if c.HeartbeatTimeout < minHeartbeatTimeout {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.OfflineTTL <= 0 {
		c.OfflineTTL = defaultOfflineTTL
	}
	if c.MaxTenantConnections <= 0 {
		c.MaxTenantConnections = d.MaxTenantConnections
	}
	if c.MaxUserConnections <= 0 {
		c.MaxUserConnections = d.MaxUserConnections
	}
	if c.HookMaxConcurrency <= 0 {
		c.HookMaxConcurrency = d.HookMaxConcurrency
	}
	if c.HookQueueTimeout <= 0 {
		c.HookQueueTimeout = d.HookQueueTimeout
	}
	if c.HookTimeout <= 0 {
		c.HookTimeout = d.HookTimeout
	}
	if c.HookFailureThreshold <= 0 {
		c.HookFailureThreshold = d.HookFailureThreshold
	}
	if c.HookOpenDuration <= 0 {
		c.HookOpenDuration = d.HookOpenDuration
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = d.MaxBodyBytes
	}
	if c.MessageRate <= 0 {
		c.MessageRate = d.MessageRate
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = d.MessageBurst
	}
	if c.GroupMembersMaxUsers <= 0 {
		c.GroupMembersMaxUsers = d.GroupMembersMaxUsers
	}
	if c.GroupOfflineWritesMax <= 0 {
		c.GroupOfflineWritesMax = d.GroupOfflineWritesMax
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = defaultDedupWindow
	}
	return c
}

// Defaults are the gateway-wide fallbacks applied to sparse tenant configs.
// Loaded from the config file and hot-reloadable.
type Defaults struct {
	HeartbeatTimeout     time.Duration
	MaxTenantConnections int64
	MaxUserConnections   int64
	HookMaxConcurrency   int
	HookQueueTimeout     time.Duration
	HookTimeout          time.Duration
	HookFailureThreshold int
	HookOpenDuration     time.Duration
	MaxBodyBytes         int
	MessageRate          float64
	MessageBurst         int
	GroupMembersMaxUsers int
	GroupOfflineWritesMax int
}
