package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"github.com/webitel/im-gateway-service/internal/resilience"
	"golang.org/x/time/rate"
)

const failureLogInterval = 5 * time.Second

type signable interface {
	meta() *Meta
}

func (r *authRequest) meta() *Meta            { return &r.Meta }
func (r *checkMessageRequest) meta() *Meta    { return &r.Meta }
func (r *groupMembersRequest) meta() *Meta    { return &r.Meta }
func (r *offlineMessagesRequest) meta() *Meta { return &r.Meta }

// Client performs the outbound hook calls for all tenants. It is safe for
// concurrent use; per-tenant isolation comes from the keyed breaker and
// limiter registries, not from per-tenant client instances.
type Client struct {
	http     *http.Client
	breakers *resilience.BreakerGroup
	limiters *resilience.LimiterGroup
	logger   *slog.Logger

	// logGate rate-limits failure log lines per (tenant,op,outcome) so a
	// sustained hook outage cannot storm the log sink.
	gateMu  sync.Mutex
	logGate map[string]*rate.Limiter
}

func NewClient(breakers *resilience.BreakerGroup, limiters *resilience.LimiterGroup, logger *slog.Logger) *Client {
	return &Client{
		// Per-call deadlines come from tenant config contexts; the
		// transport-level timeout is only a backstop.
		http:     &http.Client{Timeout: 30 * time.Second},
		breakers: breakers,
		limiters: limiters,
		logger:   logger,
		logGate:  make(map[string]*rate.Limiter),
	}
}

func opKey(tenant string, op Op) string { return tenant + ":" + string(op) }

func breakerPolicy(cfg model.TenantConfig) resilience.BreakerPolicy {
	return resilience.BreakerPolicy{
		FailureThreshold: cfg.HookFailureThreshold,
		OpenDuration:     cfg.HookOpenDuration,
	}
}

func limiterPolicy(cfg model.TenantConfig) resilience.LimiterPolicy {
	return resilience.LimiterPolicy{
		MaxConcurrency: cfg.HookMaxConcurrency,
		QueueTimeout:   cfg.HookQueueTimeout,
	}
}

// call runs one guarded hook round trip and classifies the outcome.
func (c *Client) call(ctx context.Context, cfg model.TenantConfig, op Op, req signable, out any) Outcome {
	key := opKey(cfg.Tenant, op)

	if !c.breakers.TryBegin(key) {
		metrics.BreakerRejections.WithLabelValues("hook").Inc()
		return c.finish(cfg, op, OutcomeBreakerOpen)
	}

	release, err := c.limiters.Acquire(ctx, key, limiterPolicy(cfg))
	if err != nil {
		// The breaker admitted us but the attempt never reached the wire:
		// EndAttempt keeps a half-open probe from wedging.
		c.breakers.EndAttempt(key)
		if errors.Is(err, resilience.ErrQueueRejected) {
			return c.finish(cfg, op, OutcomeQueueRejected)
		}
		return c.finish(cfg, op, OutcomeCanceled)
	}
	defer release()

	outcome := c.roundTrip(ctx, cfg, op, req, out)

	switch {
	case outcome == OutcomeOK:
		c.breakers.OnSuccess(key)
	case outcome.countsAsFailure():
		c.breakers.OnFailure(key, breakerPolicy(cfg))
	default:
		c.breakers.EndAttempt(key)
	}
	return c.finish(cfg, op, outcome)
}

func (c *Client) roundTrip(ctx context.Context, cfg model.TenantConfig, op Op, req signable, out any) Outcome {
	m := req.meta()
	m.Tenant = cfg.Tenant
	m.RequestID = uuid.NewString()
	m.Timestamp = time.Now().UnixMilli()
	m.Sign = ""

	unsigned, err := json.Marshal(req)
	if err != nil {
		return OutcomeDecode
	}
	if cfg.Secret != "" {
		m.Sign = Signature(cfg.Secret, unsigned, m.RequestID, m.Timestamp)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return OutcomeDecode
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.HookTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		cfg.HookBaseURL+"/"+string(op), bytes.NewReader(body))
	if err != nil {
		return OutcomeNetwork
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(httpReq)
	if err != nil {
		// Distinguish the caller going away from our own deadline firing.
		if ctx.Err() != nil {
			return OutcomeCanceled
		}
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return OutcomeTimeout
		}
		return OutcomeNetwork
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return OutcomeHTTP4xx
	case res.StatusCode >= 500 && res.StatusCode < 600:
		return OutcomeHTTP5xx
	default:
		return OutcomeHTTPOther
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return OutcomeNetwork
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return OutcomeDecode
	}
	return OutcomeOK
}

// finish meters the outcome and emits a rate-limited failure log line.
func (c *Client) finish(cfg model.TenantConfig, op Op, outcome Outcome) Outcome {
	metrics.HookCalls.WithLabelValues(string(op), outcome.String()).Inc()
	if outcome == OutcomeOK {
		return outcome
	}

	gateKey := opKey(cfg.Tenant, op) + ":" + outcome.String()
	c.gateMu.Lock()
	gate, ok := c.logGate[gateKey]
	if !ok {
		gate = rate.NewLimiter(rate.Every(failureLogInterval), 1)
		c.logGate[gateKey] = gate
	}
	c.gateMu.Unlock()

	if gate.Allow() {
		c.logger.Warn("hook call degraded",
			slog.String("tenant", cfg.Tenant),
			slog.String("op", string(op)),
			slog.String("outcome", outcome.String()),
		)
	}
	return outcome
}

// Auth authenticates a connecting client. Fails closed: any degraded
// outcome is a denial.
func (c *Client) Auth(ctx context.Context, cfg model.TenantConfig, token, user, device string) AuthResult {
	var res authResponse
	outcome := c.call(ctx, cfg, OpAuth, &authRequest{Token: token, User: user, Device: device}, &res)
	if outcome != OutcomeOK {
		return AuthResult{OK: false, Reason: "auth unavailable", Outcome: outcome, Degraded: true}
	}
	if !res.OK {
		return AuthResult{OK: false, Reason: res.Reason, Outcome: outcome}
	}

	cfg = applyPolicy(cfg, res.Config)
	authUser := res.User
	if authUser == "" {
		authUser = user
	}
	return AuthResult{OK: true, User: authUser, Config: cfg, Outcome: outcome}
}

// CheckMessage asks the tenant's policy endpoint whether a message may be
// delivered. Fails open: chat is never blocked because a policy hook is
// unreachable.
func (c *Client) CheckMessage(ctx context.Context, cfg model.TenantConfig, msg *model.Message) CheckResult {
	var res checkMessageResponse
	outcome := c.call(ctx, cfg, OpCheckMessage, &checkMessageRequest{
		MsgID: msg.ID, From: msg.From, To: msg.To, GroupID: msg.GroupID, BodySize: len(msg.Body),
	}, &res)
	if outcome != OutcomeOK {
		return CheckResult{Allow: true, Outcome: outcome, Degraded: true}
	}
	return CheckResult{Allow: res.Allow, Reason: res.Reason, Outcome: outcome}
}

// GetGroupMembers resolves the member list for a group message.
func (c *Client) GetGroupMembers(ctx context.Context, cfg model.TenantConfig, groupID, from string) MembersResult {
	var res groupMembersResponse
	outcome := c.call(ctx, cfg, OpGroupMembers, &groupMembersRequest{GroupID: groupID, From: from}, &res)
	if outcome != OutcomeOK {
		return MembersResult{OK: false, Outcome: outcome, Degraded: true}
	}
	return MembersResult{OK: true, Members: res.Members, Outcome: outcome}
}

// GetOfflineMessages pulls buffered frames from a pull-model tenant.
func (c *Client) GetOfflineMessages(ctx context.Context, cfg model.TenantConfig, user string, limit int) OfflineResult {
	var res offlineMessagesResponse
	outcome := c.call(ctx, cfg, OpOfflineMessages, &offlineMessagesRequest{User: user, Limit: limit}, &res)
	if outcome != OutcomeOK {
		return OfflineResult{OK: false, Outcome: outcome, Degraded: true}
	}
	return OfflineResult{OK: true, Frames: res.Frames, Outcome: outcome}
}

func applyPolicy(cfg model.TenantConfig, p *tenantPolicy) model.TenantConfig {
	if p == nil {
		return cfg
	}
	if p.MaxTenantConnections > 0 {
		cfg.MaxTenantConnections = p.MaxTenantConnections
	}
	if p.MaxUserConnections > 0 {
		cfg.MaxUserConnections = p.MaxUserConnections
	}
	if p.HeartbeatTimeoutMs > 0 {
		cfg.HeartbeatTimeout = time.Duration(p.HeartbeatTimeoutMs) * time.Millisecond
	}
	if p.OfflineTTLMs > 0 {
		cfg.OfflineTTL = time.Duration(p.OfflineTTLMs) * time.Millisecond
	}
	if p.HookMaxConcurrency > 0 {
		cfg.HookMaxConcurrency = p.HookMaxConcurrency
	}
	if p.MaxBodyBytes > 0 {
		cfg.MaxBodyBytes = p.MaxBodyBytes
	}
	if p.MessageRate > 0 {
		cfg.MessageRate = p.MessageRate
	}
	if p.MessageBurst > 0 {
		cfg.MessageBurst = p.MessageBurst
	}
	if p.GroupMembersMaxUsers > 0 {
		cfg.GroupMembersMaxUsers = p.GroupMembersMaxUsers
	}
	if p.GroupOfflineWritesMax > 0 {
		cfg.GroupOfflineWritesMax = p.GroupOfflineWritesMax
	}
	cfg.PreferPullOffline = p.PreferPullOffline
	return cfg
}

// String renders an op key for error contexts.
func (o Op) String() string { return string(o) }

var _ fmt.Stringer = OpAuth
