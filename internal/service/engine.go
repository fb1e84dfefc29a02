// Package service is the session engine: it admits sockets, routes messages
// between users across the cluster, buffers offline traffic and emits the
// async event stream. It terminates policy; the transports above it stay
// dumb pipes.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/internal/cluster"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"github.com/webitel/im-gateway-service/internal/domain/registry"
	"github.com/webitel/im-gateway-service/internal/hook"
	"github.com/webitel/im-gateway-service/internal/lease"
	"golang.org/x/time/rate"
)

// HookAPI is the slice of the tenant hook client the engine uses.
type HookAPI interface {
	Auth(ctx context.Context, cfg model.TenantConfig, token, user, device string) hook.AuthResult
	CheckMessage(ctx context.Context, cfg model.TenantConfig, msg *model.Message) hook.CheckResult
	GetGroupMembers(ctx context.Context, cfg model.TenantConfig, groupID, from string) hook.MembersResult
	GetOfflineMessages(ctx context.Context, cfg model.TenantConfig, user string, limit int) hook.OfflineResult
}

// Forwarder is the cluster peer transport (cluster.Transport in production).
type Forwarder interface {
	ForwardSingle(ctx context.Context, node model.NodeInfo, tenant, toUser string, msg *model.Message) (int, error)
	ForwardBatch(ctx context.Context, node model.NodeInfo, tenant string, toUsers []string, msg *model.Message) (*cluster.ForwardBatchResponse, error)
	BufferOffline(ctx context.Context, node model.NodeInfo, tenant, toUser string, frame []byte, ttl time.Duration) (bool, error)
	DrainOffline(ctx context.Context, node model.NodeInfo, tenant, user string) ([][]byte, error)
}

// NodeDirectory exposes cluster membership (cluster.Directory in production).
type NodeDirectory interface {
	Self() model.NodeInfo
	Live(ctx context.Context) ([]model.NodeInfo, error)
}

// OfflineStore is the local slice of the offline mailbox.
type OfflineStore interface {
	TryAdd(tenant, user string, frame []byte, ttl time.Duration) bool
	Drain(tenant, user string) [][]byte
}

// EventSink accepts events for the async MQ pipeline. It must never block.
type EventSink interface {
	Enqueue(ev *model.MqEvent) bool
}

// TenantSource resolves the statically-configured part of a tenant: the hook
// endpoint and shared secret. Everything else arrives with the auth response.
type TenantSource interface {
	Tenant(id string) (model.TenantConfig, bool)
}

// Session is one admitted device socket plus the policy snapshot captured at
// admission time.
type Session struct {
	Conn registry.Connector
	Cfg  model.TenantConfig
	Ref  lease.Ref

	lastRenew int64 // unix nanos of the last lease renewal, atomic
}

type dedupEntry struct {
	at time.Time
}

type Engine struct {
	hub       registry.Hubber
	hooks     HookAPI
	admission *lease.Admission
	leases    lease.Store
	dir       NodeDirectory
	transport Forwarder
	offline   OfflineStore
	events    EventSink
	tenants   TenantSource
	defaults  func() model.Defaults
	logger    *slog.Logger

	sessions sync.Map // conn id -> *Session

	// dedup spans all tenants; per-tenant windows are enforced by comparing
	// the stored insertion time against the tenant's DedupWindow.
	dedup *expirable.LRU[string, dedupEntry]

	rateMu   sync.Mutex
	rates    map[string]*rate.Limiter

	draining  chan struct{}
	drainOnce sync.Once

	sweepStop chan struct{}
	sweepOnce sync.Once
}

const (
	dedupCacheSize = 1 << 18
	dedupMaxWindow = time.Hour
)

func NewEngine(
	hub registry.Hubber,
	hooks HookAPI,
	admission *lease.Admission,
	leases lease.Store,
	dir NodeDirectory,
	transport Forwarder,
	offline OfflineStore,
	events EventSink,
	tenants TenantSource,
	defaults func() model.Defaults,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		hub:       hub,
		hooks:     hooks,
		admission: admission,
		leases:    leases,
		dir:       dir,
		transport: transport,
		offline:   offline,
		events:    events,
		tenants:   tenants,
		defaults:  defaults,
		logger:    logger,
		dedup:     expirable.NewLRU[string, dedupEntry](dedupCacheSize, nil, dedupMaxWindow),
		rates:     make(map[string]*rate.Limiter),
		draining:  make(chan struct{}),
		sweepStop: make(chan struct{}),
	}
}

// AdmitRequest carries the socket identity claims into admission.
type AdmitRequest struct {
	Tenant string
	User   string
	Device string
	Token  string
	Meta   registry.ConnectMetadata
}

// Denial explains a refused admission in transport terms.
type Denial struct {
	Code   int
	Reason string
}

func (e *Engine) isDraining() bool {
	select {
	case <-e.draining:
		return true
	default:
		return false
	}
}

// Admit runs the full admission pipeline: static tenant lookup, hook auth
// (fail closed), lease registration, local attach, connect ack and offline
// drain. On success the returned session owns the lease.
func (e *Engine) Admit(ctx context.Context, req AdmitRequest) (*Session, *Denial) {
	if e.isDraining() {
		return nil, &Denial{Code: model.CloseServerDraining, Reason: "server draining"}
	}

	static, ok := e.tenants.Tenant(req.Tenant)
	if !ok {
		metrics.Admissions.WithLabelValues("tenant_invalid").Inc()
		return nil, &Denial{Code: model.CloseTenantInvalid, Reason: "unknown tenant"}
	}

	auth := e.hooks.Auth(ctx, static, req.Token, req.User, req.Device)
	if !auth.OK {
		metrics.Admissions.WithLabelValues("auth_failed").Inc()
		e.logger.Info("admission refused",
			slog.String("tenant", req.Tenant),
			slog.String("user", req.User),
			slog.String("reason", auth.Reason),
			slog.String("outcome", auth.Outcome.String()),
		)
		return nil, &Denial{Code: model.CloseAuthFailed, Reason: auth.Reason}
	}
	user := req.User
	if auth.User != "" {
		user = auth.User
	}
	cfg := auth.Config.Normalize(e.defaults())

	conn := registry.NewConnector(ctx, req.Tenant, user, req.Device, req.Meta, 256)
	ref := lease.Ref{
		Tenant:           req.Tenant,
		User:             user,
		Device:           req.Device,
		NodeID:           e.dir.Self().ID,
		ConnID:           conn.ID(),
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}

	result, err := e.admission.Admit(ctx, lease.RegisterReq{
		Tenant: req.Tenant,
		User:   user,
		Route: model.DeviceRoute{
			NodeID:   ref.NodeID,
			Endpoint: e.dir.Self().Endpoint,
			ConnID:   ref.ConnID,
			Device:   req.Device,
			OnlineAt: time.Now().UnixMilli(),
		},
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		TenantMax:        cfg.MaxTenantConnections,
		UserMax:          cfg.MaxUserConnections,
	})
	if err != nil {
		metrics.Admissions.WithLabelValues("store_error").Inc()
		return nil, &Denial{Code: model.CloseAuthFailed, Reason: "admission unavailable"}
	}
	if result == lease.Denied {
		metrics.Admissions.WithLabelValues("denied").Inc()
		return nil, &Denial{Code: model.CloseRateLimited, Reason: "connection cap reached"}
	}
	metrics.Admissions.WithLabelValues(result.String()).Inc()

	sess := &Session{Conn: conn, Cfg: cfg, Ref: ref, lastRenew: time.Now().UnixNano()}
	e.hub.Register(conn)
	e.sessions.Store(conn.ID(), sess)
	metrics.ActiveSessions.Inc()

	conn.Send(&model.Frame{Type: model.FrameConnectAck, SentAt: time.Now().UnixMilli()}, time.Second)

	e.drainOffline(ctx, sess)
	e.emit(sess.Cfg, &model.MqEvent{
		Tenant: req.Tenant,
		Kind:   model.EventConnect,
		User:   user,
		Device: req.Device,
		At:     time.Now().UnixMilli(),
	})
	return sess, nil
}

// drainOffline replays buffered frames: from the local mailbox when this
// node owns the user's mailbox, over RPC from the owner otherwise, or via
// the tenant hook when the tenant prefers pull.
func (e *Engine) drainOffline(ctx context.Context, sess *Session) {
	tenant, user := sess.Ref.Tenant, sess.Ref.User

	if sess.Cfg.PreferPullOffline {
		res := e.hooks.GetOfflineMessages(ctx, sess.Cfg, user, 100)
		if res.OK {
			e.replay(sess, res.Frames)
		}
		return
	}

	owner := e.owner(ctx, tenant, user)
	if owner == nil || owner.ID == e.dir.Self().ID {
		e.replay(sess, e.offline.Drain(tenant, user))
		return
	}
	frames, err := e.transport.DrainOffline(ctx, *owner, tenant, user)
	if err != nil {
		e.logger.Warn("offline drain failed",
			slog.String("tenant", tenant),
			slog.String("user", user),
			slog.String("owner", owner.ID),
			slog.Any("err", err),
		)
		// Local fallback: frames buffered here during an ownership change.
		frames = e.offline.Drain(tenant, user)
	}
	e.replay(sess, frames)
}

func (e *Engine) replay(sess *Session, frames [][]byte) {
	for _, raw := range frames {
		fr := new(model.Frame)
		if err := json.Unmarshal(raw, fr); err != nil {
			continue
		}
		sess.Conn.Send(fr, time.Second)
	}
}

// owner picks the rendezvous owner of the user's offline mailbox.
func (e *Engine) owner(ctx context.Context, tenant, user string) *model.NodeInfo {
	nodes, err := e.dir.Live(ctx)
	if err != nil || len(nodes) == 0 {
		self := e.dir.Self()
		return &self
	}
	return cluster.PickOwner(nodes, cluster.OwnerKey(tenant, user))
}

// Disconnect tears one session down: local detach, lease release, close and
// the disconnect event. Safe to call twice; only the first call acts.
func (e *Engine) Disconnect(sess *Session, code int, reason string) {
	if _, loaded := e.sessions.LoadAndDelete(sess.Conn.ID()); !loaded {
		return
	}
	e.hub.Unregister(sess.Ref.Tenant, sess.Ref.User, sess.Conn.ID())
	e.admission.Release(sess.Ref)
	sess.Conn.Close(code, reason)
	metrics.ActiveSessions.Dec()
	e.emit(sess.Cfg, &model.MqEvent{
		Tenant: sess.Ref.Tenant,
		Kind:   model.EventDisconnect,
		User:   sess.Ref.User,
		Device: sess.Ref.Device,
		At:     time.Now().UnixMilli(),
	})
}

// Drain flips the engine into draining mode: no new admissions, all live
// sessions closed with the draining code, leases released.
func (e *Engine) Drain() {
	e.drainOnce.Do(func() {
		close(e.draining)
		e.sessions.Range(func(_, val any) bool {
			e.Disconnect(val.(*Session), model.CloseServerDraining, "server draining")
			return true
		})
	})
}

// emit signs and enqueues one event; loss under overload is counted by the sink.
func (e *Engine) emit(cfg model.TenantConfig, ev *model.MqEvent) {
	ev.NodeID = e.dir.Self().ID
	if ev.At == 0 {
		ev.At = time.Now().UnixMilli()
	}
	if cfg.Secret != "" {
		ev.Signature = hook.Signature(cfg.Secret, ev.Payload, ev.MsgID, ev.At)
	}
	e.events.Enqueue(ev)
}

// limiter returns the tenant's token bucket, rebuilt when policy changed.
func (e *Engine) limiter(cfg model.TenantConfig) *rate.Limiter {
	e.rateMu.Lock()
	defer e.rateMu.Unlock()
	lim, ok := e.rates[cfg.Tenant]
	if !ok || lim.Limit() != rate.Limit(cfg.MessageRate) || lim.Burst() != cfg.MessageBurst {
		lim = rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
		e.rates[cfg.Tenant] = lim
	}
	return lim
}

// seenRecently records (tenant, msgID) and reports whether it was already
// seen inside the tenant's dedup window.
func (e *Engine) seenRecently(tenant, msgID string, window time.Duration) bool {
	key := tenant + "|" + msgID
	now := time.Now()
	if prev, ok := e.dedup.Get(key); ok && now.Sub(prev.at) < window {
		return true
	}
	e.dedup.Add(key, dedupEntry{at: now})
	return false
}
