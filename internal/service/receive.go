package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"golang.org/x/sync/errgroup"
)

const (
	routeChunkSize  = 64
	forwardDeadline = 2 * time.Second
)

// HandleFrame processes one inbound client frame. Errors inside a single
// frame's processing never take the connection down: the frame is answered
// with a failed ack and the loop continues.
func (e *Engine) HandleFrame(ctx context.Context, sess *Session, fr *model.Frame) {
	sess.Conn.Touch()

	switch fr.Type {
	case model.FramePing:
		sess.Conn.Send(&model.Frame{Type: model.FramePong, SentAt: time.Now().UnixMilli()}, time.Second)
	case model.FrameMsg:
		e.handleMessage(ctx, sess, fr)
	case model.FramePong:
		// Heartbeat bookkeeping only; Touch above already recorded it.
	default:
		sess.Conn.Send(&model.Frame{
			Type:   model.FrameError,
			ID:     fr.ID,
			Reason: "unexpected frame type",
		}, time.Second)
	}
}

func (e *Engine) handleMessage(ctx context.Context, sess *Session, fr *model.Frame) {
	// [PANIC_RECOVERY] One poisoned message must not kill the socket.
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("message processing panic",
				slog.Any("err", r),
				slog.String("tenant", sess.Ref.Tenant),
				slog.String("msg_id", fr.ID),
				slog.String("stack", string(debug.Stack())),
			)
			metrics.MessagesProcessed.WithLabelValues("panic").Inc()
			e.failAck(sess, fr.ID, "internal error")
		}
	}()

	cfg := sess.Cfg

	// Size first: nothing else is worth doing for an oversized body.
	if len(fr.Body) > cfg.MaxBodyBytes {
		metrics.MessagesProcessed.WithLabelValues("too_large").Inc()
		e.failAck(sess, fr.ID, "body exceeds limit")
		return
	}

	msg := &model.Message{
		ID:      fr.ID,
		Tenant:  sess.Ref.Tenant,
		From:    sess.Ref.User,
		Device:  sess.Ref.Device,
		To:      fr.To,
		GroupID: fr.GroupID,
		Body:    fr.Body,
		SentAt:  fr.SentAt,
	}
	if fr.GroupID != "" {
		msg.Type = model.ChatGroup
	} else {
		msg.Type = model.ChatSingle
	}
	if reason := msg.Validate(); reason != "" {
		metrics.MessagesProcessed.WithLabelValues("invalid").Inc()
		e.failAck(sess, fr.ID, reason)
		return
	}

	if e.seenRecently(msg.Tenant, msg.ID, cfg.DedupWindow) {
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		sess.Conn.Send(&model.Frame{
			Type:  model.FrameAck,
			ID:    msg.ID,
			State: model.AckDuplicate,
		}, time.Second)
		return
	}

	if !e.limiter(cfg).Allow() {
		metrics.MessagesProcessed.WithLabelValues("rate_limited").Inc()
		e.failAck(sess, fr.ID, "tenant message rate exceeded")
		return
	}

	switch msg.Type {
	case model.ChatSingle:
		e.routeSingle(ctx, sess, msg)
	case model.ChatGroup:
		e.routeGroup(ctx, sess, msg)
	}
}

func (e *Engine) failAck(sess *Session, msgID, reason string) {
	sess.Conn.Send(&model.Frame{
		Type:   model.FrameAck,
		ID:     msgID,
		State:  model.AckFailed,
		Reason: reason,
	}, time.Second)
}

func deliveryFrame(msg *model.Message) *model.Frame {
	return &model.Frame{
		Type:    model.FrameDelivery,
		ID:      msg.ID,
		From:    msg.From,
		To:      msg.To,
		GroupID: msg.GroupID,
		Body:    msg.Body,
		SentAt:  msg.SentAt,
	}
}

// routeSingle delivers a 1:1 message. The content check and the route lookup
// run concurrently; delivery is gated on the check verdict.
func (e *Engine) routeSingle(ctx context.Context, sess *Session, msg *model.Message) {
	cfg := sess.Cfg

	var routes []model.DeviceRoute
	var check = struct {
		Allow  bool
		Reason string
	}{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res := e.hooks.CheckMessage(gctx, cfg, msg)
		check.Allow, check.Reason = res.Allow, res.Reason
		return nil
	})
	g.Go(func() error {
		var err error
		routes, err = e.leases.Routes(gctx, msg.Tenant, msg.To)
		if err != nil {
			e.logger.Warn("route lookup failed",
				slog.String("tenant", msg.Tenant),
				slog.String("to", msg.To),
				slog.Any("err", err),
			)
		}
		return nil
	})
	_ = g.Wait()

	if !check.Allow {
		metrics.MessagesProcessed.WithLabelValues("denied").Inc()
		e.failAck(sess, msg.ID, check.Reason)
		return
	}

	delivered := e.deliverRoutes(ctx, msg.Tenant, msg.To, routes, msg)

	counts := &model.AckCounts{Delivered: delivered}
	if delivered == 0 {
		e.bufferOrNotify(ctx, cfg, msg, msg.To, counts)
	}

	metrics.MessagesProcessed.WithLabelValues("routed").Inc()
	sess.Conn.Send(&model.Frame{
		Type:   model.FrameAck,
		ID:     msg.ID,
		State:  model.AckSent,
		Counts: counts,
	}, time.Second)

	e.emit(cfg, &model.MqEvent{
		Tenant:    msg.Tenant,
		Kind:      model.EventSingleChat,
		MsgID:     msg.ID,
		User:      msg.From,
		Device:    msg.Device,
		Recipient: msg.To,
		Payload:   msg.Body,
		At:        time.Now().UnixMilli(),
		TraceID:   msg.TraceID,
	})
}

// deliverRoutes fans one user's routes out: local sockets through the hub,
// remote nodes over gRPC with the per-node breaker underneath. Returns the
// number of device sockets that accepted the frame.
func (e *Engine) deliverRoutes(ctx context.Context, tenant, user string, routes []model.DeviceRoute, msg *model.Message) int {
	if len(routes) == 0 {
		return 0
	}
	self := e.dir.Self().ID
	delivered := 0
	local := false
	remote := map[model.NodeInfo]bool{}
	for _, r := range routes {
		if r.NodeID == self {
			local = true
		} else {
			remote[model.NodeInfo{ID: r.NodeID, Endpoint: r.Endpoint}] = true
		}
	}
	if local {
		delivered += e.hub.Deliver(tenant, user, deliveryFrame(msg))
	}
	for node := range remote {
		fctx, cancel := context.WithTimeout(ctx, forwardDeadline)
		n, err := e.transport.ForwardSingle(fctx, node, tenant, user, msg)
		cancel()
		if err != nil {
			metrics.Forwards.WithLabelValues("error").Inc()
			e.logger.Warn("forward failed",
				slog.String("tenant", tenant),
				slog.String("user", user),
				slog.String("node", node.ID),
				slog.Any("err", err),
			)
			continue
		}
		metrics.Forwards.WithLabelValues("ok").Inc()
		delivered += n
	}
	return delivered
}

// bufferOrNotify handles the nobody-online case: either a pull-style
// offline-notify event, or a buffered frame at the rendezvous owner with a
// local fallback when the owner is unreachable.
func (e *Engine) bufferOrNotify(ctx context.Context, cfg model.TenantConfig, msg *model.Message, user string, counts *model.AckCounts) {
	if cfg.PreferPullOffline {
		e.emit(cfg, &model.MqEvent{
			Tenant:    msg.Tenant,
			Kind:      model.EventOfflineNotify,
			MsgID:     msg.ID,
			User:      msg.From,
			Recipient: user,
			At:        time.Now().UnixMilli(),
		})
		counts.OfflineNotified++
		return
	}

	raw, err := json.Marshal(deliveryFrame(msg))
	if err != nil {
		counts.Skipped++
		return
	}

	owner := e.owner(ctx, msg.Tenant, user)
	if owner != nil && owner.ID != e.dir.Self().ID {
		bctx, cancel := context.WithTimeout(ctx, forwardDeadline)
		ok, err := e.transport.BufferOffline(bctx, *owner, msg.Tenant, user, raw, cfg.OfflineTTL)
		cancel()
		if err == nil {
			if ok {
				counts.Buffered++
				metrics.MailboxBuffered.Inc()
			} else {
				counts.Skipped++
			}
			return
		}
		// Owner unreachable: keep the frame here; the next drain on this
		// node or an ownership change will surface it.
	}
	if e.offline.TryAdd(msg.Tenant, user, raw, cfg.OfflineTTL) {
		counts.Buffered++
		metrics.MailboxBuffered.Inc()
	} else {
		counts.Skipped++
	}
}

// routeGroup fans a group message out. Membership and the content check run
// concurrently; a deny makes the membership result irrelevant.
func (e *Engine) routeGroup(ctx context.Context, sess *Session, msg *model.Message) {
	cfg := sess.Cfg

	var members []string
	var membersOK bool
	var check = struct {
		Allow  bool
		Reason string
	}{}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		res := e.hooks.CheckMessage(gctx, cfg, msg)
		check.Allow, check.Reason = res.Allow, res.Reason
		return nil
	})
	g.Go(func() error {
		res := e.hooks.GetGroupMembers(gctx, cfg, msg.GroupID, msg.From)
		members, membersOK = res.Members, res.OK
		return nil
	})
	_ = g.Wait()

	if !check.Allow {
		metrics.MessagesProcessed.WithLabelValues("denied").Inc()
		e.failAck(sess, msg.ID, check.Reason)
		return
	}
	if !membersOK {
		metrics.MessagesProcessed.WithLabelValues("group_unavailable").Inc()
		e.failAck(sess, msg.ID, "group membership unavailable")
		return
	}

	counts := &model.AckCounts{}
	targets := dedupeMembers(members, msg.From)
	if max := cfg.GroupMembersMaxUsers; len(targets) > max {
		counts.Truncated = len(targets) - max
		targets = targets[:max]
	}

	e.fanOut(ctx, sess, msg, targets, counts)

	metrics.MessagesProcessed.WithLabelValues("routed").Inc()
	sess.Conn.Send(&model.Frame{
		Type:   model.FrameAck,
		ID:     msg.ID,
		State:  model.AckSent,
		Counts: counts,
	}, time.Second)

	e.emit(cfg, &model.MqEvent{
		Tenant:  msg.Tenant,
		Kind:    model.EventGroupChat,
		MsgID:   msg.ID,
		User:    msg.From,
		Device:  msg.Device,
		GroupID: msg.GroupID,
		Payload: msg.Body,
		At:      time.Now().UnixMilli(),
		TraceID: msg.TraceID,
	})
}

type memberRoutes struct {
	user   string
	routes []model.DeviceRoute
}

// fanOut resolves member routes in fixed-size chunks, prefetching the next
// chunk while the current one is being delivered, and batches remote
// delivery per node.
func (e *Engine) fanOut(ctx context.Context, sess *Session, msg *model.Message, targets []string, counts *model.AckCounts) {
	cfg := sess.Cfg
	self := e.dir.Self().ID

	chunks := make(chan []memberRoutes, 1) // cap 1 = one chunk of lookahead
	go func() {
		defer close(chunks)
		for start := 0; start < len(targets); start += routeChunkSize {
			end := start + routeChunkSize
			if end > len(targets) {
				end = len(targets)
			}
			chunk := make([]memberRoutes, 0, end-start)
			for _, user := range targets[start:end] {
				routes, err := e.leases.Routes(ctx, msg.Tenant, user)
				if err != nil {
					routes = nil
				}
				chunk = append(chunk, memberRoutes{user: user, routes: routes})
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	offlineWrites := 0
	for chunk := range chunks {
		// Per-node buckets within the chunk; one ForwardBatch per node.
		buckets := map[model.NodeInfo][]string{}
		localDelivered := map[string]bool{}
		for _, mr := range chunk {
			if len(mr.routes) == 0 {
				e.deferUndelivered(ctx, cfg, msg, mr.user, localDelivered, &offlineWrites, counts)
				continue
			}
			localSeen := false
			nodeSeen := map[string]bool{}
			for _, r := range mr.routes {
				if r.NodeID == self {
					if !localSeen {
						if n := e.hub.Deliver(msg.Tenant, mr.user, deliveryFrame(msg)); n > 0 {
							counts.Delivered += n
							localDelivered[mr.user] = true
						}
						localSeen = true
					}
					continue
				}
				if !nodeSeen[r.NodeID] {
					nodeSeen[r.NodeID] = true
					node := model.NodeInfo{ID: r.NodeID, Endpoint: r.Endpoint}
					buckets[node] = append(buckets[node], mr.user)
				}
			}
		}
		for node, users := range buckets {
			fctx, cancel := context.WithTimeout(ctx, forwardDeadline)
			resp, err := e.transport.ForwardBatch(fctx, node, msg.Tenant, users, msg)
			cancel()
			if err != nil {
				metrics.Forwards.WithLabelValues("error").Inc()
				// Same policy as single chat: an unreachable node defers the
				// bucket instead of dropping it.
				for _, user := range users {
					e.deferUndelivered(ctx, cfg, msg, user, localDelivered, &offlineWrites, counts)
				}
				continue
			}
			metrics.Forwards.WithLabelValues("ok").Inc()
			counts.Delivered += resp.Delivered
			for _, user := range resp.Missed {
				e.deferUndelivered(ctx, cfg, msg, user, localDelivered, &offlineWrites, counts)
			}
		}
	}
}

// deferUndelivered routes a member no live socket took through the
// buffer-or-notify path, honoring the per-message offline write cap. Members
// a local device already received need nothing further.
func (e *Engine) deferUndelivered(ctx context.Context, cfg model.TenantConfig, msg *model.Message, user string, localDelivered map[string]bool, offlineWrites *int, counts *model.AckCounts) {
	if localDelivered[user] {
		return
	}
	if *offlineWrites >= cfg.GroupOfflineWritesMax {
		counts.Skipped++
		return
	}
	*offlineWrites++
	e.bufferOrNotify(ctx, cfg, msg, user, counts)
}

// dedupeMembers drops duplicate ids and the sender. The result is sorted so
// truncation under the fan-out cap is deterministic.
func dedupeMembers(members []string, sender string) []string {
	seen := make(map[string]bool, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m == "" || m == sender || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
