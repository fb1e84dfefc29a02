package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/infra/server/grpc/interceptors"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	"github.com/webitel/im-gateway-service/internal/resilience"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	forwardDeadline = 250 * time.Millisecond
	forwardAttempts = 2

	nodeBreakerThreshold = 5
	nodeBreakerOpenFor   = 10 * time.Second
)

var nodeBreakerPolicy = resilience.BreakerPolicy{
	FailureThreshold: nodeBreakerThreshold,
	OpenDuration:     nodeBreakerOpenFor,
}

// ErrPeerUnavailable is returned when a peer's breaker is open or every
// forward attempt failed. Callers fall back to offline buffering.
var ErrPeerUnavailable = fmt.Errorf("cluster: peer unavailable")

// Transport hosts the inter-node gRPC service and maintains lazily-dialed
// client connections to peers, each guarded by a circuit breaker.
type Transport struct {
	bindAddr string
	secret   string
	logger   *slog.Logger
	breakers *resilience.BreakerGroup

	server   *grpc.Server
	listener net.Listener

	mu    sync.RWMutex
	peers map[string]*grpc.ClientConn // node id -> conn
}

func NewTransport(bindAddr, secret string, breakers *resilience.BreakerGroup, logger *slog.Logger) *Transport {
	return &Transport{
		bindAddr: bindAddr,
		secret:   secret,
		logger:   logger,
		breakers: breakers,
		peers:    make(map[string]*grpc.ClientConn),
	}
}

// Serve registers handler and starts accepting peer traffic.
func (t *Transport) Serve(handler GatewayServer) error {
	listener, err := net.Listen("tcp", t.bindAddr)
	if err != nil {
		return fmt.Errorf("cluster: listen %s: %w", t.bindAddr, err)
	}
	t.listener = listener
	t.server = grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(interceptors.NewClusterAuthInterceptor(t.secret)),
	)
	t.server.RegisterService(&gatewayServiceDesc, handler)

	go func() {
		t.logger.Info("cluster transport listening", slog.String("addr", t.bindAddr))
		if err := t.server.Serve(listener); err != nil {
			t.logger.Error("cluster transport stopped", slog.Any("err", err))
		}
	}()
	return nil
}

// Close stops the server and drops all peer connections.
func (t *Transport) Close() {
	t.mu.Lock()
	for id, conn := range t.peers {
		_ = conn.Close()
		delete(t.peers, id)
	}
	t.mu.Unlock()
	if t.server != nil {
		t.server.GracefulStop()
	}
}

func (t *Transport) conn(node model.NodeInfo) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.peers[node.ID]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok = t.peers[node.ID]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(node.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithUnaryInterceptor(interceptors.ClusterAuthClientInterceptor(t.secret)),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster: dial peer %s at %s: %w", node.ID, node.Endpoint, err)
	}
	t.peers[node.ID] = conn
	return conn, nil
}

// DropPeer discards a cached connection, forcing a re-dial on next use.
func (t *Transport) DropPeer(nodeID string) {
	t.mu.Lock()
	if conn, ok := t.peers[nodeID]; ok {
		_ = conn.Close()
		delete(t.peers, nodeID)
	}
	t.mu.Unlock()
}

func transientCode(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

// call runs fn against node with the per-node breaker and the bounded
// retry policy: at most forwardAttempts tries, retrying transient codes only.
func (t *Transport) call(ctx context.Context, node model.NodeInfo, fn func(ctx context.Context, c *gatewayClient) error) error {
	key := "node:" + node.ID
	if !t.breakers.TryBegin(key) {
		metrics.BreakerRejections.WithLabelValues("node").Inc()
		return fmt.Errorf("%w: breaker open for %s", ErrPeerUnavailable, node.ID)
	}

	conn, err := t.conn(node)
	if err != nil {
		t.breakers.OnFailure(key, nodeBreakerPolicy)
		return err
	}
	client := &gatewayClient{cc: conn}

	var lastErr error
	for attempt := 0; attempt < forwardAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, forwardDeadline)
		lastErr = fn(callCtx, client)
		cancel()

		if lastErr == nil {
			t.breakers.OnSuccess(key)
			metrics.Forwards.WithLabelValues("ok").Inc()
			return nil
		}
		if ctx.Err() != nil {
			// Caller went away; don't punish the peer's health score.
			t.breakers.EndAttempt(key)
			metrics.Forwards.WithLabelValues("canceled").Inc()
			return lastErr
		}
		if !transientCode(lastErr) {
			break
		}
	}

	t.breakers.OnFailure(key, nodeBreakerPolicy)
	metrics.Forwards.WithLabelValues("error").Inc()
	return fmt.Errorf("%w: %s: %v", ErrPeerUnavailable, node.ID, lastErr)
}

// ForwardSingle delivers msg to toUser's live sockets on node.
func (t *Transport) ForwardSingle(ctx context.Context, node model.NodeInfo, tenant, toUser string, msg *model.Message) (int, error) {
	var delivered int
	err := t.call(ctx, node, func(ctx context.Context, c *gatewayClient) error {
		res, err := c.ForwardSingle(ctx, &ForwardSingleRequest{Tenant: tenant, ToUser: toUser, Message: msg})
		if err == nil {
			delivered = res.Delivered
		}
		return err
	})
	return delivered, err
}

// ForwardBatch delivers msg to several users on one node in a single call.
func (t *Transport) ForwardBatch(ctx context.Context, node model.NodeInfo, tenant string, toUsers []string, msg *model.Message) (*ForwardBatchResponse, error) {
	var out *ForwardBatchResponse
	err := t.call(ctx, node, func(ctx context.Context, c *gatewayClient) error {
		res, err := c.ForwardBatch(ctx, &ForwardBatchRequest{Tenant: tenant, ToUsers: toUsers, Message: msg})
		if err == nil {
			out = res
		}
		return err
	})
	return out, err
}

// BufferOffline stores frame in toUser's mailbox on its home node.
func (t *Transport) BufferOffline(ctx context.Context, node model.NodeInfo, tenant, toUser string, frame []byte, ttl time.Duration) (bool, error) {
	var buffered bool
	err := t.call(ctx, node, func(ctx context.Context, c *gatewayClient) error {
		res, err := c.BufferOffline(ctx, &BufferOfflineRequest{
			Tenant: tenant, ToUser: toUser, Frame: frame, TTLMillis: ttl.Milliseconds(),
		})
		if err == nil {
			buffered = res.Buffered
		}
		return err
	})
	return buffered, err
}

// DrainOffline pulls and empties user's mailbox from its home node.
func (t *Transport) DrainOffline(ctx context.Context, node model.NodeInfo, tenant, user string) ([][]byte, error) {
	var frames [][]byte
	err := t.call(ctx, node, func(ctx context.Context, c *gatewayClient) error {
		res, err := c.DrainOffline(ctx, &DrainOfflineRequest{Tenant: tenant, User: user})
		if err == nil {
			frames = res.Frames
		}
		return err
	})
	return frames, err
}
