package service

import (
	"context"
	"time"

	"github.com/webitel/im-gateway-service/internal/cluster"
)

// The engine is the receiving end of the cluster transport: peers forward
// messages for users attached here and buffer/drain mailboxes this node owns.
var _ cluster.GatewayServer = (*Engine)(nil)

func (e *Engine) ForwardSingle(_ context.Context, req *cluster.ForwardSingleRequest) (*cluster.ForwardSingleResponse, error) {
	n := e.hub.Deliver(req.Tenant, req.ToUser, deliveryFrame(req.Message))
	return &cluster.ForwardSingleResponse{Delivered: n}, nil
}

func (e *Engine) ForwardBatch(_ context.Context, req *cluster.ForwardBatchRequest) (*cluster.ForwardBatchResponse, error) {
	resp := &cluster.ForwardBatchResponse{}
	fr := deliveryFrame(req.Message)
	for _, user := range req.ToUsers {
		if n := e.hub.Deliver(req.Tenant, user, fr); n > 0 {
			resp.Delivered += n
		} else {
			resp.Missed = append(resp.Missed, user)
		}
	}
	return resp, nil
}

func (e *Engine) BufferOffline(_ context.Context, req *cluster.BufferOfflineRequest) (*cluster.BufferOfflineResponse, error) {
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	ok := e.offline.TryAdd(req.Tenant, req.ToUser, req.Frame, ttl)
	return &cluster.BufferOfflineResponse{Buffered: ok}, nil
}

func (e *Engine) DrainOffline(_ context.Context, req *cluster.DrainOfflineRequest) (*cluster.DrainOfflineResponse, error) {
	return &cluster.DrainOfflineResponse{Frames: e.offline.Drain(req.Tenant, req.User)}, nil
}
