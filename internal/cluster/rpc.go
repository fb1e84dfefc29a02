package cluster

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/webitel/im-gateway-service/internal/domain/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// Inter-node RPC surface. The envelope is JSON over gRPC framing: the
// payloads are small control structs around an already-opaque message body,
// so a generated proto layer would buy nothing here.

const (
	serviceName = "imgw.cluster.v1.Gateway"

	methodForwardSingle = "/" + serviceName + "/ForwardSingle"
	methodForwardBatch  = "/" + serviceName + "/ForwardBatch"
	methodBufferOffline = "/" + serviceName + "/BufferOffline"
	methodDrainOffline  = "/" + serviceName + "/DrainOffline"
)

type ForwardSingleRequest struct {
	Tenant  string         `json:"tenant"`
	ToUser  string         `json:"to_user"`
	Message *model.Message `json:"message"`
}

type ForwardSingleResponse struct {
	Delivered int `json:"delivered"`
}

type ForwardBatchRequest struct {
	Tenant  string         `json:"tenant"`
	ToUsers []string       `json:"to_users"`
	Message *model.Message `json:"message"`
}

type ForwardBatchResponse struct {
	Delivered int      `json:"delivered"`
	Missed    []string `json:"missed,omitempty"` // users with no live local socket
}

type BufferOfflineRequest struct {
	Tenant    string `json:"tenant"`
	ToUser    string `json:"to_user"`
	Frame     []byte `json:"frame"`
	TTLMillis int64  `json:"ttl_ms"`
}

type BufferOfflineResponse struct {
	Buffered bool `json:"buffered"`
}

type DrainOfflineRequest struct {
	Tenant string `json:"tenant"`
	User   string `json:"user"`
}

type DrainOfflineResponse struct {
	Frames [][]byte `json:"frames"`
}

// GatewayServer is implemented by the session engine on the receiving node.
type GatewayServer interface {
	ForwardSingle(ctx context.Context, req *ForwardSingleRequest) (*ForwardSingleResponse, error)
	ForwardBatch(ctx context.Context, req *ForwardBatchRequest) (*ForwardBatchResponse, error)
	BufferOffline(ctx context.Context, req *BufferOfflineRequest) (*BufferOfflineResponse, error)
	DrainOffline(ctx context.Context, req *DrainOfflineRequest) (*DrainOfflineResponse, error)
}

const codecName = "imgw-json"

// jsonCodec satisfies gRPC's encoding.Codec for our envelope structs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

func unaryHandler[Req any](method string, call func(ctx context.Context, srv GatewayServer, req *Req) (any, error)) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, srv.(GatewayServer), in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(ctx, srv.(GatewayServer), req.(*Req))
		})
	}
}

var gatewayServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*GatewayServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ForwardSingle",
			Handler: unaryHandler(methodForwardSingle, func(ctx context.Context, srv GatewayServer, req *ForwardSingleRequest) (any, error) {
				return srv.ForwardSingle(ctx, req)
			}),
		},
		{
			MethodName: "ForwardBatch",
			Handler: unaryHandler(methodForwardBatch, func(ctx context.Context, srv GatewayServer, req *ForwardBatchRequest) (any, error) {
				return srv.ForwardBatch(ctx, req)
			}),
		},
		{
			MethodName: "BufferOffline",
			Handler: unaryHandler(methodBufferOffline, func(ctx context.Context, srv GatewayServer, req *BufferOfflineRequest) (any, error) {
				return srv.BufferOffline(ctx, req)
			}),
		},
		{
			MethodName: "DrainOffline",
			Handler: unaryHandler(methodDrainOffline, func(ctx context.Context, srv GatewayServer, req *DrainOfflineRequest) (any, error) {
				return srv.DrainOffline(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/cluster/gateway.go",
}

// gatewayClient is a thin typed wrapper over a client connection.
type gatewayClient struct {
	cc grpc.ClientConnInterface
}

func (c *gatewayClient) invoke(ctx context.Context, method string, in, out any) error {
	if err := c.cc.Invoke(ctx, method, in, out, grpc.ForceCodec(jsonCodec{})); err != nil {
		return fmt.Errorf("cluster rpc %s: %w", method, err)
	}
	return nil
}

func (c *gatewayClient) ForwardSingle(ctx context.Context, req *ForwardSingleRequest) (*ForwardSingleResponse, error) {
	out := new(ForwardSingleResponse)
	return out, c.invoke(ctx, methodForwardSingle, req, out)
}

func (c *gatewayClient) ForwardBatch(ctx context.Context, req *ForwardBatchRequest) (*ForwardBatchResponse, error) {
	out := new(ForwardBatchResponse)
	return out, c.invoke(ctx, methodForwardBatch, req, out)
}

func (c *gatewayClient) BufferOffline(ctx context.Context, req *BufferOfflineRequest) (*BufferOfflineResponse, error) {
	out := new(BufferOfflineResponse)
	return out, c.invoke(ctx, methodBufferOffline, req, out)
}

func (c *gatewayClient) DrainOffline(ctx context.Context, req *DrainOfflineRequest) (*DrainOfflineResponse, error) {
	out := new(DrainOfflineResponse)
	return out, c.invoke(ctx, methodDrainOffline, req, out)
}
