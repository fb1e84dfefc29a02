package interceptors

import (
	"context"
	"crypto/subtle"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// clusterSecretHeader carries the shared cluster secret between nodes.
const clusterSecretHeader = "x-imgw-cluster-secret"

// NewClusterAuthInterceptor validates the shared-secret header on inbound
// peer calls. An empty secret disables the check (single-node or trusted
// network deployments).
func NewClusterAuthInterceptor(secret string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if secret == "" {
			return handler(ctx, req)
		}

		// [PRE_AUTH] Validate peer identity before touching the payload.
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		values := md.Get(clusterSecretHeader)
		if len(values) == 0 || subtle.ConstantTimeCompare([]byte(values[0]), []byte(secret)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "cluster authentication failed")
		}

		return handler(ctx, req)
	}
}

// ClusterAuthClientInterceptor attaches the shared secret to outbound peer
// calls. Paired with NewClusterAuthInterceptor on the receiving side.
func ClusterAuthClientInterceptor(secret string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if secret != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, clusterSecretHeader, secret)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
