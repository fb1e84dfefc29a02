// Package lease implements the cross-node connection admission protocol.
//
// A lease is a time-bounded claim that (tenant,user,device) is live on a
// specific node. Leases double as routing facts and as the unit of
// connection-count quota enforcement, so registration must be atomic
// against concurrent attempts for the same user from any node.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// RegisterResult is the tri-state admission verdict returned by the store.
type RegisterResult int

const (
	Denied         RegisterResult = 0
	AllowedNew     RegisterResult = 1
	AllowedReplace RegisterResult = 2
)

func (r RegisterResult) String() string {
	switch r {
	case Denied:
		return "denied"
	case AllowedNew:
		return "new"
	case AllowedReplace:
		return "replace"
	default:
		return fmt.Sprintf("RegisterResult(%d)", int(r))
	}
}

// RegisterReq carries everything the atomic admission script needs.
type RegisterReq struct {
	Tenant           string
	User             string
	Route            model.DeviceRoute
	HeartbeatTimeout time.Duration
	TenantMax        int64
	UserMax          int64
}

// Ref identifies one lease for renewal and compare-and-delete unregister.
type Ref struct {
	Tenant           string
	User             string
	Device           string
	NodeID           string
	ConnID           string
	HeartbeatTimeout time.Duration
}

// Store is the atomic lease store contract. Every mutation appears atomic
// to concurrent callers; no check-then-act from the application side.
type Store interface {
	// Register admits, denies, or replaces a lease. Expired leases are
	// pruned before caps are counted; replacing a device's own lease never
	// counts against the caps.
	Register(ctx context.Context, req RegisterReq) (RegisterResult, error)

	// RenewLease extends both lease-set expiries without re-checking caps.
	RenewLease(ctx context.Context, ref Ref) error

	// Unregister removes the lease only if (node,conn) still match what is
	// recorded, guarding against a racing newer registration. Returns true
	// when the lease was actually removed.
	Unregister(ctx context.Context, ref Ref) (bool, error)

	// Routes returns the live device routes for one user.
	Routes(ctx context.Context, tenant, user string) ([]model.DeviceRoute, error)

	// ReapNode removes every lease still pointing at a dead node. Leases
	// re-registered elsewhere in the meantime are left untouched.
	ReapNode(ctx context.Context, nodeID string) (int64, error)
}

const minLeaseTTL = 30 * time.Second

// TTL is the lease lifetime derived from the tenant heartbeat timeout.
// Invariant: lease TTL >= 2x heartbeat interval, floored at 30s.
func TTL(heartbeat time.Duration) time.Duration {
	ttl := 2 * heartbeat
	if ttl < minLeaseTTL {
		return minLeaseTTL
	}
	return ttl
}
