package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

func route(node, conn, device string) model.DeviceRoute {
	return model.DeviceRoute{
		NodeID:   node,
		Endpoint: node + ":9090",
		ConnID:   conn,
		Device:   device,
		OnlineAt: time.Now().UnixMilli(),
	}
}

func registerReq(user, node, conn, device string) RegisterReq {
	return RegisterReq{
		Tenant:           "acme",
		User:             user,
		Route:            route(node, conn, device),
		HeartbeatTimeout: 30 * time.Second,
		TenantMax:        100,
		UserMax:          2,
	}
}

func TestTTLFloor(t *testing.T) {
	assert.Equal(t, 30*time.Second, TTL(5*time.Second))
	assert.Equal(t, 2*time.Minute, TTL(time.Minute))
}

func TestRegisterSameDeviceReplaces(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	res, err := s.Register(ctx, registerReq("alice", "node-a", "c1", "phone"))
	require.NoError(t, err)
	assert.Equal(t, AllowedNew, res)

	// Reconnect from a different node must replace, never stack a second
	// lease for the same (tenant,user,device).
	res, err = s.Register(ctx, registerReq("alice", "node-b", "c2", "phone"))
	require.NoError(t, err)
	assert.Equal(t, AllowedReplace, res)

	routes, err := s.Routes(ctx, "acme", "alice")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "node-b", routes[0].NodeID)
}

func TestRegisterUserCapDenies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, device := range []string{"phone", "laptop"} {
		res, err := s.Register(ctx, registerReq("alice", "node-a", "c", device))
		require.NoError(t, err, "device %d", i)
		require.Equal(t, AllowedNew, res)
	}

	res, err := s.Register(ctx, registerReq("alice", "node-a", "c", "tablet"))
	require.NoError(t, err)
	assert.Equal(t, Denied, res)

	// Replacing an existing device does not count against the cap.
	res, err = s.Register(ctx, registerReq("alice", "node-b", "c9", "phone"))
	require.NoError(t, err)
	assert.Equal(t, AllowedReplace, res)
}

func TestRegisterReplaceFreesTenantSlot(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	req := func(user, conn string) RegisterReq {
		r := registerReq(user, "node-a", conn, "phone")
		r.TenantMax = 2
		return r
	}

	res, err := s.Register(ctx, req("alice", "c1"))
	require.NoError(t, err)
	require.Equal(t, AllowedNew, res)

	// Reconnect under a fresh connection id: the superseded lease member
	// must be dropped, not left to expire while holding a tenant slot.
	res, err = s.Register(ctx, req("alice", "c2"))
	require.NoError(t, err)
	require.Equal(t, AllowedReplace, res)

	res, err = s.Register(ctx, req("bob", "c3"))
	require.NoError(t, err)
	assert.Equal(t, AllowedNew, res)
	assert.Len(t, s.tlease["acme"], 2)
}

func TestRegisterPrunesExpiredBeforeCounting(t *testing.T) {
	s := NewMemoryStore()
	now := time.Now()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_, err := s.Register(ctx, registerReq("alice", "node-a", "c1", "phone"))
	require.NoError(t, err)
	_, err = s.Register(ctx, registerReq("alice", "node-a", "c2", "laptop"))
	require.NoError(t, err)

	// Let both leases expire; the cap must open up again.
	now = now.Add(TTL(30*time.Second) + time.Second)
	res, err := s.Register(ctx, registerReq("alice", "node-a", "c3", "tablet"))
	require.NoError(t, err)
	assert.Equal(t, AllowedNew, res)
}

func TestUnregisterCompareAndDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Register(ctx, registerReq("alice", "node-a", "c1", "phone"))
	require.NoError(t, err)
	// Newer registration from node-b races in.
	_, err = s.Register(ctx, registerReq("alice", "node-b", "c2", "phone"))
	require.NoError(t, err)

	// node-a's stale teardown must not remove node-b's lease.
	removed, err := s.Unregister(ctx, Ref{
		Tenant: "acme", User: "alice", Device: "phone",
		NodeID: "node-a", ConnID: "c1",
	})
	require.NoError(t, err)
	assert.False(t, removed)

	routes, _ := s.Routes(ctx, "acme", "alice")
	require.Len(t, routes, 1)
	assert.Equal(t, "node-b", routes[0].NodeID)

	removed, err = s.Unregister(ctx, Ref{
		Tenant: "acme", User: "alice", Device: "phone",
		NodeID: "node-b", ConnID: "c2",
	})
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestReapNodeOnlyTouchesDeadNode(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Register(ctx, registerReq("alice", "node-a", "c1", "phone"))
	require.NoError(t, err)
	_, err = s.Register(ctx, registerReq("bob", "node-b", "c2", "phone"))
	require.NoError(t, err)

	reaped, err := s.ReapNode(ctx, "node-a")
	require.NoError(t, err)
	assert.EqualValues(t, 1, reaped)

	routes, _ := s.Routes(ctx, "acme", "alice")
	assert.Empty(t, routes)
	routes, _ = s.Routes(ctx, "acme", "bob")
	assert.Len(t, routes, 1)
}
