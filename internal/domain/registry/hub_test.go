package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

func newConn(t *testing.T, tenant, user, device string) Connector {
	t.Helper()
	return NewConnector(context.Background(), tenant, user, device, ConnectMetadata{}, 8)
}

func recvFrame(t *testing.T, conn Connector) *model.Frame {
	t.Helper()
	select {
	case fr := <-conn.Recv():
		return fr
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return nil
	}
}

func TestHubDeliversToAllDevices(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	phone := newConn(t, "acme", "alice", "phone")
	laptop := newConn(t, "acme", "alice", "laptop")
	h.Register(phone)
	h.Register(laptop)

	n := h.Deliver("acme", "alice", &model.Frame{Type: model.FrameDelivery, ID: "m1"})
	assert.Equal(t, 2, n)

	assert.Equal(t, "m1", recvFrame(t, phone).ID)
	assert.Equal(t, "m1", recvFrame(t, laptop).ID)
}

func TestHubMissReturnsZero(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	assert.Equal(t, 0, h.Deliver("acme", "nobody", &model.Frame{Type: model.FrameDelivery}))
	assert.False(t, h.IsLocal("acme", "nobody"))
}

func TestHubTenantsDoNotCollide(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	acme := newConn(t, "acme", "alice", "phone")
	h.Register(acme)

	assert.True(t, h.IsLocal("acme", "alice"))
	assert.False(t, h.IsLocal("globex", "alice"))
	assert.Equal(t, 0, h.Deliver("globex", "alice", &model.Frame{Type: model.FrameDelivery}))
}

func TestHubSameDeviceReplacesSession(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	old := newConn(t, "acme", "alice", "phone")
	h.Register(old)
	fresh := newConn(t, "acme", "alice", "phone")
	h.Register(fresh)

	select {
	case <-old.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session was not closed")
	}
	code, _ := old.CloseCode()
	assert.Equal(t, model.CloseReplaced, code)

	// Only the fresh session receives now.
	require.Equal(t, 1, h.Deliver("acme", "alice", &model.Frame{Type: model.FrameDelivery, ID: "m2"}))
	assert.Equal(t, "m2", recvFrame(t, fresh).ID)
}

func TestHubUnregisterLastSessionPurgesCell(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	phone := newConn(t, "acme", "alice", "phone")
	laptop := newConn(t, "acme", "alice", "laptop")
	h.Register(phone)
	h.Register(laptop)

	h.Unregister("acme", "alice", phone.ID())
	assert.True(t, h.IsLocal("acme", "alice"))

	h.Unregister("acme", "alice", laptop.ID())
	assert.False(t, h.IsLocal("acme", "alice"))
	assert.Equal(t, 0, h.Len())
}

func TestHubShutdownClosesWithDrainingCode(t *testing.T) {
	h := NewHub()
	conn := newConn(t, "acme", "alice", "phone")
	h.Register(conn)

	h.Shutdown(model.CloseServerDraining, "server draining")

	select {
	case <-conn.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed on shutdown")
	}
	code, _ := conn.CloseCode()
	assert.Equal(t, model.CloseServerDraining, code)
	assert.Equal(t, 0, h.Len())
}

func TestConnectorSendAfterCloseFails(t *testing.T) {
	conn := newConn(t, "acme", "alice", "phone")
	conn.Close(model.CloseHeartbeatTimeout, "idle")
	assert.False(t, conn.Send(&model.Frame{Type: model.FramePing}, 10*time.Millisecond))
}

func TestConnectorCloseIsIdempotent(t *testing.T) {
	conn := newConn(t, "acme", "alice", "phone")
	conn.Close(model.CloseReplaced, "first")
	conn.Close(model.CloseAuthFailed, "second")

	code, reason := conn.CloseCode()
	assert.Equal(t, model.CloseReplaced, code)
	assert.Equal(t, "first", reason)
}

func TestCellRangeVisitsEverySession(t *testing.T) {
	h := NewHub()
	defer h.Shutdown(model.CloseServerDraining, "test over")

	h.Register(newConn(t, "acme", "alice", "phone"))
	h.Register(newConn(t, "acme", "bob", "phone"))
	h.Register(newConn(t, "globex", "carol", "web"))

	seen := map[string]bool{}
	h.Range(func(conn Connector) bool {
		seen[conn.Tenant()+"/"+conn.User()] = true
		return true
	})
	assert.Len(t, seen, 3)
	assert.Equal(t, 3, h.Len())
}
