package lease

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// flakyStore fails Unregister a configured number of times before
// delegating to the memory store.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Unregister(ctx context.Context, ref Ref) (bool, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failures
	f.mu.Unlock()
	if fail {
		return false, context.DeadlineExceeded
	}
	return f.MemoryStore.Unregister(ctx, ref)
}

func (f *flakyStore) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestReleaseNeverPropagatesAndRetries(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	a := NewAdmission(fs, slog.Default())
	a.Start()
	defer a.Stop()

	ctx := context.Background()
	req := RegisterReq{
		Tenant: "acme", User: "alice",
		Route:            model.DeviceRoute{NodeID: "n1", ConnID: "c1", Device: "phone"},
		HeartbeatTimeout: 30 * time.Second,
		TenantMax:        10, UserMax: 10,
	}
	_, err := a.Admit(ctx, req)
	require.NoError(t, err)

	ref := Ref{Tenant: "acme", User: "alice", Device: "phone", NodeID: "n1", ConnID: "c1"}
	a.Release(ref) // must not block or error despite store failures

	// The background worker eventually removes the lease.
	assert.Eventually(t, func() bool {
		routes, err := fs.MemoryStore.Routes(ctx, "acme", "alice")
		return err == nil && len(routes) == 0
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, fs.callCount(), 3)
}

func TestReleaseSucceedsInline(t *testing.T) {
	fs := &flakyStore{MemoryStore: NewMemoryStore()}
	a := NewAdmission(fs, slog.Default())
	a.Start()
	defer a.Stop()

	ctx := context.Background()
	_, err := a.Admit(ctx, RegisterReq{
		Tenant: "acme", User: "bob",
		Route:            model.DeviceRoute{NodeID: "n1", ConnID: "c7", Device: "web"},
		HeartbeatTimeout: 30 * time.Second,
		TenantMax:        10, UserMax: 10,
	})
	require.NoError(t, err)

	a.Release(Ref{Tenant: "acme", User: "bob", Device: "web", NodeID: "n1", ConnID: "c7"})
	routes, err := fs.MemoryStore.Routes(ctx, "acme", "bob")
	require.NoError(t, err)
	assert.Empty(t, routes)
	assert.Equal(t, 1, fs.callCount())
}
