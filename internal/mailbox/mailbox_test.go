package mailbox

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAddCappedByFrameCount(t *testing.T) {
	m := New(WithLimits(3, 1<<20))
	defer m.Stop()

	for i := range 3 {
		require.True(t, m.TryAdd("acme", "alice", fmt.Appendf(nil, "f%d", i), time.Minute))
	}
	assert.False(t, m.TryAdd("acme", "alice", []byte("overflow"), time.Minute))

	// A different user has an independent budget.
	assert.True(t, m.TryAdd("acme", "bob", []byte("x"), time.Minute))
}

func TestTryAddCappedByBytes(t *testing.T) {
	m := New(WithLimits(100, 10))
	defer m.Stop()

	require.True(t, m.TryAdd("acme", "alice", []byte("12345678"), time.Minute))
	assert.False(t, m.TryAdd("acme", "alice", []byte("abc"), time.Minute))
	assert.True(t, m.TryAdd("acme", "alice", []byte("ab"), time.Minute))
}

func TestExpiredEntriesPrunedBeforeCapacityCheck(t *testing.T) {
	now := time.Now()
	m := New(WithLimits(2, 1<<20))
	defer m.Stop()
	m.now = func() time.Time { return now }

	require.True(t, m.TryAdd("acme", "alice", []byte("a"), 10*time.Second))
	require.True(t, m.TryAdd("acme", "alice", []byte("b"), 10*time.Second))
	require.False(t, m.TryAdd("acme", "alice", []byte("c"), 10*time.Second))

	now = now.Add(11 * time.Second)
	assert.True(t, m.TryAdd("acme", "alice", []byte("c"), 10*time.Second),
		"expired entries must free capacity")
}

func TestDrainInsertionOrderAndEmpties(t *testing.T) {
	m := New()
	defer m.Stop()

	for i := range 5 {
		require.True(t, m.TryAdd("acme", "alice", fmt.Appendf(nil, "f%d", i), time.Minute))
	}

	frames := m.Drain("acme", "alice")
	require.Len(t, frames, 5)
	for i, f := range frames {
		assert.Equal(t, fmt.Sprintf("f%d", i), string(f))
	}
	assert.Empty(t, m.Drain("acme", "alice"))
	assert.Zero(t, m.Pending("acme", "alice"))
}

func TestDrainSkipsExpired(t *testing.T) {
	now := time.Now()
	m := New()
	defer m.Stop()
	m.now = func() time.Time { return now }

	require.True(t, m.TryAdd("acme", "alice", []byte("old"), time.Second))
	require.True(t, m.TryAdd("acme", "alice", []byte("new"), time.Hour))

	now = now.Add(2 * time.Second)
	frames := m.Drain("acme", "alice")
	require.Len(t, frames, 1)
	assert.Equal(t, "new", string(frames[0]))
}

func TestEvictionCounter(t *testing.T) {
	evictions := map[string]int{}
	m := New(
		WithLimits(1, 1<<20),
		WithEvictionCounter(func(reason string, n int) { evictions[reason] += n }),
	)
	defer m.Stop()

	require.True(t, m.TryAdd("acme", "alice", []byte("a"), time.Minute))
	require.False(t, m.TryAdd("acme", "alice", []byte("b"), time.Minute))
	assert.Equal(t, 1, evictions["capacity"])
}
