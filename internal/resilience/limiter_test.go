package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterBoundsConcurrencyPerKey(t *testing.T) {
	g := NewLimiterGroup()
	p := LimiterPolicy{MaxConcurrency: 2, QueueTimeout: 20 * time.Millisecond}
	ctx := context.Background()

	rel1, err := g.Acquire(ctx, "t1:check", p)
	require.NoError(t, err)
	rel2, err := g.Acquire(ctx, "t1:check", p)
	require.NoError(t, err)

	// Third acquire waits out the queue timeout and fails.
	start := time.Now()
	_, err = g.Acquire(ctx, "t1:check", p)
	assert.ErrorIs(t, err, ErrQueueRejected)
	assert.GreaterOrEqual(t, time.Since(start), p.QueueTimeout)

	// A different key is unaffected.
	rel3, err := g.Acquire(ctx, "t2:check", p)
	require.NoError(t, err)
	rel3()

	rel1()
	rel4, err := g.Acquire(ctx, "t1:check", p)
	require.NoError(t, err)
	rel4()
	rel2()
}

func TestLimiterPolicyChangeKeepsOldHolders(t *testing.T) {
	g := NewLimiterGroup()
	ctx := context.Background()
	old := LimiterPolicy{MaxConcurrency: 1, QueueTimeout: 10 * time.Millisecond}

	relOld, err := g.Acquire(ctx, "k", old)
	require.NoError(t, err)

	// Policy bump swaps in a fresh semaphore; the old slot stays held
	// against the old entry and releasing it must not panic or leak.
	bumped := LimiterPolicy{MaxConcurrency: 2, QueueTimeout: 10 * time.Millisecond}
	relA, err := g.Acquire(ctx, "k", bumped)
	require.NoError(t, err)
	relB, err := g.Acquire(ctx, "k", bumped)
	require.NoError(t, err)
	_, err = g.Acquire(ctx, "k", bumped)
	assert.ErrorIs(t, err, ErrQueueRejected)

	relOld()
	relA()
	relB()
}

func TestLimiterAcquireHonorsContext(t *testing.T) {
	g := NewLimiterGroup()
	p := LimiterPolicy{MaxConcurrency: 1, QueueTimeout: time.Second}

	rel, err := g.Acquire(context.Background(), "k", p)
	require.NoError(t, err)
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx, "k", p)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiterReleaseIsIdempotent(t *testing.T) {
	g := NewLimiterGroup()
	p := LimiterPolicy{MaxConcurrency: 1, QueueTimeout: 10 * time.Millisecond}

	rel, err := g.Acquire(context.Background(), "k", p)
	require.NoError(t, err)
	rel()
	rel() // double release must not free a phantom slot

	rel2, err := g.Acquire(context.Background(), "k", p)
	require.NoError(t, err)
	defer rel2()
	_, err = g.Acquire(context.Background(), "k", p)
	assert.ErrorIs(t, err, ErrQueueRejected)
}
