package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const limiterShards = 16

// ErrQueueRejected is returned when an acquire waited the full queue
// timeout without a slot becoming free. Callers must not count it as a
// downstream health failure.
var ErrQueueRejected = errors.New("resilience: concurrency queue rejected")

// LimiterPolicy sizes the per-key semaphore and bounds the queue wait.
type LimiterPolicy struct {
	MaxConcurrency int
	QueueTimeout   time.Duration
}

// LimiterGroup is a registry of per-key bounded concurrency limiters.
//
// When a key's MaxConcurrency changes, a fresh entry is swapped in under
// the shard lock; releases captured against the old entry stay valid
// because each release closes over its own semaphore channel.
type LimiterGroup struct {
	shards [limiterShards]limiterShard
}

type limiterShard struct {
	mu      sync.RWMutex
	entries map[string]*limiterEntry
}

type limiterEntry struct {
	max   int
	slots chan struct{}
}

func NewLimiterGroup() *LimiterGroup {
	g := &LimiterGroup{}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]*limiterEntry)
	}
	return g
}

func (g *LimiterGroup) entry(key string, max int) *limiterEntry {
	s := &g.shards[xxhash.Sum64String(key)%limiterShards]

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok && e.max == max {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok && e.max == max {
		return e
	}
	// Replace on policy change. In-flight holders keep the old channel.
	e = &limiterEntry{max: max, slots: make(chan struct{}, max)}
	s.entries[key] = e
	return e
}

// Acquire takes one slot for key, waiting up to the policy queue timeout.
// On success it returns a release func that must be called exactly once.
func (g *LimiterGroup) Acquire(ctx context.Context, key string, p LimiterPolicy) (func(), error) {
	e := g.entry(key, p.MaxConcurrency)

	timer := time.NewTimer(p.QueueTimeout)
	defer timer.Stop()

	select {
	case e.slots <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() { <-e.slots })
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrQueueRejected
	}
}
