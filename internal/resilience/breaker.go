// Package resilience provides the keyed circuit breaker and keyed
// concurrency limiter shared by the hook client, the cluster transport
// and the MQ pipeline.
//
// Key Architectural Concepts:
//   - Keyed entries: breakers and limiters are created lazily per key
//     (tenant+operation, or peer node id) inside sharded maps, so one
//     misbehaving tenant never contends with the rest.
//   - Single probe half-open: an open breaker admits exactly one in-flight
//     probe once the cooldown elapses. The probe slot is a guarded flag,
//     not a counter, and must be released via EndAttempt even when the
//     attempt never reached the remote call.
package resilience

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const breakerShards = 16

// BreakerPolicy is passed per call so tenant overrides apply without
// re-registering anything.
type BreakerPolicy struct {
	FailureThreshold int
	OpenDuration     time.Duration
}

// BreakerGroup is a registry of per-key circuit breakers.
type BreakerGroup struct {
	shards [breakerShards]breakerShard

	// now is swappable for tests.
	now func() time.Time
}

type breakerShard struct {
	mu      sync.RWMutex
	entries map[string]*breakerEntry
}

type breakerEntry struct {
	mu        sync.Mutex
	failures  int
	openUntil time.Time
	probing   bool // half-open probe in flight
}

func NewBreakerGroup() *BreakerGroup {
	g := &BreakerGroup{now: time.Now}
	for i := range g.shards {
		g.shards[i].entries = make(map[string]*breakerEntry)
	}
	return g
}

func (g *BreakerGroup) entry(key string) *breakerEntry {
	s := &g.shards[xxhash.Sum64String(key)%breakerShards]

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[key]; ok {
		return e
	}
	e = &breakerEntry{}
	s.entries[key] = e
	return e
}

// TryBegin reports whether a call for key may proceed. While open it
// returns false; once OpenDuration has elapsed it admits exactly one
// half-open probe until that probe ends via EndAttempt, OnSuccess or
// OnFailure.
func (g *BreakerGroup) TryBegin(key string) bool {
	e := g.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.openUntil.IsZero() {
		return true // closed
	}
	if g.now().Before(e.openUntil) {
		return false // open
	}
	// Half-open: one probe at a time.
	if e.probing {
		return false
	}
	e.probing = true
	return true
}

// OnSuccess closes the breaker and resets the failure count.
func (g *BreakerGroup) OnSuccess(key string) {
	e := g.entry(key)
	e.mu.Lock()
	e.failures = 0
	e.openUntil = time.Time{}
	e.probing = false
	e.mu.Unlock()
}

// OnFailure records one consecutive failure and opens the breaker once
// the policy threshold is reached. A failed half-open probe re-opens for
// another full OpenDuration.
func (g *BreakerGroup) OnFailure(key string, p BreakerPolicy) {
	e := g.entry(key)
	e.mu.Lock()
	e.failures++
	if e.failures >= p.FailureThreshold {
		e.openUntil = g.now().Add(p.OpenDuration)
	}
	e.probing = false
	e.mu.Unlock()
}

// EndAttempt releases the half-open probe slot without changing health.
// Callers must invoke it when an admitted attempt was abandoned before a
// success/failure verdict (queue rejection, caller cancellation), or the
// breaker would stay wedged in half-open forever.
func (g *BreakerGroup) EndAttempt(key string) {
	e := g.entry(key)
	e.mu.Lock()
	e.probing = false
	e.mu.Unlock()
}
