// Package mailbox buffers server frames for users that are offline, on the
// node that rendezvous hashing elected as the user's home. Buffers are
// bounded per user by both frame count and byte size, and entries expire
// after the tenant's offline TTL.
package mailbox

import (
	"sync"
	"time"
)

const (
	DefaultMaxFrames = 200
	DefaultMaxBytes  = 1 << 20 // 1 MiB per user

	sweepInterval = time.Minute
)

type entry struct {
	frame   []byte
	expires time.Time
}

type box struct {
	entries []entry
	bytes   int
}

// Mailbox is an in-process bounded store of pending frames keyed by
// (tenant,user).
type Mailbox struct {
	mu        sync.Mutex
	boxes     map[string]*box
	maxFrames int
	maxBytes  int

	evicted func(reason string, n int) // metrics sink, nil-safe
	now     func() time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithLimits overrides the per-user frame and byte caps.
func WithLimits(maxFrames, maxBytes int) Option {
	return func(m *Mailbox) {
		m.maxFrames = maxFrames
		m.maxBytes = maxBytes
	}
}

// WithEvictionCounter registers a callback invoked on every eviction.
func WithEvictionCounter(fn func(reason string, n int)) Option {
	return func(m *Mailbox) { m.evicted = fn }
}

func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		boxes:     make(map[string]*box),
		maxFrames: DefaultMaxFrames,
		maxBytes:  DefaultMaxBytes,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	go m.sweepLoop()
	return m
}

// Stop halts the background sweep.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func key(tenant, user string) string { return tenant + "/" + user }

func (m *Mailbox) count(reason string, n int) {
	if m.evicted != nil && n > 0 {
		m.evicted(reason, n)
	}
}

// pruneLocked drops expired entries before any capacity decision.
func (m *Mailbox) pruneLocked(k string, b *box) {
	now := m.now()
	kept := b.entries[:0]
	dropped := 0
	for _, e := range b.entries {
		if e.expires.After(now) {
			kept = append(kept, e)
		} else {
			b.bytes -= len(e.frame)
			dropped++
		}
	}
	b.entries = kept
	m.count("expired", dropped)
	if len(b.entries) == 0 {
		delete(m.boxes, k)
	}
}

// TryAdd buffers one frame for (tenant,user) with the given TTL. It
// returns false when either per-user cap would be exceeded; the caller
// counts the skip.
func (m *Mailbox) TryAdd(tenant, user string, frame []byte, ttl time.Duration) bool {
	if ttl <= 0 || len(frame) == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, user)
	b := m.boxes[k]
	if b == nil {
		b = &box{}
		m.boxes[k] = b
	} else {
		m.pruneLocked(k, b)
		if m.boxes[k] == nil {
			m.boxes[k] = b
		}
	}

	if len(b.entries) >= m.maxFrames || b.bytes+len(frame) > m.maxBytes {
		m.count("capacity", 1)
		return false
	}

	b.entries = append(b.entries, entry{frame: frame, expires: m.now().Add(ttl)})
	b.bytes += len(frame)
	return true
}

// Drain returns all pending unexpired frames in insertion order and
// empties the mailbox for (tenant,user).
func (m *Mailbox) Drain(tenant, user string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(tenant, user)
	b := m.boxes[k]
	if b == nil {
		return nil
	}
	m.pruneLocked(k, b)

	frames := make([][]byte, 0, len(b.entries))
	for _, e := range b.entries {
		frames = append(frames, e.frame)
	}
	delete(m.boxes, k)
	return frames
}

// Pending reports the number of buffered frames for (tenant,user).
func (m *Mailbox) Pending(tenant, user string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.boxes[key(tenant, user)]
	if b == nil {
		return 0
	}
	return len(b.entries)
}

func (m *Mailbox) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.Lock()
			for k, b := range m.boxes {
				m.pruneLocked(k, b)
			}
			m.mu.Unlock()
		}
	}
}
