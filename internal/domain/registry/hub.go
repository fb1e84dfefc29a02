/*
Package registry tracks the sessions terminated on this node and distributes
frames to them, based on the Actor Model.

Key Architectural Concepts:
  - Virtual Cells: every locally-connected (tenant, user) pair is represented
    by an isolated 'Cell' (Actor) that encapsulates all concurrent device
    sockets for that identity.
  - Decoupling & Backpressure: through the use of internal per-user mailboxes,
    the package ensures that slow device sockets do not block routing
    throughput for everyone else.
  - Concurrency Management: lock-free lookups via sync.Map and fine-grained
    locking within individual cells eliminate global mutex contention.
*/
package registry

import (
	"sync"
	"time"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// Hubber defines the gateway for local session management and frame routing.
type Hubber interface {
	Register(conn Connector)
	Unregister(tenant, user, connID string)
	Deliver(tenant, user string, fr *model.Frame) int
	IsLocal(tenant, user string) bool
	Range(fn func(conn Connector) bool)
	Len() int
	Shutdown(code int, reason string)
}

type hubConfig struct {
	evictionInterval time.Duration
	idleTimeout      time.Duration
	mailboxSize      int
}

// Hub implements a [SCALABLE_REGISTRY] using the Virtual Cell pattern,
// keyed by tenant and user.
type Hub struct {
	// cells stores Map[string]*Cell. Optimized for [READ_HEAVY] workloads.
	cells  sync.Map
	config hubConfig

	janitorOnce sync.Once
	doneCh      chan struct{}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{
		config: hubConfig{
			evictionInterval: 15 * time.Minute,
			idleTimeout:      30 * time.Minute,
			mailboxSize:      2048,
		},
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.janitor()
	return h
}

func cellKey(tenant, user string) string { return tenant + "/" + user }

func (h *Hub) IsLocal(tenant, user string) bool {
	_, ok := h.cells.Load(cellKey(tenant, user))
	return ok
}

// Deliver routes the frame to the user's [CELL]. It returns the number of
// device sockets the frame was accepted for, 0 on miss or mailbox overflow.
func (h *Hub) Deliver(tenant, user string, fr *model.Frame) int {
	val, ok := h.cells.Load(cellKey(tenant, user))
	if !ok {
		return 0
	}
	return val.(*Cell).Push(fr)
}

// Register ensures [IDEMPOTENT] cell creation and attaches a new session.
// A session on the same device replaces the previous one, which is closed
// with the connection-replaced code.
func (h *Hub) Register(conn Connector) {
	key := cellKey(conn.Tenant(), conn.User())
	// [LAZY_INIT] Create the cell only when the first session arrives.
	val, _ := h.cells.LoadOrStore(key, NewCell(h.config.mailboxSize))
	val.(*Cell).Attach(conn)
}

// Unregister performs [GRACEFUL_RECLAMATION] of resources when sessions end.
func (h *Hub) Unregister(tenant, user, connID string) {
	key := cellKey(tenant, user)
	if val, ok := h.cells.Load(key); ok {
		cell := val.(*Cell)
		// If no sessions are left, purge the cell from memory.
		if cell.Detach(connID) {
			cell.Stop()
			h.cells.Delete(key)
		}
	}
}

// Range visits every live session. fn returning false stops the walk.
func (h *Hub) Range(fn func(conn Connector) bool) {
	h.cells.Range(func(_, val any) bool {
		return val.(*Cell).each(fn)
	})
}

// Len reports the number of live sessions across all cells.
func (h *Hub) Len() int {
	n := 0
	h.cells.Range(func(_, val any) bool {
		n += val.(*Cell).size()
		return true
	})
	return n
}

// Shutdown closes every session with the given code and stops all actors.
func (h *Hub) Shutdown(code int, reason string) {
	close(h.doneCh)
	h.cells.Range(func(key, val any) bool {
		cell := val.(*Cell)
		cell.CloseAll(code, reason)
		cell.Stop()
		h.cells.Delete(key)
		return true
	})
}

// janitor reclaims memory from cells that went quiet without unregistering.
func (h *Hub) janitor() {
	ticker := time.NewTicker(h.config.evictionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.doneCh:
			return
		case <-ticker.C:
			h.cells.Range(func(key, val any) bool {
				cell := val.(*Cell)
				if cell.IsIdle(h.config.idleTimeout) {
					cell.Stop()
					h.cells.Delete(key)
				}
				return true
			})
		}
	}
}
