package registry

import (
	"sync"
	"time"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// Cell implements [ISOLATED_DELIVERY] for one (tenant, user) identity.
type Cell struct {
	// [MAILBOX]
	// Buffered channel that decouples routing from individual delivery.
	// It acts as a shock absorber, preventing slow consumer latency from
	// propagating back to the session engine (Backpressure).
	mailbox chan *model.Frame

	// [SESSIONS]
	// All active device sockets for the user, keyed by connection id.
	// Allows multiplexing a single frame to multiple devices.
	sessions map[string]Connector

	// [CONCURRENCY_CONTROL]
	// RWMutex is chosen because read-heavy delivery operations outnumber
	// write-heavy registration events.
	mu sync.RWMutex

	// [LIFECYCLE_CONTROL]
	// Ensures no goroutine leaks occur after the user goes offline.
	doneCh   chan struct{}
	stopOnce sync.Once

	// lastActivityAt records the last time a frame or session touched the cell.
	lastActivityAt time.Time
}

func NewCell(bufferSize int) *Cell {
	c := &Cell{
		mailbox:        make(chan *model.Frame, bufferSize), // [DYNAMIC_BUFFER]
		sessions:       make(map[string]Connector),
		doneCh:         make(chan struct{}),
		lastActivityAt: time.Now(),
	}
	go c.loop()
	return c
}

// IsIdle reports whether the user has no sessions and no recent activity.
func (c *Cell) IsIdle(timeout time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions) == 0 && time.Since(c.lastActivityAt) > timeout
}

func (c *Cell) touch() {
	c.mu.Lock()
	c.lastActivityAt = time.Now()
	c.mu.Unlock()
}

// Push enqueues the frame for fan-out and returns the number of sessions it
// was accepted for. 0 means no sessions or a saturated mailbox.
func (c *Cell) Push(fr *model.Frame) int {
	c.touch()
	n := c.size()
	if n == 0 {
		return 0
	}
	select {
	case c.mailbox <- fr:
		return n
	default:
		return 0
	}
}

// Attach registers the session. An existing session on the same device is
// closed with the connection-replaced code and superseded.
func (c *Cell) Attach(conn Connector) {
	var replaced Connector
	c.mu.Lock()
	for id, old := range c.sessions {
		if old.Device() == conn.Device() && id != conn.ID() {
			replaced = old
			delete(c.sessions, id)
			break
		}
	}
	c.sessions[conn.ID()] = conn
	c.lastActivityAt = time.Now()
	c.mu.Unlock()

	if replaced != nil {
		replaced.Close(model.CloseReplaced, "connection replaced by newer device session")
	}
}

// Detach removes the session and reports whether the cell is now empty.
func (c *Cell) Detach(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, connID)
	c.lastActivityAt = time.Now()
	return len(c.sessions) == 0
}

// CloseAll closes every session with the given application close code.
func (c *Cell) CloseAll(code int, reason string) {
	c.mu.Lock()
	conns := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.sessions = make(map[string]Connector)
	c.mu.Unlock()

	for _, conn := range conns {
		conn.Close(code, reason)
	}
}

func (c *Cell) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}

func (c *Cell) each(fn func(conn Connector) bool) bool {
	c.mu.RLock()
	conns := make([]Connector, 0, len(c.sessions))
	for _, conn := range c.sessions {
		conns = append(conns, conn)
	}
	c.mu.RUnlock()

	for _, conn := range conns {
		if !fn(conn) {
			return false
		}
	}
	return true
}

func (c *Cell) loop() {
	for {
		select {
		case <-c.doneCh:
			return
		case fr := <-c.mailbox:
			c.deliver(fr)
		}
	}
}

func (c *Cell) deliver(fr *model.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, conn := range c.sessions {
		conn.Send(fr, 500*time.Millisecond)
	}
}

func (c *Cell) Stop() {
	c.stopOnce.Do(func() { close(c.doneCh) })
}
