package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// Interface guard
var _ Connector = (*connect)(nil)

// [CONNECTOR] THE INTERFACE FOR EXTERNAL LAYERS (REGISTRY/ENGINE)
// This allows mocking and decoupling from the concrete implementation.
type Connector interface {
	ID() string
	Tenant() string
	User() string
	Device() string
	Send(fr *model.Frame, timeout time.Duration) bool // Thread-safe send with backpressure handling
	Recv() <-chan *model.Frame
	Touch()
	LastActive() time.Time
	CloseCode() (code int, reason string)
	Close(code int, reason string) // Terminate the session
	Done() <-chan struct{}
}

// [METADATA] EXPORTED FOR TRANSPORT AND ANALYTICS LAYERS
type ConnectMetadata struct {
	Platform  string
	Version   string
	RemoteIP  string
	UserAgent string
}

// [CONNECT] CONCRETE IMPLEMENTATION (UNEXPORTED TO FORCE INTERFACE USAGE)
type connect struct {
	id             string
	tenant         string
	user           string
	device         string
	metadata       ConnectMetadata
	createdAt      time.Time
	ctx            context.Context
	cancelFn       context.CancelFunc
	sendCh         chan *model.Frame
	closeOnce      sync.Once // [PROTECTION]
	closeMu        sync.Mutex
	closeCode      int
	closeReason    string
	lastActivityAt int64  // [ATOMIC_FIELD] unix nanos
	droppedCount   uint64 // [ATOMIC_FIELD]
}

// [POOL] SYNC.POOL FOR OBJECT REUSE (REDUCES GC PRESSURE)
var connectPool = sync.Pool{
	New: func() any {
		return &connect{}
	},
}

// [NEW_CONNECTOR] FACTORY FUNCTION USING POOLING
func NewConnector(ctx context.Context, tenant, user, device string, md ConnectMetadata, bufferSize int) Connector {
	c := connectPool.Get().(*connect)
	c.reset(ctx, tenant, user, device, md, bufferSize)
	return c
}

// Recycle returns a connector to the pool. Only the transport goroutine that
// owns the socket may call it, and only after both of its pumps have exited:
// once recycled the object may be handed to a different session at any time.
func Recycle(conn Connector) {
	if c, ok := conn.(*connect); ok {
		c.metadata = ConnectMetadata{}
		connectPool.Put(c)
	}
}

// reset re-initializes the connector's state using a struct literal. This is
// the cleanest way to wipe stale data from pooled objects and re-arm the
// sync.Once guard.
func (c *connect) reset(ctx context.Context, tenant, user, device string, md ConnectMetadata, bufferSize int) {
	childCtx, cancel := context.WithCancel(ctx)
	*c = connect{
		id:             uuid.NewString(),
		tenant:         tenant,
		user:           user,
		device:         device,
		metadata:       md,
		createdAt:      time.Now(),
		ctx:            childCtx,
		cancelFn:       cancel,
		sendCh:         make(chan *model.Frame, bufferSize),
		lastActivityAt: time.Now().UnixNano(),
	}
}

func (c *connect) ID() string     { return c.id }
func (c *connect) Tenant() string { return c.tenant }
func (c *connect) User() string   { return c.user }
func (c *connect) Device() string { return c.device }

func (c *connect) Touch() {
	atomic.StoreInt64(&c.lastActivityAt, time.Now().UnixNano())
}

func (c *connect) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastActivityAt))
}

func (c *connect) Done() <-chan struct{} { return c.ctx.Done() }

// Send attempts to push a frame into the session's channel, waiting up to
// timeout for space. Unlike a 'default' branch, the bounded wait smooths out
// transient network jitter without letting one stalled socket hold the Cell
// hostage.
func (c *connect) Send(fr *model.Frame, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	select {
	// 1. [LIFECYCLE_GATE] Abort if the underlying transport is already dead.
	case <-c.ctx.Done():
		return false
	// 2. [PRIMARY_DELIVERY]
	case c.sendCh <- fr:
		return true
	// 3. [BACKPRESSURE_THRESHOLD] Buffer stayed saturated for the whole window.
	case <-ctx.Done():
		atomic.AddUint64(&c.droppedCount, 1)
		return false
	}
}

func (c *connect) Recv() <-chan *model.Frame { return c.sendCh }

// CloseCode reports the application code recorded by Close, 0 if none.
func (c *connect) CloseCode() (int, string) {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closeCode, c.closeReason
}

// Close terminates the session and records the close code for the transport
// layer to flush. The send channel is never closed here: that would race
// with concurrent senders inside Cells.
func (c *connect) Close(code int, reason string) {
	// [IDEMPOTENCY_SHIELD]
	// Ensures the teardown logic runs exactly once. Close is called
	// concurrently by the Hub (shutdown), Cell (replacement) and the
	// socket handler (defer); only the first caller's code wins.
	c.closeOnce.Do(func() {
		c.closeMu.Lock()
		c.closeCode = code
		c.closeReason = reason
		c.closeMu.Unlock()

		// [SIGNAL_ABORT] Stop any pending Send operations; the socket write
		// pump observes Done(), reads CloseCode and flushes the close
		// control frame before hanging up.
		c.cancelFn()
	})
}
