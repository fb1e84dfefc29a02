package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// fakePublisher records publishes and fails topics on demand.
type fakePublisher struct {
	mu       sync.Mutex
	failures map[string]int // topic -> remaining failures (-1 = always fail)
	got      map[string][]*message.Message
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{
		failures: make(map[string]int),
		got:      make(map[string][]*message.Message),
	}
}

func (p *fakePublisher) failTopic(topic string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[topic] = times
}

func (p *fakePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n, ok := p.failures[topic]; ok && n != 0 {
		if n > 0 {
			p.failures[topic] = n - 1
		}
		return errors.New("broker unavailable")
	}
	p.got[topic] = append(p.got[topic], msgs...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.got[topic]...)
}

func testDispatcher(t *testing.T, pub message.Publisher, cfg Config) *Dispatcher {
	t.Helper()
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 5 * time.Millisecond
	}
	if cfg.FallbackBackoff == 0 {
		cfg.FallbackBackoff = time.Millisecond
	}
	d := New(pub, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func event(tenant, recipient string) *model.MqEvent {
	return &model.MqEvent{
		Tenant:    tenant,
		Kind:      model.EventSingleChat,
		MsgID:     "m-" + recipient,
		Recipient: recipient,
		At:        time.Now().UnixMilli(),
		NodeID:    "node-1",
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestDispatcherPublishesToPrimaryTopic(t *testing.T) {
	pub := newFakePublisher()
	d := testDispatcher(t, pub, Config{})

	ev := event("acme", "alice")
	require.True(t, d.Enqueue(ev))

	eventually(t, func() bool { return len(pub.published("acme-event")) == 1 })
	msg := pub.published("acme-event")[0]
	assert.Equal(t, "alice", msg.Metadata.Get("partition_key"))
	assert.Equal(t, "acme", msg.Metadata.Get("tenant"))
	assert.Empty(t, pub.published("acme-event-dlq"))
}

func TestDispatcherRetriesThenSucceedsOnPrimary(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("acme-event", 2) // succeed on the 3rd attempt
	d := testDispatcher(t, pub, Config{MaxAttempts: 4})

	require.True(t, d.Enqueue(event("acme", "alice")))

	eventually(t, func() bool { return len(pub.published("acme-event")) == 1 })
	// Retries that eventually succeed must never reach the DLQ.
	assert.Empty(t, pub.published("acme-event-dlq"))
}

func TestDispatcherDeadLettersAfterExhaustingRetries(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("acme-event", -1)
	d := testDispatcher(t, pub, Config{MaxAttempts: 3})

	require.True(t, d.Enqueue(event("acme", "alice")))

	eventually(t, func() bool { return len(pub.published("acme-event-dlq")) == 1 })
	assert.Empty(t, pub.published("acme-event"))
}

func TestDispatcherOpenBreakerDoesNotBlockDLQ(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("acme-event", -1)
	// Enough attempts to trip the tenant breaker mid-retry; the dead-letter
	// write must still go out directly instead of detouring through the
	// fallback queue.
	d := testDispatcher(t, pub, Config{MaxAttempts: 8})

	require.True(t, d.Enqueue(event("acme", "alice")))

	eventually(t, func() bool { return len(pub.published("acme-event-dlq")) == 1 })
	assert.Empty(t, pub.published("acme-event"))
}

func TestDispatcherFallbackRetriesDLQ(t *testing.T) {
	pub := newFakePublisher()
	pub.failTopic("acme-event", -1)
	pub.failTopic("acme-event-dlq", 1) // direct DLQ publish fails, fallback recovers
	d := testDispatcher(t, pub, Config{MaxAttempts: 2, FallbackMaxAttempts: 8})

	require.True(t, d.Enqueue(event("acme", "alice")))

	eventually(t, func() bool { return len(pub.published("acme-event-dlq")) == 1 })
}

func TestDispatcherDropsNewestOnFullQueue(t *testing.T) {
	pub := newFakePublisher()
	d := New(pub, Config{QueueSize: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	// Not started: the queue never drains, so the second enqueue overflows.
	require.True(t, d.Enqueue(event("acme", "a")))
	assert.False(t, d.Enqueue(event("acme", "b")))
}

func TestDispatcherIsolatesTenantTopics(t *testing.T) {
	pub := newFakePublisher()
	d := testDispatcher(t, pub, Config{})

	require.True(t, d.Enqueue(event("acme", "alice")))
	require.True(t, d.Enqueue(event("globex", "bob")))

	eventually(t, func() bool {
		return len(pub.published("acme-event")) == 1 && len(pub.published("globex-event")) == 1
	})
}
