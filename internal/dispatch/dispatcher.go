// Package dispatch pushes domain events (connect, disconnect, message,
// offline-notify) to per-tenant MQ topics. Delivery is asynchronous and
// at-least-once: a bounded in-process queue feeds one consumer that retries
// the primary topic, falls back to the tenant DLQ topic, and parks events
// in a second bounded queue when even the DLQ is unreachable. Drops are
// always counted, never silent.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/internal/domain/model"
)

// Config bounds the pipeline. Zero values take the defaults below.
type Config struct {
	QueueSize           int
	MaxAttempts         int
	InitialBackoff      time.Duration
	MaxBackoff          time.Duration
	FallbackQueueSize   int
	FallbackMaxAttempts int
	FallbackBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 4096
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.FallbackQueueSize <= 0 {
		c.FallbackQueueSize = 1024
	}
	if c.FallbackMaxAttempts <= 0 {
		c.FallbackMaxAttempts = 10
	}
	if c.FallbackBackoff <= 0 {
		c.FallbackBackoff = time.Second
	}
	return c
}

// Dispatcher is the async event pipeline. Enqueue never blocks the caller.
type Dispatcher struct {
	cfg    Config
	pub    message.Publisher
	logger *slog.Logger

	queue    chan *model.MqEvent
	fallback chan *model.MqEvent

	breakerMu sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(pub message.Publisher, cfg Config, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:      cfg,
		pub:      pub,
		logger:   logger,
		queue:    make(chan *model.MqEvent, cfg.QueueSize),
		fallback: make(chan *model.MqEvent, cfg.FallbackQueueSize),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Start launches the consumer and fallback workers.
func (d *Dispatcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.wg.Add(2)
	go d.consume(ctx)
	go d.consumeFallback(ctx)
}

// Stop drains what it can within ctx's deadline, then cancels the workers.
func (d *Dispatcher) Stop(ctx context.Context) {
	deadline := time.NewTimer(time.Second)
	defer deadline.Stop()
	for len(d.queue) > 0 {
		select {
		case <-ctx.Done():
			goto halt
		case <-deadline.C:
			goto halt
		case <-time.After(10 * time.Millisecond):
		}
	}
halt:
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Enqueue queues ev for publication. It must never block the ack path:
// on overflow the event is dropped (drop-newest) and counted.
func (d *Dispatcher) Enqueue(ev *model.MqEvent) bool {
	select {
	case d.queue <- ev:
		return true
	default:
		metrics.EventsDropped.WithLabelValues("enqueue").Inc()
		return false
	}
}

func (d *Dispatcher) consume(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.process(ctx, ev)
		}
	}
}

// process retries the primary topic, then dead-letters, then parks the
// event on the fallback queue.
func (d *Dispatcher) process(ctx context.Context, ev *model.MqEvent) {
	if err := d.publishWithRetry(ctx, ev, ev.Topic(), d.cfg.MaxAttempts, d.cfg.InitialBackoff, d.publish); err == nil {
		metrics.EventsPublished.Inc()
		return
	} else if ctx.Err() != nil {
		d.park(ev)
		return
	}

	if err := d.send(ev.DLQTopic(), ev); err == nil {
		metrics.EventsDeadLettered.Inc()
		d.logger.Warn("event dead-lettered",
			slog.String("tenant", ev.Tenant),
			slog.String("msg_id", ev.MsgID),
		)
		return
	}
	d.park(ev)
}

func (d *Dispatcher) park(ev *model.MqEvent) {
	select {
	case d.fallback <- ev:
		metrics.EventsFallback.Inc()
	default:
		metrics.EventsDropped.WithLabelValues("fallback").Inc()
		d.logger.Error("event dropped, fallback queue full",
			slog.String("tenant", ev.Tenant),
			slog.String("msg_id", ev.MsgID),
		)
	}
}

func (d *Dispatcher) consumeFallback(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.fallback:
			// Independent, larger budget against the DLQ topic. Exhausting
			// it is the only path that loses an event, and it is counted.
			err := d.publishWithRetry(ctx, ev, ev.DLQTopic(), d.cfg.FallbackMaxAttempts, d.cfg.FallbackBackoff, d.send)
			if err != nil {
				metrics.EventsDropped.WithLabelValues("fallback").Inc()
				d.logger.Error("event dropped after fallback retries",
					slog.String("tenant", ev.Tenant),
					slog.String("msg_id", ev.MsgID),
					slog.Any("err", err),
				)
				continue
			}
			metrics.EventsDeadLettered.Inc()
		}
	}
}

func (d *Dispatcher) publishWithRetry(ctx context.Context, ev *model.MqEvent, topic string, attempts int, initial time.Duration, send func(string, *model.MqEvent) error) error {
	op := func() error { return send(topic, ev) }

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(initial),
			backoff.WithMultiplier(2),
			backoff.WithMaxInterval(d.cfg.MaxBackoff),
		),
		uint64(attempts-1),
	), ctx)

	return backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		d.logger.Debug("event publish retry",
			slog.String("topic", topic),
			slog.String("msg_id", ev.MsgID),
			slog.Duration("next_in", next),
		)
	})
}

// publish runs one guarded publish attempt through the tenant's breaker.
func (d *Dispatcher) publish(topic string, ev *model.MqEvent) error {
	_, err := d.breaker(ev.Tenant).Execute(func() (any, error) {
		return nil, d.send(topic, ev)
	})
	return err
}

// send writes one message, bypassing the tenant breaker. Dead-letter writes
// use it directly so a tripped primary topic never blocks dead-lettering.
func (d *Dispatcher) send(topic string, ev *model.MqEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("partition_key", ev.PartitionKey())
	msg.Metadata.Set("tenant", ev.Tenant)
	if ev.TraceID != "" {
		msg.Metadata.Set("trace_id", ev.TraceID)
	}
	return d.pub.Publish(topic, msg)
}

func (d *Dispatcher) breaker(tenant string) *gobreaker.CircuitBreaker {
	d.breakerMu.Lock()
	defer d.breakerMu.Unlock()
	if cb, ok := d.breakers[tenant]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mq:" + tenant,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn("mq breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
	d.breakers[tenant] = cb
	return cb
}
