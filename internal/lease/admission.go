package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/webitel/im-gateway-service/infra/metrics"
)

const (
	retryQueueSize     = 1024
	retryMaxAttempts   = 6
	retryInitialDelay  = 200 * time.Millisecond
	retryMaxDelay      = 5 * time.Second
	releaseGracePeriod = 2 * time.Second
)

// Admission wraps a Store so that lease release is best-effort: a failed
// Unregister is logged, counted, and parked on a bounded retry queue, but
// never propagated to connection teardown.
type Admission struct {
	store  Store
	logger *slog.Logger

	retryQ chan Ref
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewAdmission(store Store, logger *slog.Logger) *Admission {
	return &Admission{
		store:  store,
		logger: logger,
		retryQ: make(chan Ref, retryQueueSize),
	}
}

// Start launches the background release-retry worker.
func (a *Admission) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop cancels the worker and waits for it to drain the in-flight item.
func (a *Admission) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Admit registers the lease. Denials are a verdict, not an error.
func (a *Admission) Admit(ctx context.Context, req RegisterReq) (RegisterResult, error) {
	res, err := a.store.Register(ctx, req)
	if err != nil {
		metrics.Admissions.WithLabelValues("error").Inc()
		return Denied, err
	}
	metrics.Admissions.WithLabelValues(res.String()).Inc()
	return res, nil
}

// Renew extends the lease.
func (a *Admission) Renew(ctx context.Context, ref Ref) error {
	return a.store.RenewLease(ctx, ref)
}

// Release unregisters the lease with a short grace deadline of its own, so
// it still fires when the connection context is already cancelled. Failures
// never propagate: the ref is queued for retry, drop-newest on overflow.
func (a *Admission) Release(ref Ref) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseGracePeriod)
	defer cancel()

	if _, err := a.store.Unregister(ctx, ref); err == nil {
		return
	} else {
		metrics.LeaseReleaseFailures.Inc()
		a.logger.Warn("lease release failed, queueing retry",
			slog.String("tenant", ref.Tenant),
			slog.String("user", ref.User),
			slog.String("device", ref.Device),
			slog.Any("err", err),
		)
	}

	select {
	case a.retryQ <- ref:
	default:
		// Drop-newest: the lease TTL is the backstop.
		metrics.LeaseReleaseDropped.Inc()
		a.logger.Warn("lease release retry queue full, dropping",
			slog.String("tenant", ref.Tenant),
			slog.String("user", ref.User),
		)
	}
}

func (a *Admission) run(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ref := <-a.retryQ:
			a.retryRelease(ctx, ref)
		}
	}
}

func (a *Admission) retryRelease(ctx context.Context, ref Ref) {
	op := func() error {
		opCtx, cancel := context.WithTimeout(ctx, releaseGracePeriod)
		defer cancel()
		_, err := a.store.Unregister(opCtx, ref)
		return err
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(retryInitialDelay),
			backoff.WithMaxInterval(retryMaxDelay),
		),
		retryMaxAttempts,
	), ctx)

	err := backoff.RetryNotify(op, bo, func(err error, next time.Duration) {
		a.logger.Debug("retrying lease release",
			slog.String("user", ref.User),
			slog.Duration("next_in", next),
			slog.Any("err", err),
		)
	})
	if err != nil {
		// Giving up is logged but never fatal; TTL expiry cleans up.
		metrics.LeaseReleaseDropped.Inc()
		a.logger.Error("lease release abandoned after retries",
			slog.String("tenant", ref.Tenant),
			slog.String("user", ref.User),
			slog.String("device", ref.Device),
			slog.Any("err", err),
		)
	}
}
