package service

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/webitel/im-gateway-service/internal/domain/model"
)

const sweepInterval = 5 * time.Second

// StartSweeper launches the heartbeat sweeper: sessions idle beyond their
// tenant's heartbeat timeout are closed; everyone else gets a throttled
// lease renewal so the Redis lease never expires under a healthy socket.
func (e *Engine) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.sweepStop:
				return
			case <-ticker.C:
				e.sweep()
			}
		}
	}()
}

func (e *Engine) StopSweeper() {
	e.sweepOnce.Do(func() { close(e.sweepStop) })
}

func (e *Engine) sweep() {
	now := time.Now()
	e.sessions.Range(func(_, val any) bool {
		sess := val.(*Session)
		idle := now.Sub(sess.Conn.LastActive())

		if idle > sess.Cfg.HeartbeatTimeout {
			e.logger.Info("session heartbeat timeout",
				slog.String("tenant", sess.Ref.Tenant),
				slog.String("user", sess.Ref.User),
				slog.String("device", sess.Ref.Device),
				slog.Duration("idle", idle),
			)
			e.Disconnect(sess, model.CloseHeartbeatTimeout, "heartbeat timeout")
			return true
		}

		// Renew at most every half heartbeat; the lease TTL is at least
		// twice the heartbeat, so one missed round is survivable.
		last := time.Unix(0, atomic.LoadInt64(&sess.lastRenew))
		if now.Sub(last) < sess.Cfg.HeartbeatTimeout/2 {
			return true
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := e.admission.Renew(ctx, sess.Ref)
		cancel()
		if err != nil {
			e.logger.Warn("lease renewal failed",
				slog.String("tenant", sess.Ref.Tenant),
				slog.String("user", sess.Ref.User),
				slog.Any("err", err),
			)
			return true
		}
		atomic.StoreInt64(&sess.lastRenew, now.UnixNano())
		return true
	})
}
