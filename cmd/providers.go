package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/fx"

	"github.com/webitel/im-gateway-service/config"
	"github.com/webitel/im-gateway-service/infra/metrics"
	"github.com/webitel/im-gateway-service/internal/adapter/pubsub"
	"github.com/webitel/im-gateway-service/internal/cluster"
	"github.com/webitel/im-gateway-service/internal/dispatch"
	"github.com/webitel/im-gateway-service/internal/domain/model"
	wshandler "github.com/webitel/im-gateway-service/internal/handler/ws"
	"github.com/webitel/im-gateway-service/internal/hook"
	"github.com/webitel/im-gateway-service/internal/lease"
	"github.com/webitel/im-gateway-service/internal/mailbox"
	"github.com/webitel/im-gateway-service/internal/resilience"
	"github.com/webitel/im-gateway-service/internal/service"
)

func ProvideLogger() *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func ProvideRedis(lc fx.Lifecycle, cfg *config.Config) redis.UniversalClient {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    cfg.Redis.Addrs,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

func ProvideLeaseStore(client redis.UniversalClient) lease.Store {
	return lease.NewRedisStore(client)
}

func ProvideAdmission(lc fx.Lifecycle, store lease.Store, logger *slog.Logger) *lease.Admission {
	a := lease.NewAdmission(store, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { a.Start(); return nil },
		OnStop:  func(context.Context) error { a.Stop(); return nil },
	})
	return a
}

func selfNode(cfg *config.Config) model.NodeInfo {
	id := cfg.Node.ID
	if id == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			id = host
		} else {
			id = uuid.NewString()
		}
	}
	return model.NodeInfo{ID: id, Endpoint: cfg.Node.Endpoint}
}

func ProvideDirectory(lc fx.Lifecycle, client redis.UniversalClient, cfg *config.Config, store lease.Store, logger *slog.Logger) *cluster.Directory {
	d := cluster.NewDirectory(client, selfNode(cfg), store, logger)
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return d.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return d.Stop(ctx) },
	})
	return d
}

func ProvideTransport(cfg *config.Config, logger *slog.Logger) *cluster.Transport {
	return cluster.NewTransport(cfg.Cluster.BindAddr, cfg.Cluster.Secret, resilience.NewBreakerGroup(), logger)
}

// ServePeerRPC starts the peer gRPC listener once the engine exists; the
// engine is the handler for every cross-node call.
func ServePeerRPC(lc fx.Lifecycle, tr *cluster.Transport, e *service.Engine) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return tr.Serve(e) },
		OnStop:  func(context.Context) error { tr.Close(); return nil },
	})
}

func ProvideHookClient(logger *slog.Logger) *hook.Client {
	return hook.NewClient(resilience.NewBreakerGroup(), resilience.NewLimiterGroup(), logger)
}

func ProvideMailbox(lc fx.Lifecycle, cfg *config.Config) *mailbox.Mailbox {
	mb := mailbox.New(
		mailbox.WithLimits(cfg.Mailbox.MaxFramesPerUser, cfg.Mailbox.MaxBytesPerUser),
		mailbox.WithEvictionCounter(func(reason string, n int) {
			metrics.MailboxEvicted.WithLabelValues(reason).Add(float64(n))
		}),
	)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { mb.Stop(); return nil },
	})
	return mb
}

func ProvidePublisher(cfg *config.Config, wmLogger watermill.LoggerAdapter) (message.Publisher, error) {
	return pubsub.NewPublisherProvider(cfg.AMQP.URI, wmLogger).Build()
}

func ProvideDispatcher(lc fx.Lifecycle, pub message.Publisher, cfg *config.Config, logger *slog.Logger) *dispatch.Dispatcher {
	d := dispatch.New(pub, dispatch.Config{
		QueueSize:           cfg.Dispatch.QueueSize,
		MaxAttempts:         cfg.Dispatch.MaxAttempts,
		InitialBackoff:      cfg.Dispatch.InitialBackoff,
		MaxBackoff:          cfg.Dispatch.MaxBackoff,
		FallbackQueueSize:   cfg.Dispatch.FallbackQueueSize,
		FallbackMaxAttempts: cfg.Dispatch.FallbackMaxAttempts,
		FallbackBackoff:     cfg.Dispatch.FallbackBackoff,
	}, logger)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { d.Start(); return nil },
		OnStop:  func(ctx context.Context) error { d.Stop(ctx); return nil },
	})
	return d
}

// ProvideEngineDeps narrows the concrete infrastructure to the interfaces the
// engine consumes.
func ProvideEngineDeps(
	client *hook.Client,
	tr *cluster.Transport,
	dir *cluster.Directory,
	mb *mailbox.Mailbox,
	disp *dispatch.Dispatcher,
	m *config.Manager,
) (service.HookAPI, service.Forwarder, service.NodeDirectory, service.OfflineStore, service.EventSink, service.TenantSource, func() model.Defaults) {
	return client, tr, dir, mb, disp, m, m.Defaults
}

func ProvideWSHandler(logger *slog.Logger, e *service.Engine, cfg *config.Config) *wshandler.WSHandler {
	return wshandler.NewWSHandler(logger, e, wshandler.Config{
		JWTSecret:     cfg.WS.JWTSecret,
		MaxFrameBytes: cfg.WS.MaxFrameBytes,
		WriteTimeout:  cfg.WS.WriteTimeout,
	})
}
