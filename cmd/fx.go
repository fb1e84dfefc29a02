package cmd

import (
	"github.com/webitel/im-gateway-service/config"
	httpsrv "github.com/webitel/im-gateway-service/infra/server/http"
	"github.com/webitel/im-gateway-service/internal/domain/registry"
	"github.com/webitel/im-gateway-service/internal/service"
	"go.uber.org/fx"
)

func NewApp(manager *config.Manager) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Manager { return manager },
			func(m *config.Manager) *config.Config { return m.Config() },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvideRedis,
			ProvideLeaseStore,
			ProvideAdmission,
			ProvideDirectory,
			ProvideTransport,
			ProvideHookClient,
			ProvideMailbox,
			ProvidePublisher,
			ProvideDispatcher,
			ProvideEngineDeps,
			ProvideWSHandler,
			func(cfg *config.Config) config.HTTPConfig { return cfg.HTTP },
		),
		registry.Module,
		service.Module,
		httpsrv.Module,
		fx.Invoke(ServePeerRPC),
	)
}
