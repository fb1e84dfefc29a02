package registry

import (
	"context"

	"github.com/webitel/im-gateway-service/internal/domain/model"
	"go.uber.org/fx"
)

var Module = fx.Module("registry",
	fx.Provide(
		// [CLEAN_INJECTION] Configure the Hub using Functional Options.
		func() *Hub {
			return NewHub()
		},
		fx.Annotate(
			func(h *Hub) Hubber { return h },
			fx.As(new(Hubber)),
		),
	),
	fx.Invoke(func(lc fx.Lifecycle, h Hubber) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				// [GRACEFUL_SHUTDOWN] Close every session and stop the actors.
				h.Shutdown(model.CloseServerDraining, "server draining")
				return nil
			},
		})
	}),
)
