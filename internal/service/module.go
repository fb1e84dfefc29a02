package service

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		NewEngine,
	),

	fx.Invoke(func(lc fx.Lifecycle, e *Engine) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				e.StartSweeper()
				return nil
			},
			OnStop: func(context.Context) error {
				e.StopSweeper()
				e.Drain()
				return nil
			},
		})
	}),
)
