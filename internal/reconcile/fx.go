package reconcile

import (
	"context"

	"go.uber.org/fx"

	"github.com/acsk/AppCheckin-sub006/internal/reconcile/service"
)

var Module = fx.Module("reconcile",
	fx.Provide(service.NewService),
	fx.Provide(service.NewDispatcher),
	fx.Invoke(func(lc fx.Lifecycle, dispatcher *service.Dispatcher) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				dispatcher.Start()
				return nil
			},
			OnStop: func(context.Context) error {
				dispatcher.Stop()
				return nil
			},
		})
	}),
)
