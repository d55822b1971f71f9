package billing

import (
	"go.uber.org/fx"

	"github.com/acsk/AppCheckin-sub006/internal/billing/repository"
)

var Module = fx.Module("billing",
	fx.Provide(repository.Provide),
)
