package notification

import (
	"go.uber.org/fx"

	"github.com/acsk/AppCheckin-sub006/internal/notification/repository"
)

var Module = fx.Module("notification",
	fx.Provide(repository.Provide),
)
