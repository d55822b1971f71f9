package audit

import (
	"go.uber.org/fx"

	"github.com/acsk/AppCheckin-sub006/internal/audit/repository"
)

var Module = fx.Module("audit",
	fx.Provide(repository.Provide),
)
