package upgrade

import (
	"github.com/smallbiznis/tally/internal/upgrade/service"
	"go.uber.org/fx"
)

var Module = fx.Module("upgrade.service",
	fx.Provide(service.NewService),
)
