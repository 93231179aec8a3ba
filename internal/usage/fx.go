package usage

import (
	"github.com/smallbiznis/tally/internal/usage/liveevents"
	"github.com/smallbiznis/tally/internal/usage/repository"
	"github.com/smallbiznis/tally/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.Provide),
	fx.Provide(liveevents.NewHub),
	fx.Provide(service.NewService),
)
