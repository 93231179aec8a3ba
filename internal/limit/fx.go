package limit

import (
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/internal/limit/repository"
	"github.com/smallbiznis/tally/internal/limit/service"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("limit.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(svc limitdomain.Service) usagedomain.LimitChecker { return svc }),
)
