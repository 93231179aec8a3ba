package subscription

import (
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	"github.com/smallbiznis/tally/internal/subscription/repository"
	"github.com/smallbiznis/tally/internal/subscription/service"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc subscriptiondomain.Service) usagedomain.PlanResolver { return svc }),
)
