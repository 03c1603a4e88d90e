package payment

import (
	"github.com/fleetgrid/fincore/internal/payment/guard"
	"github.com/fleetgrid/fincore/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	guard.Module,
	fx.Provide(service.NewService),
)
