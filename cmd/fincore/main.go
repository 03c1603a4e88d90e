package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fleetgrid/fincore/internal/audit"
	"github.com/fleetgrid/fincore/internal/clock"
	"github.com/fleetgrid/fincore/internal/config"
	"github.com/fleetgrid/fincore/internal/invoice"
	"github.com/fleetgrid/fincore/internal/joblock"
	"github.com/fleetgrid/fincore/internal/latefine"
	"github.com/fleetgrid/fincore/internal/logger"
	"github.com/fleetgrid/fincore/internal/migration"
	"github.com/fleetgrid/fincore/internal/payment"
	"github.com/fleetgrid/fincore/internal/reconcile"
	"github.com/fleetgrid/fincore/internal/scheduler"
	"github.com/fleetgrid/fincore/internal/server"
	"github.com/fleetgrid/fincore/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Financial engine
		audit.Module,
		payment.Module,
		invoice.Module,
		reconcile.Module,
		latefine.Module,

		// Jobs and HTTP surface
		joblock.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
