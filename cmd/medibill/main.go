package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/medibill/internal/clock"
	"github.com/smallbiznis/medibill/internal/config"
	"github.com/smallbiznis/medibill/internal/migration"
	"github.com/smallbiznis/medibill/internal/observability"
	"github.com/smallbiznis/medibill/internal/scheduler"
	"github.com/smallbiznis/medibill/internal/server"
	"github.com/smallbiznis/medibill/pkg/db"
	"github.com/smallbiznis/medibill/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,

		// HTTP surface and every domain service behind it
		server.Module,

		// Session expiry and outbox relay
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
