package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/acsk/AppCheckin-sub006/internal/audit"
	"github.com/acsk/AppCheckin-sub006/internal/billing"
	"github.com/acsk/AppCheckin-sub006/internal/clock"
	"github.com/acsk/AppCheckin-sub006/internal/config"
	"github.com/acsk/AppCheckin-sub006/internal/events"
	"github.com/acsk/AppCheckin-sub006/internal/gateway"
	"github.com/acsk/AppCheckin-sub006/internal/migration"
	"github.com/acsk/AppCheckin-sub006/internal/notification"
	"github.com/acsk/AppCheckin-sub006/internal/observability/logger"
	"github.com/acsk/AppCheckin-sub006/internal/observability/metrics"
	"github.com/acsk/AppCheckin-sub006/internal/observability/tracing"
	"github.com/acsk/AppCheckin-sub006/internal/reconcile"
	"github.com/acsk/AppCheckin-sub006/internal/replay"
	"github.com/acsk/AppCheckin-sub006/internal/resolver"
	"github.com/acsk/AppCheckin-sub006/internal/seed"
	"github.com/acsk/AppCheckin-sub006/internal/server"
	"github.com/acsk/AppCheckin-sub006/pkg/db"
)

var version = "dev"

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		tracing.Module,
		metrics.Module,
		fx.Provide(func() *snowflake.Node {
			node, err := snowflake.NewNode(1)
			if err != nil {
				panic(err)
			}
			return node
		}),
		db.Module,
		clock.Module,
		fx.Invoke(func(conn *gorm.DB) error {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := migration.RunMigrations(sqlDB); err != nil {
				return err
			}
			return seed.EnsureDefaultOrg(conn)
		}),

		notification.Module,
		billing.Module,
		audit.Module,
		fx.Provide(events.NewOutbox),
		gateway.Module,
		resolver.Module,
		reconcile.Module,
		replay.Module,

		fx.Provide(server.NewEngine),
		fx.Provide(server.NewServer),
		fx.Invoke(func(s *server.Server, engine *gin.Engine) {
			s.RegisterRoutes(engine)
		}),
		fx.Invoke(server.RunHTTP),
	)
	app.Run()
}
