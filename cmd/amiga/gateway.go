package main

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/mjfuentes/amiga-sub003/internal/common/config"
	"github.com/mjfuentes/amiga-sub003/internal/common/httpmw"
	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	"github.com/mjfuentes/amiga-sub003/internal/gateway/websocket"
	taskhandlers "github.com/mjfuentes/amiga-sub003/internal/task/handlers"
)

const serverName = "amiga"

// provideGateway starts the WebSocket hub and its event bridge.
func provideGateway(ctx context.Context, eventBus bus.EventBus, log *logger.Logger) *websocket.Gateway {
	gw := websocket.NewGateway(log)
	gw.Start(ctx, eventBus)
	return gw
}

func newRouter(cfg *config.Config, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(corsMiddleware())
	return router
}

func registerRoutes(router *gin.Engine, storage *storageSet, services *serviceSet, gw *websocket.Gateway, cfg *config.Config, log *logger.Logger) {
	// WebSocket endpoint - primary realtime transport
	gw.SetupRoutes(router)

	taskhandlers.RegisterMessageRoutes(router, services.Orchestrator, log)
	taskhandlers.RegisterTaskRoutes(router, services.Tasks, services.Orchestrator, log)
	taskhandlers.RegisterSessionRoutes(router, services.Orchestrator, log)
	taskhandlers.RegisterUserRoutes(router, services.Tasks, log)
	taskhandlers.RegisterCostRoutes(router, storage.Ledger, cfg.Budget.PricesPath, log)
	taskhandlers.RegisterInternalRoutes(router, services.Tasks, log)
	taskhandlers.RegisterHealthRoutes(router, services.Orchestrator)
}
