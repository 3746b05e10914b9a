package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/events/bus"
	ws "github.com/mjfuentes/amiga-sub003/pkg/websocket"
)

// Gateway bundles the hub, the HTTP handler and the bus bridge.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	broadcaster *EventBroadcaster
	cancel      context.CancelFunc
	logger      *logger.Logger
}

// NewGateway creates a WebSocket gateway with all components initialized.
func NewGateway(log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handler:    handler,
		logger:     log,
	}
}

// Start runs the hub and bridges the event bus onto the notification
// channels. It returns immediately; Stop tears everything down.
func (g *Gateway) Start(ctx context.Context, eventBus bus.EventBus) {
	runCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	go g.Hub.Run(runCtx)
	g.broadcaster = RegisterNotifications(runCtx, eventBus, g.Hub, g.logger)
}

// Stop shuts down the hub and releases the bus subscriptions.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}
