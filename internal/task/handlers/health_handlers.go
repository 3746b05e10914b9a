package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mjfuentes/amiga-sub003/internal/orchestrator"
)

// StatusReporter exposes the orchestrator's occupancy snapshot.
type StatusReporter interface {
	GetStatus() *orchestrator.Status
}

// RegisterHealthRoutes mounts the liveness endpoint.
func RegisterHealthRoutes(router *gin.Engine, status StatusReporter) {
	router.GET("/health", func(c *gin.Context) {
		st := status.GetStatus()
		state := "ok"
		if st == nil || !st.Running {
			state = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":       state,
			"orchestrator": st,
		})
	})
}
