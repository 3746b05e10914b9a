package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
	"github.com/mjfuentes/amiga-sub003/internal/cost"
	v1 "github.com/mjfuentes/amiga-sub003/pkg/api/v1"
)

// CostReporter is the ledger surface the dashboard and admin endpoints use.
type CostReporter interface {
	Summary(now time.Time) cost.Snapshot
	ReloadPrices(path string) error
}

// CostHandlers serves spend reads and the price table reload.
type CostHandlers struct {
	ledger     CostReporter
	pricesPath string
	logger     *logger.Logger
}

func NewCostHandlers(ledger CostReporter, pricesPath string, log *logger.Logger) *CostHandlers {
	return &CostHandlers{
		ledger:     ledger,
		pricesPath: pricesPath,
		logger:     log.WithFields(zap.String("component", "cost-handlers")),
	}
}

// RegisterCostRoutes mounts the cost endpoints on the API group.
func RegisterCostRoutes(router *gin.Engine, ledger CostReporter, pricesPath string, log *logger.Logger) {
	h := NewCostHandlers(ledger, pricesPath, log)
	router.GET("/api/v1/cost/summary", h.httpCostSummary)
	router.POST("/api/v1/admin/prices/reload", h.httpReloadPrices)
}

func (h *CostHandlers) httpCostSummary(c *gin.Context) {
	snap := h.ledger.Summary(time.Now())
	c.JSON(http.StatusOK, v1.CostSummary{
		Today:           toModelUsage(snap.Today),
		TodayUSD:        snap.TodayUSD,
		Month:           toModelUsage(snap.Month),
		MonthUSD:        snap.MonthUSD,
		TotalCostUSD:    snap.TotalCostUSD,
		LastUpdated:     snap.LastUpdated,
		DailyLimitUSD:   snap.DailyLimitUSD,
		MonthlyLimitUSD: snap.MonthlyLimitUSD,
	})
}

// httpReloadPrices re-reads models.yaml and swaps the price table in. An
// unreadable or malformed file leaves the active table untouched.
func (h *CostHandlers) httpReloadPrices(c *gin.Context) {
	if h.pricesPath == "" {
		respondBadRequest(c, "no price table path configured")
		return
	}
	if err := h.ledger.ReloadPrices(h.pricesPath); err != nil {
		h.logger.Error("Price reload failed", zap.String("path", h.pricesPath), zap.Error(err))
		respondBadRequest(c, "price reload failed: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, v1.ReloadPricesResponse{Reloaded: true, Path: h.pricesPath})
}

func toModelUsage(bucket map[string]cost.Usage) map[string]v1.ModelUsage {
	out := make(map[string]v1.ModelUsage, len(bucket))
	for model, u := range bucket {
		out[model] = v1.ModelUsage{
			Input:       u.Input,
			Output:      u.Output,
			CacheCreate: u.CacheCreate,
			CacheRead:   u.CacheRead,
			CostUSD:     u.CostUSD,
		}
	}
	return out
}
