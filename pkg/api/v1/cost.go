package v1

import "time"

// ModelUsage aggregates the token counters and derived USD cost for one model
type ModelUsage struct {
	Input       int64   `json:"input"`
	Output      int64   `json:"output"`
	CacheCreate int64   `json:"cacheCreate"`
	CacheRead   int64   `json:"cacheRead"`
	CostUSD     float64 `json:"cost_usd"`
}

// CostSummary reports today's and this month's spend per model plus the
// lifetime total and the configured caps.
type CostSummary struct {
	Today           map[string]ModelUsage `json:"today"`
	TodayUSD        float64               `json:"today_usd"`
	Month           map[string]ModelUsage `json:"month"`
	MonthUSD        float64               `json:"month_usd"`
	TotalCostUSD    float64               `json:"total_cost_usd"`
	LastUpdated     time.Time             `json:"last_updated"`
	DailyLimitUSD   float64               `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD float64               `json:"monthly_limit_usd,omitempty"`
}

// ReloadPricesResponse confirms a price table reload
type ReloadPricesResponse struct {
	Reloaded bool   `json:"reloaded"`
	Path     string `json:"path"`
}
