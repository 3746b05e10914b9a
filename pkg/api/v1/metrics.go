package v1

import "time"

// PoolStatus describes the worker pool's occupancy at a point in time
type PoolStatus struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

// MetricsSnapshot is the periodic system aggregate pushed on the metrics
// channel. EventRates are bus publish rates in events per second over the
// snapshot window, keyed by event family ("tasks", "tools").
type MetricsSnapshot struct {
	Timestamp    time.Time          `json:"timestamp"`
	TasksByState map[string]int     `json:"tasks_by_state"`
	Pool         PoolStatus         `json:"pool"`
	ActiveUsers  int                `json:"active_users"`
	TodayCostUSD float64            `json:"today_cost_usd"`
	MonthCostUSD float64            `json:"month_cost_usd"`
	EventRates   map[string]float64 `json:"event_rates"`
	Goroutines   int                `json:"goroutines"`
}
