// Package cost tracks model token spend and enforces daily and monthly USD
// budgets. A single writer goroutine consumes Increment messages, applies
// them to per-day and per-month buckets, and persists the ledger file after
// each apply.
package cost

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mjfuentes/amiga-sub003/internal/common/logger"
)

// ErrBudgetExceeded marks requests denied because a spend cap was reached.
var ErrBudgetExceeded = errors.New("budget exceeded")

const (
	dayKeyFormat   = "2006-01-02"
	monthKeyFormat = "2006-01"

	applyQueueSize = 64
)

// TokenDelta carries the four token counters of one accounted event.
type TokenDelta struct {
	Input       int64 `json:"input"`
	Output      int64 `json:"output"`
	CacheCreate int64 `json:"cacheCreate"`
	CacheRead   int64 `json:"cacheRead"`
}

// IsZero reports whether all four counters are zero.
func (d TokenDelta) IsZero() bool {
	return d.Input == 0 && d.Output == 0 && d.CacheCreate == 0 && d.CacheRead == 0
}

// Increment is one accounting message submitted to the ledger.
type Increment struct {
	At     time.Time
	Model  string
	Tokens TokenDelta
}

// Usage is a per-bucket aggregate: token counters plus derived USD cost.
type Usage struct {
	Input       int64   `json:"input"`
	Output      int64   `json:"output"`
	CacheCreate int64   `json:"cacheCreate"`
	CacheRead   int64   `json:"cacheRead"`
	CostUSD     float64 `json:"costUSD"`
}

func (u *Usage) add(d TokenDelta, costUSD float64) {
	u.Input += d.Input
	u.Output += d.Output
	u.CacheCreate += d.CacheCreate
	u.CacheRead += d.CacheRead
	u.CostUSD += costUSD
}

// ledgerData is the persisted cost document.
type ledgerData struct {
	Daily        map[string]map[string]*Usage `json:"daily"`
	Monthly      map[string]map[string]*Usage `json:"monthly"`
	TotalCostUSD float64                      `json:"totalCostUSD"`
	LastUpdated  time.Time                    `json:"lastUpdated"`
}

func newLedgerData() *ledgerData {
	return &ledgerData{
		Daily:   make(map[string]map[string]*Usage),
		Monthly: make(map[string]map[string]*Usage),
	}
}

// Limits holds the USD spend caps. A zero limit disables that fence.
type Limits struct {
	DailyUSD   float64
	MonthlyUSD float64
}

// Snapshot is a point-in-time copy of the ledger for dashboard reads.
type Snapshot struct {
	Today           map[string]Usage `json:"today"`
	TodayUSD        float64          `json:"today_usd"`
	Month           map[string]Usage `json:"month"`
	MonthUSD        float64          `json:"month_usd"`
	TotalCostUSD    float64          `json:"total_cost_usd"`
	LastUpdated     time.Time        `json:"last_updated"`
	DailyLimitUSD   float64          `json:"daily_limit_usd,omitempty"`
	MonthlyLimitUSD float64          `json:"monthly_limit_usd,omitempty"`
}

// Ledger aggregates token spend per day and month. All mutation flows
// through Record and is applied by one goroutine; reads take snapshots
// under a read lock.
type Ledger struct {
	mu     sync.RWMutex
	data   *ledgerData
	prices *PriceTable

	path   string
	limits Limits
	logger *logger.Logger

	sendMu   sync.RWMutex
	closed   bool
	incoming chan Increment
	done     chan struct{}
}

// NewLedger loads the persisted ledger from path and starts the writer
// goroutine. A missing file starts an empty ledger; a corrupt file is logged
// and abandoned rather than blocking startup.
func NewLedger(path string, prices *PriceTable, limits Limits, log *logger.Logger) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("cost ledger path is required")
	}
	if prices == nil {
		prices = DefaultPrices()
	}
	if log == nil {
		log = logger.Default()
	}
	l := &Ledger{
		data:     newLedgerData(),
		prices:   prices,
		path:     path,
		limits:   limits,
		logger:   log.WithFields(zap.String("component", "cost-ledger")),
		incoming: make(chan Increment, applyQueueSize),
		done:     make(chan struct{}),
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	go l.run()
	return l, nil
}

// Stop drains pending increments and waits for the final persist. Records
// submitted after Stop are dropped. Safe to call more than once.
func (l *Ledger) Stop() {
	l.sendMu.Lock()
	if !l.closed {
		l.closed = true
		close(l.incoming)
	}
	l.sendMu.Unlock()
	<-l.done
}

// Record submits one accounting message. Zero-token increments are ignored.
// The call blocks only while the apply queue is full.
func (l *Ledger) Record(inc Increment) {
	if inc.Tokens.IsZero() {
		return
	}
	if inc.At.IsZero() {
		inc.At = time.Now().UTC()
	}
	l.sendMu.RLock()
	defer l.sendMu.RUnlock()
	if l.closed {
		l.logger.Warn("Increment dropped after ledger stop", zap.String("model", inc.Model))
		return
	}
	l.incoming <- inc
}

func (l *Ledger) run() {
	defer close(l.done)
	for inc := range l.incoming {
		l.apply(inc)
		if err := l.persist(); err != nil {
			l.logger.Error("Failed to persist cost ledger", zap.Error(err))
		}
	}
}

func (l *Ledger) apply(inc Increment) {
	price, ok := l.priceFor(inc.Model)
	if !ok {
		l.logger.Warn("No price entry for model, tokens recorded at zero cost",
			zap.String("model", inc.Model))
	}
	costUSD := price.CostUSD(inc.Tokens)

	at := inc.At.UTC()
	day := at.Format(dayKeyFormat)
	month := at.Format(monthKeyFormat)

	l.mu.Lock()
	defer l.mu.Unlock()
	bucketFor(l.data.Daily, day, inc.Model).add(inc.Tokens, costUSD)
	bucketFor(l.data.Monthly, month, inc.Model).add(inc.Tokens, costUSD)
	l.data.TotalCostUSD += costUSD
	l.data.LastUpdated = time.Now().UTC()
}

func bucketFor(m map[string]map[string]*Usage, key, model string) *Usage {
	inner, ok := m[key]
	if !ok {
		inner = make(map[string]*Usage)
		m[key] = inner
	}
	u, ok := inner[model]
	if !ok {
		u = &Usage{}
		inner[model] = u
	}
	return u
}

func (l *Ledger) priceFor(model string) (ModelPrice, bool) {
	l.mu.RLock()
	t := l.prices
	l.mu.RUnlock()
	return t.PriceFor(model)
}

// SetPrices swaps the active price table.
func (l *Ledger) SetPrices(t *PriceTable) {
	if t == nil {
		return
	}
	l.mu.Lock()
	l.prices = t
	l.mu.Unlock()
}

// ReloadPrices re-reads the price table from path and swaps it in.
func (l *Ledger) ReloadPrices(path string) error {
	t, err := LoadPrices(path)
	if err != nil {
		return err
	}
	l.SetPrices(t)
	l.logger.Info("Price table reloaded", zap.String("path", path), zap.Int("models", len(t.Models)))
	return nil
}

// SpentToday returns the summed USD cost of today's buckets.
func (l *Ledger) SpentToday(now time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sumBucket(l.data.Daily[now.UTC().Format(dayKeyFormat)])
}

// SpentThisMonth returns the summed USD cost of this month's buckets.
func (l *Ledger) SpentThisMonth(now time.Time) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sumBucket(l.data.Monthly[now.UTC().Format(monthKeyFormat)])
}

func sumBucket(bucket map[string]*Usage) float64 {
	var total float64
	for _, u := range bucket {
		total += u.CostUSD
	}
	return total
}

// CheckBudget reports whether an operation with the given estimated USD cost
// fits under the caps. A request is denied when a cap is already reached, or
// when the estimate would push spend past it. Zero limits disable the
// corresponding fence.
func (l *Ledger) CheckBudget(now time.Time, estimateUSD float64) error {
	if l.limits.DailyUSD > 0 {
		spent := l.SpentToday(now)
		if spent >= l.limits.DailyUSD || spent+estimateUSD > l.limits.DailyUSD {
			return fmt.Errorf("%w: daily limit $%.2f reached ($%.4f spent)",
				ErrBudgetExceeded, l.limits.DailyUSD, spent)
		}
	}
	if l.limits.MonthlyUSD > 0 {
		spent := l.SpentThisMonth(now)
		if spent >= l.limits.MonthlyUSD || spent+estimateUSD > l.limits.MonthlyUSD {
			return fmt.Errorf("%w: monthly limit $%.2f reached ($%.4f spent)",
				ErrBudgetExceeded, l.limits.MonthlyUSD, spent)
		}
	}
	return nil
}

// Summary returns a deep copy of today's and this month's buckets plus
// lifetime totals.
func (l *Ledger) Summary(now time.Time) Snapshot {
	at := now.UTC()
	l.mu.RLock()
	defer l.mu.RUnlock()

	today := copyBucket(l.data.Daily[at.Format(dayKeyFormat)])
	month := copyBucket(l.data.Monthly[at.Format(monthKeyFormat)])
	return Snapshot{
		Today:           today,
		TodayUSD:        sumBucket(l.data.Daily[at.Format(dayKeyFormat)]),
		Month:           month,
		MonthUSD:        sumBucket(l.data.Monthly[at.Format(monthKeyFormat)]),
		TotalCostUSD:    l.data.TotalCostUSD,
		LastUpdated:     l.data.LastUpdated,
		DailyLimitUSD:   l.limits.DailyUSD,
		MonthlyLimitUSD: l.limits.MonthlyUSD,
	}
}

func copyBucket(bucket map[string]*Usage) map[string]Usage {
	out := make(map[string]Usage, len(bucket))
	for model, u := range bucket {
		out[model] = *u
	}
	return out
}

func (l *Ledger) load() error {
	raw, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read cost ledger: %w", err)
	}
	var data ledgerData
	if err := json.Unmarshal(raw, &data); err != nil {
		l.logger.Warn("Cost ledger file is corrupt, starting empty",
			zap.String("path", l.path), zap.Error(err))
		return nil
	}
	if data.Daily == nil {
		data.Daily = make(map[string]map[string]*Usage)
	}
	if data.Monthly == nil {
		data.Monthly = make(map[string]map[string]*Usage)
	}
	l.data = &data
	return nil
}

// persist writes the ledger atomically: temp file in the same directory,
// fsync, then rename.
func (l *Ledger) persist() error {
	l.mu.RLock()
	raw, err := json.MarshalIndent(l.data, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal cost ledger: %w", err)
	}

	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "cost-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger file: %w", err)
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp ledger file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp ledger file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger file: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		return fmt.Errorf("replace ledger file: %w", err)
	}
	cleanup = false
	return nil
}
