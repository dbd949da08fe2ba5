// Package costtrack enforces the monetary budget for the paid backend
// and keeps durable per-day and per-asset accounting.
package costtrack

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"quotefeed/internal/clock"
	"quotefeed/internal/observ"
	"quotefeed/internal/quotes"
)

// AlertLevel is derived from usage_ratio = spend / budget.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"       // < 50%
	AlertWarning  AlertLevel = "warning"  // >= 50%
	AlertCritical AlertLevel = "critical" // >= 80%
	AlertDanger   AlertLevel = "danger"   // >= 95%
)

const (
	warningThreshold  = 0.50
	criticalThreshold = 0.80
	dangerThreshold   = 0.95
)

// DayCounters is the per-date accounting bucket.
type DayCounters struct {
	Count int     `json:"count"`
	Cost  float64 `json:"cost"`
}

// state is the persisted document. Derived fields (alert level,
// averages, predictions) are computed on demand and never stored.
type state struct {
	TotalRequests      int                          `json:"total_requests"`
	SuccessfulRequests int                          `json:"successful_requests"`
	FailedRequests     int                          `json:"failed_requests"`
	TotalCost          float64                      `json:"total_cost"`
	RequestsByDate     map[string]*DayCounters      `json:"requests_by_date"`
	RequestsByAsset    map[string]map[string]int    `json:"requests_by_asset"`
	TrackingStart      time.Time                    `json:"tracking_start"`
	LastUpdated        time.Time                    `json:"last_updated"`
}

// Tracker is the process-wide cost accountant. All mutations are
// serialized behind one mutex and persisted synchronously.
type Tracker struct {
	mu sync.Mutex

	budget   float64
	unitCost float64
	path     string
	clk      clock.Clock

	// reserved holds provisional debits for paid calls in flight, so
	// concurrent callers cannot collectively pass the budget gate.
	reserved float64

	st state
}

// Accounting is the snapshot returned after each recorded request.
type Accounting struct {
	RequestCount    int        `json:"request_count"`
	TotalCost       float64    `json:"total_cost"`
	BudgetRemaining float64    `json:"budget_remaining"`
	BudgetUsedPct   float64    `json:"budget_used_pct"`
	AlertLevel      AlertLevel `json:"alert_level"`
	Success         bool       `json:"success"`
	AssetClass      string     `json:"asset_class"`
	Symbol          string     `json:"symbol"`
	Timestamp       time.Time  `json:"timestamp"`
}

// StatsReport is the full statistics snapshot.
type StatsReport struct {
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	SuccessRatePct     float64 `json:"success_rate_pct"`

	TotalCost       float64    `json:"total_cost"`
	BudgetLimit     float64    `json:"budget_limit"`
	BudgetRemaining float64    `json:"budget_remaining"`
	BudgetUsedPct   float64    `json:"budget_used_pct"`
	AlertLevel      AlertLevel `json:"alert_level"`

	TrackingStart        time.Time `json:"tracking_start"`
	DaysElapsed          int       `json:"days_elapsed"`
	DailyAverageRequests float64   `json:"daily_average_requests"`
	DailyAverageCost     float64   `json:"daily_average_cost"`

	// DaysUntilExhaustion is nil when the daily average cost is zero.
	DaysUntilExhaustion *float64 `json:"days_until_exhaustion,omitempty"`

	RequestsByDate  map[string]DayCounters    `json:"requests_by_date"`
	RequestsByAsset map[string]map[string]int `json:"requests_by_asset"`

	CostPerRequest      float64   `json:"cost_per_request"`
	MaxPossibleRequests int       `json:"max_possible_requests"`
	LastUpdated         time.Time `json:"last_updated"`
}

// New loads or initializes a tracker bound to path. A missing file
// starts empty; a corrupt file starts empty with a logged warning and
// never aborts the process.
func New(path string, budget, unitCost float64, clk clock.Clock) (*Tracker, error) {
	if budget <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %v", budget)
	}
	if unitCost <= 0 {
		return nil, fmt.Errorf("cost per request must be positive, got %v", unitCost)
	}
	if clk == nil {
		clk = clock.Real{}
	}

	t := &Tracker{
		budget:   budget,
		unitCost: unitCost,
		path:     path,
		clk:      clk,
	}
	t.st = emptyState(clk.Now())

	if err := t.load(); err != nil {
		observ.Warn("cost_tracker_load_failed", map[string]any{
			"path":  path,
			"error": err.Error(),
		})
		t.st = emptyState(clk.Now())
	}

	return t, nil
}

func emptyState(now time.Time) state {
	return state{
		RequestsByDate:  map[string]*DayCounters{},
		RequestsByAsset: map[string]map[string]int{},
		TrackingStart:   now.UTC(),
		LastUpdated:     now.UTC(),
	}
}

func (t *Tracker) load() error {
	b, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var st state
	if err := json.Unmarshal(b, &st); err != nil {
		return fmt.Errorf("corrupt cost tracking file: %w", err)
	}
	if st.RequestsByDate == nil {
		st.RequestsByDate = map[string]*DayCounters{}
	}
	if st.RequestsByAsset == nil {
		st.RequestsByAsset = map[string]map[string]int{}
	}
	if st.TrackingStart.IsZero() {
		st.TrackingStart = t.clk.Now().UTC()
	}
	t.st = st
	return nil
}

// persist writes the state atomically (temp file + rename) so a crash
// mid-write never leaves a torn document. Failures are logged and do
// not roll back the in-memory update. Caller holds t.mu.
func (t *Tracker) persist() {
	b, err := json.MarshalIndent(&t.st, "", "  ")
	if err != nil {
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
		return
	}

	dir := filepath.Dir(t.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
		return
	}

	tmp, err := os.CreateTemp(dir, ".cost_tracking-*.json")
	if err != nil {
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
		return
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
		return
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		observ.Error("cost_tracker_persist_failed", map[string]any{"error": err.Error()})
	}
}

// CanMakeRequest reports whether one more paid request fits in the
// budget. It never blocks and never mutates state.
func (t *Tracker) CanMakeRequest() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.budget - t.st.TotalCost - t.reserved
	if remaining < t.unitCost-1e-9 {
		return false, fmt.Sprintf("budget exhausted: $%.4f remaining, $%.4f per request", remaining, t.unitCost)
	}
	return true, ""
}

// Reserve provisionally debits one unit so that admission and the
// eventual charge act as a single atomic step across concurrent
// callers. Every successful Reserve must be paired with Commit or
// Release.
func (t *Tracker) Reserve() (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remaining := t.budget - t.st.TotalCost - t.reserved
	if remaining < t.unitCost-1e-9 {
		return false, fmt.Sprintf("budget exhausted: $%.4f remaining, $%.4f per request", remaining, t.unitCost)
	}
	t.reserved += t.unitCost
	return true, ""
}

// Release returns a reservation whose call never produced a definite
// remote outcome. Nothing is charged.
func (t *Tracker) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unreserve()
}

// Commit converts a reservation into a recorded charge.
func (t *Tracker) Commit(class quotes.AssetClass, symbol string, success bool) Accounting {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.unreserve()
	return t.record(class, symbol, success)
}

func (t *Tracker) unreserve() {
	t.reserved -= t.unitCost
	if t.reserved < 0 {
		t.reserved = 0
	}
}

// RecordRequest charges one unit cost and advances every counter. Both
// successful and failed paid requests consume budget; the paid backend
// charges for transport either way.
func (t *Tracker) RecordRequest(class quotes.AssetClass, symbol string, success bool) Accounting {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record(class, symbol, success)
}

// record advances counters, persists, and emits gauges. Caller holds
// t.mu.
func (t *Tracker) record(class quotes.AssetClass, symbol string, success bool) Accounting {
	now := t.clk.Now().UTC()

	t.st.TotalRequests++
	t.st.TotalCost += t.unitCost
	if success {
		t.st.SuccessfulRequests++
	} else {
		t.st.FailedRequests++
	}

	day := now.Format("2006-01-02")
	dc := t.st.RequestsByDate[day]
	if dc == nil {
		dc = &DayCounters{}
		t.st.RequestsByDate[day] = dc
	}
	dc.Count++
	dc.Cost += t.unitCost

	byAsset := t.st.RequestsByAsset[string(class)]
	if byAsset == nil {
		byAsset = map[string]int{}
		t.st.RequestsByAsset[string(class)] = byAsset
	}
	byAsset[symbol]++

	t.st.LastUpdated = now
	t.persist()

	ratio := t.st.TotalCost / t.budget
	level := alertLevel(ratio)

	observ.SetGauge("cost_total_usd", t.st.TotalCost, nil)
	observ.SetGauge("cost_budget_remaining_usd", t.budget-t.st.TotalCost, nil)
	if level != AlertOK {
		observ.Warn("cost_budget_alert", map[string]any{
			"alert_level":     string(level),
			"budget_used_pct": math.Round(ratio*10000) / 100,
		})
	}

	return Accounting{
		RequestCount:    t.st.TotalRequests,
		TotalCost:       round4(t.st.TotalCost),
		BudgetRemaining: round4(t.budget - t.st.TotalCost),
		BudgetUsedPct:   math.Round(ratio*10000) / 100,
		AlertLevel:      level,
		Success:         success,
		AssetClass:      string(class),
		Symbol:          symbol,
		Timestamp:       now,
	}
}

// Statistics returns a consistent snapshot of all counters plus
// derived averages and the exhaustion prediction.
func (t *Tracker) Statistics() StatsReport {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now().UTC()
	ratio := t.st.TotalCost / t.budget

	daysElapsed := int(now.Sub(t.st.TrackingStart).Hours()/24) + 1
	if daysElapsed < 1 {
		daysElapsed = 1
	}
	dailyAvgCost := t.st.TotalCost / float64(daysElapsed)
	dailyAvgReqs := float64(t.st.TotalRequests) / float64(daysElapsed)

	var exhaustion *float64
	remaining := t.budget - t.st.TotalCost
	if dailyAvgCost > 0 {
		d := remaining / dailyAvgCost
		exhaustion = &d
	}

	successRate := 0.0
	if t.st.TotalRequests > 0 {
		successRate = float64(t.st.SuccessfulRequests) / float64(t.st.TotalRequests) * 100
	}

	byDate := make(map[string]DayCounters, len(t.st.RequestsByDate))
	for d, c := range t.st.RequestsByDate {
		byDate[d] = *c
	}
	byAsset := make(map[string]map[string]int, len(t.st.RequestsByAsset))
	for class, symbols := range t.st.RequestsByAsset {
		cp := make(map[string]int, len(symbols))
		for s, n := range symbols {
			cp[s] = n
		}
		byAsset[class] = cp
	}

	return StatsReport{
		TotalRequests:        t.st.TotalRequests,
		SuccessfulRequests:   t.st.SuccessfulRequests,
		FailedRequests:       t.st.FailedRequests,
		SuccessRatePct:       math.Round(successRate*100) / 100,
		TotalCost:            round4(t.st.TotalCost),
		BudgetLimit:          t.budget,
		BudgetRemaining:      round4(remaining),
		BudgetUsedPct:        math.Round(ratio*10000) / 100,
		AlertLevel:           alertLevel(ratio),
		TrackingStart:        t.st.TrackingStart,
		DaysElapsed:          daysElapsed,
		DailyAverageRequests: math.Round(dailyAvgReqs*100) / 100,
		DailyAverageCost:     round4(dailyAvgCost),
		DaysUntilExhaustion:  exhaustion,
		RequestsByDate:       byDate,
		RequestsByAsset:      byAsset,
		CostPerRequest:       t.unitCost,
		MaxPossibleRequests:  int(t.budget / t.unitCost),
		LastUpdated:          t.st.LastUpdated,
	}
}

// Reset zeroes all counters and rewrites persistence. The confirm flag
// guards against accidental resets from diagnostic code paths.
func (t *Tracker) Reset(confirm bool) error {
	if !confirm {
		return fmt.Errorf("reset requires explicit confirmation")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prevCost := t.st.TotalCost
	prevRequests := t.st.TotalRequests

	t.st = emptyState(t.clk.Now())
	t.persist()

	observ.Log("cost_tracker_reset", map[string]any{
		"previous_total_cost": round4(prevCost),
		"previous_requests":   prevRequests,
	})
	return nil
}

// UnitCost returns the configured per-request charge.
func (t *Tracker) UnitCost() float64 {
	return t.unitCost
}

func alertLevel(ratio float64) AlertLevel {
	switch {
	case ratio >= dangerThreshold:
		return AlertDanger
	case ratio >= criticalThreshold:
		return AlertCritical
	case ratio >= warningThreshold:
		return AlertWarning
	default:
		return AlertOK
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
