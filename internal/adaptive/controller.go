// Package adaptive adjusts the scheduler's interval from observed network
// stability through a Normal/Burst/Recovery phase machine, bounded by a
// test-rate circuit breaker and a daily data budget.
package adaptive

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"speedwatch/internal/config"
	"speedwatch/internal/metrics"
	"speedwatch/internal/models"
	"speedwatch/internal/stability"
)

// Phase identifies the controller's current scheduling mode.
type Phase string

const (
	PhaseNormal   Phase = "normal"
	PhaseBurst    Phase = "burst"
	PhaseRecovery Phase = "recovery"
)

// Consecutive calm samples inside Burst that end the burst early.
const burstCalmExit = 2

// Minimum fraction of the daily data budget that must remain for a burst
// to be permitted.
const burstBudgetFloor = 0.20

// Controller observes completed measurements and drives interval changes
// through the Rescheduler. All state is guarded by a single mutex; the
// stability analyzer is only touched under it.
type Controller struct {
	cfg      config.Config
	analyzer *stability.Analyzer
	bus      models.Publisher
	resched  models.Rescheduler

	now func() time.Time

	mu              sync.Mutex
	enabled         bool
	phase           Phase
	intervalMinutes int
	burstTests      int
	burstCalm       int
	recoveryStep    int
	stableCount     int
	lastBurstAt     time.Time
	testTimes       []time.Time
	breakerOpen     bool
	dailyDataUsedMB float64
	dailyResetDate  string
	lastScore       float64
	lastDecision    string
}

// Status is a read-only snapshot for the status surface
type Status struct {
	Enabled            bool       `json:"enabled"`
	Phase              Phase      `json:"phase"`
	IntervalMinutes    int        `json:"interval_minutes"`
	StabilityScore     float64    `json:"stability_score"`
	DataUsedMB         float64    `json:"data_used_mb"`
	DataBudgetMB       float64    `json:"data_budget_mb"`
	DataRemainingPct   float64    `json:"data_remaining_pct"`
	TestsInWindow      int        `json:"tests_in_window"`
	CircuitBreakerOpen bool       `json:"circuit_breaker_open"`
	LastDecision       string     `json:"last_decision,omitempty"`
	LastBurstAt        *time.Time `json:"last_burst_at,omitempty"`
}

// New creates a controller in Normal phase at the base interval. The
// configuration is assumed validated at the boundary.
func New(cfg config.Config, analyzer *stability.Analyzer, bus models.Publisher, resched models.Rescheduler) *Controller {
	return &Controller{
		cfg:             cfg,
		analyzer:        analyzer,
		bus:             bus,
		resched:         resched,
		now:             time.Now,
		enabled:         cfg.SmartEnabled,
		phase:           PhaseNormal,
		intervalMinutes: cfg.IntervalMinutes,
		lastScore:       0.5,
		dailyResetDate:  time.Now().UTC().Format("2006-01-02"),
	}
}

// OnTestComplete feeds one completed measurement through the budget,
// circuit-breaker and phase logic. Called by the scheduler once per
// successful test, in completion order.
func (c *Controller) OnTestComplete(sample models.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.enabled {
		return
	}
	now := c.now()

	c.rollBudgetDay(now)
	c.recordUsage(sample)

	details := c.analyzer.GetAnomalyDetails(sample)
	score := c.analyzer.AddMeasurement(sample)
	c.lastScore = score
	metrics.SetStabilityScore(score)

	// The breaker is a hard ceiling on test frequency; it overrides
	// whatever the phase machine would have decided.
	c.testTimes = append(c.testTimes, now)
	c.pruneTestWindow(now)
	if len(c.testTimes) >= c.cfg.CircuitBreakerTests {
		c.tripCircuitBreaker(score)
		return
	}
	c.breakerOpen = false

	switch c.phase {
	case PhaseNormal:
		c.handleNormal(now, details, score)
	case PhaseBurst:
		c.handleBurst(now, details, score)
	case PhaseRecovery:
		c.handleRecovery(now, details, score)
	}
}

func (c *Controller) handleNormal(now time.Time, details stability.AnomalyDetails, score float64) {
	if details.Anomalous {
		if c.canBurst(now) {
			c.enterBurst(now, details, score)
		} else {
			c.lastDecision = "anomaly detected but burst not permitted (cooldown or data budget)"
		}
		return
	}

	if score > c.cfg.StabilityThreshold && !c.isPeakHour(now) {
		stretched := int(float64(c.cfg.IntervalMinutes) * c.cfg.OffpeakMultiplier)
		if stretched > c.cfg.MaxIntervalMinutes {
			stretched = c.cfg.MaxIntervalMinutes
		}
		// Never drop below the user's base interval while in Normal.
		if stretched < c.cfg.IntervalMinutes {
			stretched = c.cfg.IntervalMinutes
		}
		if stretched != c.intervalMinutes {
			c.applyInterval(stretched)
			c.lastDecision = fmt.Sprintf("stable off-peak, stretching interval to %d min", stretched)
			c.publishPhase(models.EventNormal, score)
		}
	}
}

func (c *Controller) handleBurst(now time.Time, details stability.AnomalyDetails, score float64) {
	c.burstTests++
	if details.Anomalous {
		c.burstCalm = 0
	} else {
		c.burstCalm++
	}

	if c.burstTests >= c.cfg.BurstMaxTests || c.burstCalm >= burstCalmExit {
		c.enterRecovery(score)
	}
}

func (c *Controller) handleRecovery(now time.Time, details stability.AnomalyDetails, score float64) {
	if details.Anomalous {
		c.stableCount = 0
		if c.canBurst(now) {
			c.enterBurst(now, details, score)
		} else {
			c.lastDecision = "anomaly during recovery, holding current step"
		}
		return
	}

	if score <= c.cfg.StabilityThreshold {
		return
	}
	c.stableCount++
	if c.stableCount < c.cfg.RecoveryStableTests {
		return
	}
	c.stableCount = 0
	c.recoveryStep++
	if c.recoveryStep >= len(c.cfg.RecoveryIntervalsMinutes) {
		c.enterNormal(score)
		return
	}
	c.applyInterval(c.cfg.RecoveryIntervalsMinutes[c.recoveryStep])
	c.lastDecision = fmt.Sprintf("recovery advancing to %d min", c.intervalMinutes)
	c.publishPhase(models.EventRecovery, score)
}

func (c *Controller) enterBurst(now time.Time, details stability.AnomalyDetails, score float64) {
	c.phase = PhaseBurst
	c.burstTests = 0
	c.burstCalm = 0
	c.stableCount = 0
	c.lastBurstAt = now
	c.applyInterval(c.cfg.BurstIntervalMinutes)
	c.lastDecision = fmt.Sprintf("anomaly detected, entering burst at %d min", c.intervalMinutes)

	metrics.ObservePhaseTransition(string(PhaseBurst))
	slog.Info("entering burst phase", "interval_minutes", c.intervalMinutes, "reasons", details.Reasons)
	c.bus.Publish(models.NewEvent(models.EventBurst, map[string]any{
		"phase":            string(PhaseBurst),
		"interval_minutes": c.intervalMinutes,
		"stability_score":  score,
		"reasons":          details.Reasons,
	}))
}

func (c *Controller) enterRecovery(score float64) {
	c.phase = PhaseRecovery
	c.recoveryStep = 0
	c.stableCount = 0
	c.applyInterval(c.cfg.RecoveryIntervalsMinutes[0])
	c.lastDecision = fmt.Sprintf("burst complete, recovering at %d min", c.intervalMinutes)

	metrics.ObservePhaseTransition(string(PhaseRecovery))
	slog.Info("entering recovery phase", "interval_minutes", c.intervalMinutes)
	c.publishPhase(models.EventRecovery, score)
}

func (c *Controller) enterNormal(score float64) {
	c.phase = PhaseNormal
	c.burstTests = 0
	c.burstCalm = 0
	c.recoveryStep = 0
	c.stableCount = 0
	c.applyInterval(c.cfg.IntervalMinutes)
	c.lastDecision = "recovery complete, back to base interval"

	metrics.ObservePhaseTransition(string(PhaseNormal))
	slog.Info("recovery complete, returning to normal phase", "interval_minutes", c.intervalMinutes)
	c.publishPhase(models.EventNormal, score)
}

func (c *Controller) tripCircuitBreaker(score float64) {
	alreadyOpen := c.breakerOpen
	c.breakerOpen = true
	c.phase = PhaseNormal
	c.burstTests = 0
	c.burstCalm = 0
	c.recoveryStep = 0
	c.stableCount = 0
	c.applyInterval(c.cfg.MaxIntervalMinutes)
	c.lastDecision = fmt.Sprintf("circuit breaker: %d tests within %d min, forcing max interval",
		len(c.testTimes), c.cfg.CircuitBreakerWindowMinutes)

	if alreadyOpen {
		return
	}
	metrics.ObserveCircuitBreakerTrip()
	slog.Warn("circuit breaker tripped",
		"tests_in_window", len(c.testTimes),
		"window_minutes", c.cfg.CircuitBreakerWindowMinutes)
	c.bus.Publish(models.NewEvent(models.EventCircuitBreaker, map[string]any{
		"phase":            string(PhaseNormal),
		"interval_minutes": c.intervalMinutes,
		"stability_score":  score,
		"tests_in_window":  len(c.testTimes),
	}))
}

// applyInterval clamps the target to the configured bounds and requests a
// reschedule when the active interval actually changes.
func (c *Controller) applyInterval(minutes int) {
	if minutes < c.cfg.MinIntervalMinutes {
		minutes = c.cfg.MinIntervalMinutes
	}
	if minutes > c.cfg.MaxIntervalMinutes {
		minutes = c.cfg.MaxIntervalMinutes
	}
	if minutes == c.intervalMinutes {
		return
	}
	c.intervalMinutes = minutes
	c.resched.Reschedule(minutes)
}

func (c *Controller) publishPhase(eventType string, score float64) {
	c.bus.Publish(models.NewEvent(eventType, map[string]any{
		"phase":            string(c.phase),
		"interval_minutes": c.intervalMinutes,
		"stability_score":  score,
	}))
}

// canBurst reports whether burst entry is permitted: the cooldown since
// the last burst has elapsed and at least 20% of the daily data budget
// remains.
func (c *Controller) canBurst(now time.Time) bool {
	if !c.lastBurstAt.IsZero() {
		cooldown := time.Duration(c.cfg.BurstCooldownMinutes) * time.Minute
		if now.Sub(c.lastBurstAt) < cooldown {
			return false
		}
	}
	return c.remainingBudgetPct() >= burstBudgetFloor
}

func (c *Controller) remainingBudgetPct() float64 {
	remaining := 1 - c.dailyDataUsedMB/c.cfg.DailyDataBudgetMB
	return math.Max(0, remaining)
}

// rollBudgetDay resets the data accounting when the UTC date changes.
func (c *Controller) rollBudgetDay(now time.Time) {
	date := now.UTC().Format("2006-01-02")
	if date != c.dailyResetDate {
		c.dailyResetDate = date
		c.dailyDataUsedMB = 0
		metrics.SetDataBudgetUsed(0)
	}
}

// recordUsage charges the test against the daily budget, using actual
// byte counts when the executor reported them.
func (c *Controller) recordUsage(sample models.Sample) {
	used := sample.TransferredMB()
	if used <= 0 {
		used = c.cfg.DataPerTestMB
	}
	c.dailyDataUsedMB += used
	metrics.SetDataBudgetUsed(c.dailyDataUsedMB)
}

func (c *Controller) pruneTestWindow(now time.Time) {
	window := time.Duration(c.cfg.CircuitBreakerWindowMinutes) * time.Minute
	cutoff := now.Add(-window)
	kept := c.testTimes[:0]
	for _, t := range c.testTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.testTimes = kept
}

// isPeakHour reports whether the hour falls inside the configured peak
// window, which may wrap past midnight.
func (c *Controller) isPeakHour(now time.Time) bool {
	hour := now.Hour()
	start, end := c.cfg.PeakStartHour, c.cfg.PeakEndHour
	if start == end {
		return false
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// SetEnabled turns adaptive scheduling on or off. Disabling resets the
// controller to Normal phase at the base interval.
func (c *Controller) SetEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if enabled {
		c.lastDecision = "adaptive scheduling enabled"
		return
	}
	c.phase = PhaseNormal
	c.burstTests = 0
	c.burstCalm = 0
	c.recoveryStep = 0
	c.stableCount = 0
	c.breakerOpen = false
	c.applyInterval(c.cfg.IntervalMinutes)
	c.lastDecision = "adaptive scheduling disabled, reset to base interval"
	slog.Info("adaptive scheduling disabled")
}

// Status returns a consistent snapshot for status reporting.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := Status{
		Enabled:            c.enabled,
		Phase:              c.phase,
		IntervalMinutes:    c.intervalMinutes,
		StabilityScore:     c.lastScore,
		DataUsedMB:         c.dailyDataUsedMB,
		DataBudgetMB:       c.cfg.DailyDataBudgetMB,
		DataRemainingPct:   c.remainingBudgetPct() * 100,
		TestsInWindow:      len(c.testTimes),
		CircuitBreakerOpen: c.breakerOpen,
		LastDecision:       c.lastDecision,
	}
	if !c.lastBurstAt.IsZero() {
		lastBurst := c.lastBurstAt
		status.LastBurstAt = &lastBurst
	}
	return status
}
