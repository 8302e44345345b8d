package adaptive

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedwatch/internal/config"
	"speedwatch/internal/models"
	"speedwatch/internal/stability"
)

type captureBus struct {
	mu     sync.Mutex
	events []models.Event
}

func (b *captureBus) Publish(event models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
}

func (b *captureBus) byType(eventType string) []models.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.Event
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type captureResched struct {
	mu    sync.Mutex
	calls []int
}

func (r *captureResched) Reschedule(intervalMinutes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, intervalMinutes)
}

func (r *captureResched) last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.calls) == 0 {
		return 0
	}
	return r.calls[len(r.calls)-1]
}

// fakeClock lets tests control the controller's notion of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	// Noon UTC, outside the default 17-23 peak window.
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.IntervalMinutes = 30
	cfg.MinIntervalMinutes = 5
	cfg.MaxIntervalMinutes = 120
	cfg.SmartEnabled = true
	cfg.StabilityThreshold = 0.7
	cfg.StabilityWindowSize = 10
	cfg.BurstIntervalMinutes = 5
	cfg.BurstMaxTests = 5
	cfg.BurstCooldownMinutes = 60
	cfg.RecoveryIntervalsMinutes = []int{15, 30, 45}
	cfg.RecoveryStableTests = 2
	cfg.DailyDataBudgetMB = 2000
	cfg.DataPerTestMB = 10
	// Keep the breaker out of the way unless a test wants it.
	cfg.CircuitBreakerTests = 100
	cfg.CircuitBreakerWindowMinutes = 60
	return cfg
}

func newTestController(cfg config.Config) (*Controller, *captureBus, *captureResched, *fakeClock) {
	bus := &captureBus{}
	resched := &captureResched{}
	clock := newFakeClock()
	ctrl := New(cfg, stability.NewAnalyzer(cfg.StabilityWindowSize), bus, resched)
	ctrl.now = clock.Now
	return ctrl, bus, resched, clock
}

func stableSample() models.Sample {
	return models.Sample{DownloadMbps: 500, UploadMbps: 50, PingMs: 10}
}

func anomalousSample() models.Sample {
	s := stableSample()
	s.DownloadSlow = true
	return s
}

// feed pushes a sample through, spacing completions so the burst-interval
// cadence is realistic for the fake clock.
func feed(ctrl *Controller, clock *fakeClock, sample models.Sample) {
	clock.Advance(time.Duration(ctrl.Status().IntervalMinutes) * time.Minute)
	ctrl.OnTestComplete(sample)
}

func TestPhaseSequenceNormalBurstRecovery(t *testing.T) {
	ctrl, bus, _, clock := newTestController(testConfig())

	samples := []models.Sample{
		stableSample(),
		stableSample(),
		anomalousSample(),
		stableSample(),
		stableSample(),
	}
	want := []Phase{PhaseNormal, PhaseNormal, PhaseBurst, PhaseBurst, PhaseRecovery}

	for i, s := range samples {
		feed(ctrl, clock, s)
		assert.Equal(t, want[i], ctrl.Status().Phase, "sample %d", i+1)
	}

	assert.Len(t, bus.byType(models.EventBurst), 1)
	assert.Len(t, bus.byType(models.EventRecovery), 1)
}

func TestBurstEntryReschedulesToBurstInterval(t *testing.T) {
	ctrl, bus, resched, clock := newTestController(testConfig())

	feed(ctrl, clock, anomalousSample())
	status := ctrl.Status()
	assert.Equal(t, PhaseBurst, status.Phase)
	assert.Equal(t, 5, status.IntervalMinutes)
	assert.Equal(t, 5, resched.last())

	bursts := bus.byType(models.EventBurst)
	require.Len(t, bursts, 1)
	assert.Equal(t, 5, bursts[0].Payload["interval_minutes"])
	assert.NotEmpty(t, bursts[0].Payload["reasons"])
}

func TestBurstExitsAfterMaxTests(t *testing.T) {
	cfg := testConfig()
	cfg.BurstMaxTests = 3
	ctrl, _, _, clock := newTestController(cfg)

	feed(ctrl, clock, anomalousSample())
	require.Equal(t, PhaseBurst, ctrl.Status().Phase)

	// Anomalous samples keep the calm counter at zero; the test budget
	// alone ends the burst.
	feed(ctrl, clock, anomalousSample())
	feed(ctrl, clock, anomalousSample())
	require.Equal(t, PhaseBurst, ctrl.Status().Phase)
	feed(ctrl, clock, anomalousSample())

	status := ctrl.Status()
	assert.Equal(t, PhaseRecovery, status.Phase)
	assert.Equal(t, 15, status.IntervalMinutes, "recovery starts at the first step")
}

func TestRecoveryAdvancesToNormal(t *testing.T) {
	ctrl, bus, resched, clock := newTestController(testConfig())

	// Into burst, then two calm samples into recovery.
	feed(ctrl, clock, anomalousSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	require.Equal(t, PhaseRecovery, ctrl.Status().Phase)
	require.Equal(t, 15, ctrl.Status().IntervalMinutes)

	// Each pair of stable samples advances one step: 15 -> 30 -> 45 -> base.
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	assert.Equal(t, 30, ctrl.Status().IntervalMinutes)
	assert.Equal(t, PhaseRecovery, ctrl.Status().Phase)

	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	assert.Equal(t, 45, ctrl.Status().IntervalMinutes)

	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	status := ctrl.Status()
	assert.Equal(t, PhaseNormal, status.Phase)
	assert.Equal(t, 30, status.IntervalMinutes, "back at base interval")

	assert.NotEmpty(t, bus.byType(models.EventNormal))
	assert.Equal(t, 30, resched.last())
}

func TestAnomalyDuringRecoveryReentersBurst(t *testing.T) {
	cfg := testConfig()
	cfg.BurstCooldownMinutes = 10
	ctrl, _, _, clock := newTestController(cfg)

	feed(ctrl, clock, anomalousSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	require.Equal(t, PhaseRecovery, ctrl.Status().Phase)

	// Cooldown has elapsed by now (15 min recovery cadence), so the
	// anomaly re-enters burst.
	feed(ctrl, clock, anomalousSample())
	assert.Equal(t, PhaseBurst, ctrl.Status().Phase)
}

func TestAnomalyDuringRecoveryHoldsWhenBurstDenied(t *testing.T) {
	cfg := testConfig()
	cfg.BurstCooldownMinutes = 24 * 60
	ctrl, _, _, clock := newTestController(cfg)

	feed(ctrl, clock, anomalousSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	require.Equal(t, PhaseRecovery, ctrl.Status().Phase)
	require.Equal(t, 15, ctrl.Status().IntervalMinutes)

	feed(ctrl, clock, anomalousSample())
	status := ctrl.Status()
	assert.Equal(t, PhaseRecovery, status.Phase, "cooldown denies re-burst")
	assert.Equal(t, 15, status.IntervalMinutes, "no advance either")
}

func TestStableOffpeakStretchesInterval(t *testing.T) {
	ctrl, bus, resched, clock := newTestController(testConfig())

	// Three identical samples lift the score to 1.0; noon is off-peak.
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())

	status := ctrl.Status()
	assert.Equal(t, PhaseNormal, status.Phase)
	assert.Equal(t, 60, status.IntervalMinutes, "base 30 x offpeak multiplier 2")
	assert.Equal(t, 60, resched.last())
	assert.NotEmpty(t, bus.byType(models.EventNormal))
}

func TestNoStretchDuringPeakHours(t *testing.T) {
	ctrl, _, resched, clock := newTestController(testConfig())
	clock.Advance(6 * time.Hour) // 18:00, inside the 17-23 peak window

	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())

	assert.Equal(t, 30, ctrl.Status().IntervalMinutes)
	assert.Empty(t, resched.calls)
}

func TestStretchClampedToMaxInterval(t *testing.T) {
	cfg := testConfig()
	cfg.OffpeakMultiplier = 10
	ctrl, _, _, clock := newTestController(cfg)

	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())

	assert.Equal(t, cfg.MaxIntervalMinutes, ctrl.Status().IntervalMinutes)
}

func TestCircuitBreakerForcesMaxInterval(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerTests = 4
	cfg.CircuitBreakerWindowMinutes = 600
	ctrl, bus, _, clock := newTestController(cfg)

	// Anomalous samples would otherwise drive burst; the breaker wins.
	for i := 0; i < 4; i++ {
		clock.Advance(time.Minute)
		ctrl.OnTestComplete(anomalousSample())
	}

	status := ctrl.Status()
	assert.Equal(t, PhaseNormal, status.Phase)
	assert.Equal(t, cfg.MaxIntervalMinutes, status.IntervalMinutes)
	assert.True(t, status.CircuitBreakerOpen)
	require.Len(t, bus.byType(models.EventCircuitBreaker), 1)

	// Further completions inside the window stay suppressed without
	// emitting duplicate events.
	clock.Advance(time.Minute)
	ctrl.OnTestComplete(anomalousSample())
	assert.Len(t, bus.byType(models.EventCircuitBreaker), 1)
	assert.Equal(t, cfg.MaxIntervalMinutes, ctrl.Status().IntervalMinutes)
}

func TestCircuitBreakerWindowSlides(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerTests = 3
	cfg.CircuitBreakerWindowMinutes = 10
	ctrl, _, _, clock := newTestController(cfg)

	clock.Advance(time.Minute)
	ctrl.OnTestComplete(stableSample())
	clock.Advance(time.Minute)
	ctrl.OnTestComplete(stableSample())

	// Old timestamps age out of the window; no trip.
	clock.Advance(30 * time.Minute)
	ctrl.OnTestComplete(stableSample())
	assert.False(t, ctrl.Status().CircuitBreakerOpen)
}

func TestBurstDeniedWhenBudgetLow(t *testing.T) {
	cfg := testConfig()
	cfg.DailyDataBudgetMB = 100
	cfg.DataPerTestMB = 30
	ctrl, bus, _, clock := newTestController(cfg)

	// Three completions consume 90 of 100 MB; less than 20% remains.
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, stableSample())
	feed(ctrl, clock, anomalousSample())

	status := ctrl.Status()
	assert.Equal(t, PhaseNormal, status.Phase, "burst denied on exhausted budget")
	assert.Empty(t, bus.byType(models.EventBurst))
	assert.Less(t, status.DataRemainingPct, 20.0)
}

func TestActualByteCountsChargedAgainstBudget(t *testing.T) {
	ctrl, _, _, clock := newTestController(testConfig())

	s := stableSample()
	s.BytesReceived = 200 * 1024 * 1024
	s.BytesSent = 56 * 1024 * 1024
	feed(ctrl, clock, s)

	assert.InDelta(t, 256.0, ctrl.Status().DataUsedMB, 0.01)
}

func TestBudgetResetsAtUTCMidnight(t *testing.T) {
	ctrl, _, _, clock := newTestController(testConfig())

	feed(ctrl, clock, stableSample())
	require.Greater(t, ctrl.Status().DataUsedMB, 0.0)

	clock.Advance(24 * time.Hour)
	feed(ctrl, clock, stableSample())
	assert.InDelta(t, testConfig().DataPerTestMB, ctrl.Status().DataUsedMB, 0.01,
		"only the post-reset test is charged")
}

func TestBurstCooldownGatesReentry(t *testing.T) {
	cfg := testConfig()
	cfg.BurstMaxTests = 1
	ctrl, bus, _, clock := newTestController(cfg)

	feed(ctrl, clock, anomalousSample())
	require.Equal(t, PhaseBurst, ctrl.Status().Phase)
	feed(ctrl, clock, anomalousSample()) // burst budget spent, into recovery
	require.Equal(t, PhaseRecovery, ctrl.Status().Phase)

	// Within cooldown: anomaly cannot re-enter burst.
	clock.Advance(time.Minute)
	ctrl.OnTestComplete(anomalousSample())
	assert.Equal(t, PhaseRecovery, ctrl.Status().Phase)

	// After cooldown it can.
	clock.Advance(2 * time.Hour)
	ctrl.OnTestComplete(anomalousSample())
	assert.Equal(t, PhaseBurst, ctrl.Status().Phase)
	assert.Len(t, bus.byType(models.EventBurst), 2, "initial entry and post-cooldown re-entry")
}

func TestIntervalAlwaysWithinBounds(t *testing.T) {
	cfg := testConfig()
	cfg.MinIntervalMinutes = 10 // above the burst interval of 5
	cfg.MaxIntervalMinutes = 45
	cfg.BurstCooldownMinutes = 0
	ctrl, _, _, clock := newTestController(cfg)

	samples := []models.Sample{
		stableSample(), anomalousSample(), stableSample(), stableSample(),
		stableSample(), stableSample(), anomalousSample(), anomalousSample(),
		stableSample(), stableSample(), stableSample(), stableSample(),
		stableSample(), stableSample(), stableSample(), stableSample(),
	}
	for i, s := range samples {
		feed(ctrl, clock, s)
		interval := ctrl.Status().IntervalMinutes
		assert.GreaterOrEqual(t, interval, cfg.MinIntervalMinutes, "sample %d", i+1)
		assert.LessOrEqual(t, interval, cfg.MaxIntervalMinutes, "sample %d", i+1)
	}
}

func TestDisableResetsToBaseInterval(t *testing.T) {
	ctrl, _, resched, clock := newTestController(testConfig())

	feed(ctrl, clock, anomalousSample())
	require.Equal(t, PhaseBurst, ctrl.Status().Phase)
	require.Equal(t, 5, ctrl.Status().IntervalMinutes)

	ctrl.SetEnabled(false)
	status := ctrl.Status()
	assert.False(t, status.Enabled)
	assert.Equal(t, PhaseNormal, status.Phase)
	assert.Equal(t, 30, status.IntervalMinutes)
	assert.Equal(t, 30, resched.last())

	// Completions are ignored while disabled.
	feed(ctrl, clock, anomalousSample())
	assert.Equal(t, PhaseNormal, ctrl.Status().Phase)
}

func TestDisabledControllerDoesNothing(t *testing.T) {
	cfg := testConfig()
	cfg.SmartEnabled = false
	ctrl, bus, resched, clock := newTestController(cfg)

	feed(ctrl, clock, anomalousSample())
	feed(ctrl, clock, stableSample())

	assert.Equal(t, PhaseNormal, ctrl.Status().Phase)
	assert.Empty(t, resched.calls)
	assert.Empty(t, bus.events)
}
