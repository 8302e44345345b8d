// Package scheduler owns the periodic measurement timer and the
// retry/outage state machine around the external test executor.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"speedwatch/internal/metrics"
	"speedwatch/internal/models"
)

const (
	// Consecutive failures before an outage is declared. Below this,
	// failures are treated as transient and retried once each.
	outageThreshold = 3
	// Delay before the single retry that follows a transient failure.
	defaultRetryDelay = 60 * time.Second
)

type outageState struct {
	consecutiveFailures int
	active              bool
	startedAt           time.Time
	lastError           string
}

// Scheduler fires speed tests on a periodic timer with at most one test
// in flight at any time. A timer fire that arrives while a test is
// running is dropped, not queued.
type Scheduler struct {
	runner   models.Runner
	bus      models.Publisher
	store    models.Store
	serverID string

	// Observes every successful measurement; set before Start.
	hook models.CompletionHook

	testing    atomic.Bool
	retryDelay time.Duration

	mu         sync.Mutex
	interval   time.Duration
	nextRun    time.Time
	running    bool
	outage     outageState
	retryTimer *time.Timer
	ticker     *time.Ticker

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. The store may be nil; samples and outages are
// then not persisted.
func New(runner models.Runner, bus models.Publisher, store models.Store, serverID string) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner:     runner,
		bus:        bus,
		store:      store,
		serverID:   serverID,
		retryDelay: defaultRetryDelay,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetCompletionHook registers the observer for successful measurements.
// Must be called before Start.
func (s *Scheduler) SetCompletionHook(hook models.CompletionHook) {
	s.hook = hook
}

// Start begins firing test attempts on the given interval. The first
// test runs immediately.
func (s *Scheduler) Start(intervalMinutes int) {
	interval := time.Duration(intervalMinutes) * time.Minute

	s.mu.Lock()
	s.interval = interval
	s.ticker = time.NewTicker(interval)
	s.nextRun = time.Now().Add(interval)
	s.running = true
	s.mu.Unlock()
	metrics.SetInterval(intervalMinutes)

	s.wg.Add(1)
	go s.run()
	slog.Info("scheduler started", "interval", interval)
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	// Immediate first measurement.
	s.RunTestWithRetry()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.tickerC():
			s.mu.Lock()
			s.nextRun = time.Now().Add(s.interval)
			s.mu.Unlock()
			s.RunTestWithRetry()
		}
	}
}

func (s *Scheduler) tickerC() <-chan time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticker.C
}

// RunTestWithRetry executes one measurement attempt under the
// single-flight guard. A fire that arrives while a test is running is a
// no-op. Failures feed the retry/outage state machine; they never
// propagate to the caller.
func (s *Scheduler) RunTestWithRetry() {
	if !s.testing.CompareAndSwap(false, true) {
		slog.Debug("test already in flight, dropping fire")
		return
	}
	defer s.testing.Store(false)

	s.bus.Publish(models.NewEvent(models.EventStarted, map[string]any{
		"server_id": s.serverID,
	}))

	sample, err := s.runner.RunTest(s.ctx, s.serverID)
	if err != nil {
		s.onFailure(err)
		return
	}
	s.onSuccess(sample)
}

func (s *Scheduler) onSuccess(sample models.Sample) {
	metrics.ObserveTest(metrics.ResultSuccess)

	s.mu.Lock()
	resolved := s.outage.active
	failedChecks := s.outage.consecutiveFailures
	var duration time.Duration
	if resolved {
		duration = time.Since(s.outage.startedAt)
	}
	outageStart := s.outage.startedAt
	s.outage = outageState{}
	s.mu.Unlock()

	if resolved {
		slog.Info("outage resolved", "duration", duration, "failed_checks", failedChecks)
		metrics.SetOutageActive(false)
		s.bus.Publish(models.NewEvent(models.EventOutageResolved, map[string]any{
			"duration_seconds":     duration.Seconds(),
			"consecutive_failures": failedChecks,
		}))
		if s.store != nil {
			outage := models.Outage{
				StartTime:    outageStart,
				EndTime:      time.Now(),
				FailedChecks: failedChecks,
				Duration:     duration.Round(time.Second).String(),
			}
			if err := s.store.SaveOutage(outage); err != nil {
				slog.Error("failed to save outage", "error", err)
			}
		}
	}

	if s.store != nil {
		if err := s.store.SaveSample(sample); err != nil {
			slog.Error("failed to save sample", "error", err)
		}
	}

	s.bus.Publish(models.NewEvent(models.EventComplete, map[string]any{
		"sample": sample,
	}))

	if s.hook != nil {
		s.hook.OnTestComplete(sample)
	}
}

func (s *Scheduler) onFailure(err error) {
	metrics.ObserveTest(metrics.ResultFailure)

	s.mu.Lock()
	s.outage.consecutiveFailures++
	s.outage.lastError = err.Error()
	failures := s.outage.consecutiveFailures
	declareOutage := failures == outageThreshold && !s.outage.active
	if declareOutage {
		s.outage.active = true
		s.outage.startedAt = time.Now()
	}
	scheduleRetry := failures < outageThreshold
	if scheduleRetry {
		s.retryTimer = time.AfterFunc(s.retryDelay, func() {
			select {
			case <-s.ctx.Done():
			default:
				s.RunTestWithRetry()
			}
		})
	}
	s.mu.Unlock()

	slog.Warn("speed test failed", "error", err, "consecutive_failures", failures)
	s.bus.Publish(models.NewEvent(models.EventError, map[string]any{
		"error":                err.Error(),
		"consecutive_failures": failures,
	}))

	if declareOutage {
		slog.Error("outage detected", "consecutive_failures", failures)
		metrics.SetOutageActive(true)
		s.bus.Publish(models.NewEvent(models.EventOutageDetected, map[string]any{
			"consecutive_failures": failures,
			"last_error":           err.Error(),
		}))
	}
	// Beyond the threshold no retry is scheduled; the next regular
	// interval fire probes the connection instead.
}

// Reschedule replaces the periodic timer's period without losing
// in-flight state.
func (s *Scheduler) Reschedule(intervalMinutes int) {
	interval := time.Duration(intervalMinutes) * time.Minute

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.interval = interval
	s.ticker.Reset(interval)
	s.nextRun = time.Now().Add(interval)
	s.mu.Unlock()

	metrics.SetInterval(intervalMinutes)
	slog.Info("scheduler rescheduled", "interval", interval)
}

// Stop halts the periodic timer and cancels any pending retry.
func (s *Scheduler) Stop() {
	s.cancel()

	s.mu.Lock()
	if s.ticker != nil {
		s.ticker.Stop()
	}
	if s.retryTimer != nil {
		s.retryTimer.Stop()
	}
	s.running = false
	s.mu.Unlock()

	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// IsRunning reports whether the periodic timer is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRunTime returns when the next scheduled fire is expected.
func (s *Scheduler) NextRunTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRun
}

// IntervalMinutes returns the active interval.
func (s *Scheduler) IntervalMinutes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.interval / time.Minute)
}

// OutageStatus returns a consistent snapshot of the outage state.
func (s *Scheduler) OutageStatus() models.OutageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := models.OutageStatus{
		Active:              s.outage.active,
		ConsecutiveFailures: s.outage.consecutiveFailures,
		LastError:           s.outage.lastError,
	}
	if s.outage.active {
		startedAt := s.outage.startedAt
		status.StartedAt = &startedAt
	}
	return status
}
