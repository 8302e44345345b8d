package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedwatch/internal/models"
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

type fakeRunner struct {
	mu    sync.Mutex
	calls int
	fn    func(call int) (models.Sample, error)
}

func (r *fakeRunner) RunTest(ctx context.Context, serverID string) (models.Sample, error) {
	r.mu.Lock()
	r.calls++
	call := r.calls
	fn := r.fn
	r.mu.Unlock()
	return fn(call)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type captureHook struct {
	mu      sync.Mutex
	samples []models.Sample
}

func (h *captureHook) OnTestComplete(sample models.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = append(h.samples, sample)
}

func goodSample() models.Sample {
	return models.Sample{ID: "t1", Timestamp: time.Now(), DownloadMbps: 500, UploadMbps: 50, PingMs: 10}
}

func TestSuccessResetsFailuresAndCallsHook(t *testing.T) {
	bus := &captureBus{}
	hook := &captureHook{}
	runner := &fakeRunner{fn: func(call int) (models.Sample, error) {
		if call == 1 {
			return models.Sample{}, errors.New("dns failure")
		}
		return goodSample(), nil
	}}
	s := New(runner, bus, nil, "")
	s.retryDelay = time.Hour // keep retries out of this test
	defer s.Stop()
	s.SetCompletionHook(hook)

	s.RunTestWithRetry()
	assert.Equal(t, 1, s.OutageStatus().ConsecutiveFailures)

	s.RunTestWithRetry()
	status := s.OutageStatus()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.False(t, status.Active)

	hook.mu.Lock()
	defer hook.mu.Unlock()
	require.Len(t, hook.samples, 1)
	assert.Equal(t, "t1", hook.samples[0].ID)
}

func TestThreeFailuresDeclareOneOutage(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		return models.Sample{}, errors.New("timeout")
	}}
	s := New(runner, bus, nil, "")
	s.retryDelay = 5 * time.Millisecond
	defer s.Stop()

	s.RunTestWithRetry()

	// Two retries fire on the one-shot timer; the third failure declares
	// the outage and schedules nothing further.
	require.Eventually(t, func() bool {
		return s.OutageStatus().Active
	}, 2*time.Second, 5*time.Millisecond)

	assert.Eventually(t, func() bool {
		return runner.callCount() == 3
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, runner.callCount(), "no retry beyond the third failure")

	detected := bus.byType(models.EventOutageDetected)
	require.Len(t, detected, 1, "exactly one outage_detected")
	assert.Equal(t, 3, detected[0].Payload["consecutive_failures"])
	assert.Equal(t, "timeout", detected[0].Payload["last_error"])

	status := s.OutageStatus()
	assert.True(t, status.Active)
	require.NotNil(t, status.StartedAt)
	assert.Equal(t, "timeout", status.LastError)
}

func TestOutageResolvedOnNextSuccess(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(call int) (models.Sample, error) {
		if call <= 3 {
			return models.Sample{}, errors.New("no route to host")
		}
		return goodSample(), nil
	}}
	s := New(runner, bus, nil, "")
	s.retryDelay = 5 * time.Millisecond
	defer s.Stop()

	s.RunTestWithRetry()
	require.Eventually(t, func() bool {
		return s.OutageStatus().Active
	}, 2*time.Second, 5*time.Millisecond)

	// The next regular fire succeeds and resolves the outage.
	s.RunTestWithRetry()

	resolved := bus.byType(models.EventOutageResolved)
	require.Len(t, resolved, 1, "exactly one outage_resolved")
	assert.Equal(t, 3, resolved[0].Payload["consecutive_failures"])
	duration, ok := resolved[0].Payload["duration_seconds"].(float64)
	require.True(t, ok)
	assert.GreaterOrEqual(t, duration, 0.0)

	status := s.OutageStatus()
	assert.False(t, status.Active)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Nil(t, status.StartedAt)
}

func TestSingleFlightGuardDropsConcurrentFire(t *testing.T) {
	bus := &captureBus{}
	release := make(chan struct{})
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		<-release
		return goodSample(), nil
	}}
	s := New(runner, bus, nil, "")
	defer s.Stop()

	done := make(chan struct{})
	go func() {
		s.RunTestWithRetry()
		close(done)
	}()

	require.Eventually(t, func() bool {
		return runner.callCount() == 1
	}, 2*time.Second, time.Millisecond)

	// A fire while a test is in flight is a no-op, not queued.
	s.RunTestWithRetry()
	assert.Equal(t, 1, runner.callCount())

	close(release)
	<-done
	assert.Equal(t, 1, runner.callCount())
	assert.Len(t, bus.byType(models.EventComplete), 1)
}

func TestCompleteEventCarriesSample(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		return goodSample(), nil
	}}
	s := New(runner, bus, nil, "")
	defer s.Stop()

	s.RunTestWithRetry()

	started := bus.byType(models.EventStarted)
	complete := bus.byType(models.EventComplete)
	require.Len(t, started, 1)
	require.Len(t, complete, 1)

	sample, ok := complete[0].Payload["sample"].(models.Sample)
	require.True(t, ok)
	assert.Equal(t, 500.0, sample.DownloadMbps)
}

func TestFailureEmitsErrorEvent(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		return models.Sample{}, errors.New("parse failure")
	}}
	s := New(runner, bus, nil, "")
	s.retryDelay = time.Hour
	defer s.Stop()

	s.RunTestWithRetry()

	errs := bus.byType(models.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, "parse failure", errs[0].Payload["error"])
	assert.Empty(t, bus.byType(models.EventOutageDetected))
}

func TestStopCancelsPendingRetry(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		return models.Sample{}, errors.New("timeout")
	}}
	s := New(runner, bus, nil, "")
	s.retryDelay = 50 * time.Millisecond

	s.RunTestWithRetry()
	require.Equal(t, 1, runner.callCount())

	s.Stop()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, runner.callCount(), "retry must not fire after Stop")
}

func TestRescheduleUpdatesInterval(t *testing.T) {
	bus := &captureBus{}
	runner := &fakeRunner{fn: func(int) (models.Sample, error) {
		return goodSample(), nil
	}}
	s := New(runner, bus, nil, "")
	s.Start(30)
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runner.callCount() >= 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 30, s.IntervalMinutes())
	assert.True(t, s.IsRunning())

	s.Reschedule(5)
	assert.Equal(t, 5, s.IntervalMinutes())
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), s.NextRunTime(), time.Second)
}
