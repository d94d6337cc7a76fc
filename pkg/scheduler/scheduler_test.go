package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leon-ai/leon/internal/config"
	"github.com/leon-ai/leon/internal/logx"
)

func newTestScheduler(t *testing.T, opts ...Option) *Scheduler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scheduler.json")
	s, err := Open(path, logx.NewLogger("test"), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAlertFiresAfterThreeConsecutiveFailures(t *testing.T) {
	var alerts int32
	s := newTestScheduler(t,
		WithRoutedHandler(func(ctx context.Context, j Job) error { return errors.New("boom") }),
		WithAlertFunc(func(ctx context.Context, name, lastErr string) { atomic.AddInt32(&alerts, 1) }),
	)
	if err := s.Register(config.JobDef{Name: "flaky", Cadence: "1ms", Command: "check-thing"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now()
	for i := 0; i < AlertThreshold; i++ {
		now = now.Add(time.Millisecond)
		s.Tick(context.Background(), now)
	}
	if got := atomic.LoadInt32(&alerts); got != 1 {
		t.Fatalf("expected exactly one alert after %d consecutive failures, got %d", AlertThreshold, got)
	}

	// Further failures must not re-fire the alert while still alerting.
	now = now.Add(time.Millisecond)
	s.Tick(context.Background(), now)
	if got := atomic.LoadInt32(&alerts); got != 1 {
		t.Fatalf("expected no additional alert, got %d", got)
	}
}

func TestSuccessResetsFailureCounter(t *testing.T) {
	fail := true
	s := newTestScheduler(t, WithRoutedHandler(func(ctx context.Context, j Job) error {
		if fail {
			return errors.New("boom")
		}
		return nil
	}))
	if err := s.Register(config.JobDef{Name: "job", Cadence: "1ms", Command: "do-thing"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Now()
	s.Tick(context.Background(), now.Add(time.Millisecond))
	fail = false
	s.Tick(context.Background(), now.Add(2*time.Millisecond))

	jobs := s.List()
	if jobs[0].ConsecutiveFailures != 0 {
		t.Fatalf("expected failure counter reset on success, got %+v", jobs[0])
	}
}

func TestSlowHandlerDoesNotExplodeBacklog(t *testing.T) {
	s := newTestScheduler(t, WithRoutedHandler(func(ctx context.Context, j Job) error { return nil }))
	if err := s.Register(config.JobDef{Name: "slow", Cadence: "1s", Command: "do-thing"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Simulate a handler invocation that took far longer than the cadence:
	// next_run_at must land at max(now, previous_next + cadence), not pile
	// up a backlog of immediately-due ticks.
	now := time.Now().Add(10 * time.Second)
	s.Tick(context.Background(), now)

	jobs := s.List()
	if jobs[0].NextRunAt.Before(now) {
		t.Fatalf("expected next_run_at >= now after a slow handler, got %v vs now %v", jobs[0].NextRunAt, now)
	}
}

func TestBuiltinJobDispatchesToBuiltinHandler(t *testing.T) {
	var builtinCalls, routedCalls int32
	s := newTestScheduler(t,
		WithBuiltinHandler(func(ctx context.Context, j Job) error {
			atomic.AddInt32(&builtinCalls, 1)
			return nil
		}),
		WithRoutedHandler(func(ctx context.Context, j Job) error {
			atomic.AddInt32(&routedCalls, 1)
			return nil
		}),
	)
	if err := s.Register(config.JobDef{Name: "heartbeat", Cadence: "1ms", Command: MakeBuiltinCommand("heartbeat")}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	s.Tick(context.Background(), time.Now().Add(time.Millisecond))
	if atomic.LoadInt32(&builtinCalls) != 1 || atomic.LoadInt32(&routedCalls) != 0 {
		t.Fatalf("expected builtin dispatch only, builtin=%d routed=%d", builtinCalls, routedCalls)
	}
}
