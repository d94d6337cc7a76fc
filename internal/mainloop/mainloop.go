// Package mainloop is Leon's cross-thread dispatch substrate: a single
// cooperative event loop that owns every mutation of shared state (memory,
// task queue, supervisor tables, scheduler). External blocking producers —
// terminal reads, voice capture, the dashboard's WebSocket accept loop, chat
// bridge HTTP handlers — run on their own daemon goroutines and hand work to
// the loop via Submit; they never call a component operation directly.
//
// This mirrors the teacher's single-owner-goroutine-plus-mutex-guarded-struct
// shape (internal/kernel.Kernel, pkg/dispatch.Dispatcher), generalized from a
// story/build dispatch table to a generic func() thunk queue.
package mainloop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/leon-ai/leon/internal/logx"
)

// Future is the completion handle returned by Submit. A caller on another
// goroutine may Wait() for the submitted thunk to run and observe its error;
// it is safe to discard the Future and never wait on it ("fire and forget").
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the submitted thunk has run, or ctx is done, whichever
// comes first.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopHook is a callback a daemon thread registers at startup so Stop can
// signal it to unblock a pending read and exit. Hooks must return quickly;
// Stop waits at most the loop's graceful join window for all daemons.
type StopHook func()

// FlushHook is invoked during Stop to force a final, debounce-bypassing
// persistence flush (spec.md §4.1 step 5: "force-save memory with the
// bypass debounce flag"). Set via SetFlushHook once pkg/memory constructs
// its store against this loop.
type FlushHook func(ctx context.Context) error

type thunk struct {
	fn   func()
	done chan struct{}
}

// Loop is the single-goroutine cooperative scheduler. The zero value is not
// usable; construct with New.
type Loop struct {
	logger *logx.Logger

	thunks chan thunk

	mu         sync.Mutex
	periodic   map[int]context.CancelFunc
	nextTimer  int
	stopHooks  []StopHook
	flushHook  FlushHook
	daemonDone sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	started   chan struct{}
	stopped   chan struct{}

	// GracefulJoin is how long Stop waits for daemon goroutines registered
	// via RegisterDaemon to exit after their stop hook fires (default 2s,
	// per spec.md §4.1 step 4).
	GracefulJoin time.Duration
}

// New creates a Loop with a buffered thunk channel. bufSize bounds how many
// pending submissions may queue before Submit blocks its caller; 0 uses a
// sensible default.
func New(logger *logx.Logger, bufSize int) *Loop {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Loop{
		logger:       logger,
		thunks:       make(chan thunk, bufSize),
		periodic:     make(map[int]context.CancelFunc),
		started:      make(chan struct{}),
		stopped:      make(chan struct{}),
		GracefulJoin: 2 * time.Second,
	}
}

// Start runs the loop's drain goroutine. It returns immediately; the loop
// runs until Stop is called.
func (l *Loop) Start() {
	l.startOnce.Do(func() {
		close(l.started)
		go l.run()
	})
}

func (l *Loop) run() {
	for t := range l.thunks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("mainloop: thunk panicked: %v", r)
				}
				if t.done != nil {
					close(t.done)
				}
			}()
			t.fn()
		}()
	}
}

// Submit schedules fn to run on the loop's goroutine on its next tick and
// returns a Future the caller may await. Submissions from a single calling
// goroutine are observed on the loop in submission order (spec.md P5) because
// they traverse the same buffered channel via ordinary Go channel semantics.
func (l *Loop) Submit(fn func()) *Future {
	done := make(chan struct{})
	l.thunks <- thunk{fn: fn, done: done}
	return &Future{done: done}
}

// SubmitErr is Submit for thunks that report an error, captured on the
// returned Future.
func (l *Loop) SubmitErr(fn func() error) *Future {
	done := make(chan struct{})
	f := &Future{done: done}
	l.thunks <- thunk{fn: func() { f.err = fn() }, done: done}
	return f
}

// After schedules fn to be submitted to the loop once, after Δ elapses. The
// timer itself lives off-loop (time.AfterFunc's own goroutine) but does
// nothing except hand fn to Submit — it never mutates shared state directly,
// preserving the "no second mutator goroutine" invariant.
func (l *Loop) After(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, func() {
		l.Submit(fn)
	})
}

// Every registers fn to run on the loop at interval d, starting after the
// first interval elapses. It returns a cancel function; Stop also cancels
// every still-registered periodic task before anything else runs (spec.md
// §4.1 step 1).
func (l *Loop) Every(d time.Duration, fn func()) (cancel func()) {
	ctx, cancelCtx := context.WithCancel(context.Background())

	l.mu.Lock()
	id := l.nextTimer
	l.nextTimer++
	l.periodic[id] = cancelCtx
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Submit(fn)
			}
		}
	}()

	return func() {
		cancelCtx()
		l.mu.Lock()
		delete(l.periodic, id)
		l.mu.Unlock()
	}
}

// Sleep suspends the calling goroutine for d without hopping threads or
// touching loop state; it is a convenience for loop-submitted code that
// needs to wait out a short interval (e.g. a retry backoff) without blocking
// the loop itself — callers running ON the loop must never call this
// directly, only code that has already left the loop via a suspension point.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RegisterDaemon records a daemon goroutine's stop hook and increments the
// join wait-group; the daemon itself must call Done when it actually exits.
func (l *Loop) RegisterDaemon(hook StopHook) (done func()) {
	l.mu.Lock()
	l.stopHooks = append(l.stopHooks, hook)
	l.mu.Unlock()
	l.daemonDone.Add(1)
	return l.daemonDone.Done
}

// SetFlushHook installs the force-flush callback invoked during Stop.
func (l *Loop) SetFlushHook(hook FlushHook) {
	l.mu.Lock()
	l.flushHook = hook
	l.mu.Unlock()
}

// Stop executes the shutdown sequence from spec.md §4.1 and is idempotent —
// calling it twice performs the sequence once; the second call returns
// immediately. Any error during the sequence is logged, never propagated.
func (l *Loop) Stop(ctx context.Context) {
	l.stopOnce.Do(func() {
		defer close(l.stopped)

		// (1) cancel all scheduled periodic tasks.
		l.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(l.periodic))
		for _, c := range l.periodic {
			cancels = append(cancels, c)
		}
		l.periodic = make(map[int]context.CancelFunc)
		hooks := append([]StopHook(nil), l.stopHooks...)
		flush := l.flushHook
		l.mu.Unlock()
		for _, c := range cancels {
			c()
		}

		// (2) signal each daemon thread via its registered stop hook.
		for _, h := range hooks {
			func() {
				defer func() {
					if r := recover(); r != nil {
						l.logger.Error("mainloop: stop hook panicked: %v", r)
					}
				}()
				h()
			}()
		}

		// (3) drain any in-flight memory flush, (5) then force-save bypassing
		// debounce — both routed through the same flush hook, called with
		// force semantics by the caller's FlushHook implementation.
		if flush != nil {
			flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := flush(flushCtx); err != nil {
				l.logger.Error("mainloop: final flush failed: %v", err)
			}
			cancel()
		}

		// (4) wait up to GracefulJoin for daemon joins.
		joined := make(chan struct{})
		go func() {
			l.daemonDone.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(l.GracefulJoin):
			l.logger.Warn("mainloop: daemon join timed out after %s", l.GracefulJoin)
		}

		close(l.thunks)
	})
}

// Stopped returns a channel closed once Stop has completed its sequence.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// ErrNotStarted reports that an operation needed Start to have run. No Loop
// method returns it; Submit on a loop that was never started blocks once the
// thunk buffer is full.
var ErrNotStarted = fmt.Errorf("mainloop: not started")
