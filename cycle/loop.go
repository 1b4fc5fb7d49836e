// Package cycle drives an engine's timesteps and synchronization points on a
// single goroutine.
//
// Every cycle either advances one timestep or, when only a sync point was
// requested, leaves time where it is. After each successful cycle the loop
// runs its listeners on the loop goroutine; that is where access requests
// are resolved.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pthm-cable/cellsim/telemetry"
)

var (
	// ErrHalted is returned for timesteps requested after a step failed.
	ErrHalted = errors.New("engine halted after a failed timestep")
	// ErrStopped is returned when the loop stops before the work completes.
	ErrStopped = errors.New("engine loop stopped")
)

// StepFunc advances the engine to timestep t. It runs on the loop goroutine.
// It reports how many entities changed owner during the step.
type StepFunc func(ctx context.Context, t uint64) (handoffs int, err error)

// Options configures a Loop.
type Options struct {
	Logger  *slog.Logger
	Perf    *telemetry.PerfCollector
	Metrics *telemetry.Metrics
}

// Loop serializes timesteps and sync points.
type Loop struct {
	step    StepFunc
	logger  *slog.Logger
	perf    *telemetry.PerfCollector
	metrics *telemetry.Metrics

	mu         sync.Mutex
	queued     int    // timesteps requested but not started
	scheduled  uint64 // timestep the last queued step will reach
	syncWanted bool   // a sync point was requested
	timestep   uint64 // last completed timestep
	started    uint64 // cycles begun
	served     uint64 // number of the last cycle whose listeners ran
	handoffs   uint64 // total over all completed timesteps
	fault      error
	changed    chan struct{} // closed and replaced after every cycle
	listeners  []func()
	stepped    []func() // run only after a successful timestep
	running    bool
	stopped    chan struct{}

	wake   chan struct{}
	cancel context.CancelFunc
}

// New creates a loop around step. Call Start before requesting work.
func New(step StepFunc, opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		step:    step,
		logger:  logger,
		perf:    opts.Perf,
		metrics: opts.Metrics,
		changed: make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the loop goroutine. It exits when ctx is cancelled or Stop
// is called.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.stopped = make(chan struct{})
	go l.run(ctx, l.stopped)
}

// Stop ends the loop goroutine and waits for the current cycle to finish.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.cancel()
	stopped := l.stopped
	l.mu.Unlock()
	<-stopped
}

// OnSync registers fn to run on the loop goroutine after every cycle,
// including sync-only cycles that leave time where it is.
func (l *Loop) OnSync(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// OnTimestepComplete registers fn to run on the loop goroutine after every
// successful timestep, after the OnSync listeners. Sync-only cycles do not
// run it.
func (l *Loop) OnTimestepComplete(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stepped = append(l.stepped, fn)
}

// TriggerStep queues one timestep and returns immediately.
func (l *Loop) TriggerStep() {
	l.mu.Lock()
	if l.fault == nil {
		l.queued++
		l.scheduled++
	}
	l.mu.Unlock()
	l.poke()
}

// RequestSync asks for a sync point. If timesteps are queued the next one
// serves it; otherwise a cycle runs without advancing time.
func (l *Loop) RequestSync() {
	l.mu.Lock()
	l.syncWanted = true
	l.mu.Unlock()
	l.poke()
}

// Run queues n timesteps and waits until they completed, a step failed or
// ctx is done.
func (l *Loop) Run(ctx context.Context, n int) error {
	l.mu.Lock()
	if l.fault != nil {
		err := fmt.Errorf("%w: %w", ErrHalted, l.fault)
		l.mu.Unlock()
		return err
	}
	// A step in flight is no longer queued but not yet counted in timestep.
	l.scheduled += uint64(n)
	target := l.scheduled
	l.queued += n
	l.mu.Unlock()
	l.poke()

	for {
		l.mu.Lock()
		if l.timestep >= target {
			l.mu.Unlock()
			return nil
		}
		if l.fault != nil {
			err := l.fault
			l.mu.Unlock()
			return err
		}
		changed, stopped := l.changed, l.stopped
		l.mu.Unlock()

		select {
		case <-changed:
		case <-stopped:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Sync requests a sync point and waits until a cycle has served it.
func (l *Loop) Sync(ctx context.Context) error {
	l.mu.Lock()
	// Any cycle begun after this point sees the request.
	after := l.started
	l.syncWanted = true
	l.mu.Unlock()
	l.poke()

	for {
		l.mu.Lock()
		if l.served > after {
			l.mu.Unlock()
			return nil
		}
		changed, stopped := l.changed, l.stopped
		l.mu.Unlock()

		select {
		case <-changed:
		case <-stopped:
			return ErrStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Timestep returns the number of completed timesteps.
func (l *Loop) Timestep() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.timestep
}

// Handoffs returns the number of ownership changes over all completed
// timesteps.
func (l *Loop) Handoffs() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handoffs
}

// Fault returns the latched step error, if any.
func (l *Loop) Fault() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fault
}

// Changed returns a channel closed after the next cycle completes.
func (l *Loop) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Loop) poke() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) run(ctx context.Context, stopped chan struct{}) {
	defer func() {
		l.mu.Lock()
		l.running = false
		close(stopped)
		l.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
		for ctx.Err() == nil && l.cycle(ctx) {
		}
	}
}

// cycle runs at most one cycle and reports whether it did any work.
func (l *Loop) cycle(ctx context.Context) bool {
	l.mu.Lock()
	doStep := l.queued > 0 && l.fault == nil
	if !doStep && !l.syncWanted {
		l.queued = 0
		l.mu.Unlock()
		return false
	}
	if doStep {
		l.queued--
	}
	l.syncWanted = false
	l.started++
	n := l.started
	t := l.timestep + 1
	listeners := append([]func(){}, l.listeners...)
	if doStep {
		listeners = append(listeners, l.stepped...)
	}
	l.mu.Unlock()

	l.perf.StartTick()
	var stepErr error
	var handoffs int
	if doStep {
		start := time.Now()
		var err error
		handoffs, err = l.step(ctx, t)
		if err != nil {
			stepErr = err
			l.metrics.ObserveFault()
			l.logger.Error("timestep failed", "timestep", t, "error", err)
		} else {
			l.metrics.ObserveStep(time.Since(start), handoffs)
		}
	} else {
		l.metrics.ObserveSync()
	}

	if stepErr == nil {
		l.perf.StartPhase(telemetry.PhaseResolve)
		for _, fn := range listeners {
			fn()
		}
	}
	l.perf.EndTick()

	l.mu.Lock()
	if stepErr != nil {
		l.fault = stepErr
		l.queued = 0
		l.scheduled = l.timestep
		// Requests waiting on this cycle are served by a sync-only cycle.
		l.syncWanted = true
	} else {
		if doStep {
			l.timestep = t
			l.handoffs += uint64(handoffs)
		}
		l.served = n
	}
	close(l.changed)
	l.changed = make(chan struct{})
	l.mu.Unlock()
	return true
}
