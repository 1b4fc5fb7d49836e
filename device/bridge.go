// Package device implements the accelerator backend. The canonical state
// lives in a Kernel's buffers; the bridge keeps a host mirror and hands it
// out in exclusive windows between launches.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/semaphore"

	"github.com/pthm-cable/cellsim/cycle"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/telemetry"
)

// Options configures a Bridge.
type Options struct {
	Logger  *slog.Logger
	Perf    *telemetry.PerfCollector
	Metrics *telemetry.Metrics
}

// Bridge serializes kernel launches and host access to the device state.
type Bridge struct {
	kernel Kernel
	loop   *cycle.Loop
	logger *slog.Logger
	perf   *telemetry.PerfCollector

	// sem is held across upload, launch and completion of every step and
	// across every access window. The fields below are guarded by it.
	sem    *semaphore.Weighted
	mirror model.Data
	stale  bool // device is ahead of the mirror
	dirty  bool // mirror was modified and must be uploaded
}

// NewBridge creates a bridge around kernel.
func NewBridge(kernel Kernel, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		kernel: kernel,
		logger: logger.With("kernel", kernel.Name()),
		perf:   opts.Perf,
		sem:    semaphore.NewWeighted(1),
	}
	b.loop = cycle.New(b.step, cycle.Options{Logger: b.logger, Perf: opts.Perf, Metrics: opts.Metrics})
	return b
}

// Start launches the bridge goroutine.
func (b *Bridge) Start(ctx context.Context) { b.loop.Start(ctx) }

// Stop ends the bridge goroutine.
func (b *Bridge) Stop() { b.loop.Stop() }

// Close stops the bridge and releases the kernel.
func (b *Bridge) Close() error {
	b.loop.Stop()
	return b.kernel.Close()
}

// TriggerStep queues one timestep and returns immediately. Completion is
// observed through OnTimestepComplete listeners.
func (b *Bridge) TriggerStep() { b.loop.TriggerStep() }

// Run runs n timesteps and waits for them.
func (b *Bridge) Run(ctx context.Context, n int) error { return b.loop.Run(ctx, n) }

// Sync serves a sync point without advancing time and waits for it.
func (b *Bridge) Sync(ctx context.Context) error { return b.loop.Sync(ctx) }

// RequestSync asks for a sync point and returns immediately.
func (b *Bridge) RequestSync() { b.loop.RequestSync() }

// OnSync registers fn to run on the bridge goroutine after every cycle,
// including sync-only cycles.
func (b *Bridge) OnSync(fn func()) { b.loop.OnSync(fn) }

// OnTimestepComplete registers fn to run after every successful timestep.
func (b *Bridge) OnTimestepComplete(fn func()) { b.loop.OnTimestepComplete(fn) }

// Timestep returns the number of completed timesteps.
func (b *Bridge) Timestep() uint64 { return b.loop.Timestep() }

// Handoffs is always zero: the device holds the whole universe.
func (b *Bridge) Handoffs() uint64 { return b.loop.Handoffs() }

// Fault returns the latched kernel error, if any.
func (b *Bridge) Fault() error { return b.loop.Fault() }

func (b *Bridge) step(ctx context.Context, t uint64) (int, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer b.sem.Release(1)

	if b.dirty {
		if err := b.kernel.Upload(&b.mirror); err != nil {
			return 0, fmt.Errorf("uploading state: %w", err)
		}
		b.dirty = false
	}
	b.perf.StartPhase(telemetry.PhaseAdvance)
	if err := b.kernel.Step(ctx); err != nil {
		return 0, fmt.Errorf("kernel step %d: %w", t, err)
	}
	b.stale = true
	return 0, nil
}

// Lock waits for any launch in flight and opens an exclusive window on the
// host mirror, downloading it first if the device moved on.
func (b *Bridge) Lock(ctx context.Context) (*model.Data, error) {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if b.stale {
		if err := b.kernel.Download(&b.mirror); err != nil {
			b.sem.Release(1)
			return nil, fmt.Errorf("downloading state: %w", err)
		}
		b.stale = false
	}
	return &b.mirror, nil
}

// Unlock closes the window. If modified, the mirror is uploaded before the
// next launch.
func (b *Bridge) Unlock(modified bool) {
	if modified {
		b.dirty = true
	}
	b.sem.Release(1)
}
