package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/pthm-cable/cellsim/cycle"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/systems"
	"github.com/pthm-cable/cellsim/telemetry"
)

// ErrHalted is returned for timesteps requested after a worker fault.
var ErrHalted = cycle.ErrHalted

// State is the controller's position in the timestep cycle.
type State int32

const (
	Idle     State = iota // between timesteps; sync points are served here
	Running               // workers are being dispatched
	Draining              // waiting for the last worker, then handing off
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Draining:
		return "draining"
	}
	return "unknown"
}

// WorkerFault is a failed or panicking worker step.
type WorkerFault struct {
	Worker   int
	Timestep uint64
	Err      error
}

func (f *WorkerFault) Error() string {
	return fmt.Sprintf("worker %d failed timestep %d: %v", f.Worker, f.Timestep, f.Err)
}

func (f *WorkerFault) Unwrap() error { return f.Err }

// Options configures a Controller.
type Options struct {
	Physics systems.Physics // defaults to systems.FreeFlight
	Logger  *slog.Logger
	Perf    *telemetry.PerfCollector
	Metrics *telemetry.Metrics
}

// Controller runs one worker per compartment in lock-step. Between
// timesteps it grants exclusive access to the whole state.
type Controller struct {
	partition *systems.Partition
	workers   []*Worker
	loop      *cycle.Loop
	logger    *slog.Logger
	perf      *telemetry.PerfCollector

	// gate is held for the whole timestep and for every access window.
	gate  sync.Mutex
	state atomic.Int32
	data  model.Data
}

// NewController creates a worker for every compartment of partition.
func NewController(partition *systems.Partition, opts Options) *Controller {
	physics := opts.Physics
	if physics == nil {
		physics = systems.FreeFlight{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		partition: partition,
		logger:    logger,
		perf:      opts.Perf,
	}
	for _, comp := range partition.Compartments() {
		c.workers = append(c.workers, NewWorker(comp, partition, physics))
	}
	c.loop = cycle.New(c.advance, cycle.Options{Logger: logger, Perf: opts.Perf, Metrics: opts.Metrics})
	return c
}

// Start launches the controller's loop goroutine.
func (c *Controller) Start(ctx context.Context) { c.loop.Start(ctx) }

// Stop ends the loop goroutine.
func (c *Controller) Stop() { c.loop.Stop() }

// TriggerTimestep runs one full cycle and waits for it: dispatch, barrier,
// handoff, completion notification.
func (c *Controller) TriggerTimestep(ctx context.Context) error {
	return c.loop.Run(ctx, 1)
}

// Run runs n timesteps back to back.
func (c *Controller) Run(ctx context.Context, n int) error {
	return c.loop.Run(ctx, n)
}

// Sync serves a sync point without advancing time and waits for it.
func (c *Controller) Sync(ctx context.Context) error { return c.loop.Sync(ctx) }

// RequestSync asks for a sync point and returns immediately.
func (c *Controller) RequestSync() { c.loop.RequestSync() }

// OnSync registers fn to run on the loop goroutine after every cycle,
// including sync-only cycles.
func (c *Controller) OnSync(fn func()) { c.loop.OnSync(fn) }

// OnTimestepComplete registers fn to run after every successful timestep.
func (c *Controller) OnTimestepComplete(fn func()) { c.loop.OnTimestepComplete(fn) }

// Handoffs returns the number of entities that changed worker so far.
func (c *Controller) Handoffs() uint64 { return c.loop.Handoffs() }

// Timestep returns the number of completed timesteps.
func (c *Controller) Timestep() uint64 { return c.loop.Timestep() }

// Fault returns the latched worker fault, if any.
func (c *Controller) Fault() error { return c.loop.Fault() }

// State returns the current cycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Workers returns the workers in compartment order.
func (c *Controller) Workers() []*Worker { return c.workers }

// advance is the loop's step function.
func (c *Controller) advance(ctx context.Context, t uint64) (int, error) {
	c.gate.Lock()
	defer c.gate.Unlock()

	c.state.Store(int32(Running))
	c.perf.StartPhase(telemetry.PhaseAdvance)

	var g errgroup.Group
	for _, w := range c.workers {
		g.Go(func() error { return c.runWorker(w, t) })
	}
	c.state.Store(int32(Draining))
	err := g.Wait()

	// Emigrants are delivered even after a fault so no entity is lost.
	c.perf.StartPhase(telemetry.PhaseHandoff)
	moved := c.handoff()
	c.state.Store(int32(Idle))

	if err != nil {
		return moved, err
	}
	c.logger.Debug("timestep complete", "timestep", t, "handoffs", moved)
	return moved, nil
}

// runWorker advances w and turns errors and panics into a WorkerFault.
func (c *Controller) runWorker(w *Worker, t uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &WorkerFault{Worker: w.Index(), Timestep: t, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := w.AdvanceOneTimestep(); err != nil {
		return &WorkerFault{Worker: w.Index(), Timestep: t, Err: err}
	}
	return nil
}

// handoff drains every outbox into the destination worker. It runs after
// the barrier, single-threaded, so each emigrant is inserted exactly once.
func (c *Controller) handoff() int {
	moved := 0
	for _, src := range c.workers {
		for _, e := range src.Outbox() {
			c.workers[e.Dest].Accept(e)
			moved++
		}
		src.ClearOutbox()
	}
	return moved
}

// Lock opens an exclusive access window and returns the gathered state.
// The returned data is only valid until Unlock.
func (c *Controller) Lock(ctx context.Context) (*model.Data, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.gate.Lock()
	c.data.Reset()
	for _, w := range c.workers {
		w.Gather(&c.data)
	}
	return &c.data, nil
}

// Unlock closes the access window. If modified, the data handed out by Lock
// replaces the workers' state, each entity going to the worker owning its
// position.
func (c *Controller) Unlock(modified bool) {
	defer c.gate.Unlock()
	if !modified {
		return
	}
	c.scatter(&c.data)
}

func (c *Controller) scatter(data *model.Data) {
	for _, w := range c.workers {
		w.Clear()
	}
	for _, p := range data.Particles {
		c.workers[c.partition.Owner(p.Pos)].AddParticle(p)
	}
	for ci := range data.Clusters {
		c.workers[c.partition.Owner(data.Clusters[ci].Pos)].AddCluster(data, ci)
	}
}
