// Package sim wires an engine, the access bridge and telemetry into a
// headless run.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/access"
	"github.com/pthm-cable/cellsim/config"
	"github.com/pthm-cable/cellsim/convert"
	"github.com/pthm-cable/cellsim/cpu"
	"github.com/pthm-cable/cellsim/description"
	"github.com/pthm-cable/cellsim/device"
	"github.com/pthm-cable/cellsim/space"
	"github.com/pthm-cable/cellsim/systems"
	"github.com/pthm-cable/cellsim/telemetry"
)

// Backend names.
const (
	BackendCPU    = "cpu"
	BackendDevice = "device"
)

// Options holds run parameters that are not part of the config file.
type Options struct {
	Backend    string // cpu (default) | device
	Seed       uint64
	OutputDir  string                // empty disables CSV output
	Registerer prometheus.Registerer // nil disables metrics
	Logger     *slog.Logger
}

// engine is what a run needs from either backend.
type engine interface {
	access.Engine
	Start(ctx context.Context)
	Run(ctx context.Context, n int) error
	Timestep() uint64
	Handoffs() uint64
	Fault() error
}

// Sim is a running simulation.
type Sim struct {
	cfg    *config.Config
	eng    engine
	close  func() error
	access *access.Bridge
	conv   *convert.Converter

	perf    *telemetry.PerfCollector
	metrics *telemetry.Metrics
	output  *telemetry.OutputManager
	logger  *slog.Logger
	rng     *rand.Rand

	lastHandoffs uint64
}

// New builds and starts the engine selected by opts.Backend.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Sim, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sim{
		cfg:    cfg,
		logger: logger,
		perf:   telemetry.NewPerfCollector(cfg.Telemetry.PerfWindow),
		rng:    rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15)),
	}
	if opts.Registerer != nil {
		s.metrics = telemetry.NewMetrics(opts.Registerer, cfg.Metrics.Namespace)
	}

	torus := space.NewTorus(cfg.Derived.Universe)
	s.conv = convert.New(convert.Settings{
		Torus:                 torus,
		MaxBonds:              cfg.Cell.MaxBonds,
		MaxBondDistance:       cfg.Cell.MaxBondDistance,
		DefaultCellEnergy:     cfg.Cell.DefaultEnergy,
		DefaultParticleEnergy: cfg.Particle.DefaultEnergy,
	})

	switch opts.Backend {
	case "", BackendCPU:
		part, err := systems.BuildPartition(cfg.Derived.Universe, cfg.Derived.Grid)
		if err != nil {
			return nil, fmt.Errorf("building partition: %w", err)
		}
		ctrl := cpu.NewController(part, cpu.Options{Logger: logger, Perf: s.perf, Metrics: s.metrics})
		s.eng = ctrl
		s.close = func() error { ctrl.Stop(); return nil }
		logger.Info("cpu backend ready", "workers", part.Len(), "grid", fmt.Sprintf("%dx%d", cfg.Derived.Grid.X, cfg.Derived.Grid.Y))
	case BackendDevice:
		kernel, err := device.NewKernel(cfg.Device.Kernel, torus)
		if err != nil {
			return nil, fmt.Errorf("creating kernel: %w", err)
		}
		br := device.NewBridge(kernel, device.Options{Logger: logger, Perf: s.perf, Metrics: s.metrics})
		s.eng = br
		s.close = br.Close
		logger.Info("device backend ready", "kernel", kernel.Name())
	default:
		return nil, fmt.Errorf("unknown backend %q", opts.Backend)
	}

	s.access = access.NewBridge(s.eng, s.conv, access.Options{
		Palette: access.Palette(cfg.Derived.Palette),
		Logger:  logger,
		Metrics: s.metrics,
	})

	output, err := telemetry.NewOutputManager(opts.OutputDir)
	if err != nil {
		s.close()
		return nil, err
	}
	if err := output.WriteConfig(cfg); err != nil {
		output.Close()
		s.close()
		return nil, err
	}
	s.output = output

	s.eng.Start(ctx)
	return s, nil
}

// Access returns the request interface of the run.
func (s *Sim) Access() *access.Bridge { return s.access }

// Timestep returns the number of completed timesteps.
func (s *Sim) Timestep() uint64 { return s.eng.Timestep() }

// Populate adds random clusters (straight chains of one to four cells) and
// particles and waits until they are merged.
func (s *Sim) Populate(ctx context.Context, clusters, particles int) error {
	size := s.cfg.Derived.Universe
	randPos := func() r2.Vec {
		return r2.Vec{X: s.rng.Float64() * float64(size.X), Y: s.rng.Float64() * float64(size.Y)}
	}
	randVel := func() r2.Vec {
		return r2.Vec{X: s.rng.Float64()*2 - 1, Y: s.rng.Float64()*2 - 1}
	}

	var cs description.ChangeSet
	for i := 0; i < clusters; i++ {
		n := 1 + s.rng.IntN(4)
		c := description.Chain(randPos(), randVel(), n, 1, 1, 0)
		c.AngularVel = (s.rng.Float64()*2 - 1) * 0.05
		s.assignIDs(&c)
		cs.AddCluster(c)
	}
	for i := 0; i < particles; i++ {
		cs.AddParticle(description.Particle{Pos: randPos(), Vel: randVel()})
	}
	if _, err := s.access.SubmitChangeSet(cs).Wait(ctx); err != nil {
		return fmt.Errorf("submitting population: %w", err)
	}
	s.logger.Info("population added", "clusters", clusters, "particles", particles)
	return nil
}

// assignIDs replaces the cell ids of c with fresh ones, keeping its bonds.
func (s *Sim) assignIDs(c *description.Cluster) {
	ids := make(map[uint64]uint64, len(c.Cells))
	for i := range c.Cells {
		ids[c.Cells[i].ID] = s.conv.NextID()
	}
	for i := range c.Cells {
		cell := &c.Cells[i]
		cell.ID = ids[cell.ID]
		for k, other := range cell.Connections {
			cell.Connections[k] = ids[other]
		}
	}
}

// Run advances steps timesteps. Telemetry is flushed every
// telemetry.log_every timesteps and at the end.
func (s *Sim) Run(ctx context.Context, steps int) error {
	every := s.cfg.Telemetry.LogEvery
	if every <= 0 {
		every = steps
	}
	for done := 0; done < steps; {
		n := min(every, steps-done)
		if err := s.eng.Run(ctx, n); err != nil {
			return fmt.Errorf("running timesteps: %w", err)
		}
		done += n
		if err := s.flushTelemetry(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot extracts the whole universe.
func (s *Sim) Snapshot(ctx context.Context, opts convert.ResolveOptions) (description.Snapshot, error) {
	size := s.cfg.Derived.Universe
	rect := space.IntRect{Max: space.IntVec{X: size.X - 1, Y: size.Y - 1}}
	return s.access.RequestRegion(rect, opts).Wait(ctx)
}

// flushTelemetry records the entity counts and the perf window.
func (s *Sim) flushTelemetry(ctx context.Context) error {
	snap, err := s.Snapshot(ctx, convert.ResolveOptions{OmitConnections: true})
	if err != nil {
		return fmt.Errorf("sampling state: %w", err)
	}
	t := s.eng.Timestep()
	handoffs := s.eng.Handoffs()
	rec := telemetry.CycleRecord{
		Timestep:  t,
		Clusters:  len(snap.Clusters),
		Cells:     snap.NumCells(),
		Particles: len(snap.Particles),
		Handoffs:  int(handoffs - s.lastHandoffs),
	}
	s.lastHandoffs = handoffs
	s.metrics.SetEntities(rec.Clusters, rec.Cells, rec.Particles)

	perfStats := s.perf.Stats()
	if s.cfg.Telemetry.LogEvery > 0 {
		s.logger.Info("cycle", "timestep", t, "clusters", rec.Clusters, "cells", rec.Cells,
			"particles", rec.Particles, "handoffs", rec.Handoffs)
		perfStats.LogStats(s.logger)
	}
	if err := s.output.WriteCycle(rec); err != nil {
		s.logger.Error("failed to write cycle", "error", err)
	}
	if err := s.output.WritePerf(perfStats, t); err != nil {
		s.logger.Error("failed to write perf", "error", err)
	}
	return nil
}

// Close stops the engine and flushes output files.
func (s *Sim) Close() error {
	err := s.close()
	if oerr := s.output.Close(); err == nil {
		err = oerr
	}
	return err
}
