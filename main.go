package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pthm-cable/cellsim/config"
	"github.com/pthm-cable/cellsim/convert"
	"github.com/pthm-cable/cellsim/sim"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "Path to config.yaml (empty = use defaults)")
	backend := flag.String("backend", sim.BackendCPU, "Engine backend: cpu or device")
	kernel := flag.String("kernel", "", "Device kernel: host or opencl (empty = use config)")
	steps := flag.Int("steps", 300, "Timesteps to run")
	population := flag.Int("population", 1000, "Initial cluster count")
	particles := flag.Int("particles", 1000, "Initial particle count")
	seed := flag.Uint64("seed", 0, "RNG seed (0 = time-based)")
	outputDir := flag.String("output-dir", "", "Output directory for CSV logs and config snapshot")
	metricsAddr := flag.String("metrics-addr", "", "Listen address for /metrics (empty = use config)")

	flag.Parse()

	// Set up slog (JSON to stdout for structured logging)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := config.Init(*configPath); err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Cfg()
	if *kernel != "" {
		cfg.Device.Kernel = *kernel
		if err := cfg.Finalize(); err != nil {
			slog.Error("invalid kernel", "error", err)
			os.Exit(1)
		}
	}
	if *outputDir == "" {
		*outputDir = cfg.Telemetry.OutputDir
	}
	if *metricsAddr == "" {
		*metricsAddr = cfg.Metrics.Addr
	}

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = uint64(time.Now().UnixNano())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var reg *prometheus.Registry
	if *metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		srv := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		slog.Info("serving metrics", "addr", *metricsAddr)
	}

	opts := sim.Options{
		Backend:   *backend,
		Seed:      rngSeed,
		OutputDir: *outputDir,
		Logger:    logger,
	}
	if reg != nil {
		opts.Registerer = reg
	}

	s, err := sim.New(ctx, cfg, opts)
	if err != nil {
		slog.Error("failed to start simulation", "error", err)
		os.Exit(1)
	}
	defer s.Close()

	slog.Info("starting headless simulation",
		"backend", *backend,
		"seed", rngSeed,
		"steps", *steps,
		"population", *population,
		"particles", *particles,
	)

	if err := s.Populate(ctx, *population, *particles); err != nil {
		slog.Error("failed to populate", "error", err)
		return
	}
	start := time.Now()
	if err := s.Run(ctx, *steps); err != nil {
		slog.Error("run stopped", "timestep", s.Timestep(), "error", err)
		return
	}
	elapsed := time.Since(start)

	snap, err := s.Snapshot(ctx, convert.ResolveOptions{})
	if err != nil {
		slog.Error("failed to extract final state", "error", err)
		return
	}
	slog.Info("run complete",
		"timestep", s.Timestep(),
		"elapsed", elapsed.String(),
		"clusters", len(snap.Clusters),
		"cells", snap.NumCells(),
		"particles", len(snap.Particles),
	)
}
