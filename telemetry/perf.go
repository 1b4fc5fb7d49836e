package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// Phase names for one engine cycle.
const (
	PhaseAdvance = "advance" // workers or kernel integrate one timestep
	PhaseHandoff = "handoff" // emigrants move to their new owner
	PhaseResolve = "resolve" // access requests are served at the sync point
)

// Phases lists the cycle phases in execution order.
var Phases = []string{PhaseAdvance, PhaseHandoff, PhaseResolve}

// PerfSample holds timing data for a single cycle.
type PerfSample struct {
	TickDuration time.Duration
	Phases       map[string]time.Duration
}

// PerfCollector tracks performance metrics over a rolling window.
// A nil collector ignores every call.
type PerfCollector struct {
	mu            sync.Mutex
	windowSize    int
	samples       []PerfSample
	writeIndex    int
	sampleCount   int
	currentPhases map[string]time.Duration
	tickStart     time.Time
	phaseStart    time.Time
	lastPhase     string
}

// NewPerfCollector creates a new performance collector averaging over
// windowSize cycles.
func NewPerfCollector(windowSize int) *PerfCollector {
	if windowSize < 1 {
		windowSize = 60
	}
	return &PerfCollector{
		windowSize:    windowSize,
		samples:       make([]PerfSample, windowSize),
		currentPhases: make(map[string]time.Duration),
	}
}

// StartTick begins timing a new cycle.
func (p *PerfCollector) StartTick() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tickStart = time.Now()
	p.currentPhases = make(map[string]time.Duration)
	p.lastPhase = ""
}

// StartPhase begins timing a specific phase, ending the previous one.
func (p *PerfCollector) StartPhase(phase string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}
	p.phaseStart = now
	p.lastPhase = phase
}

// EndTick finishes timing the current cycle and records the sample.
func (p *PerfCollector) EndTick() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	if p.lastPhase != "" {
		p.currentPhases[p.lastPhase] += now.Sub(p.phaseStart)
	}

	p.samples[p.writeIndex] = PerfSample{
		TickDuration: now.Sub(p.tickStart),
		Phases:       p.currentPhases,
	}
	p.writeIndex = (p.writeIndex + 1) % p.windowSize
	if p.sampleCount < p.windowSize {
		p.sampleCount++
	}
	p.lastPhase = ""
}

// PerfStats holds aggregated performance statistics.
type PerfStats struct {
	Samples int

	AvgTickDuration time.Duration
	MinTickDuration time.Duration
	MaxTickDuration time.Duration
	StdTickDuration time.Duration

	// Phase breakdown (average durations)
	PhaseAvg map[string]time.Duration

	// Phase percentages of total cycle time
	PhasePct map[string]float64

	TicksPerSecond float64
}

// Stats computes aggregated statistics over the current window.
func (p *PerfCollector) Stats() PerfStats {
	empty := PerfStats{
		PhaseAvg: make(map[string]time.Duration),
		PhasePct: make(map[string]float64),
	}
	if p == nil {
		return empty
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sampleCount == 0 {
		return empty
	}

	ticks := make([]float64, p.sampleCount)
	phaseSum := make(map[string]time.Duration)
	minTick, maxTick := p.samples[0].TickDuration, p.samples[0].TickDuration
	for i := 0; i < p.sampleCount; i++ {
		s := p.samples[i]
		ticks[i] = float64(s.TickDuration)
		minTick = min(minTick, s.TickDuration)
		maxTick = max(maxTick, s.TickDuration)
		for phase, dur := range s.Phases {
			phaseSum[phase] += dur
		}
	}

	mean, std := stat.MeanStdDev(ticks, nil)
	if p.sampleCount == 1 {
		std = 0
	}
	avgTick := time.Duration(mean)

	stats := empty
	for phase, sum := range phaseSum {
		stats.PhaseAvg[phase] = sum / time.Duration(p.sampleCount)
		if avgTick > 0 {
			stats.PhasePct[phase] = float64(stats.PhaseAvg[phase]) / float64(avgTick) * 100
		}
	}
	stats.Samples = p.sampleCount
	stats.AvgTickDuration = avgTick
	stats.MinTickDuration = minTick
	stats.MaxTickDuration = maxTick
	stats.StdTickDuration = time.Duration(std)
	if avgTick > 0 {
		stats.TicksPerSecond = float64(time.Second) / float64(avgTick)
	}
	return stats
}

// LogStats logs performance statistics at info level.
func (s PerfStats) LogStats(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"avg_tick_us", s.AvgTickDuration.Microseconds(),
		"min_tick_us", s.MinTickDuration.Microseconds(),
		"max_tick_us", s.MaxTickDuration.Microseconds(),
		"std_tick_us", s.StdTickDuration.Microseconds(),
		"ticks_per_sec", int(s.TicksPerSecond),
	}
	for _, phase := range Phases {
		if pct, ok := s.PhasePct[phase]; ok && pct > 0.1 {
			attrs = append(attrs, phase+"_pct", float64(int(pct*10))/10.0)
		}
	}
	logger.Info("perf", attrs...)
}

// LogValue implements slog.LogValuer for structured logging.
func (s PerfStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("avg_tick_us", s.AvgTickDuration.Microseconds()),
		slog.Int64("min_tick_us", s.MinTickDuration.Microseconds()),
		slog.Int64("max_tick_us", s.MaxTickDuration.Microseconds()),
		slog.Float64("ticks_per_sec", s.TicksPerSecond),
	}
	for phase, pct := range s.PhasePct {
		attrs = append(attrs, slog.Float64(phase+"_pct", pct))
	}
	return slog.GroupValue(attrs...)
}

// PerfStatsCSV is a flat struct for CSV export of performance stats.
type PerfStatsCSV struct {
	WindowEnd   uint64  `csv:"window_end"`
	AvgTickUS   int64   `csv:"avg_tick_us"`
	MinTickUS   int64   `csv:"min_tick_us"`
	MaxTickUS   int64   `csv:"max_tick_us"`
	StdTickUS   int64   `csv:"std_tick_us"`
	TicksPerSec float64 `csv:"ticks_per_sec"`
	AdvancePct  float64 `csv:"advance_pct"`
	HandoffPct  float64 `csv:"handoff_pct"`
	ResolvePct  float64 `csv:"resolve_pct"`
}

// ToCSV converts PerfStats to a flat CSV-friendly struct.
func (s PerfStats) ToCSV(windowEnd uint64) PerfStatsCSV {
	return PerfStatsCSV{
		WindowEnd:   windowEnd,
		AvgTickUS:   s.AvgTickDuration.Microseconds(),
		MinTickUS:   s.MinTickDuration.Microseconds(),
		MaxTickUS:   s.MaxTickDuration.Microseconds(),
		StdTickUS:   s.StdTickDuration.Microseconds(),
		TicksPerSec: s.TicksPerSecond,
		AdvancePct:  s.PhasePct[PhaseAdvance],
		HandoffPct:  s.PhasePct[PhaseHandoff],
		ResolvePct:  s.PhasePct[PhaseResolve],
	}
}
