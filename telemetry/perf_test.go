package telemetry

import (
	"testing"
	"time"
)

func TestPerfCollector_BasicTiming(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartTick()
		pc.StartPhase(PhaseAdvance)
		time.Sleep(100 * time.Microsecond)
		pc.StartPhase(PhaseHandoff)
		time.Sleep(200 * time.Microsecond)
		pc.EndTick()
	}

	stats := pc.Stats()

	if stats.AvgTickDuration <= 0 {
		t.Error("expected positive average tick duration")
	}
	if stats.Samples != 5 {
		t.Errorf("samples = %d, want 5", stats.Samples)
	}
	if _, ok := stats.PhaseAvg[PhaseAdvance]; !ok {
		t.Error("expected advance phase to be tracked")
	}
	if _, ok := stats.PhaseAvg[PhaseHandoff]; !ok {
		t.Error("expected handoff phase to be tracked")
	}
	if stats.MinTickDuration > stats.AvgTickDuration || stats.AvgTickDuration > stats.MaxTickDuration {
		t.Errorf("expected min <= avg <= max, got %v %v %v", stats.MinTickDuration, stats.AvgTickDuration, stats.MaxTickDuration)
	}
}

func TestPerfCollector_RollingWindow(t *testing.T) {
	pc := NewPerfCollector(5)

	for i := 0; i < 10; i++ {
		pc.StartTick()
		pc.StartPhase(PhaseAdvance)
		time.Sleep(10 * time.Microsecond)
		pc.EndTick()
	}

	stats := pc.Stats()
	if stats.Samples != 5 {
		t.Errorf("samples = %d, want window size 5", stats.Samples)
	}
	if stats.TicksPerSecond <= 0 {
		t.Error("expected positive ticks per second")
	}
}

func TestPerfCollector_PhasePercentages(t *testing.T) {
	pc := NewPerfCollector(10)

	for i := 0; i < 5; i++ {
		pc.StartTick()
		pc.StartPhase("fast")
		time.Sleep(10 * time.Microsecond)
		pc.StartPhase("slow")
		time.Sleep(2 * time.Millisecond)
		pc.EndTick()
	}

	stats := pc.Stats()
	if stats.PhasePct["slow"] <= stats.PhasePct["fast"] {
		t.Errorf("expected slow phase (%v%%) > fast phase (%v%%)", stats.PhasePct["slow"], stats.PhasePct["fast"])
	}
}

func TestPerfCollector_EmptyStats(t *testing.T) {
	pc := NewPerfCollector(10)

	stats := pc.Stats()
	if stats.AvgTickDuration != 0 {
		t.Error("expected zero avg tick duration for empty collector")
	}
	if stats.PhaseAvg == nil || stats.PhasePct == nil {
		t.Error("expected non-nil phase maps")
	}
}

func TestPerfCollector_Nil(t *testing.T) {
	var pc *PerfCollector
	pc.StartTick()
	pc.StartPhase(PhaseResolve)
	pc.EndTick()
	if stats := pc.Stats(); stats.Samples != 0 {
		t.Errorf("nil collector reported %d samples", stats.Samples)
	}
}

func TestPerfStats_ToCSV(t *testing.T) {
	stats := PerfStats{
		AvgTickDuration: 2 * time.Millisecond,
		PhasePct:        map[string]float64{PhaseAdvance: 80, PhaseResolve: 5},
	}
	rec := stats.ToCSV(42)
	if rec.WindowEnd != 42 || rec.AvgTickUS != 2000 {
		t.Errorf("record = %+v", rec)
	}
	if rec.AdvancePct != 80 || rec.ResolvePct != 5 || rec.HandoffPct != 0 {
		t.Errorf("phase percentages = %+v", rec)
	}
}
