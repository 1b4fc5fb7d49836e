package telemetry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"

	"github.com/pthm-cable/cellsim/config"
)

// CycleRecord is one row of cycles.csv.
type CycleRecord struct {
	Timestep  uint64 `csv:"timestep"`
	Clusters  int    `csv:"clusters"`
	Cells     int    `csv:"cells"`
	Particles int    `csv:"particles"`
	Handoffs  int    `csv:"handoffs"`
}

// OutputManager handles structured run output with CSV logging.
type OutputManager struct {
	dir       string
	cycleFile *os.File
	perfFile  *os.File

	// Track if headers have been written
	cycleHeaderWritten bool
	perfHeaderWritten  bool
}

// NewOutputManager creates a new output manager and initializes the output directory.
// Returns nil if dir is empty (output disabled).
func NewOutputManager(dir string) (*OutputManager, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	om := &OutputManager{dir: dir}

	f, err := os.Create(filepath.Join(dir, "cycles.csv"))
	if err != nil {
		return nil, fmt.Errorf("creating cycles.csv: %w", err)
	}
	om.cycleFile = f

	f, err = os.Create(filepath.Join(dir, "perf.csv"))
	if err != nil {
		om.cycleFile.Close()
		return nil, fmt.Errorf("creating perf.csv: %w", err)
	}
	om.perfFile = f

	return om, nil
}

// WriteConfig saves the effective configuration as YAML.
func (om *OutputManager) WriteConfig(cfg *config.Config) error {
	if om == nil {
		return nil
	}
	return cfg.WriteYAML(filepath.Join(om.dir, "config.yaml"))
}

// WriteCycle appends a record to cycles.csv.
func (om *OutputManager) WriteCycle(rec CycleRecord) error {
	if om == nil {
		return nil
	}
	if err := writeRecords(om.cycleFile, []CycleRecord{rec}, &om.cycleHeaderWritten); err != nil {
		return fmt.Errorf("writing cycle: %w", err)
	}
	return nil
}

// WritePerf appends a performance stats record to perf.csv.
func (om *OutputManager) WritePerf(stats PerfStats, windowEnd uint64) error {
	if om == nil {
		return nil
	}
	if err := writeRecords(om.perfFile, []PerfStatsCSV{stats.ToCSV(windowEnd)}, &om.perfHeaderWritten); err != nil {
		return fmt.Errorf("writing perf: %w", err)
	}
	return nil
}

// writeRecords writes the header with the first batch only.
func writeRecords[T any](f *os.File, records []T, headerWritten *bool) error {
	if !*headerWritten {
		if err := gocsv.Marshal(records, f); err != nil {
			return err
		}
		*headerWritten = true
		return nil
	}
	return gocsv.MarshalWithoutHeaders(records, f)
}

// Dir returns the output directory path.
func (om *OutputManager) Dir() string {
	if om == nil {
		return ""
	}
	return om.dir
}

// Close flushes and closes all output files.
func (om *OutputManager) Close() error {
	if om == nil {
		return nil
	}

	var firstErr error
	if om.cycleFile != nil {
		if err := om.cycleFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if om.perfFile != nil {
		if err := om.perfFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
