// Package config provides configuration loading and access for the simulation.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"image/color"
	"math"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"gopkg.in/yaml.v3"

	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Config holds all simulation configuration parameters.
type Config struct {
	World     WorldConfig     `yaml:"world"`
	Workers   WorkersConfig   `yaml:"workers"`
	Cell      CellConfig      `yaml:"cell"`
	Particle  ParticleConfig  `yaml:"particle"`
	Access    AccessConfig    `yaml:"access"`
	Device    DeviceConfig    `yaml:"device"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Metrics   MetricsConfig   `yaml:"metrics"`

	// Derived values computed after loading
	Derived DerivedConfig `yaml:"-"`
}

// WorldConfig holds the universe dimensions.
type WorldConfig struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// WorkersConfig holds the CPU backend's compartment grid.
// A zero grid is derived from the host's physical core count.
type WorkersConfig struct {
	GridCols int `yaml:"grid_cols"`
	GridRows int `yaml:"grid_rows"`
}

// CellConfig holds bonding limits and defaults for cells.
type CellConfig struct {
	MaxBonds        int     `yaml:"max_bonds"`         // Default connection limit reported for untracked cells
	MaxBondDistance float64 `yaml:"max_bond_distance"` // Longest admissible bond
	DefaultEnergy   float64 `yaml:"default_energy"`    // Energy for added cells that specify none
}

// ParticleConfig holds particle defaults.
type ParticleConfig struct {
	DefaultEnergy float64 `yaml:"default_energy"`
}

// AccessConfig holds access bridge settings.
type AccessConfig struct {
	Palette PaletteConfig `yaml:"palette"`
}

// PaletteConfig holds raster colors as #rrggbb strings.
type PaletteConfig struct {
	Background string `yaml:"background"`
	Particle   string `yaml:"particle"`
	Cell       string `yaml:"cell"`
}

// DeviceConfig holds accelerator backend settings.
type DeviceConfig struct {
	Kernel string `yaml:"kernel"` // host | opencl
}

// TelemetryConfig holds perf and output parameters.
type TelemetryConfig struct {
	PerfWindow int    `yaml:"perf_window"` // Cycles averaged by the perf collector
	LogEvery   int    `yaml:"log_every"`   // Log perf stats every N timesteps (0 = never)
	OutputDir  string `yaml:"output_dir"`  // CSV output directory (empty = disabled)
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Addr      string `yaml:"addr"` // Listen address for /metrics (empty = disabled)
}

// DerivedConfig holds computed values derived from the loaded config.
type DerivedConfig struct {
	Universe space.IntVec // World size as a vector
	Grid     space.IntVec // Effective worker grid (cols, rows)
	Palette  Palette
}

// Palette holds parsed raster colors.
type Palette struct {
	Background color.RGBA
	Particle   color.RGBA
	Cell       color.RGBA
}

// global holds the loaded configuration.
var global *Config

// Init loads configuration from the given path, or uses embedded defaults if path is empty.
// Must be called before Cfg().
func Init(path string) error {
	cfg, err := Load(path)
	if err != nil {
		return err
	}
	global = cfg
	return nil
}

// MustInit is like Init but panics on error.
func MustInit(path string) {
	if err := Init(path); err != nil {
		panic(fmt.Sprintf("config: failed to initialize: %v", err))
	}
}

// Cfg returns the global configuration. Panics if Init was not called.
func Cfg() *Config {
	if global == nil {
		panic("config: Cfg() called before Init()")
	}
	return global
}

// Defaults returns a fresh copy of the embedded defaults.
func Defaults() *Config {
	cfg, err := Load("")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults are invalid: %v", err))
	}
	return cfg
}

// Load loads configuration from a YAML file, merging with embedded defaults.
// If path is empty, only embedded defaults are used.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(defaultsYAML, cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Unmarshal into same struct - only overwrites fields present in file
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize validates the config and recomputes derived values. Call it after
// changing fields programmatically.
func (c *Config) Finalize() error {
	if err := c.Validate(); err != nil {
		return err
	}
	return c.computeDerived()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.World.Width <= 0 || c.World.Height <= 0 {
		errs = append(errs, fmt.Errorf("world size %dx%d must be positive", c.World.Width, c.World.Height))
	}
	if c.Workers.GridCols < 0 || c.Workers.GridRows < 0 {
		errs = append(errs, errors.New("worker grid must not be negative"))
	}
	if c.Cell.MaxBonds < 0 || c.Cell.MaxBonds > model.MaxBonds {
		errs = append(errs, fmt.Errorf("cell.max_bonds %d outside [0, %d]", c.Cell.MaxBonds, model.MaxBonds))
	}
	if c.Cell.MaxBondDistance <= 0 {
		errs = append(errs, errors.New("cell.max_bond_distance must be positive"))
	}
	switch c.Device.Kernel {
	case "host", "opencl":
	default:
		errs = append(errs, fmt.Errorf("device.kernel %q is not one of host, opencl", c.Device.Kernel))
	}
	return errors.Join(errs...)
}

// computeDerived calculates values derived from loaded config.
func (c *Config) computeDerived() error {
	c.Derived.Universe = space.IntVec{X: c.World.Width, Y: c.World.Height}

	cols, rows := c.Workers.GridCols, c.Workers.GridRows
	if cols == 0 || rows == 0 {
		cols, rows = gridForCores(hostCores(), c.World.Width, c.World.Height)
	}
	c.Derived.Grid = space.IntVec{X: cols, Y: rows}

	var err error
	if c.Derived.Palette.Background, err = parseHexColor(c.Access.Palette.Background); err != nil {
		return fmt.Errorf("access.palette.background: %w", err)
	}
	if c.Derived.Palette.Particle, err = parseHexColor(c.Access.Palette.Particle); err != nil {
		return fmt.Errorf("access.palette.particle: %w", err)
	}
	if c.Derived.Palette.Cell, err = parseHexColor(c.Access.Palette.Cell); err != nil {
		return fmt.Errorf("access.palette.cell: %w", err)
	}
	return nil
}

// hostCores returns the physical core count, falling back to GOMAXPROCS.
func hostCores() int {
	n, err := cpu.Counts(false)
	if err != nil || n < 1 {
		return runtime.GOMAXPROCS(0)
	}
	return n
}

// gridForCores picks a cols x rows grid with about n compartments whose
// aspect follows the universe.
func gridForCores(n, width, height int) (int, int) {
	if n < 1 {
		n = 1
	}
	aspect := float64(width) / float64(height)
	cols := int(math.Round(math.Sqrt(float64(n) * aspect)))
	cols = max(1, min(cols, n, width))
	rows := max(1, min(n/cols, height))
	return cols, rows
}

// parseHexColor parses #rrggbb.
func parseHexColor(s string) (color.RGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 {
		return color.RGBA{}, fmt.Errorf("color %q is not #rrggbb", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("color %q: %w", s, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
