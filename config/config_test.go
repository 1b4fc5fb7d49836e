package config

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Derived.Universe.X != 600 || cfg.Derived.Universe.Y != 300 {
		t.Errorf("universe = %v, want 600x300", cfg.Derived.Universe)
	}
	if cfg.Derived.Grid.X != 6 || cfg.Derived.Grid.Y != 6 {
		t.Errorf("grid = %v, want 6x6", cfg.Derived.Grid)
	}
	want := color.RGBA{R: 0x00, G: 0x00, B: 0x1b, A: 0xff}
	if cfg.Derived.Palette.Background != want {
		t.Errorf("background = %v, want %v", cfg.Derived.Palette.Background, want)
	}
	if cfg.Derived.Palette.Particle != (color.RGBA{R: 0x90, G: 0x20, B: 0x20, A: 0xff}) {
		t.Errorf("particle color = %v", cfg.Derived.Palette.Particle)
	}
}

func TestLoadOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("world:\n  width: 100\nworkers:\n  grid_cols: 2\n  grid_rows: 1\n")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.World.Width != 100 || cfg.World.Height != 300 {
		t.Errorf("world = %dx%d, want 100x300", cfg.World.Width, cfg.World.Height)
	}
	if cfg.Derived.Grid.X != 2 || cfg.Derived.Grid.Y != 1 {
		t.Errorf("grid = %v, want 2x1", cfg.Derived.Grid)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero width", func(c *Config) { c.World.Width = 0 }},
		{"too many bonds", func(c *Config) { c.Cell.MaxBonds = 99 }},
		{"bad kernel", func(c *Config) { c.Device.Kernel = "cuda" }},
		{"bad color", func(c *Config) { c.Access.Palette.Cell = "white" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			if err := cfg.Finalize(); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestGridForCores(t *testing.T) {
	tests := []struct {
		n, w, h    int
		cols, rows int
	}{
		{1, 600, 300, 1, 1},
		{8, 600, 300, 4, 2},
		{4, 100, 100, 2, 2},
		{16, 2, 2, 2, 2},
	}
	for _, tt := range tests {
		cols, rows := gridForCores(tt.n, tt.w, tt.h)
		if cols != tt.cols || rows != tt.rows {
			t.Errorf("gridForCores(%d, %d, %d) = %dx%d, want %dx%d", tt.n, tt.w, tt.h, cols, rows, tt.cols, tt.rows)
		}
	}
}

func TestAutoGrid(t *testing.T) {
	cfg := Defaults()
	cfg.Workers.GridCols = 0
	if err := cfg.Finalize(); err != nil {
		t.Fatal(err)
	}
	if cfg.Derived.Grid.X < 1 || cfg.Derived.Grid.Y < 1 {
		t.Errorf("auto grid = %v, want positive", cfg.Derived.Grid)
	}
}

func TestWriteYAMLRoundTrip(t *testing.T) {
	cfg := Defaults()
	cfg.World.Width = 123
	path := filepath.Join(t.TempDir(), "snap.yaml")
	if err := cfg.WriteYAML(path); err != nil {
		t.Fatal(err)
	}
	back, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if back.World.Width != 123 {
		t.Errorf("width = %d, want 123", back.World.Width)
	}
}
