package systems

import (
	"errors"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/space"
)

func TestBuildPartitionSpreadsRemainder(t *testing.T) {
	p, err := BuildPartition(space.IntVec{X: 10, Y: 7}, space.IntVec{X: 3, Y: 2})
	if err != nil {
		t.Fatalf("BuildPartition: %v", err)
	}
	if p.Len() != 6 {
		t.Fatalf("Len = %d, want 6", p.Len())
	}

	wantCols := [][2]int{{0, 4}, {4, 7}, {7, 10}}
	wantRows := [][2]int{{0, 4}, {4, 7}}
	for i, c := range p.Compartments() {
		col, row := i%3, i/3
		if c.Index != i {
			t.Errorf("compartment %d has index %d", i, c.Index)
		}
		if c.Min.X != wantCols[col][0] || c.Max.X != wantCols[col][1] {
			t.Errorf("compartment %d x = [%d, %d), want %v", i, c.Min.X, c.Max.X, wantCols[col])
		}
		if c.Min.Y != wantRows[row][0] || c.Max.Y != wantRows[row][1] {
			t.Errorf("compartment %d y = [%d, %d), want %v", i, c.Min.Y, c.Max.Y, wantRows[row])
		}
	}

	// The grid must also pass custom tiling validation.
	if _, err := NewPartition(space.IntVec{X: 10, Y: 7}, p.Compartments()); err != nil {
		t.Errorf("grid compartments fail validation: %v", err)
	}
}

func TestBuildPartitionRejects(t *testing.T) {
	tests := []struct {
		name           string
		universe, grid space.IntVec
	}{
		{"zero universe", space.IntVec{X: 0, Y: 10}, space.IntVec{X: 1, Y: 1}},
		{"zero grid", space.IntVec{X: 10, Y: 10}, space.IntVec{X: 0, Y: 1}},
		{"too many columns", space.IntVec{X: 3, Y: 10}, space.IntVec{X: 4, Y: 1}},
		{"too many rows", space.IntVec{X: 10, Y: 3}, space.IntVec{X: 1, Y: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildPartition(tt.universe, tt.grid); !errors.Is(err, ErrBadGrid) {
				t.Errorf("err = %v, want ErrBadGrid", err)
			}
		})
	}
}

func TestNewPartitionValidatesTiling(t *testing.T) {
	universe := space.IntVec{X: 10, Y: 10}
	rect := func(x0, y0, x1, y1 int) Compartment {
		return Compartment{Min: space.IntVec{X: x0, Y: y0}, Max: space.IntVec{X: x1, Y: y1}}
	}

	tests := []struct {
		name  string
		comps []Compartment
		want  error
	}{
		{"valid L split", []Compartment{rect(0, 0, 4, 10), rect(4, 0, 10, 3), rect(4, 3, 10, 10)}, nil},
		{"gap", []Compartment{rect(0, 0, 4, 10), rect(4, 0, 10, 3)}, ErrTilingGap},
		{"empty", nil, ErrTilingGap},
		{"overlap", []Compartment{rect(0, 0, 5, 10), rect(4, 0, 10, 10)}, ErrTilingOverlap},
		{"outside", []Compartment{rect(0, 0, 11, 10)}, ErrOutOfUniverse},
		{"degenerate", []Compartment{rect(0, 0, 0, 10), rect(0, 0, 10, 10)}, ErrOutOfUniverse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPartition(universe, tt.comps)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOwner(t *testing.T) {
	grid, err := BuildPartition(space.IntVec{X: 600, Y: 300}, space.IntVec{X: 6, Y: 6})
	if err != nil {
		t.Fatal(err)
	}
	custom, err := NewPartition(space.IntVec{X: 600, Y: 300}, grid.Compartments())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		pos  r2.Vec
		want int
	}{
		{r2.Vec{X: 0, Y: 0}, 0},
		{r2.Vec{X: 99.999, Y: 49.999}, 0},
		{r2.Vec{X: 100, Y: 0}, 1},
		{r2.Vec{X: 599.5, Y: 299.5}, 35},
		{r2.Vec{X: -0.5, Y: 0}, 5},
		{r2.Vec{X: 600, Y: 300}, 0},
		{r2.Vec{X: 250, Y: 120}, 2*6 + 2},
	}
	for _, tt := range tests {
		if got := grid.Owner(tt.pos); got != tt.want {
			t.Errorf("grid Owner(%v) = %d, want %d", tt.pos, got, tt.want)
		}
		if got := custom.Owner(tt.pos); got != tt.want {
			t.Errorf("custom Owner(%v) = %d, want %d", tt.pos, got, tt.want)
		}
	}
}
