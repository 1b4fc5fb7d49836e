package space

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func TestCorrectPosition(t *testing.T) {
	torus := NewTorus(IntVec{X: 600, Y: 300})

	tests := []struct {
		name string
		in   r2.Vec
		want r2.Vec
	}{
		{"inside", r2.Vec{X: 10, Y: 20}, r2.Vec{X: 10, Y: 20}},
		{"past right edge", r2.Vec{X: 601, Y: 20}, r2.Vec{X: 1, Y: 20}},
		{"negative", r2.Vec{X: -1, Y: -2}, r2.Vec{X: 599, Y: 298}},
		{"exact edge", r2.Vec{X: 600, Y: 300}, r2.Vec{X: 0, Y: 0}},
		{"several laps", r2.Vec{X: 1850, Y: -610}, r2.Vec{X: 50, Y: 290}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := torus.CorrectPosition(tt.in)
			if math.Abs(got.X-tt.want.X) > 1e-9 || math.Abs(got.Y-tt.want.Y) > 1e-9 {
				t.Errorf("CorrectPosition(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestCorrectPositionTinyNegative(t *testing.T) {
	torus := NewTorus(IntVec{X: 600, Y: 300})
	got := torus.CorrectPosition(r2.Vec{X: -1e-17, Y: -1e-17})
	if got.X < 0 || got.X >= 600 || got.Y < 0 || got.Y >= 300 {
		t.Errorf("position %v escaped the universe", got)
	}
}

func TestCorrectDisplacement(t *testing.T) {
	torus := NewTorus(IntVec{X: 100, Y: 100})

	tests := []struct {
		in   r2.Vec
		want r2.Vec
	}{
		{r2.Vec{X: 10, Y: -10}, r2.Vec{X: 10, Y: -10}},
		{r2.Vec{X: 90, Y: 0}, r2.Vec{X: -10, Y: 0}},
		{r2.Vec{X: -95, Y: 60}, r2.Vec{X: 5, Y: -40}},
	}

	for _, tt := range tests {
		got := torus.CorrectDisplacement(tt.in)
		if math.Abs(got.X-tt.want.X) > 1e-9 || math.Abs(got.Y-tt.want.Y) > 1e-9 {
			t.Errorf("CorrectDisplacement(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestDistanceAcrossEdge(t *testing.T) {
	torus := NewTorus(IntVec{X: 100, Y: 100})
	d := torus.Distance(r2.Vec{X: 99.5, Y: 0}, r2.Vec{X: 0.5, Y: 0})
	if math.Abs(d-1) > 1e-9 {
		t.Errorf("distance across edge = %v, want 1", d)
	}
}

func TestCorrectIntPosition(t *testing.T) {
	torus := NewTorus(IntVec{X: 10, Y: 5})
	got := torus.CorrectIntPosition(IntVec{X: -1, Y: 12})
	if got != (IntVec{X: 9, Y: 2}) {
		t.Errorf("CorrectIntPosition = %v, want {9 2}", got)
	}
}

func TestIntRectContains(t *testing.T) {
	r := IntRect{Min: IntVec{X: 0, Y: 0}, Max: IntVec{X: 9, Y: 4}}
	if !r.Contains(IntVec{X: 9, Y: 4}) {
		t.Error("max corner should be contained")
	}
	if r.Contains(IntVec{X: 10, Y: 0}) {
		t.Error("point past max should not be contained")
	}
	if r.Width() != 10 || r.Height() != 5 {
		t.Errorf("size = %dx%d, want 10x5", r.Width(), r.Height())
	}
}
