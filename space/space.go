// Package space provides toroidal geometry for the simulation universe.
package space

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// IntVec is an integer position or size in universe coordinates.
type IntVec struct {
	X, Y int
}

// IntRect is an inclusive integer rectangle: both Min and Max are contained.
type IntRect struct {
	Min, Max IntVec
}

// Contains reports whether p lies inside the rectangle (bounds inclusive).
func (r IntRect) Contains(p IntVec) bool {
	return p.X >= r.Min.X && p.X <= r.Max.X && p.Y >= r.Min.Y && p.Y <= r.Max.Y
}

// Width returns the number of integer columns covered.
func (r IntRect) Width() int { return r.Max.X - r.Min.X + 1 }

// Height returns the number of integer rows covered.
func (r IntRect) Height() int { return r.Max.Y - r.Min.Y + 1 }

// Truncate converts a float position to integer coordinates the same way
// pixel lookups do (toward zero).
func Truncate(p r2.Vec) IntVec {
	return IntVec{X: int(p.X), Y: int(p.Y)}
}

// Torus wraps coordinates into a universe of the given size.
type Torus struct {
	Width, Height float64
}

// NewTorus creates a torus for an integer universe size.
func NewTorus(size IntVec) Torus {
	return Torus{Width: float64(size.X), Height: float64(size.Y)}
}

// Size returns the universe size as an integer vector.
func (t Torus) Size() IntVec {
	return IntVec{X: int(t.Width), Y: int(t.Height)}
}

// CorrectPosition wraps p into [0, Width) x [0, Height).
func (t Torus) CorrectPosition(p r2.Vec) r2.Vec {
	return r2.Vec{X: wrap(p.X, t.Width), Y: wrap(p.Y, t.Height)}
}

// CorrectIntPosition wraps an integer position into the universe.
func (t Torus) CorrectIntPosition(p IntVec) IntVec {
	w, h := int(t.Width), int(t.Height)
	return IntVec{X: ((p.X % w) + w) % w, Y: ((p.Y % h) + h) % h}
}

// CorrectDisplacement returns the shortest toroidal representation of d.
func (t Torus) CorrectDisplacement(d r2.Vec) r2.Vec {
	return r2.Vec{X: shortest(d.X, t.Width), Y: shortest(d.Y, t.Height)}
}

// Distance returns the shortest toroidal distance between a and b.
func (t Torus) Distance(a, b r2.Vec) float64 {
	return r2.Norm(t.CorrectDisplacement(r2.Sub(b, a)))
}

// wrap returns v mod size in [0, size).
func wrap(v, size float64) float64 {
	v = math.Mod(v, size)
	if v < 0 {
		v += size
	}
	// Adding size to a tiny negative remainder can round up to size itself.
	if v >= size {
		v -= size
	}
	return v
}

// shortest maps a displacement component into [-size/2, size/2].
func shortest(d, size float64) float64 {
	d = math.Mod(d, size)
	if d > size/2 {
		d -= size
	} else if d < -size/2 {
		d += size
	}
	return d
}
