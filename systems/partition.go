package systems

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/space"
)

var (
	ErrBadGrid       = errors.New("invalid compartment grid")
	ErrTilingGap     = errors.New("compartments leave part of the universe uncovered")
	ErrTilingOverlap = errors.New("compartments overlap")
	ErrOutOfUniverse = errors.New("compartment lies outside the universe")
)

// Compartment is the half-open rectangle [Min, Max) owned by one worker.
type Compartment struct {
	Index    int
	Min, Max space.IntVec
}

// Contains reports whether p lies in the compartment.
func (c Compartment) Contains(p space.IntVec) bool {
	return p.X >= c.Min.X && p.X < c.Max.X && p.Y >= c.Min.Y && p.Y < c.Max.Y
}

// Area returns the number of integer positions covered.
func (c Compartment) Area() int {
	return (c.Max.X - c.Min.X) * (c.Max.Y - c.Min.Y)
}

func (c Compartment) overlaps(o Compartment) bool {
	return c.Min.X < o.Max.X && o.Min.X < c.Max.X && c.Min.Y < o.Max.Y && o.Min.Y < c.Max.Y
}

// Partition maps universe positions to the compartment that owns them.
type Partition struct {
	torus space.Torus
	comps []Compartment

	// Grid partitions resolve owners by binary search over the column and
	// row edges. Custom tilings leave these nil and scan.
	colEdges []int
	rowEdges []int
}

// BuildPartition splits the universe into grid.X columns and grid.Y rows of
// near-equal size. The remainder goes to the leading columns and rows.
func BuildPartition(universe, grid space.IntVec) (*Partition, error) {
	if universe.X <= 0 || universe.Y <= 0 {
		return nil, fmt.Errorf("universe %dx%d: %w", universe.X, universe.Y, ErrBadGrid)
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.X > universe.X || grid.Y > universe.Y {
		return nil, fmt.Errorf("grid %dx%d for universe %dx%d: %w", grid.X, grid.Y, universe.X, universe.Y, ErrBadGrid)
	}

	colEdges := splitEdges(universe.X, grid.X)
	rowEdges := splitEdges(universe.Y, grid.Y)

	comps := make([]Compartment, 0, grid.X*grid.Y)
	for r := 0; r < grid.Y; r++ {
		for c := 0; c < grid.X; c++ {
			comps = append(comps, Compartment{
				Index: len(comps),
				Min:   space.IntVec{X: colEdges[c], Y: rowEdges[r]},
				Max:   space.IntVec{X: colEdges[c+1], Y: rowEdges[r+1]},
			})
		}
	}
	return &Partition{
		torus:    space.NewTorus(universe),
		comps:    comps,
		colEdges: colEdges,
		rowEdges: rowEdges,
	}, nil
}

// splitEdges returns n+1 edges splitting size into n near-equal spans.
func splitEdges(size, n int) []int {
	edges := make([]int, n+1)
	base, rem := size/n, size%n
	for i := 0; i < n; i++ {
		span := base
		if i < rem {
			span++
		}
		edges[i+1] = edges[i] + span
	}
	return edges
}

// NewPartition validates a custom tiling. The compartments must lie inside
// the universe, must not overlap and must cover it completely. Indices are
// reassigned to slice order.
func NewPartition(universe space.IntVec, comps []Compartment) (*Partition, error) {
	if universe.X <= 0 || universe.Y <= 0 {
		return nil, fmt.Errorf("universe %dx%d: %w", universe.X, universe.Y, ErrBadGrid)
	}
	out := make([]Compartment, len(comps))
	area := 0
	for i, c := range comps {
		if c.Min.X < 0 || c.Min.Y < 0 || c.Max.X > universe.X || c.Max.Y > universe.Y || c.Min.X >= c.Max.X || c.Min.Y >= c.Max.Y {
			return nil, fmt.Errorf("compartment %d [%v, %v): %w", i, c.Min, c.Max, ErrOutOfUniverse)
		}
		for j := 0; j < i; j++ {
			if c.overlaps(out[j]) {
				return nil, fmt.Errorf("compartments %d and %d: %w", j, i, ErrTilingOverlap)
			}
		}
		c.Index = i
		out[i] = c
		area += c.Area()
	}
	if area != universe.X*universe.Y {
		return nil, fmt.Errorf("covered %d of %d positions: %w", area, universe.X*universe.Y, ErrTilingGap)
	}
	return &Partition{torus: space.NewTorus(universe), comps: out}, nil
}

// Len returns the number of compartments.
func (p *Partition) Len() int { return len(p.comps) }

// Compartment returns compartment i.
func (p *Partition) Compartment(i int) Compartment { return p.comps[i] }

// Compartments returns a copy of all compartments.
func (p *Partition) Compartments() []Compartment {
	return append([]Compartment(nil), p.comps...)
}

// Torus returns the universe geometry.
func (p *Partition) Torus() space.Torus { return p.torus }

// Owner wraps pos into the universe and returns the index of the compartment
// containing it.
func (p *Partition) Owner(pos r2.Vec) int {
	ip := space.Truncate(p.torus.CorrectPosition(pos))
	if p.colEdges != nil {
		col := sort.SearchInts(p.colEdges, ip.X+1) - 1
		row := sort.SearchInts(p.rowEdges, ip.Y+1) - 1
		return row*(len(p.colEdges)-1) + col
	}
	for _, c := range p.comps {
		if c.Contains(ip) {
			return c.Index
		}
	}
	// Unreachable for a validated tiling.
	return 0
}
