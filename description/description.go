// Package description defines the descriptive (graph-of-entities) layout
// exchanged with external callers: region snapshots and change sets.
package description

import (
	"gonum.org/v1/gonum/spatial/r2"
)

// Particle describes a free particle.
type Particle struct {
	ID     uint64
	Pos    r2.Vec
	Vel    r2.Vec
	Energy float64
}

// Cell describes one member of a cluster. Connections hold the ids of other
// cells of the same cluster.
type Cell struct {
	ID             uint64
	Pos            r2.Vec
	Energy         float64
	MaxConnections int
	Connections    []uint64
}

// Cluster describes a bonded group of cells.
type Cluster struct {
	ID         uint64
	Pos        r2.Vec
	Vel        r2.Vec
	Angle      float64
	AngularVel float64
	Cells      []Cell
}

// Snapshot is a point-in-time extract of a region. Producers never mutate a
// snapshot after handing it out.
type Snapshot struct {
	Clusters  []Cluster
	Particles []Particle
}

// Empty reports whether the snapshot holds no entities.
func (s Snapshot) Empty() bool {
	return len(s.Clusters) == 0 && len(s.Particles) == 0
}

// NumCells counts the cells of all clusters.
func (s Snapshot) NumCells() int {
	n := 0
	for i := range s.Clusters {
		n += len(s.Clusters[i].Cells)
	}
	return n
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{}
	if s.Particles != nil {
		out.Particles = append([]Particle(nil), s.Particles...)
	}
	if s.Clusters != nil {
		out.Clusters = make([]Cluster, len(s.Clusters))
		for i, c := range s.Clusters {
			out.Clusters[i] = c.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the cluster.
func (c Cluster) Clone() Cluster {
	out := c
	if c.Cells != nil {
		out.Cells = make([]Cell, len(c.Cells))
		for i, cell := range c.Cells {
			out.Cells[i] = cell
			if cell.Connections != nil {
				out.Cells[i].Connections = append([]uint64(nil), cell.Connections...)
			}
		}
	}
	return out
}

// CellIndex maps cell ids to (cluster, cell) positions inside a snapshot.
type CellIndex map[uint64][2]int

// IndexCells builds a CellIndex for s.
func (s Snapshot) IndexCells() CellIndex {
	idx := make(CellIndex, s.NumCells())
	for ci, c := range s.Clusters {
		for j, cell := range c.Cells {
			idx[cell.ID] = [2]int{ci, j}
		}
	}
	return idx
}

// Cell looks up a cell by id.
func (s Snapshot) Cell(idx CellIndex, id uint64) (Cell, bool) {
	at, ok := idx[id]
	if !ok {
		return Cell{}, false
	}
	return s.Clusters[at[0]].Cells[at[1]], true
}
