// Package model holds the dense flat layout of the canonical simulation state.
//
// Cells live in a single arena. Each cluster owns a contiguous range of that
// arena and every cell connection is an int32 handle into it. Handles are
// stable until Compact is called, which only happens inside an exclusive
// access window.
package model

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/space"
)

// MaxBonds is the hard upper bound on connections per cell slot.
const MaxBonds = 6

// NoHandle marks an unused connection slot.
const NoHandle int32 = -1

var (
	ErrBadHandle     = errors.New("connection handle out of range")
	ErrForeignBond   = errors.New("connection leaves the owning cluster")
	ErrAsymmetric    = errors.New("connection is not symmetric")
	ErrBondOverflow  = errors.New("too many connections")
	ErrBrokenCluster = errors.New("cluster cell range is inconsistent")
)

// ParticleData is a free particle.
type ParticleData struct {
	ID     uint64
	Pos    r2.Vec
	Vel    r2.Vec
	Energy float64
}

// CellData is one arena slot.
type CellData struct {
	ID             uint64
	Pos            r2.Vec // absolute, wrapped
	RelPos         r2.Vec // offset from the cluster center at angle zero
	Energy         float64
	MaxConnections int // 0 = not tracked
	NumConnections int
	Connections    [MaxBonds]int32
	Cluster        int32
}

// Connected returns the live connection handles of the cell.
func (c *CellData) Connected() []int32 {
	return c.Connections[:c.NumConnections]
}

// ClusterData is a rigid group of cells.
type ClusterData struct {
	ID         uint64
	Pos        r2.Vec
	Vel        r2.Vec
	Angle      float64 // radians
	AngularVel float64 // radians per timestep
	CellStart  int32
	NumCells   int32
}

// Data is the flat canonical state shared by both backends' access windows.
type Data struct {
	Clusters  []ClusterData
	Cells     []CellData
	Particles []ParticleData
}

// Clone returns a deep copy of d.
func (d *Data) Clone() *Data {
	out := &Data{
		Clusters:  make([]ClusterData, len(d.Clusters)),
		Cells:     make([]CellData, len(d.Cells)),
		Particles: make([]ParticleData, len(d.Particles)),
	}
	copy(out.Clusters, d.Clusters)
	copy(out.Cells, d.Cells)
	copy(out.Particles, d.Particles)
	return out
}

// Reset empties d while keeping its capacity.
func (d *Data) Reset() {
	d.Clusters = d.Clusters[:0]
	d.Cells = d.Cells[:0]
	d.Particles = d.Particles[:0]
}

// ClusterCells returns the arena slice owned by cluster ci.
func (d *Data) ClusterCells(ci int) []CellData {
	c := &d.Clusters[ci]
	return d.Cells[c.CellStart : c.CellStart+c.NumCells]
}

// AddCluster appends a cluster and its cells. Connections in cells are
// cluster-local indices (0..len(cells)-1) and are rebased to arena handles.
// Returns the index of the new cluster.
func (d *Data) AddCluster(c ClusterData, cells []CellData) int {
	ci := int32(len(d.Clusters))
	base := int32(len(d.Cells))
	c.CellStart = base
	c.NumCells = int32(len(cells))
	for _, cell := range cells {
		cell.Cluster = ci
		for k := 0; k < cell.NumConnections; k++ {
			cell.Connections[k] += base
		}
		for k := cell.NumConnections; k < MaxBonds; k++ {
			cell.Connections[k] = NoHandle
		}
		d.Cells = append(d.Cells, cell)
	}
	d.Clusters = append(d.Clusters, c)
	return int(ci)
}

// Compact drops every cluster for which keep returns false and rewrites
// handles so the arena stays dense.
func (d *Data) Compact(keep func(c *ClusterData) bool) {
	clusters := make([]ClusterData, 0, len(d.Clusters))
	cells := make([]CellData, 0, len(d.Cells))
	for i := range d.Clusters {
		c := d.Clusters[i]
		if !keep(&c) {
			continue
		}
		local := make([]CellData, c.NumCells)
		copy(local, d.Cells[c.CellStart:c.CellStart+c.NumCells])
		for j := range local {
			for k := 0; k < local[j].NumConnections; k++ {
				local[j].Connections[k] -= c.CellStart
			}
		}
		ci := int32(len(clusters))
		base := int32(len(cells))
		c.CellStart = base
		for j := range local {
			local[j].Cluster = ci
			for k := 0; k < local[j].NumConnections; k++ {
				local[j].Connections[k] += base
			}
		}
		cells = append(cells, local...)
		clusters = append(clusters, c)
	}
	d.Clusters = clusters
	d.Cells = cells
}

// PlaceCells recomputes absolute cell positions from cluster pose.
func (d *Data) PlaceCells(torus space.Torus) {
	for ci := range d.Clusters {
		c := &d.Clusters[ci]
		cells := d.Cells[c.CellStart : c.CellStart+c.NumCells]
		for j := range cells {
			cells[j].Pos = torus.CorrectPosition(r2.Add(c.Pos, r2.Rotate(cells[j].RelPos, c.Angle, r2.Vec{})))
		}
	}
}

// NumEntities returns clusters + particles.
func (d *Data) NumEntities() int {
	return len(d.Clusters) + len(d.Particles)
}

// Validate checks the arena invariants: cluster ranges tile the arena in
// order, connections stay inside their cluster and are symmetric.
func (d *Data) Validate() error {
	next := int32(0)
	for ci := range d.Clusters {
		c := &d.Clusters[ci]
		if c.CellStart != next || c.NumCells < 0 || int(c.CellStart+c.NumCells) > len(d.Cells) {
			return fmt.Errorf("cluster %d: %w", c.ID, ErrBrokenCluster)
		}
		next += c.NumCells
		end := c.CellStart + c.NumCells
		for h := c.CellStart; h < end; h++ {
			cell := &d.Cells[h]
			if cell.Cluster != int32(ci) {
				return fmt.Errorf("cell %d: %w", cell.ID, ErrBrokenCluster)
			}
			if cell.NumConnections > MaxBonds || cell.NumConnections < 0 {
				return fmt.Errorf("cell %d: %w", cell.ID, ErrBondOverflow)
			}
			for _, other := range cell.Connected() {
				if other < 0 || int(other) >= len(d.Cells) {
					return fmt.Errorf("cell %d: %w", cell.ID, ErrBadHandle)
				}
				if other < c.CellStart || other >= end {
					return fmt.Errorf("cell %d: %w", cell.ID, ErrForeignBond)
				}
				if !d.Cells[other].connectedTo(h) {
					return fmt.Errorf("cell %d -> %d: %w", cell.ID, d.Cells[other].ID, ErrAsymmetric)
				}
			}
		}
	}
	if int(next) != len(d.Cells) {
		return fmt.Errorf("arena has %d orphan cells: %w", len(d.Cells)-int(next), ErrBrokenCluster)
	}
	return nil
}

func (c *CellData) connectedTo(h int32) bool {
	for _, o := range c.Connected() {
		if o == h {
			return true
		}
	}
	return false
}
