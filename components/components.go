// Package components defines ECS components for the simulation.
package components

import "gonum.org/v1/gonum/spatial/r2"

// Position represents an entity's world position.
type Position struct {
	X, Y float64
}

// Vec returns the position as a vector.
func (p Position) Vec() r2.Vec { return r2.Vec{X: p.X, Y: p.Y} }

// Set stores v.
func (p *Position) Set(v r2.Vec) { p.X, p.Y = v.X, v.Y }

// Velocity represents an entity's velocity in units per timestep.
type Velocity struct {
	X, Y float64
}

// Vec returns the velocity as a vector.
func (v Velocity) Vec() r2.Vec { return r2.Vec{X: v.X, Y: v.Y} }

// Rotation represents a cluster's orientation and angular velocity.
type Rotation struct {
	Angle  float64 // radians
	AngVel float64 // radians per timestep
}

// Particle marks a free particle entity.
type Particle struct {
	ID     uint64
	Energy float64
}

// Cluster marks a rigid cluster entity and carries its cells.
// Cells move with the cluster between workers as one unit.
type Cluster struct {
	ID    uint64
	Cells []Cell
}

// Cell is one member of a cluster.
type Cell struct {
	ID             uint64
	Rel            r2.Vec // offset from the cluster position at angle zero
	Abs            r2.Vec // wrapped absolute position, refreshed every timestep
	Energy         float64
	MaxConnections int
	Bonds          []int32 // indices into the owning Cluster.Cells
}
