// Package systems contains the per-timestep update rules and the spatial
// decomposition used by the CPU backend.
package systems

import (
	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/components"
	"github.com/pthm-cable/cellsim/space"
)

// Physics advances one entity by one timestep. Implementations must only
// touch the components they are handed; the caller wraps positions and
// places cells afterwards.
type Physics interface {
	Particle(pos *components.Position, vel *components.Velocity, p *components.Particle) error
	Cluster(pos *components.Position, vel *components.Velocity, rot *components.Rotation, c *components.Cluster) error
}

// FreeFlight moves every entity by its velocity and turns clusters by their
// angular velocity. No forces act.
type FreeFlight struct{}

// Particle implements Physics.
func (FreeFlight) Particle(pos *components.Position, vel *components.Velocity, _ *components.Particle) error {
	pos.X += vel.X
	pos.Y += vel.Y
	return nil
}

// Cluster implements Physics.
func (FreeFlight) Cluster(pos *components.Position, vel *components.Velocity, rot *components.Rotation, _ *components.Cluster) error {
	pos.X += vel.X
	pos.Y += vel.Y
	rot.Angle += rot.AngVel
	return nil
}

// PlaceCells refreshes the absolute position of every cell from the cluster
// pose.
func PlaceCells(torus space.Torus, pos components.Position, rot components.Rotation, c *components.Cluster) {
	center := pos.Vec()
	for i := range c.Cells {
		cell := &c.Cells[i]
		cell.Abs = torus.CorrectPosition(r2.Add(center, r2.Rotate(cell.Rel, rot.Angle, r2.Vec{})))
	}
}
