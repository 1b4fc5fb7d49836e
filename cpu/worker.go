// Package cpu implements the multi-worker CPU backend. Each worker owns one
// compartment of the universe and keeps its entities in its own ark world.
package cpu

import (
	"fmt"
	"sync/atomic"

	"github.com/mlange-42/ark/ecs"

	"github.com/pthm-cable/cellsim/components"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
	"github.com/pthm-cable/cellsim/systems"
)

// Emigrant is an entity that left its worker's compartment during a step.
// Exactly one of Particle and Cluster is set.
type Emigrant struct {
	Dest     int
	Pos      components.Position
	Vel      components.Velocity
	Rot      components.Rotation
	Particle *components.Particle
	Cluster  *components.Cluster
}

// Worker advances the entities of one compartment.
type Worker struct {
	comp      systems.Compartment
	partition *systems.Partition
	torus     space.Torus
	physics   systems.Physics

	world          *ecs.World
	particleMapper *ecs.Map3[components.Position, components.Velocity, components.Particle]
	clusterMapper  *ecs.Map4[components.Position, components.Velocity, components.Rotation, components.Cluster]
	particleFilter *ecs.Filter3[components.Position, components.Velocity, components.Particle]
	clusterFilter  *ecs.Filter4[components.Position, components.Velocity, components.Rotation, components.Cluster]

	outbox  []Emigrant
	leaving []ecs.Entity

	busy     atomic.Bool
	finished atomic.Uint64
}

// NewWorker creates an empty worker for compartment comp of partition.
func NewWorker(comp systems.Compartment, partition *systems.Partition, physics systems.Physics) *Worker {
	world := ecs.NewWorld()
	return &Worker{
		comp:           comp,
		partition:      partition,
		torus:          partition.Torus(),
		physics:        physics,
		world:          world,
		particleMapper: ecs.NewMap3[components.Position, components.Velocity, components.Particle](world),
		clusterMapper:  ecs.NewMap4[components.Position, components.Velocity, components.Rotation, components.Cluster](world),
		particleFilter: ecs.NewFilter3[components.Position, components.Velocity, components.Particle](world),
		clusterFilter:  ecs.NewFilter4[components.Position, components.Velocity, components.Rotation, components.Cluster](world),
	}
}

// Index returns the compartment index the worker owns.
func (w *Worker) Index() int { return w.comp.Index }

// Compartment returns the worker's compartment.
func (w *Worker) Compartment() systems.Compartment { return w.comp }

// Busy reports whether the worker is inside AdvanceOneTimestep.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Finished returns the number of timesteps the worker completed.
func (w *Worker) Finished() uint64 { return w.finished.Load() }

// Counts returns the number of particles and clusters the worker holds.
func (w *Worker) Counts() (particles, clusters int) {
	pq := w.particleFilter.Query()
	for pq.Next() {
		particles++
	}
	cq := w.clusterFilter.Query()
	for cq.Next() {
		clusters++
	}
	return particles, clusters
}

// AdvanceOneTimestep applies the update rule to every entity, wraps the
// result into the universe and moves every entity that left the compartment
// into the outbox.
func (w *Worker) AdvanceOneTimestep() error {
	w.busy.Store(true)
	defer w.busy.Store(false)

	w.outbox = w.outbox[:0]
	w.leaving = w.leaving[:0]

	err := w.advanceParticles()
	if err == nil {
		err = w.advanceClusters()
	}

	// Structural changes only after iteration. Entities already in the
	// outbox leave even when the step failed, since handoff delivers them.
	for _, e := range w.leaving {
		w.world.RemoveEntity(e)
	}
	if err != nil {
		return err
	}

	w.finished.Add(1)
	return nil
}

// advanceParticles moves every particle. A panic in the update rule is
// returned as an error so the query is released.
func (w *Worker) advanceParticles() (err error) {
	pq := w.particleFilter.Query()
	defer func() {
		if r := recover(); r != nil {
			pq.Close()
			err = fmt.Errorf("panic in particle update: %v", r)
		}
	}()
	for pq.Next() {
		pos, vel, p := pq.Get()
		if err := w.physics.Particle(pos, vel, p); err != nil {
			pq.Close()
			return fmt.Errorf("particle %d: %w", p.ID, err)
		}
		pos.Set(w.torus.CorrectPosition(pos.Vec()))
		if dest := w.partition.Owner(pos.Vec()); dest != w.comp.Index {
			pc := *p
			w.outbox = append(w.outbox, Emigrant{Dest: dest, Pos: *pos, Vel: *vel, Particle: &pc})
			w.leaving = append(w.leaving, pq.Entity())
		}
	}
	return nil
}

// advanceClusters moves every cluster and places its cells.
func (w *Worker) advanceClusters() (err error) {
	cq := w.clusterFilter.Query()
	defer func() {
		if r := recover(); r != nil {
			cq.Close()
			err = fmt.Errorf("panic in cluster update: %v", r)
		}
	}()
	for cq.Next() {
		pos, vel, rot, c := cq.Get()
		if err := w.physics.Cluster(pos, vel, rot, c); err != nil {
			cq.Close()
			return fmt.Errorf("cluster %d: %w", c.ID, err)
		}
		pos.Set(w.torus.CorrectPosition(pos.Vec()))
		systems.PlaceCells(w.torus, *pos, *rot, c)
		if dest := w.partition.Owner(pos.Vec()); dest != w.comp.Index {
			cc := *c
			w.outbox = append(w.outbox, Emigrant{Dest: dest, Pos: *pos, Vel: *vel, Rot: *rot, Cluster: &cc})
			w.leaving = append(w.leaving, cq.Entity())
		}
	}
	return nil
}

// Outbox returns the emigrants of the last step. The slice is reused by the
// next step.
func (w *Worker) Outbox() []Emigrant { return w.outbox }

// ClearOutbox forgets the emigrants after they were delivered.
func (w *Worker) ClearOutbox() {
	clear(w.outbox)
	w.outbox = w.outbox[:0]
}

// Accept inserts an emigrant delivered by the controller.
func (w *Worker) Accept(e Emigrant) {
	switch {
	case e.Particle != nil:
		w.particleMapper.NewEntity(&e.Pos, &e.Vel, e.Particle)
	case e.Cluster != nil:
		w.clusterMapper.NewEntity(&e.Pos, &e.Vel, &e.Rot, e.Cluster)
	}
}

// AddParticle inserts a particle from the flat layout.
func (w *Worker) AddParticle(p model.ParticleData) {
	pos := components.Position{X: p.Pos.X, Y: p.Pos.Y}
	vel := components.Velocity{X: p.Vel.X, Y: p.Vel.Y}
	w.particleMapper.NewEntity(&pos, &vel, &components.Particle{ID: p.ID, Energy: p.Energy})
}

// AddCluster inserts cluster ci of data together with its cells.
func (w *Worker) AddCluster(data *model.Data, ci int) {
	cd := &data.Clusters[ci]
	cells := data.ClusterCells(ci)

	c := components.Cluster{ID: cd.ID, Cells: make([]components.Cell, len(cells))}
	for j, cell := range cells {
		bonds := make([]int32, cell.NumConnections)
		for k, h := range cell.Connected() {
			bonds[k] = h - cd.CellStart
		}
		c.Cells[j] = components.Cell{
			ID:             cell.ID,
			Rel:            cell.RelPos,
			Abs:            cell.Pos,
			Energy:         cell.Energy,
			MaxConnections: cell.MaxConnections,
			Bonds:          bonds,
		}
	}
	pos := components.Position{X: cd.Pos.X, Y: cd.Pos.Y}
	vel := components.Velocity{X: cd.Vel.X, Y: cd.Vel.Y}
	rot := components.Rotation{Angle: cd.Angle, AngVel: cd.AngularVel}
	w.clusterMapper.NewEntity(&pos, &vel, &rot, &c)
}

// Gather appends every entity the worker holds to dst.
func (w *Worker) Gather(dst *model.Data) {
	pq := w.particleFilter.Query()
	for pq.Next() {
		pos, vel, p := pq.Get()
		dst.Particles = append(dst.Particles, model.ParticleData{
			ID:     p.ID,
			Pos:    pos.Vec(),
			Vel:    vel.Vec(),
			Energy: p.Energy,
		})
	}

	var cells []model.CellData
	cq := w.clusterFilter.Query()
	for cq.Next() {
		pos, vel, rot, c := cq.Get()
		cells = cells[:0]
		for _, cell := range c.Cells {
			cd := model.CellData{
				ID:             cell.ID,
				Pos:            cell.Abs,
				RelPos:         cell.Rel,
				Energy:         cell.Energy,
				MaxConnections: cell.MaxConnections,
				NumConnections: len(cell.Bonds),
			}
			copy(cd.Connections[:], cell.Bonds)
			cells = append(cells, cd)
		}
		dst.AddCluster(model.ClusterData{
			ID:         c.ID,
			Pos:        pos.Vec(),
			Vel:        vel.Vec(),
			Angle:      rot.Angle,
			AngularVel: rot.AngVel,
		}, cells)
	}
}

// Clear removes every entity.
func (w *Worker) Clear() {
	var all []ecs.Entity
	pq := w.particleFilter.Query()
	for pq.Next() {
		all = append(all, pq.Entity())
	}
	cq := w.clusterFilter.Query()
	for cq.Next() {
		all = append(all, cq.Entity())
	}
	for _, e := range all {
		w.world.RemoveEntity(e)
	}
}
