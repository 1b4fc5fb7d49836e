package description

import "gonum.org/v1/gonum/spatial/r2"

// ChangeKind says what a change entry does.
type ChangeKind uint8

const (
	Added ChangeKind = iota
	Updated
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// ClusterChange adds, replaces or removes one cluster. For Removed only
// Cluster.ID is read.
type ClusterChange struct {
	Kind    ChangeKind
	Cluster Cluster
}

// ParticleChange adds, replaces or removes one particle.
type ParticleChange struct {
	Kind     ChangeKind
	Particle Particle
}

// ChangeSet is a batch diff applied at a synchronization point.
type ChangeSet struct {
	Clusters  []ClusterChange
	Particles []ParticleChange
}

// Empty reports whether the change set contains nothing.
func (cs ChangeSet) Empty() bool {
	return len(cs.Clusters) == 0 && len(cs.Particles) == 0
}

// AddCluster appends a cluster addition.
func (cs *ChangeSet) AddCluster(c Cluster) *ChangeSet {
	cs.Clusters = append(cs.Clusters, ClusterChange{Kind: Added, Cluster: c})
	return cs
}

// UpdateCluster replaces the cluster with the same id.
func (cs *ChangeSet) UpdateCluster(c Cluster) *ChangeSet {
	cs.Clusters = append(cs.Clusters, ClusterChange{Kind: Updated, Cluster: c})
	return cs
}

// RemoveCluster removes the cluster with the given id.
func (cs *ChangeSet) RemoveCluster(id uint64) *ChangeSet {
	cs.Clusters = append(cs.Clusters, ClusterChange{Kind: Removed, Cluster: Cluster{ID: id}})
	return cs
}

// AddParticle appends a particle addition.
func (cs *ChangeSet) AddParticle(p Particle) *ChangeSet {
	cs.Particles = append(cs.Particles, ParticleChange{Kind: Added, Particle: p})
	return cs
}

// UpdateParticle replaces the particle with the same id.
func (cs *ChangeSet) UpdateParticle(p Particle) *ChangeSet {
	cs.Particles = append(cs.Particles, ParticleChange{Kind: Updated, Particle: p})
	return cs
}

// RemoveParticle removes the particle with the given id.
func (cs *ChangeSet) RemoveParticle(id uint64) *ChangeSet {
	cs.Particles = append(cs.Particles, ParticleChange{Kind: Removed, Particle: Particle{ID: id}})
	return cs
}

// SingleCell returns a one-cell cluster at pos moving with vel.
func SingleCell(pos, vel r2.Vec, energy float64, maxConnections int) Cluster {
	return Cluster{
		Pos: pos,
		Vel: vel,
		Cells: []Cell{{
			Pos:            pos,
			Energy:         energy,
			MaxConnections: maxConnections,
		}},
	}
}

// Chain returns a cluster of n cells spaced dist apart along the x axis
// starting at origin, each bonded to its neighbours. Cell ids start at
// firstID and must be non-zero so the bonds can reference them.
func Chain(origin, vel r2.Vec, n int, dist float64, firstID uint64, energy float64) Cluster {
	c := Cluster{Pos: origin, Vel: vel, Cells: make([]Cell, n)}
	for i := 0; i < n; i++ {
		cell := Cell{
			ID:             firstID + uint64(i),
			Pos:            r2.Vec{X: origin.X + float64(i)*dist, Y: origin.Y},
			Energy:         energy,
			MaxConnections: 2,
		}
		if i > 0 {
			cell.Connections = append(cell.Connections, firstID+uint64(i-1))
		}
		if i < n-1 {
			cell.Connections = append(cell.Connections, firstID+uint64(i+1))
		}
		c.Cells[i] = cell
	}
	return c
}
