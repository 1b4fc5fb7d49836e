// Package convert translates between the flat canonical layout (model) and
// the descriptive layout handed to external callers (description).
package convert

import (
	"errors"
	"fmt"
	"sync/atomic"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/description"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

// Merge contract violations. All of them reject the whole change set.
var (
	ErrUnknownCell      = errors.New("connection references an unknown cell id")
	ErrCrossClusterBond = errors.New("connection references a cell of another cluster")
	ErrAsymmetricBond   = errors.New("connection is not reciprocated")
	ErrSelfBond         = errors.New("cell connects to itself")
	ErrTooManyBonds     = errors.New("cell exceeds its connection limit")
	ErrBondTooLong      = errors.New("connected cells are too far apart")
	ErrDuplicateID      = errors.New("duplicate id")
	ErrUnknownCluster   = errors.New("unknown cluster id")
	ErrUnknownParticle  = errors.New("unknown particle id")
	ErrEmptyCluster     = errors.New("cluster has no cells")
)

// Settings holds the limits and defaults the converter enforces.
type Settings struct {
	Torus                 space.Torus
	MaxBonds              int     // default connection limit for cells that do not set one
	MaxBondDistance       float64 // longest admissible bond
	DefaultCellEnergy     float64
	DefaultParticleEnergy float64
}

// Converter merges change sets into canonical state and extracts snapshots.
// It is safe for concurrent use; callers still need the engine's exclusive
// window around Merge and Extract.
type Converter struct {
	settings Settings
	nextID   atomic.Uint64
}

// New creates a converter.
func New(s Settings) *Converter {
	if s.MaxBonds <= 0 || s.MaxBonds > model.MaxBonds {
		s.MaxBonds = model.MaxBonds
	}
	return &Converter{settings: s}
}

// Settings returns the converter's settings.
func (c *Converter) Settings() Settings {
	return c.settings
}

// newID hands out a fresh id.
func (c *Converter) newID() uint64 {
	return c.nextID.Add(1)
}

// NextID reserves a fresh id for callers that need to reference an entity,
// such as a connection target, before submitting it.
func (c *Converter) NextID() uint64 {
	return c.newID()
}

// reserve makes sure future ids are above id.
func (c *Converter) reserve(id uint64) {
	for {
		cur := c.nextID.Load()
		if id <= cur || c.nextID.CompareAndSwap(cur, id) {
			return
		}
	}
}

// reserveExplicit bumps the id generator past every id named in cs so
// generated ids never collide with them.
func (c *Converter) reserveExplicit(cs description.ChangeSet) {
	for _, ch := range cs.Clusters {
		c.reserve(ch.Cluster.ID)
		for _, cell := range ch.Cluster.Cells {
			c.reserve(cell.ID)
		}
	}
	for _, ch := range cs.Particles {
		c.reserve(ch.Particle.ID)
	}
}

// ResolveOptions narrows what Extract emits.
type ResolveOptions struct {
	OmitConnections bool // leave Cell.Connections nil
	OmitParticles   bool // leave Snapshot.Particles empty
}

// Extract builds a snapshot of every cluster whose position lies in rect and
// every particle inside rect. Cells are not filtered on their own: an
// included cluster brings all its cells.
func (c *Converter) Extract(data *model.Data, rect space.IntRect, opts ResolveOptions) description.Snapshot {
	var snap description.Snapshot

	for ci := range data.Clusters {
		cl := &data.Clusters[ci]
		if !rect.Contains(space.Truncate(cl.Pos)) {
			continue
		}
		desc := description.Cluster{
			ID:         cl.ID,
			Pos:        cl.Pos,
			Vel:        cl.Vel,
			Angle:      cl.Angle,
			AngularVel: cl.AngularVel,
			Cells:      make([]description.Cell, 0, cl.NumCells),
		}
		for _, cell := range data.ClusterCells(ci) {
			maxConn := cell.MaxConnections
			if maxConn == 0 {
				maxConn = c.settings.MaxBonds
			}
			cd := description.Cell{
				ID:             cell.ID,
				Pos:            cell.Pos,
				Energy:         cell.Energy,
				MaxConnections: maxConn,
			}
			if !opts.OmitConnections && cell.NumConnections > 0 {
				cd.Connections = make([]uint64, 0, cell.NumConnections)
				for _, h := range cell.Connected() {
					cd.Connections = append(cd.Connections, data.Cells[h].ID)
				}
			}
			desc.Cells = append(desc.Cells, cd)
		}
		snap.Clusters = append(snap.Clusters, desc)
	}

	if opts.OmitParticles {
		return snap
	}
	for _, p := range data.Particles {
		if !rect.Contains(space.Truncate(p.Pos)) {
			continue
		}
		snap.Particles = append(snap.Particles, description.Particle{
			ID:     p.ID,
			Pos:    p.Pos,
			Vel:    p.Vel,
			Energy: p.Energy,
		})
	}
	return snap
}

// Merge applies cs to data. The change set is validated completely before
// data is touched; on error data is unchanged.
func (c *Converter) Merge(data *model.Data, cs description.ChangeSet) error {
	plan, err := c.plan(data, cs)
	if err != nil {
		return err
	}

	if len(plan.dropClusters) > 0 {
		data.Compact(func(cl *model.ClusterData) bool {
			_, drop := plan.dropClusters[cl.ID]
			return !drop
		})
	}
	for _, add := range plan.clusters {
		data.AddCluster(add.cluster, add.cells)
	}

	if len(plan.dropParticles) > 0 {
		kept := data.Particles[:0]
		for _, p := range data.Particles {
			if _, drop := plan.dropParticles[p.ID]; !drop {
				kept = append(kept, p)
			}
		}
		data.Particles = kept
	}
	data.Particles = append(data.Particles, plan.particles...)
	return nil
}

type clusterAdd struct {
	cluster model.ClusterData
	cells   []model.CellData
}

type mergePlan struct {
	dropClusters  map[uint64]struct{}
	dropParticles map[uint64]struct{}
	clusters      []clusterAdd
	particles     []model.ParticleData
}

// plan validates cs against data and prepares the flat records to insert.
func (c *Converter) plan(data *model.Data, cs description.ChangeSet) (*mergePlan, error) {
	p := &mergePlan{
		dropClusters:  make(map[uint64]struct{}),
		dropParticles: make(map[uint64]struct{}),
	}

	clusterIDs := make(map[uint64]struct{}, len(data.Clusters))
	for _, cl := range data.Clusters {
		clusterIDs[cl.ID] = struct{}{}
	}
	// cell id -> owning cluster id, for cells that survive the merge
	cellOwner := make(map[uint64]uint64, len(data.Cells))
	for _, cell := range data.Cells {
		cellOwner[cell.ID] = data.Clusters[cell.Cluster].ID
	}
	particleIDs := make(map[uint64]struct{}, len(data.Particles))
	for _, pt := range data.Particles {
		particleIDs[pt.ID] = struct{}{}
	}
	c.reserveExplicit(cs)

	// Removals and replacements first so their ids are free for the batch.
	for i, ch := range cs.Clusters {
		if ch.Kind == description.Added {
			continue
		}
		id := ch.Cluster.ID
		if _, ok := clusterIDs[id]; !ok {
			return nil, fmt.Errorf("cluster change %d (%s %d): %w", i, ch.Kind, id, ErrUnknownCluster)
		}
		if _, dup := p.dropClusters[id]; dup {
			return nil, fmt.Errorf("cluster change %d (%s %d): %w", i, ch.Kind, id, ErrDuplicateID)
		}
		p.dropClusters[id] = struct{}{}
	}
	for cellID, owner := range cellOwner {
		if _, drop := p.dropClusters[owner]; drop {
			delete(cellOwner, cellID)
		}
	}

	// Assign ids and register every batch cell before resolving bonds, so a
	// connection can point at any cell of the batch.
	descs := make([]description.Cluster, 0, len(cs.Clusters))
	inBatch := make(map[uint64]struct{}, len(cs.Clusters))
	for i, ch := range cs.Clusters {
		if ch.Kind == description.Removed {
			continue
		}
		d := ch.Cluster.Clone()
		if len(d.Cells) == 0 {
			return nil, fmt.Errorf("cluster change %d: %w", i, ErrEmptyCluster)
		}
		if d.ID == 0 {
			d.ID = c.newID()
		}
		_, taken := clusterIDs[d.ID]
		_, freed := p.dropClusters[d.ID]
		_, twice := inBatch[d.ID]
		if twice || (taken && !freed) {
			return nil, fmt.Errorf("cluster change %d: cluster %d: %w", i, d.ID, ErrDuplicateID)
		}
		inBatch[d.ID] = struct{}{}
		for j := range d.Cells {
			cell := &d.Cells[j]
			if cell.ID == 0 {
				cell.ID = c.newID()
			}
			if _, dup := cellOwner[cell.ID]; dup {
				return nil, fmt.Errorf("cluster %d: cell %d: %w", d.ID, cell.ID, ErrDuplicateID)
			}
			cellOwner[cell.ID] = d.ID
		}
		descs = append(descs, d)
	}

	for _, d := range descs {
		add, err := c.flattenCluster(d, cellOwner)
		if err != nil {
			return nil, err
		}
		p.clusters = append(p.clusters, add)
	}

	for i, ch := range cs.Particles {
		if ch.Kind == description.Added {
			continue
		}
		id := ch.Particle.ID
		if _, ok := particleIDs[id]; !ok {
			return nil, fmt.Errorf("particle change %d (%s %d): %w", i, ch.Kind, id, ErrUnknownParticle)
		}
		if _, dup := p.dropParticles[id]; dup {
			return nil, fmt.Errorf("particle change %d (%s %d): %w", i, ch.Kind, id, ErrDuplicateID)
		}
		p.dropParticles[id] = struct{}{}
	}
	addedParticles := make(map[uint64]struct{}, len(cs.Particles))
	for i, ch := range cs.Particles {
		if ch.Kind == description.Removed {
			continue
		}
		pt := ch.Particle
		if pt.ID == 0 {
			pt.ID = c.newID()
		}
		_, taken := particleIDs[pt.ID]
		_, freed := p.dropParticles[pt.ID]
		_, twice := addedParticles[pt.ID]
		if twice || (taken && !freed) {
			return nil, fmt.Errorf("particle change %d: particle %d: %w", i, pt.ID, ErrDuplicateID)
		}
		addedParticles[pt.ID] = struct{}{}
		energy := pt.Energy
		if energy == 0 {
			energy = c.settings.DefaultParticleEnergy
		}
		p.particles = append(p.particles, model.ParticleData{
			ID:     pt.ID,
			Pos:    c.settings.Torus.CorrectPosition(pt.Pos),
			Vel:    pt.Vel,
			Energy: energy,
		})
	}
	return p, nil
}

// flattenCluster converts one descriptive cluster into flat records with
// cluster-local connection indices.
func (c *Converter) flattenCluster(d description.Cluster, cellOwner map[uint64]uint64) (clusterAdd, error) {
	torus := c.settings.Torus
	local := make(map[uint64]int32, len(d.Cells))
	for j, cell := range d.Cells {
		local[cell.ID] = int32(j)
	}

	// Aggregate position: toroidal centroid of the member cells.
	anchor := torus.CorrectPosition(d.Cells[0].Pos)
	var sum r2.Vec
	for _, cell := range d.Cells {
		sum = r2.Add(sum, torus.CorrectDisplacement(r2.Sub(cell.Pos, anchor)))
	}
	center := torus.CorrectPosition(r2.Add(anchor, r2.Scale(1/float64(len(d.Cells)), sum)))

	cells := make([]model.CellData, len(d.Cells))
	for j, cell := range d.Cells {
		limit := cell.MaxConnections
		if limit <= 0 {
			limit = c.settings.MaxBonds
		}
		limit = min(limit, model.MaxBonds)
		if len(cell.Connections) > limit {
			return clusterAdd{}, fmt.Errorf("cell %d has %d connections, limit %d: %w", cell.ID, len(cell.Connections), limit, ErrTooManyBonds)
		}

		pos := torus.CorrectPosition(cell.Pos)
		energy := cell.Energy
		if energy == 0 {
			energy = c.settings.DefaultCellEnergy
		}
		flat := model.CellData{
			ID:             cell.ID,
			Pos:            pos,
			RelPos:         r2.Rotate(torus.CorrectDisplacement(r2.Sub(pos, center)), -d.Angle, r2.Vec{}),
			Energy:         energy,
			MaxConnections: cell.MaxConnections,
		}

		seen := make(map[uint64]struct{}, len(cell.Connections))
		for _, otherID := range cell.Connections {
			if otherID == cell.ID {
				return clusterAdd{}, fmt.Errorf("cell %d: %w", cell.ID, ErrSelfBond)
			}
			if _, dup := seen[otherID]; dup {
				return clusterAdd{}, fmt.Errorf("cell %d -> %d: %w", cell.ID, otherID, ErrDuplicateID)
			}
			seen[otherID] = struct{}{}

			idx, ok := local[otherID]
			if !ok {
				if _, exists := cellOwner[otherID]; exists {
					return clusterAdd{}, fmt.Errorf("cell %d -> %d: %w", cell.ID, otherID, ErrCrossClusterBond)
				}
				return clusterAdd{}, fmt.Errorf("cell %d -> %d: %w", cell.ID, otherID, ErrUnknownCell)
			}
			other := d.Cells[idx]
			if !contains(other.Connections, cell.ID) {
				return clusterAdd{}, fmt.Errorf("cell %d -> %d: %w", cell.ID, otherID, ErrAsymmetricBond)
			}
			if dist := torus.Distance(cell.Pos, other.Pos); dist > c.settings.MaxBondDistance {
				return clusterAdd{}, fmt.Errorf("cell %d -> %d at %.3f (max %.3f): %w", cell.ID, otherID, dist, c.settings.MaxBondDistance, ErrBondTooLong)
			}
			flat.Connections[flat.NumConnections] = idx
			flat.NumConnections++
		}
		cells[j] = flat
	}

	return clusterAdd{
		cluster: model.ClusterData{
			ID:         d.ID,
			Pos:        center,
			Vel:        d.Vel,
			Angle:      d.Angle,
			AngularVel: d.AngularVel,
		},
		cells: cells,
	}, nil
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
