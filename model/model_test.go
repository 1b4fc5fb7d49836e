package model

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/space"
)

// pair builds two bonded cells in cluster-local indices.
func pair(id uint64) []CellData {
	a := CellData{ID: id, RelPos: r2.Vec{X: -0.5}, NumConnections: 1}
	a.Connections[0] = 1
	b := CellData{ID: id + 1, RelPos: r2.Vec{X: 0.5}, NumConnections: 1}
	b.Connections[0] = 0
	return []CellData{a, b}
}

func TestAddClusterRebasesHandles(t *testing.T) {
	var d Data
	d.AddCluster(ClusterData{ID: 1}, pair(10))
	ci := d.AddCluster(ClusterData{ID: 2}, pair(20))

	if ci != 1 {
		t.Fatalf("cluster index = %d, want 1", ci)
	}
	cells := d.ClusterCells(1)
	if cells[0].Connections[0] != 3 || cells[1].Connections[0] != 2 {
		t.Errorf("handles not rebased: %v %v", cells[0].Connected(), cells[1].Connected())
	}
	if cells[0].Connections[1] != NoHandle {
		t.Errorf("unused slot = %d, want NoHandle", cells[0].Connections[1])
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestCompactRewritesHandles(t *testing.T) {
	var d Data
	d.AddCluster(ClusterData{ID: 1}, pair(10))
	d.AddCluster(ClusterData{ID: 2}, pair(20))
	d.AddCluster(ClusterData{ID: 3}, pair(30))

	d.Compact(func(c *ClusterData) bool { return c.ID != 1 })

	if len(d.Clusters) != 2 || len(d.Cells) != 4 {
		t.Fatalf("after compact: %d clusters, %d cells", len(d.Clusters), len(d.Cells))
	}
	if d.Clusters[0].ID != 2 || d.Cells[0].ID != 20 {
		t.Errorf("wrong survivor order: cluster %d cell %d", d.Clusters[0].ID, d.Cells[0].ID)
	}
	if err := d.Validate(); err != nil {
		t.Fatalf("Validate after compact: %v", err)
	}
}

func TestValidateDetectsViolations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(d *Data)
		want   error
	}{
		{"asymmetric", func(d *Data) { d.Cells[1].NumConnections = 0 }, ErrAsymmetric},
		{"foreign", func(d *Data) { d.Cells[0].Connections[0] = 2 }, ErrForeignBond},
		{"out of range", func(d *Data) { d.Cells[0].Connections[0] = 99 }, ErrBadHandle},
		{"orphan", func(d *Data) { d.Cells = append(d.Cells, CellData{}) }, ErrBrokenCluster},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Data
			d.AddCluster(ClusterData{ID: 1}, pair(10))
			d.AddCluster(ClusterData{ID: 2}, pair(20))
			tt.mutate(&d)
			if err := d.Validate(); !errors.Is(err, tt.want) {
				t.Errorf("Validate = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestPlaceCellsRotates(t *testing.T) {
	var d Data
	d.AddCluster(ClusterData{ID: 1, Pos: r2.Vec{X: 10, Y: 10}, Angle: math.Pi / 2}, pair(1))
	d.PlaceCells(space.NewTorus(space.IntVec{X: 100, Y: 100}))

	got := d.Cells[1].Pos
	if math.Abs(got.X-10) > 1e-9 || math.Abs(got.Y-10.5) > 1e-9 {
		t.Errorf("rotated cell at %v, want (10, 10.5)", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	var d Data
	d.AddCluster(ClusterData{ID: 1}, pair(1))
	d.Particles = append(d.Particles, ParticleData{ID: 5})

	c := d.Clone()
	c.Cells[0].ID = 99
	c.Particles[0].ID = 99
	if d.Cells[0].ID != 1 || d.Particles[0].ID != 5 {
		t.Error("clone shares storage with the original")
	}
}
