package access

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/convert"
	"github.com/pthm-cable/cellsim/description"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

var universe = space.IntVec{X: 600, Y: 300}

var fullRect = space.IntRect{Max: space.IntVec{X: universe.X - 1, Y: universe.Y - 1}}

// manualEngine runs sync points only when the test asks for them.
type manualEngine struct {
	mu        sync.Mutex
	data      model.Data
	listeners []func()
	requests  int
	writes    int
}

func (e *manualEngine) RequestSync() {
	e.mu.Lock()
	e.requests++
	e.mu.Unlock()
}

func (e *manualEngine) OnSync(fn func()) { e.listeners = append(e.listeners, fn) }

func (e *manualEngine) Lock(context.Context) (*model.Data, error) {
	e.mu.Lock()
	return &e.data, nil
}

func (e *manualEngine) Unlock(modified bool) {
	if modified {
		e.writes++
	}
	e.mu.Unlock()
}

func (e *manualEngine) sync() {
	for _, fn := range e.listeners {
		fn()
	}
}

func newConverter() *convert.Converter {
	return convert.New(convert.Settings{
		Torus:           space.NewTorus(universe),
		MaxBonds:        6,
		MaxBondDistance: 1.3,
	})
}

func newManual(t *testing.T) (*manualEngine, *Bridge) {
	t.Helper()
	e := &manualEngine{}
	return e, NewBridge(e, newConverter(), Options{})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func resolved[T any](t *testing.T, tk *Ticket[T]) bool {
	t.Helper()
	select {
	case <-tk.Done():
		return true
	default:
		return false
	}
}

func TestRequestsReturnImmediately(t *testing.T) {
	e, b := newManual(t)

	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 1, Y: 1}})
	upd := b.SubmitChangeSet(cs)
	img := b.RequestImage(fullRect, image.NewRGBA(image.Rect(0, 0, 600, 300)))
	reg := b.RequestRegion(fullRect, convert.ResolveOptions{})

	if resolved(t, upd) || resolved(t, img) || resolved(t, reg) {
		t.Fatal("request resolved before a sync point")
	}
	if e.requests != 3 {
		t.Errorf("sync requests = %d, want 3", e.requests)
	}
	if _, err := upd.Result(); err == nil {
		t.Error("Result on a pending ticket returned no error")
	}

	e.sync()
	for name, done := range map[string]bool{"update": resolved(t, upd), "image": resolved(t, img), "region": resolved(t, reg)} {
		if !done {
			t.Errorf("%s ticket still pending after sync", name)
		}
	}
}

func TestRequestCoalescing(t *testing.T) {
	e, b := newManual(t)

	var regions int
	b.OnRegionReady(func() { regions++ })

	first := b.RequestRegion(space.IntRect{Max: space.IntVec{X: 9, Y: 9}}, convert.ResolveOptions{})
	second := b.RequestRegion(fullRect, convert.ResolveOptions{})

	if _, err := first.Wait(testContext(t)); !errors.Is(err, ErrSuperseded) {
		t.Fatalf("first region: err = %v, want ErrSuperseded", err)
	}
	if resolved(t, second) {
		t.Fatal("second region resolved before sync")
	}

	var cs description.ChangeSet
	cs.AddParticle(description.Particle{ID: 7, Pos: r2.Vec{X: 300, Y: 150}})
	b.SubmitChangeSet(cs)

	e.sync()
	snap, err := second.Wait(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Particles) != 1 || snap.Particles[0].ID != 7 {
		t.Errorf("region = %+v, want the merged particle 7", snap.Particles)
	}
	if regions != 1 {
		t.Errorf("region listener fired %d times, want 1", regions)
	}

	// Nothing pending: another sync point fires nothing.
	e.sync()
	if regions != 1 {
		t.Errorf("region listener fired %d times after idle sync, want 1", regions)
	}
}

func TestSupersededImageLeavesBufferUntouched(t *testing.T) {
	e, b := newManual(t)
	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 2, Y: 2}})
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 22, Y: 2}})
	b.SubmitChangeSet(cs)
	e.sync()

	var fired int
	b.OnImageReady(func() { fired++ })

	buf := image.NewRGBA(image.Rect(0, 0, 40, 10))
	first := space.IntRect{Max: space.IntVec{X: 9, Y: 9}}
	second := space.IntRect{Min: space.IntVec{X: 20}, Max: space.IntVec{X: 29, Y: 9}}
	t1 := b.RequestImage(first, buf)
	t2 := b.RequestImage(second, buf)
	e.sync()

	if _, err := t1.Wait(testContext(t)); !errors.Is(err, ErrSuperseded) {
		t.Errorf("first image: err = %v, want ErrSuperseded", err)
	}
	if _, err := t2.Wait(testContext(t)); err != nil {
		t.Fatalf("second image: %v", err)
	}
	if fired != 1 {
		t.Errorf("image listener fired %d times, want 1", fired)
	}

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"first rect background", 0, 0, color.RGBA{}},
		{"first rect particle", 2, 2, color.RGBA{}},
		{"second rect background", 20, 0, DefaultPalette.Background},
		{"second rect particle", 22, 2, DefaultPalette.Particle},
		{"outside both", 35, 5, color.RGBA{}},
	}
	for _, tt := range tests {
		if got := buf.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("%s: pixel (%d,%d) = %v, want %v", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestRequestDuringResolutionWaitsForNextSync(t *testing.T) {
	e, b := newManual(t)

	var late *Ticket[description.Snapshot]
	b.OnUpdateApplied(func() {
		late = b.RequestRegion(fullRect, convert.ResolveOptions{})
	})
	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 5, Y: 5}})
	b.SubmitChangeSet(cs)

	e.sync()
	if late == nil {
		t.Fatal("update listener did not run")
	}
	if resolved(t, late) {
		t.Fatal("region requested during resolution was served in the same sync point")
	}
	e.sync()
	snap, err := late.Wait(testContext(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.Particles) != 1 {
		t.Errorf("particles = %d, want 1", len(snap.Particles))
	}
}

func TestRetrieveRegion(t *testing.T) {
	e, b := newManual(t)

	if snap := b.RetrieveRegion(); !snap.Empty() {
		t.Fatalf("RetrieveRegion before first extraction = %+v, want empty", snap)
	}

	var cs description.ChangeSet
	cs.AddCluster(description.Chain(r2.Vec{X: 10, Y: 10}, r2.Vec{}, 3, 1, 1, 5))
	b.SubmitChangeSet(cs)
	b.RequestRegion(fullRect, convert.ResolveOptions{})
	e.sync()

	snap := b.RetrieveRegion()
	if len(snap.Clusters) != 1 || len(snap.Clusters[0].Cells) != 3 {
		t.Fatalf("snapshot = %+v, want one 3-cell cluster", snap)
	}
	snap.Clusters[0].Cells[1].Connections[0] = 999
	snap.Clusters[0].Cells = nil

	again := b.RetrieveRegion()
	if len(again.Clusters[0].Cells) != 3 || again.Clusters[0].Cells[1].Connections[0] == 999 {
		t.Error("mutating a retrieved snapshot changed the stored one")
	}
}

func TestRejectedChangeSet(t *testing.T) {
	e, b := newManual(t)

	var applied int
	b.OnUpdateApplied(func() { applied++ })

	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 3, Y: 3}})
	cs.AddCluster(description.Cluster{
		Pos: r2.Vec{X: 10, Y: 10},
		Cells: []description.Cell{
			{ID: 1, Pos: r2.Vec{X: 10, Y: 10}, Connections: []uint64{2}},
			{ID: 2, Pos: r2.Vec{X: 11, Y: 10}},
		},
	})
	tk := b.SubmitChangeSet(cs)
	e.sync()

	if _, err := tk.Wait(testContext(t)); !errors.Is(err, convert.ErrAsymmetricBond) {
		t.Fatalf("err = %v, want ErrAsymmetricBond", err)
	}
	if applied != 0 {
		t.Errorf("update listener fired %d times for a rejected change set", applied)
	}
	if e.writes != 0 {
		t.Errorf("rejected change set marked the state modified")
	}
	if n := e.data.NumEntities(); n != 0 {
		t.Errorf("state holds %d entities after a rejected change set", n)
	}
}

func TestRasterPalette(t *testing.T) {
	e, b := newManual(t)

	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 2.7, Y: 3.2}})
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 15, Y: 15}}) // outside rect
	cs.AddCluster(description.SingleCell(r2.Vec{X: 5.5, Y: 5.5}, r2.Vec{}, 0, 0))
	b.SubmitChangeSet(cs)

	marker := color.RGBA{R: 1, G: 2, B: 3, A: 4}
	buf := image.NewRGBA(image.Rect(0, 0, 20, 20))
	for y := 0; y < 20; y++ {
		for x := 0; x < 20; x++ {
			buf.SetRGBA(x, y, marker)
		}
	}
	rect := space.IntRect{Min: space.IntVec{X: 1, Y: 1}, Max: space.IntVec{X: 9, Y: 9}}
	tk := b.RequestImage(rect, buf)
	e.sync()
	if _, err := tk.Wait(testContext(t)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		x, y int
		want color.RGBA
	}{
		{"particle", 2, 3, color.RGBA{R: 0x90, G: 0x20, B: 0x20, A: 0xff}},
		{"cell", 5, 5, color.RGBA{R: 0xf0, G: 0xf0, B: 0xf0, A: 0xff}},
		{"background", 8, 8, color.RGBA{R: 0x00, G: 0x00, B: 0x1b, A: 0xff}},
		{"rect corner", 9, 9, color.RGBA{R: 0x00, G: 0x00, B: 0x1b, A: 0xff}},
		{"outside rect", 0, 0, marker},
		{"outside rect far", 10, 10, marker},
		{"particle outside rect", 15, 15, marker},
	}
	for _, tt := range tests {
		if got := buf.RGBAAt(tt.x, tt.y); got != tt.want {
			t.Errorf("%s (%d,%d) = %v, want %v", tt.name, tt.x, tt.y, got, tt.want)
		}
	}
}

func TestRasterClipsToBuffer(t *testing.T) {
	var data model.Data
	conv := newConverter()
	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 50, Y: 50}})
	if err := conv.Merge(&data, cs); err != nil {
		t.Fatal(err)
	}
	buf := image.NewRGBA(image.Rect(0, 0, 8, 8))
	rasterize(buf, &data, fullRect, conv.Settings().Torus, DefaultPalette)
	if got := buf.RGBAAt(7, 7); got != DefaultPalette.Background {
		t.Errorf("pixel (7,7) = %v, want background", got)
	}
}

func TestCustomPalette(t *testing.T) {
	e := &manualEngine{}
	pal := Palette{
		Background: color.RGBA{A: 0xff},
		Particle:   color.RGBA{G: 0xff, A: 0xff},
		Cell:       color.RGBA{B: 0xff, A: 0xff},
	}
	b := NewBridge(e, newConverter(), Options{Palette: pal})
	var cs description.ChangeSet
	cs.AddParticle(description.Particle{Pos: r2.Vec{X: 1, Y: 1}})
	b.SubmitChangeSet(cs)
	buf := image.NewRGBA(image.Rect(0, 0, 4, 4))
	b.RequestImage(space.IntRect{Max: space.IntVec{X: 3, Y: 3}}, buf)
	e.sync()

	if got := buf.RGBAAt(1, 1); got != pal.Particle {
		t.Errorf("particle = %v, want %v", got, pal.Particle)
	}
	if got := buf.RGBAAt(0, 0); got != pal.Background {
		t.Errorf("background = %v, want %v", got, pal.Background)
	}
}
