// Package access is the caller-facing side of a running simulation. Every
// request returns at once; it is served on the engine's next sync point and
// completion is reported through its ticket and the registered listeners.
//
// Requests of one kind are coalesced: only the most recent pending request
// of each kind is served, older ones resolve with ErrSuperseded. At a sync
// point the pending update is merged first, then the image is drawn, then
// the region is extracted, so pulls always observe the merged state.
package access

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"sync"

	"github.com/pthm-cable/cellsim/convert"
	"github.com/pthm-cable/cellsim/description"
	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
	"github.com/pthm-cable/cellsim/telemetry"
)

// Engine is a simulation backend with sync points and exclusive access
// windows. Both the CPU controller and the device bridge satisfy it.
type Engine interface {
	// RequestSync asks for a sync point soon, without blocking.
	RequestSync()
	// OnSync registers fn to run on the engine goroutine at every sync point.
	OnSync(fn func())
	// Lock opens an exclusive window on the canonical state.
	Lock(ctx context.Context) (*model.Data, error)
	// Unlock closes the window; modified reports whether data was changed.
	Unlock(modified bool)
}

// Options configures a Bridge.
type Options struct {
	Palette Palette // zero uses DefaultPalette
	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

type updateRequest struct {
	changes description.ChangeSet
	ticket  *Ticket[struct{}]
}

type imageRequest struct {
	rect   space.IntRect
	dst    *image.RGBA
	ticket *Ticket[struct{}]
}

type regionRequest struct {
	rect   space.IntRect
	opts   convert.ResolveOptions
	ticket *Ticket[description.Snapshot]
}

// Bridge latches requests and resolves them at the engine's sync points.
type Bridge struct {
	engine  Engine
	conv    *convert.Converter
	palette Palette
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	update *updateRequest
	image  *imageRequest
	region *regionRequest
	last   description.Snapshot

	onUpdate []func()
	onImage  []func()
	onRegion []func()
}

// NewBridge attaches a bridge to engine. conv must be configured for the
// engine's universe.
func NewBridge(engine Engine, conv *convert.Converter, opts Options) *Bridge {
	b := &Bridge{
		engine:  engine,
		conv:    conv,
		palette: opts.Palette,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
	if b.palette == (Palette{}) {
		b.palette = DefaultPalette
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	engine.OnSync(b.resolve)
	return b
}

// OnUpdateApplied registers fn to run after a change set was merged.
func (b *Bridge) OnUpdateApplied(fn func()) {
	b.mu.Lock()
	b.onUpdate = append(b.onUpdate, fn)
	b.mu.Unlock()
}

// OnImageReady registers fn to run after an image request was drawn.
func (b *Bridge) OnImageReady(fn func()) {
	b.mu.Lock()
	b.onImage = append(b.onImage, fn)
	b.mu.Unlock()
}

// OnRegionReady registers fn to run after a region was extracted. The
// result is available from RetrieveRegion.
func (b *Bridge) OnRegionReady(fn func()) {
	b.mu.Lock()
	b.onRegion = append(b.onRegion, fn)
	b.mu.Unlock()
}

// SubmitChangeSet latches cs for merging at the next sync point. The caller
// must not modify cs afterwards.
func (b *Bridge) SubmitChangeSet(cs description.ChangeSet) *Ticket[struct{}] {
	t := newTicket[struct{}]()
	b.mu.Lock()
	old := b.update
	b.update = &updateRequest{changes: cs, ticket: t}
	b.mu.Unlock()

	if old != nil {
		b.metrics.ObserveSuperseded(telemetry.KindUpdate)
		old.ticket.resolve(struct{}{}, ErrSuperseded)
	}
	b.metrics.ObserveRequest(telemetry.KindUpdate)
	b.engine.RequestSync()
	return t
}

// RequestImage latches a request to draw rect into dst. dst is written on
// the engine goroutine; the caller must not touch it until the ticket
// resolves.
func (b *Bridge) RequestImage(rect space.IntRect, dst *image.RGBA) *Ticket[struct{}] {
	t := newTicket[struct{}]()
	b.mu.Lock()
	old := b.image
	b.image = &imageRequest{rect: rect, dst: dst, ticket: t}
	b.mu.Unlock()

	if old != nil {
		b.metrics.ObserveSuperseded(telemetry.KindImage)
		old.ticket.resolve(struct{}{}, ErrSuperseded)
	}
	b.metrics.ObserveRequest(telemetry.KindImage)
	b.engine.RequestSync()
	return t
}

// RequestRegion latches a request to extract rect.
func (b *Bridge) RequestRegion(rect space.IntRect, opts convert.ResolveOptions) *Ticket[description.Snapshot] {
	t := newTicket[description.Snapshot]()
	b.mu.Lock()
	old := b.region
	b.region = &regionRequest{rect: rect, opts: opts, ticket: t}
	b.mu.Unlock()

	if old != nil {
		b.metrics.ObserveSuperseded(telemetry.KindRegion)
		old.ticket.resolve(description.Snapshot{}, ErrSuperseded)
	}
	b.metrics.ObserveRequest(telemetry.KindRegion)
	b.engine.RequestSync()
	return t
}

// RetrieveRegion returns a copy of the most recently extracted region. It
// is empty before the first extraction and may be stale.
func (b *Bridge) RetrieveRegion() description.Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last.Clone()
}

// resolve runs on the engine goroutine at every sync point. All slots are
// taken up front, so requests arriving meanwhile wait for the next sync
// point.
func (b *Bridge) resolve() {
	b.mu.Lock()
	upd, img, reg := b.update, b.image, b.region
	b.update, b.image, b.region = nil, nil, nil
	b.mu.Unlock()

	if upd != nil {
		b.resolveUpdate(upd)
	}
	if img != nil {
		b.resolveImage(img)
	}
	if reg != nil {
		b.resolveRegion(reg)
	}
}

func (b *Bridge) resolveUpdate(req *updateRequest) {
	err := b.withData(true, func(data *model.Data) error {
		if err := b.conv.Merge(data, req.changes); err != nil {
			return err
		}
		b.metrics.SetEntities(len(data.Clusters), len(data.Cells), len(data.Particles))
		return nil
	})
	b.metrics.ObserveResolved(telemetry.KindUpdate, err)
	if err != nil {
		b.logger.Error("change set rejected", "error", err)
		req.ticket.resolve(struct{}{}, err)
		return
	}
	req.ticket.resolve(struct{}{}, nil)
	b.notify(&b.onUpdate)
}

func (b *Bridge) resolveImage(req *imageRequest) {
	torus := b.conv.Settings().Torus
	err := b.withData(false, func(data *model.Data) error {
		rasterize(req.dst, data, req.rect, torus, b.palette)
		return nil
	})
	b.metrics.ObserveResolved(telemetry.KindImage, err)
	req.ticket.resolve(struct{}{}, err)
	if err == nil {
		b.notify(&b.onImage)
	}
}

func (b *Bridge) resolveRegion(req *regionRequest) {
	var snap description.Snapshot
	err := b.withData(false, func(data *model.Data) error {
		snap = b.conv.Extract(data, req.rect, req.opts)
		return nil
	})
	b.metrics.ObserveResolved(telemetry.KindRegion, err)
	if err != nil {
		req.ticket.resolve(description.Snapshot{}, err)
		return
	}
	b.mu.Lock()
	b.last = snap
	b.mu.Unlock()
	req.ticket.resolve(snap.Clone(), nil)
	b.notify(&b.onRegion)
}

// withData runs fn inside an access window. The state is marked modified
// only if write is set and fn succeeded.
func (b *Bridge) withData(write bool, fn func(*model.Data) error) error {
	data, err := b.engine.Lock(context.Background())
	if err != nil {
		return fmt.Errorf("opening access window: %w", err)
	}
	err = fn(data)
	b.engine.Unlock(write && err == nil)
	return err
}

func (b *Bridge) notify(listeners *[]func()) {
	b.mu.Lock()
	fns := append([]func(){}, (*listeners)...)
	b.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
