package device

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

// Kernel owns the device copy of the canonical state.
type Kernel interface {
	// Upload replaces the device state with data.
	Upload(data *model.Data) error
	// Step advances the device state by one timestep and blocks until done.
	Step(ctx context.Context) error
	// Download copies the device state into dst.
	Download(dst *model.Data) error
	// Name identifies the kernel in logs.
	Name() string
	Close() error
}

// Kernel names accepted by NewKernel.
const (
	KernelHost   = "host"
	KernelOpenCL = "opencl"
)

// NewKernel creates the kernel called name for a universe of the given size.
func NewKernel(name string, torus space.Torus) (Kernel, error) {
	switch name {
	case "", KernelHost:
		return NewHostKernel(torus, 0), nil
	case KernelOpenCL:
		return NewOpenCLKernel(torus)
	}
	return nil, fmt.Errorf("unknown kernel %q", name)
}

// parallelThreshold is the minimum entity count to split a pass across
// workers. Below this a single goroutine is faster.
const parallelThreshold = 64

type pass uint8

const (
	passParticles pass = iota
	passClusters
	passCells
)

// workChunk is a range of one pass for a pool worker.
type workChunk struct {
	pass       pass
	start, end int
}

// HostKernel emulates device memory in host RAM and runs free flight with
// a persistent goroutine pool.
type HostKernel struct {
	torus space.Torus
	mem   model.Data

	numWorkers int
	workChan   chan workChunk
	doneChan   chan struct{}
	stopChan   chan struct{}
	wg         sync.WaitGroup
	running    bool
}

// NewHostKernel creates a host kernel. workers <= 0 uses GOMAXPROCS.
func NewHostKernel(torus space.Torus, workers int) *HostKernel {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &HostKernel{torus: torus, numWorkers: workers}
}

// Name implements Kernel.
func (k *HostKernel) Name() string { return KernelHost }

// Upload implements Kernel.
func (k *HostKernel) Upload(data *model.Data) error {
	copyData(&k.mem, data)
	return nil
}

// Download implements Kernel.
func (k *HostKernel) Download(dst *model.Data) error {
	copyData(dst, &k.mem)
	return nil
}

// Step implements Kernel. Particles and clusters are integrated first, then
// every cell is placed from its cluster's new pose.
func (k *HostKernel) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k.run(passParticles, len(k.mem.Particles))
	k.run(passClusters, len(k.mem.Clusters))
	k.run(passCells, len(k.mem.Cells))
	return nil
}

// Close stops the pool.
func (k *HostKernel) Close() error {
	k.stopWorkers()
	return nil
}

// run executes one pass over n items, in parallel when it pays off.
func (k *HostKernel) run(p pass, n int) {
	if n == 0 {
		return
	}
	if n < parallelThreshold || k.numWorkers == 1 {
		k.compute(workChunk{pass: p, start: 0, end: n})
		return
	}
	if !k.running {
		k.startWorkers()
	}

	chunkSize := (n + k.numWorkers - 1) / k.numWorkers
	dispatched := 0
	for w := 0; w < k.numWorkers; w++ {
		start := w * chunkSize
		end := min(start+chunkSize, n)
		if start >= end {
			continue
		}
		k.workChan <- workChunk{pass: p, start: start, end: end}
		dispatched++
	}
	for i := 0; i < dispatched; i++ {
		<-k.doneChan
	}
}

// startWorkers launches persistent worker goroutines.
func (k *HostKernel) startWorkers() {
	k.workChan = make(chan workChunk, k.numWorkers)
	k.doneChan = make(chan struct{}, k.numWorkers)
	k.stopChan = make(chan struct{})
	k.running = true

	for i := 0; i < k.numWorkers; i++ {
		k.wg.Add(1)
		go k.worker()
	}
}

// stopWorkers signals all workers to exit and waits for them.
func (k *HostKernel) stopWorkers() {
	if !k.running {
		return
	}
	close(k.stopChan)
	k.wg.Wait()
	close(k.workChan)
	close(k.doneChan)
	k.running = false
}

func (k *HostKernel) worker() {
	defer k.wg.Done()
	for {
		select {
		case <-k.stopChan:
			return
		case chunk, ok := <-k.workChan:
			if !ok {
				return
			}
			k.compute(chunk)
			k.doneChan <- struct{}{}
		}
	}
}

// compute processes one chunk. Chunks of a pass touch disjoint items.
func (k *HostKernel) compute(c workChunk) {
	switch c.pass {
	case passParticles:
		for i := c.start; i < c.end; i++ {
			p := &k.mem.Particles[i]
			p.Pos = k.torus.CorrectPosition(r2.Add(p.Pos, p.Vel))
		}
	case passClusters:
		for i := c.start; i < c.end; i++ {
			cl := &k.mem.Clusters[i]
			cl.Pos = k.torus.CorrectPosition(r2.Add(cl.Pos, cl.Vel))
			cl.Angle += cl.AngularVel
		}
	case passCells:
		for i := c.start; i < c.end; i++ {
			cell := &k.mem.Cells[i]
			cl := &k.mem.Clusters[cell.Cluster]
			cell.Pos = k.torus.CorrectPosition(r2.Add(cl.Pos, r2.Rotate(cell.RelPos, cl.Angle, r2.Vec{})))
		}
	}
}

// copyData copies src into dst reusing dst's capacity.
func copyData(dst, src *model.Data) {
	dst.Clusters = append(dst.Clusters[:0], src.Clusters...)
	dst.Cells = append(dst.Cells[:0], src.Cells...)
	dst.Particles = append(dst.Particles[:0], src.Particles...)
}
