//go:build opencl

package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unsafe"

	"github.com/jgillich/go-opencl/cl"

	"github.com/pthm-cable/cellsim/model"
	"github.com/pthm-cable/cellsim/space"
)

// Buffer strides in float32 elements.
const (
	particleStride = 4 // x, y, vx, vy
	clusterStride  = 6 // x, y, vx, vy, angle, angular velocity
	cellStride     = 2
)

const freeFlightSource = `
inline float wrap(float v, float size) {
    v = fmod(v, size);
    if (v < 0.0f) {
        v += size;
    }
    if (v >= size) {
        v -= size;
    }
    return v;
}

__kernel void advance_particles(
    const int n,
    const float width,
    const float height,
    __global float* particles)
{
    int i = get_global_id(0);
    if (i >= n) {
        return;
    }
    __global float* p = particles + i * 4;
    p[0] = wrap(p[0] + p[2], width);
    p[1] = wrap(p[1] + p[3], height);
}

__kernel void advance_clusters(
    const int n,
    const float width,
    const float height,
    __global float* clusters)
{
    int i = get_global_id(0);
    if (i >= n) {
        return;
    }
    __global float* c = clusters + i * 6;
    c[0] = wrap(c[0] + c[2], width);
    c[1] = wrap(c[1] + c[3], height);
    c[4] += c[5];
}

__kernel void place_cells(
    const int n,
    const float width,
    const float height,
    __global const float* clusters,
    __global const float* rel,
    __global const int* owner,
    __global float* abs_pos)
{
    int i = get_global_id(0);
    if (i >= n) {
        return;
    }
    __global const float* c = clusters + owner[i] * 6;
    float s = sin(c[4]);
    float co = cos(c[4]);
    float rx = rel[i * 2];
    float ry = rel[i * 2 + 1];
    abs_pos[i * 2] = wrap(c[0] + rx * co - ry * s, width);
    abs_pos[i * 2 + 1] = wrap(c[1] + rx * s + ry * co, height);
}`

// OpenCLKernel runs free flight on an OpenCL device in float32. Ids,
// energies and bonds stay on the host; only kinematics live on the device.
type OpenCLKernel struct {
	torus space.Torus

	context   *cl.Context
	queue     *cl.CommandQueue
	program   *cl.Program
	particleK *cl.Kernel
	clusterK  *cl.Kernel
	cellK     *cl.Kernel

	particleBuf *cl.MemObject
	clusterBuf  *cl.MemObject
	relBuf      *cl.MemObject
	ownerBuf    *cl.MemObject
	absBuf      *cl.MemObject

	host       model.Data // non-kinematic fields and layout
	particles  []float32
	clusters   []float32
	rel        []float32
	abs        []float32
	owner      []int32
	deviceName string
}

// NewOpenCLKernel picks the first GPU, falling back to a CPU device.
func NewOpenCLKernel(torus space.Torus) (Kernel, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		msg := "querying OpenCL platforms"
		if strings.Contains(err.Error(), "-1001") {
			msg += ": no ICD loader reported any platforms"
		}
		return nil, fmt.Errorf("%s: %w", msg, err)
	}
	if len(platforms) == 0 {
		return nil, errors.New("no OpenCL platforms available")
	}
	device := pickDevice(platforms, cl.DeviceTypeGPU)
	if device == nil {
		device = pickDevice(platforms, cl.DeviceTypeCPU)
	}
	if device == nil {
		return nil, errors.New("no suitable OpenCL devices found")
	}

	k := &OpenCLKernel{torus: torus, deviceName: device.Name()}
	if k.context, err = cl.CreateContext([]*cl.Device{device}); err != nil {
		return nil, fmt.Errorf("creating OpenCL context: %w", err)
	}
	if k.queue, err = k.context.CreateCommandQueue(device, 0); err != nil {
		k.Close()
		return nil, fmt.Errorf("creating OpenCL command queue: %w", err)
	}
	if k.program, err = k.context.CreateProgramWithSource([]string{freeFlightSource}); err != nil {
		k.Close()
		return nil, fmt.Errorf("creating OpenCL program: %w", err)
	}
	if err := k.program.BuildProgram([]*cl.Device{device}, ""); err != nil {
		k.Close()
		if buildErr, ok := err.(cl.BuildError); ok {
			return nil, fmt.Errorf("building OpenCL program: %s", string(buildErr))
		}
		return nil, fmt.Errorf("building OpenCL program: %w", err)
	}
	for name, dst := range map[string]**cl.Kernel{
		"advance_particles": &k.particleK,
		"advance_clusters":  &k.clusterK,
		"place_cells":       &k.cellK,
	} {
		if *dst, err = k.program.CreateKernel(name); err != nil {
			k.Close()
			return nil, fmt.Errorf("creating kernel %s: %w", name, err)
		}
	}
	return k, nil
}

func pickDevice(platforms []*cl.Platform, kind cl.DeviceType) *cl.Device {
	for _, p := range platforms {
		devices, err := p.GetDevices(kind)
		if err != nil && err != cl.ErrDeviceNotFound {
			continue
		}
		if len(devices) > 0 {
			return devices[0]
		}
	}
	return nil
}

// Name implements Kernel.
func (k *OpenCLKernel) Name() string { return KernelOpenCL + ":" + k.deviceName }

// Upload implements Kernel. Buffers are reallocated to the new sizes.
func (k *OpenCLKernel) Upload(data *model.Data) error {
	copyData(&k.host, data)
	k.releaseBuffers()

	k.particles = k.particles[:0]
	for _, p := range data.Particles {
		k.particles = append(k.particles, float32(p.Pos.X), float32(p.Pos.Y), float32(p.Vel.X), float32(p.Vel.Y))
	}
	k.clusters = k.clusters[:0]
	for _, c := range data.Clusters {
		k.clusters = append(k.clusters, float32(c.Pos.X), float32(c.Pos.Y), float32(c.Vel.X), float32(c.Vel.Y), float32(c.Angle), float32(c.AngularVel))
	}
	k.rel = k.rel[:0]
	k.owner = k.owner[:0]
	for _, cell := range data.Cells {
		k.rel = append(k.rel, float32(cell.RelPos.X), float32(cell.RelPos.Y))
		k.owner = append(k.owner, cell.Cluster)
	}
	k.abs = make([]float32, len(data.Cells)*cellStride)

	var err error
	if k.particleBuf, err = k.writeFloats(k.particles); err != nil {
		return fmt.Errorf("particle buffer: %w", err)
	}
	if k.clusterBuf, err = k.writeFloats(k.clusters); err != nil {
		return fmt.Errorf("cluster buffer: %w", err)
	}
	if k.relBuf, err = k.writeFloats(k.rel); err != nil {
		return fmt.Errorf("cell offset buffer: %w", err)
	}
	if k.absBuf, err = k.writeFloats(k.abs); err != nil {
		return fmt.Errorf("cell position buffer: %w", err)
	}
	if len(k.owner) > 0 {
		byteLen := len(k.owner) * int(unsafe.Sizeof(int32(0)))
		if k.ownerBuf, err = k.context.CreateEmptyBuffer(cl.MemReadOnly, byteLen); err != nil {
			return fmt.Errorf("allocating cell owner buffer: %w", err)
		}
		if _, err := k.queue.EnqueueWriteBuffer(k.ownerBuf, true, 0, byteLen, unsafe.Pointer(&k.owner[0]), nil); err != nil {
			return fmt.Errorf("writing cell owner buffer: %w", err)
		}
	}
	return nil
}

// writeFloats allocates a buffer holding v. Empty slices get no buffer.
func (k *OpenCLKernel) writeFloats(v []float32) (*cl.MemObject, error) {
	if len(v) == 0 {
		return nil, nil
	}
	buf, err := k.context.CreateEmptyBuffer(cl.MemReadWrite, len(v)*int(unsafe.Sizeof(float32(0))))
	if err != nil {
		return nil, fmt.Errorf("allocating: %w", err)
	}
	if _, err := k.queue.EnqueueWriteBufferFloat32(buf, true, 0, v, nil); err != nil {
		buf.Release()
		return nil, fmt.Errorf("writing: %w", err)
	}
	return buf, nil
}

// Step implements Kernel.
func (k *OpenCLKernel) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, h := float32(k.torus.Width), float32(k.torus.Height)

	if n := len(k.host.Particles); n > 0 {
		if err := k.particleK.SetArgs(int32(n), w, h, k.particleBuf); err != nil {
			return fmt.Errorf("setting particle kernel arguments: %w", err)
		}
		if _, err := k.queue.EnqueueNDRangeKernel(k.particleK, nil, []int{n}, nil, nil); err != nil {
			return fmt.Errorf("enqueueing particle kernel: %w", err)
		}
	}
	if n := len(k.host.Clusters); n > 0 {
		if err := k.clusterK.SetArgs(int32(n), w, h, k.clusterBuf); err != nil {
			return fmt.Errorf("setting cluster kernel arguments: %w", err)
		}
		if _, err := k.queue.EnqueueNDRangeKernel(k.clusterK, nil, []int{n}, nil, nil); err != nil {
			return fmt.Errorf("enqueueing cluster kernel: %w", err)
		}
	}
	if n := len(k.host.Cells); n > 0 {
		if err := k.cellK.SetArgs(int32(n), w, h, k.clusterBuf, k.relBuf, k.ownerBuf, k.absBuf); err != nil {
			return fmt.Errorf("setting cell kernel arguments: %w", err)
		}
		if _, err := k.queue.EnqueueNDRangeKernel(k.cellK, nil, []int{n}, nil, nil); err != nil {
			return fmt.Errorf("enqueueing cell kernel: %w", err)
		}
	}
	if err := k.queue.Finish(); err != nil {
		return fmt.Errorf("waiting for kernels: %w", err)
	}
	return nil
}

// Download implements Kernel.
func (k *OpenCLKernel) Download(dst *model.Data) error {
	if k.particleBuf != nil {
		if _, err := k.queue.EnqueueReadBufferFloat32(k.particleBuf, true, 0, k.particles, nil); err != nil {
			return fmt.Errorf("reading particle buffer: %w", err)
		}
	}
	if k.clusterBuf != nil {
		if _, err := k.queue.EnqueueReadBufferFloat32(k.clusterBuf, true, 0, k.clusters, nil); err != nil {
			return fmt.Errorf("reading cluster buffer: %w", err)
		}
	}
	if k.absBuf != nil {
		if _, err := k.queue.EnqueueReadBufferFloat32(k.absBuf, true, 0, k.abs, nil); err != nil {
			return fmt.Errorf("reading cell position buffer: %w", err)
		}
	}

	for i := range k.host.Particles {
		p := &k.host.Particles[i]
		f := k.particles[i*particleStride:]
		p.Pos.X, p.Pos.Y = float64(f[0]), float64(f[1])
	}
	for i := range k.host.Clusters {
		c := &k.host.Clusters[i]
		f := k.clusters[i*clusterStride:]
		c.Pos.X, c.Pos.Y = float64(f[0]), float64(f[1])
		c.Angle = float64(f[4])
	}
	for i := range k.host.Cells {
		cell := &k.host.Cells[i]
		cell.Pos.X, cell.Pos.Y = float64(k.abs[i*cellStride]), float64(k.abs[i*cellStride+1])
	}
	copyData(dst, &k.host)
	return nil
}

func (k *OpenCLKernel) releaseBuffers() {
	for _, buf := range []**cl.MemObject{&k.particleBuf, &k.clusterBuf, &k.relBuf, &k.ownerBuf, &k.absBuf} {
		if *buf != nil {
			(*buf).Release()
			*buf = nil
		}
	}
}

// Close implements Kernel.
func (k *OpenCLKernel) Close() error {
	k.releaseBuffers()
	for _, kern := range []**cl.Kernel{&k.particleK, &k.clusterK, &k.cellK} {
		if *kern != nil {
			(*kern).Release()
			*kern = nil
		}
	}
	if k.program != nil {
		k.program.Release()
		k.program = nil
	}
	if k.queue != nil {
		k.queue.Release()
		k.queue = nil
	}
	if k.context != nil {
		k.context.Release()
		k.context = nil
	}
	return nil
}
