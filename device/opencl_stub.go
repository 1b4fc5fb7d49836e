//go:build !opencl

package device

import (
	"errors"

	"github.com/pthm-cable/cellsim/space"
)

// NewOpenCLKernel is unavailable without the opencl build tag.
func NewOpenCLKernel(space.Torus) (Kernel, error) {
	return nil, errors.New("OpenCL support is not enabled; rebuild with -tags opencl")
}
