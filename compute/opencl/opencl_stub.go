//go:build !opencl

// Package opencl exposes the OpenCL devices installed on the host through
// the compute device model. Build with the opencl tag to enable it.
package opencl

import (
	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

// Enabled reports whether the package was built with OpenCL support.
const Enabled = false

// ErrDisabled is returned by Devices when OpenCL support is not compiled in.
var ErrDisabled = errors.New("OpenCL support is not enabled; rebuild with -tags opencl")

// Devices always fails without the opencl build tag.
func Devices() ([]compute.Device, error) {
	return nil, ErrDisabled
}
