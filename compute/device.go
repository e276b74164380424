// Package compute defines the device model the fusion engine runs on:
// devices and their owning contexts, programs, kernels, command queues
// and 2D images, plus the helpers used to size and bind kernel dispatches.
package compute

import (
	"image"
)

// DeviceType classifies a compute device.
type DeviceType int

const (
	DeviceTypeDefault DeviceType = iota
	DeviceTypeCPU
	DeviceTypeGPU
	DeviceTypeAccelerator
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeAccelerator:
		return "Accelerator"
	}
	return "Default"
}

// MemFlag controls how a device image is accessed and initialised.
type MemFlag int

const (
	MemReadWrite MemFlag = 1 << iota
	MemReadOnly
	MemWriteOnly
	// MemHostData initialises the image with a copy of the supplied host
	// pixels. Later changes to them are not seen by the device.
	MemHostData
)

// Context is the opaque owner of a device's memory objects and queues.
// Values must be comparable; they are used as cache keys.
type Context interface {
	ID() string
}

// Device is a compute device borrowed from a platform provider.
// Implementations must be comparable.
type Device interface {
	Name() string
	Type() DeviceType
	Context() Context

	// Info queries the raw device attributes. Use Probe to validate them.
	Info() (Capabilities, error)

	// BuildProgram compiles the kernel source for this device.
	// A compiler failure is reported as a *BuildError.
	BuildProgram(source string) (Program, error)

	// CreateQueue creates an in-order command queue.
	CreateQueue() (Queue, error)

	// CreateImage allocates a 2D image. pix is only read with MemHostData and
	// must then hold size.X*size.Y pixels in the given format.
	CreateImage(flags MemFlag, format Format, size image.Point, pix []byte) (Image, error)
}

// Program is a built kernel program.
type Program interface {
	CreateKernel(name string) (Kernel, error)
	Release()
}

// WorkGroupInfo holds the per-kernel work-group limits of a device.
type WorkGroupInfo struct {
	// Size is the maximum work-group size the kernel can be launched with.
	Size int
	// PreferredMultiple is the preferred work-group size granularity, 0 if unknown.
	PreferredMultiple int
}

// Kernel is a single entry point of a built program.
type Kernel interface {
	Name() string
	SetArg(index int, arg Arg) error
	WorkGroupInfo() (WorkGroupInfo, error)
	Release()
}

// Queue is an in-order command queue. Commands complete in submission order.
type Queue interface {
	EnqueueKernel(k Kernel, global, local [2]int) error
	// ReadImage blocks until the image content is copied into dst.
	ReadImage(img Image, dst []byte) error
	Finish() error
	Release()
}

// Image is a device resident 2D image.
type Image interface {
	Format() Format
	Size() image.Point
	Release()
}
