package compute

import (
	"image"
	"math"
	"sort"

	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
)

// Capabilities are the device attributes consumed by the fusion engine.
type Capabilities struct {
	Name              string
	Type              DeviceType
	MaxWorkGroupSize  int
	MaxWorkItemSizes  []int
	MaxImageSize      image.Point
	GlobalMemSize     int64
	LocalMemSize      int64
	Available         bool
	CompilerAvailable bool
	ImageSupport      bool
}

// Probe queries dev and validates the limits needed to size kernel dispatches.
// A zero or missing answer is an error; callers must not guess defaults.
func Probe(dev Device) (Capabilities, error) {
	if dev == nil {
		return Capabilities{}, errors.Wrap(ErrCapability, "no device")
	}
	caps, err := dev.Info()
	if err != nil {
		return Capabilities{}, errors.Wrapf(ErrCapability, "%s: %v", dev.Name(), err)
	}
	if caps.MaxWorkGroupSize <= 0 {
		return Capabilities{}, errors.Wrapf(ErrCapability, "%s: max work-group size unavailable", dev.Name())
	}
	if len(caps.MaxWorkItemSizes) < 2 {
		return Capabilities{}, errors.Wrapf(ErrCapability, "%s: max work-item sizes unavailable", dev.Name())
	}
	for i := 0; i < 2; i++ {
		if caps.MaxWorkItemSizes[i] <= 0 {
			return Capabilities{}, errors.Wrapf(ErrCapability, "%s: zero work-item size in dimension %d", dev.Name(), i)
		}
	}
	if caps.MaxImageSize.X <= 0 || caps.MaxImageSize.Y <= 0 {
		return Capabilities{}, errors.Wrapf(ErrCapability, "%s: 2D image size limit unavailable", dev.Name())
	}
	return caps, nil
}

// Usable reports whether a device can run the fusion program: it must be
// available, ship a compiler and support 2D images.
func Usable(caps Capabilities) bool {
	return caps.Available && caps.CompilerAvailable && caps.ImageSupport
}

// SelectDevices keeps the usable devices, GPUs first. Devices whose
// attributes can not be queried are dropped.
func SelectDevices(devices []Device) []Device {
	selected := make([]Device, 0, len(devices))
	for _, dev := range devices {
		caps, err := dev.Info()
		if err != nil || !Usable(caps) {
			continue
		}
		selected = append(selected, dev)
	}
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].Type() == DeviceTypeGPU && selected[j].Type() != DeviceTypeGPU
	})
	return selected
}

// CPUFallbackWarning reports whether a GPU is present in devices while
// selected is not one.
func CPUFallbackWarning(selected Device, devices []Device) bool {
	if selected == nil || selected.Type() == DeviceTypeGPU {
		return false
	}
	for _, dev := range devices {
		if dev.Type() == DeviceTypeGPU {
			return true
		}
	}
	return false
}

// LocalSize computes the work-group shape for a dispatch over size.
// The first dimension uses the kernel's preferred multiple, or the square
// root of the maximum work-group size when the multiple is unknown; the
// second fills the rest of the work-group budget.
func LocalSize(size image.Point, caps Capabilities, info WorkGroupInfo) [2]int {
	maxGroup := caps.MaxWorkGroupSize
	if info.Size > 0 && info.Size < maxGroup {
		maxGroup = info.Size
	}
	side := info.PreferredMultiple
	if side <= 0 {
		side = int(math.Sqrt(float64(maxGroup)))
	}
	side = utils.Max(1, utils.Min(side, maxGroup))

	var local [2]int
	local[0] = utils.Min(size.X, side)
	if side*side <= maxGroup {
		local[1] = utils.Min(size.Y, side)
	} else {
		local[1] = utils.Min(size.Y, maxGroup/utils.Max(1, local[0]))
	}
	for i := range local {
		if len(caps.MaxWorkItemSizes) > i {
			local[i] = utils.Min(local[i], caps.MaxWorkItemSizes[i])
		}
		local[i] = utils.Max(1, local[i])
	}
	return local
}

// GlobalSize pads size up to a multiple of local in both dimensions.
func GlobalSize(size image.Point, local [2]int) [2]int {
	return [2]int{
		utils.Pad(size.X, local[0]),
		utils.Pad(size.Y, local[1]),
	}
}
