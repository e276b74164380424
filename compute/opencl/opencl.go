//go:build opencl

// Package opencl exposes the OpenCL devices installed on the host through
// the compute device model. Build with the opencl tag to enable it.
package opencl

import (
	"fmt"
	"image"
	"unsafe"

	"github.com/esimov/expofuse/compute"
	"github.com/jgillich/go-opencl/cl"
	"github.com/pkg/errors"
)

// Enabled reports whether the package was built with OpenCL support.
const Enabled = true

// Devices returns every device of every installed OpenCL platform, each
// with a context of its own.
func Devices() ([]compute.Device, error) {
	platforms, err := cl.GetPlatforms()
	if err != nil {
		return nil, errors.Wrap(err, "unable to list OpenCL platforms")
	}
	var devices []compute.Device
	for pi, p := range platforms {
		devs, err := p.GetDevices(cl.DeviceTypeAll)
		if err != nil {
			// A platform without devices answers with an error.
			continue
		}
		for di, d := range devs {
			ctx, err := cl.CreateContext([]*cl.Device{d})
			if err != nil {
				return nil, errors.Wrapf(err, "%s: unable to create context", d.Name())
			}
			devices = append(devices, &Device{
				dev: d,
				ctx: &Context{id: fmt.Sprintf("opencl:%d:%d", pi, di), ctx: ctx},
			})
		}
	}
	return devices, nil
}

// Context wraps an OpenCL context.
type Context struct {
	id  string
	ctx *cl.Context
}

func (c *Context) ID() string { return c.id }

// Device is an OpenCL device bound to its context.
type Device struct {
	dev *cl.Device
	ctx *Context
}

var _ compute.Device = (*Device)(nil)

func (d *Device) Name() string             { return d.dev.Name() }
func (d *Device) Context() compute.Context { return d.ctx }

func (d *Device) Type() compute.DeviceType {
	t := d.dev.Type()
	switch {
	case t&cl.DeviceTypeGPU != 0:
		return compute.DeviceTypeGPU
	case t&cl.DeviceTypeCPU != 0:
		return compute.DeviceTypeCPU
	case t&cl.DeviceTypeAccelerator != 0:
		return compute.DeviceTypeAccelerator
	}
	return compute.DeviceTypeDefault
}

func (d *Device) Info() (compute.Capabilities, error) {
	return compute.Capabilities{
		Name:              d.dev.Name(),
		Type:              d.Type(),
		MaxWorkGroupSize:  d.dev.MaxWorkGroupSize(),
		MaxWorkItemSizes:  d.dev.MaxWorkItemSizes(),
		MaxImageSize:      image.Pt(d.dev.Image2DMaxWidth(), d.dev.Image2DMaxHeight()),
		GlobalMemSize:     d.dev.GlobalMemSize(),
		LocalMemSize:      d.dev.LocalMemSize(),
		Available:         d.dev.Available(),
		CompilerAvailable: d.dev.CompilerAvailable(),
		ImageSupport:      d.dev.ImageSupport(),
	}, nil
}

func (d *Device) BuildProgram(source string) (compute.Program, error) {
	prog, err := d.ctx.ctx.CreateProgramWithSource([]string{source})
	if err != nil {
		return nil, errors.Wrapf(err, "%s: unable to create program", d.Name())
	}
	if err := prog.BuildProgram([]*cl.Device{d.dev}, ""); err != nil {
		prog.Release()
		if log, ok := err.(cl.BuildError); ok {
			return nil, &compute.BuildError{Device: d.Name(), Log: string(log)}
		}
		return nil, errors.Wrapf(err, "%s: unable to build program", d.Name())
	}
	return &Program{dev: d, prog: prog}, nil
}

func (d *Device) CreateQueue() (compute.Queue, error) {
	q, err := d.ctx.ctx.CreateCommandQueue(d.dev, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: unable to create command queue", d.Name())
	}
	return &Queue{dev: d, q: q}, nil
}

func (d *Device) CreateImage(flags compute.MemFlag, format compute.Format, size image.Point, pix []byte) (compute.Image, error) {
	var clFlags cl.MemFlag
	switch {
	case flags&compute.MemReadOnly != 0:
		clFlags = cl.MemReadOnly
	case flags&compute.MemWriteOnly != 0:
		clFlags = cl.MemWriteOnly
	default:
		clFlags = cl.MemReadWrite
	}
	var data []byte
	if flags&compute.MemHostData != 0 {
		clFlags |= cl.MemCopyHostPtr
		data = pix
	}

	clFormat := cl.ImageFormat{
		ChannelOrder:    cl.ChannelOrderRGBA,
		ChannelDataType: cl.ChannelDataTypeUNormInt8,
	}
	if format.Order == compute.OrderR {
		clFormat.ChannelOrder = cl.ChannelOrderR
	}
	if format.Type == compute.TypeHalfFloat {
		clFormat.ChannelDataType = cl.ChannelDataTypeHalfFloat
	}
	desc := cl.ImageDescription{
		Type:   cl.MemObjectTypeImage2D,
		Width:  size.X,
		Height: size.Y,
	}
	mem, err := d.ctx.ctx.CreateImage(clFlags, clFormat, desc, data)
	if err != nil {
		return nil, errors.Wrapf(compute.ErrOutOfResources, "%s: %v image %v: %v", d.Name(), format, size, err)
	}
	return &Image{mem: mem, format: format, size: size}, nil
}

// Program is a built OpenCL program.
type Program struct {
	dev  *Device
	prog *cl.Program
}

func (p *Program) CreateKernel(name string) (compute.Kernel, error) {
	k, err := p.prog.CreateKernel(name)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: unable to create kernel %q", p.dev.Name(), name)
	}
	return &Kernel{dev: p.dev, name: name, k: k}, nil
}

func (p *Program) Release() { p.prog.Release() }

// Kernel is an OpenCL kernel object.
type Kernel struct {
	dev  *Device
	name string
	k    *cl.Kernel
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) SetArg(index int, arg compute.Arg) error {
	var err error
	switch arg.Kind {
	case compute.ArgImage:
		img, ok := arg.Image.(*Image)
		if !ok {
			return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d is not an OpenCL image", k.name, index)
		}
		err = k.k.SetArgBuffer(index, img.mem)
	case compute.ArgInt2:
		err = k.k.SetArgUnsafe(index, 2*4, unsafe.Pointer(&arg.Ints[0]))
	case compute.ArgInt8:
		err = k.k.SetArgUnsafe(index, 8*4, unsafe.Pointer(&arg.Ints[0]))
	case compute.ArgFloat:
		err = k.k.SetArgFloat32(index, arg.Floats[0])
	case compute.ArgFloat3, compute.ArgFloat4:
		// float3 shares the size and alignment of float4.
		err = k.k.SetArgUnsafe(index, 4*4, unsafe.Pointer(&arg.Floats[0]))
	default:
		return errors.Wrapf(compute.ErrInvalidArg, "%s: unknown argument kind %v", k.name, arg.Kind)
	}
	if err != nil {
		return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d: %v", k.name, index, err)
	}
	return nil
}

func (k *Kernel) WorkGroupInfo() (compute.WorkGroupInfo, error) {
	size, err := k.k.WorkGroupSize(k.dev.dev)
	if err != nil {
		return compute.WorkGroupInfo{}, errors.Wrapf(compute.ErrCapability, "%s: work-group size: %v", k.name, err)
	}
	// Not every runtime reports a preferred multiple.
	multiple, err := k.k.PreferredWorkGroupSizeMultiple(k.dev.dev)
	if err != nil {
		multiple = 0
	}
	return compute.WorkGroupInfo{Size: size, PreferredMultiple: multiple}, nil
}

func (k *Kernel) Release() { k.k.Release() }

// Queue is an in-order OpenCL command queue.
type Queue struct {
	dev *Device
	q   *cl.CommandQueue
}

func (q *Queue) EnqueueKernel(kernel compute.Kernel, global, local [2]int) error {
	k, ok := kernel.(*Kernel)
	if !ok {
		return errors.Wrap(compute.ErrInvalidArg, "not an OpenCL kernel")
	}
	ev, err := q.q.EnqueueNDRangeKernel(k.k, nil, global[:], local[:], nil)
	if err != nil {
		if err == cl.ErrInvalidWorkGroupSize || err == cl.ErrInvalidWorkItemSize {
			return errors.Wrapf(compute.ErrInvalidWorkGroup, "%s: global %v local %v", k.name, global, local)
		}
		return errors.Wrapf(err, "%s: enqueue failed", k.name)
	}
	ev.Release()
	return nil
}

func (q *Queue) ReadImage(img compute.Image, dst []byte) error {
	im, ok := img.(*Image)
	if !ok {
		return errors.Wrap(compute.ErrInvalidArg, "not an OpenCL image")
	}
	region := [3]int{im.size.X, im.size.Y, 1}
	ev, err := q.q.EnqueueReadImage(im.mem, true, [3]int{}, region, 0, 0, dst, nil)
	if err != nil {
		return errors.Wrap(err, "unable to read image")
	}
	ev.Release()
	return nil
}

func (q *Queue) Finish() error {
	return errors.Wrap(q.q.Finish(), "queue finish")
}

func (q *Queue) Release() { q.q.Release() }

// Image is an OpenCL 2D image object.
type Image struct {
	mem    *cl.MemObject
	format compute.Format
	size   image.Point
}

func (img *Image) Format() compute.Format { return img.format }
func (img *Image) Size() image.Point      { return img.size }
func (img *Image) Release()               { img.mem.Release() }
