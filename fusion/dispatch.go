package fusion

import (
	"image"

	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

// dispatcher enqueues the fusion kernels on a runtime's queue, sizing every
// dispatch from the device capabilities and the kernel work-group limits.
type dispatcher struct {
	rt   *Runtime
	caps compute.Capabilities
}

func (d *dispatcher) enqueue(kt compute.KernelType, args *compute.Args) error {
	e, ok := d.rt.Kernels[kt]
	if !ok {
		return errors.Wrapf(ErrInvalidRuntime, "missing kernel %s", kt)
	}
	if err := args.Bind(e.kernel); err != nil {
		return err
	}
	local := compute.LocalSize(args.Size(), d.caps, e.info)
	global := compute.GlobalSize(args.Size(), local)
	if err := d.rt.Queue.EnqueueKernel(e.kernel, global, local); err != nil {
		return errors.Wrapf(err, "%s over %v", kt, args.Size())
	}
	return nil
}

func (d *dispatcher) weight(src, dst compute.Image, p Params) error {
	return d.enqueue(compute.KernelWeight, compute.NewArgs(dst.Size()).
		Image(src).
		Image(dst).
		Float3(p.Contrast, p.Saturation, p.Exposedness))
}

func (d *dispatcher) add(a, b, dst compute.Image, size image.Point) error {
	return d.enqueue(compute.KernelAdd, compute.NewArgs(size).Image(a).Image(b).Image(dst))
}

func (d *dispatcher) sub(a, b, dst compute.Image, size image.Point) error {
	return d.enqueue(compute.KernelSub, compute.NewArgs(size).Image(a).Image(b).Image(dst))
}

func (d *dispatcher) mul(a, b, dst compute.Image, size image.Point) error {
	return d.enqueue(compute.KernelMul, compute.NewArgs(size).Image(a).Image(b).Image(dst))
}

// div divides a by the first channel of b. Pixels where b is not positive
// get the fallback value.
func (d *dispatcher) div(a, b, dst compute.Image, size image.Point, fallback float32) error {
	return d.enqueue(compute.KernelDiv, compute.NewArgs(size).Image(a).Image(b).Image(dst).Float(fallback))
}

func (d *dispatcher) fill(dst compute.Image, v float32) error {
	return d.enqueue(compute.KernelFill, compute.NewArgs(dst.Size()).Image(dst).Float4([4]float32{v, v, v, v}))
}

func (d *dispatcher) copy(src, dst compute.Image, size image.Point) error {
	return d.enqueue(compute.KernelCopy, compute.NewArgs(size).Image(src).Image(dst))
}

// upsample zero-inserts the coarse image src into dst over the fine size.
func (d *dispatcher) upsample(src, dst compute.Image, coarse, fine image.Point) error {
	return d.enqueue(compute.KernelUpsample, compute.NewArgs(fine).
		Image(src).
		Image(dst).
		Point(coarse.Sub(image.Pt(1, 1))))
}

func (d *dispatcher) toRGBA(src, dst compute.Image, size image.Point) error {
	return d.enqueue(compute.KernelToRGBA, compute.NewArgs(size).Image(src).Image(dst))
}
