package software

import (
	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Program is a built software program. It exposes the entry points found
// in the source that have a software implementation.
type Program struct {
	dev      *Device
	names    map[string]bool
	released bool
}

func (p *Program) CreateKernel(name string) (compute.Kernel, error) {
	if p.released {
		return nil, errors.Wrap(compute.ErrReleased, "program")
	}
	if !p.names[name] || p.dev.faults().Kernel == name {
		return nil, errors.Errorf("%s: invalid kernel name %q", p.dev.Name(), name)
	}
	kt, ok := compute.KernelByName(name)
	spec, implemented := kernelSpecs[kt]
	if !ok || !implemented {
		return nil, errors.Errorf("%s: kernel %q has no software implementation", p.dev.Name(), name)
	}
	return &Kernel{
		dev:  p.dev,
		name: name,
		spec: spec,
		args: make([]compute.Arg, len(spec.params)),
		set:  make([]bool, len(spec.params)),
	}, nil
}

func (p *Program) Release() { p.released = true }

// Kernel is a software kernel with its bound arguments.
type Kernel struct {
	dev      *Device
	name     string
	spec     kernelSpec
	args     []compute.Arg
	set      []bool
	released bool
}

func (k *Kernel) Name() string { return k.name }

func (k *Kernel) SetArg(index int, arg compute.Arg) error {
	if k.released {
		return errors.Wrap(compute.ErrReleased, k.name)
	}
	if index < 0 || index >= len(k.spec.params) {
		return errors.Wrapf(compute.ErrInvalidArg, "%s: argument index %d out of range", k.name, index)
	}
	if want := k.spec.params[index]; arg.Kind != want {
		return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d is %s, want %s", k.name, index, arg.Kind, want)
	}
	if arg.Kind == compute.ArgImage {
		img, ok := arg.Image.(*Image)
		if !ok || img.dev != k.dev {
			return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d is not an image of this device", k.name, index)
		}
	}
	k.args[index] = arg
	k.set[index] = true
	return nil
}

func (k *Kernel) WorkGroupInfo() (compute.WorkGroupInfo, error) {
	if k.released {
		return compute.WorkGroupInfo{}, errors.Wrap(compute.ErrReleased, k.name)
	}
	return compute.WorkGroupInfo{
		Size:              k.dev.cfg.MaxWorkGroupSize,
		PreferredMultiple: k.dev.cfg.PreferredMultiple,
	}, nil
}

func (k *Kernel) Release() { k.released = true }

// Queue executes dispatches synchronously, so commands complete in order.
type Queue struct {
	dev      *Device
	released bool
}

func (q *Queue) EnqueueKernel(kernel compute.Kernel, global, local [2]int) error {
	if q.released {
		return errors.Wrap(compute.ErrReleased, "queue")
	}
	k, ok := kernel.(*Kernel)
	if !ok || k.dev != q.dev {
		return errors.Wrap(compute.ErrInvalidArg, "kernel does not belong to this device")
	}
	if k.released {
		return errors.Wrap(compute.ErrReleased, k.name)
	}
	if err := q.checkWorkGroup(global, local); err != nil {
		return errors.Wrap(err, k.name)
	}

	for i, ok := range k.set {
		if !ok {
			return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d not set", k.name, i)
		}
	}
	args := make([]compute.Arg, len(k.args))
	copy(args, k.args)
	written := make(map[*Image]bool)
	for _, i := range k.spec.writes {
		written[args[i].Image.(*Image)] = true
	}
	for i, arg := range args {
		if arg.Kind != compute.ArgImage {
			continue
		}
		img := arg.Image.(*Image)
		if img.isReleased() {
			return errors.Wrapf(compute.ErrReleased, "%s: argument %d", k.name, i)
		}
		if k.spec.isWrite(i) {
			if img.readOnly() {
				return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d is read only", k.name, i)
			}
			continue
		}
		if written[img] {
			return errors.Wrapf(compute.ErrInvalidArg, "%s: argument %d is read and written by one dispatch", k.name, i)
		}
	}
	for img := range written {
		img.alloc()
	}

	run := k.spec.build(args)
	rows := global[1]
	workers := utils.Min(q.dev.cfg.Workers, rows)
	chunk := (rows + workers - 1) / workers

	var g errgroup.Group
	for start := 0; start < rows; start += chunk {
		y0, y1 := start, utils.Min(start+chunk, rows)
		g.Go(func() error {
			for y := y0; y < y1; y++ {
				for x := 0; x < global[0]; x++ {
					run(x, y)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	q.dev.dispatched()
	return nil
}

func (q *Queue) checkWorkGroup(global, local [2]int) error {
	cfg := q.dev.cfg
	for i := 0; i < 2; i++ {
		if global[i] <= 0 || local[i] <= 0 {
			return errors.Wrapf(compute.ErrInvalidWorkGroup, "empty range global %v local %v", global, local)
		}
		if local[i] > cfg.MaxWorkItemSizes[i] {
			return errors.Wrapf(compute.ErrInvalidWorkGroup, "local size %d exceeds work-item limit %d in dimension %d",
				local[i], cfg.MaxWorkItemSizes[i], i)
		}
		if global[i]%local[i] != 0 {
			return errors.Wrapf(compute.ErrInvalidWorkGroup, "global size %d is not a multiple of local size %d", global[i], local[i])
		}
	}
	if local[0]*local[1] > cfg.MaxWorkGroupSize {
		return errors.Wrapf(compute.ErrInvalidWorkGroup, "work-group %dx%d exceeds %d", local[0], local[1], cfg.MaxWorkGroupSize)
	}
	return nil
}

func (q *Queue) ReadImage(image compute.Image, dst []byte) error {
	if q.released {
		return errors.Wrap(compute.ErrReleased, "queue")
	}
	img, ok := image.(*Image)
	if !ok || img.dev != q.dev {
		return errors.Wrap(compute.ErrInvalidArg, "image does not belong to this device")
	}
	if img.isReleased() {
		return errors.Wrap(compute.ErrReleased, "image")
	}
	if need := compute.ByteCount(img.size, img.format); int64(len(dst)) < need {
		return errors.Errorf("read buffer holds %d bytes, %d required", len(dst), need)
	}
	img.encode(dst)
	return nil
}

func (q *Queue) Finish() error {
	if q.released {
		return errors.Wrap(compute.ErrReleased, "queue")
	}
	return nil
}

func (q *Queue) Release() { q.released = true }
