package software

import (
	"image"
	"regexp"
	"sync"

	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

var entryPoint = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(`)

// Stats is a snapshot of a device's memory object bookkeeping.
type Stats struct {
	Allocations int
	Releases    int
	Live        int
	LiveBytes   int64
	PeakBytes   int64
	Dispatches  int
}

// Device is a software compute device.
type Device struct {
	cfg    Config
	ctx    *Context
	ledger *Ledger

	mu    sync.Mutex
	stats Stats
}

var _ compute.Device = (*Device)(nil)

func (d *Device) Name() string             { return d.cfg.Name }
func (d *Device) Type() compute.DeviceType { return d.cfg.Type }
func (d *Device) Context() compute.Context { return d.ctx }
func (d *Device) String() string           { return d.cfg.Name }

// Config returns the device configuration, defaults applied.
func (d *Device) Config() Config { return d.cfg }

// SetFaults replaces the injected failures.
func (d *Device) SetFaults(f Faults) {
	d.mu.Lock()
	d.cfg.Faults = f
	d.mu.Unlock()
}

func (d *Device) faults() Faults {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Faults
}

// Stats returns the current allocation counters.
func (d *Device) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Device) Info() (compute.Capabilities, error) {
	if d.faults().Info {
		return compute.Capabilities{}, errors.New("device info query not supported")
	}
	return compute.Capabilities{
		Name:              d.cfg.Name,
		Type:              d.cfg.Type,
		MaxWorkGroupSize:  d.cfg.MaxWorkGroupSize,
		MaxWorkItemSizes:  append([]int(nil), d.cfg.MaxWorkItemSizes...),
		MaxImageSize:      d.cfg.MaxImageSize,
		GlobalMemSize:     d.cfg.GlobalMemSize,
		LocalMemSize:      d.cfg.LocalMemSize,
		Available:         !d.cfg.Unavailable,
		CompilerAvailable: !d.cfg.NoCompiler,
		ImageSupport:      !d.cfg.NoImageSupport,
	}, nil
}

func (d *Device) BuildProgram(source string) (compute.Program, error) {
	if d.cfg.NoCompiler {
		return nil, errors.Errorf("%s: compiler not available", d.cfg.Name)
	}
	if log := d.faults().BuildLog; log != "" {
		return nil, &compute.BuildError{Device: d.cfg.Name, Log: log}
	}
	names := make(map[string]bool)
	for _, m := range entryPoint.FindAllStringSubmatch(source, -1) {
		names[m[1]] = true
	}
	if len(names) == 0 {
		return nil, &compute.BuildError{Device: d.cfg.Name, Log: "error: no kernel entry points in program source"}
	}
	return &Program{dev: d, names: names}, nil
}

func (d *Device) CreateQueue() (compute.Queue, error) {
	if d.faults().Queue {
		return nil, errors.Errorf("%s: unable to create command queue", d.cfg.Name)
	}
	return &Queue{dev: d}, nil
}

func (d *Device) CreateImage(flags compute.MemFlag, format compute.Format, size image.Point, pix []byte) (compute.Image, error) {
	if d.cfg.NoImageSupport {
		return nil, errors.Errorf("%s: images not supported", d.cfg.Name)
	}
	if format.PixelSize() == 0 {
		return nil, errors.Errorf("%s: image format %v not supported", d.cfg.Name, format)
	}
	if size.X <= 0 || size.Y <= 0 || size.X > d.cfg.MaxImageSize.X || size.Y > d.cfg.MaxImageSize.Y {
		return nil, errors.Errorf("%s: invalid image size %v", d.cfg.Name, size)
	}
	bytes := compute.ByteCount(size, format)
	if flags&compute.MemHostData != 0 && int64(len(pix)) < bytes {
		return nil, errors.Errorf("%s: host data holds %d bytes, %d required", d.cfg.Name, len(pix), bytes)
	}

	d.mu.Lock()
	if at := d.cfg.Faults.AllocAt; at > 0 && d.stats.Allocations+1 == at {
		d.mu.Unlock()
		return nil, errors.Wrapf(compute.ErrOutOfResources, "%s: allocation %d", d.cfg.Name, at)
	}
	if d.stats.LiveBytes+bytes > d.cfg.GlobalMemSize {
		d.mu.Unlock()
		return nil, errors.Wrapf(compute.ErrOutOfResources, "%s: %d bytes requested, %d of %d in use",
			d.cfg.Name, bytes, d.stats.LiveBytes, d.cfg.GlobalMemSize)
	}
	d.stats.Allocations++
	d.stats.Live++
	d.stats.LiveBytes += bytes
	if d.stats.LiveBytes > d.stats.PeakBytes {
		d.stats.PeakBytes = d.stats.LiveBytes
	}
	d.mu.Unlock()
	d.ledger.record(d.cfg.Name, EventAlloc, bytes)

	return newImage(d, flags, format, size, pix, bytes), nil
}

func (d *Device) release(bytes int64) {
	d.mu.Lock()
	d.stats.Releases++
	d.stats.Live--
	d.stats.LiveBytes -= bytes
	d.mu.Unlock()
	d.ledger.record(d.cfg.Name, EventRelease, bytes)
}

func (d *Device) dispatched() {
	d.mu.Lock()
	d.stats.Dispatches++
	d.mu.Unlock()
}
