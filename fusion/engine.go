// Package fusion implements Mertens exposure fusion on a compute device.
//
// An Engine compiles the fusion kernels once per device, keeps the device
// images of the current job in a resource pool and runs the weight,
// normalize, blend and reconstruct pipeline as a sequence of kernel
// dispatches on a single in-order queue. A Scheduler serialises jobs on a
// worker goroutine and coalesces requests that arrive while one is running.
package fusion

import (
	"context"
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/chewxy/math32"
	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

var (
	// ErrInvalidRuntime is returned when the kernel program could not be built for the device.
	ErrInvalidRuntime = errors.New("fusion program unavailable on device")
	// ErrNoDevice is returned when a job is started without a device.
	ErrNoDevice = errors.New("no compute device selected")
	// ErrNoImages is returned when a job is started without source images.
	ErrNoImages = errors.New("no source images")
	// ErrBusy is returned when the engine is asked to work while a job is running.
	ErrBusy = errors.New("fusion job already in progress")
	// ErrInvalidParams is returned for negative or non-finite weight exponents.
	ErrInvalidParams = errors.New("invalid weight parameters")
	// ErrImageTooSmall is returned when the working size can not hold a single pyramid level.
	ErrImageTooSmall = errors.New("image too small for a pyramid")
)

// Params are the exponents applied to the three quality measures of the
// weight map. A zero exponent disables the corresponding measure.
type Params struct {
	Contrast    float32
	Saturation  float32
	Exposedness float32
}

// DefaultParams weights every quality measure equally.
func DefaultParams() Params {
	return Params{Contrast: 1, Saturation: 1, Exposedness: 1}
}

// Validate checks that every exponent is finite and non-negative.
func (p Params) Validate() error {
	for _, v := range []struct {
		name  string
		value float32
	}{
		{"contrast", p.Contrast},
		{"saturation", p.Saturation},
		{"exposedness", p.Exposedness},
	} {
		if math32.IsNaN(v.value) || math32.IsInf(v.value, 0) || v.value < 0 {
			return errors.Wrapf(ErrInvalidParams, "%s exponent %v", v.name, v.value)
		}
	}
	return nil
}

// State is the lifecycle state of an Engine.
type State int

const (
	// StateIdle means the device or the source images are missing.
	StateIdle State = iota
	// StateConfigured means a job can be started.
	StateConfigured
	// StateProcessing means a job is in flight.
	StateProcessing
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateProcessing:
		return "processing"
	}
	return "idle"
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger receiving compiler diagnostics and job events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine runs exposure fusion jobs on one device at a time. It is not
// reentrant: Process fails with ErrBusy while another job is in flight.
type Engine struct {
	log   *slog.Logger
	cache *programCache
	pool  *pool

	mu      sync.Mutex
	dev     compute.Device
	images  []image.Image
	params  Params
	running bool
}

// NewEngine creates an engine with the default parameters and no device.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:    newNopLogger(),
		params: DefaultParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cache = newProgramCache(kernelSource, e.log)
	e.pool = newPool(e.log)
	return e
}

// State reports the engine lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state()
}

func (e *Engine) state() State {
	switch {
	case e.running:
		return StateProcessing
	case e.dev != nil && len(e.images) > 0:
		return StateConfigured
	}
	return StateIdle
}

// Device returns the selected device.
func (e *Engine) Device() compute.Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dev
}

// SetDevice selects the device the next job runs on. The device images of
// the previous job are released when the device changes.
func (e *Engine) SetDevice(dev compute.Device) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	if dev == e.dev {
		return nil
	}
	e.pool.releaseAll()
	e.dev = dev
	return nil
}

// SetImages replaces the source images. Any device images of the previous
// set are released, even when the new set has the same length.
func (e *Engine) SetImages(images []image.Image) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.pool.releaseAll()
	e.images = append([]image.Image(nil), images...)
	return nil
}

// SetParams changes the weight exponents. Device resources are kept.
func (e *Engine) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.params = p
	e.mu.Unlock()
	return nil
}

// Params returns the current weight exponents.
func (e *Engine) Params() Params {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.params
}

// Size returns the working size of the current job, or the zero point if
// no resources are allocated.
func (e *Engine) Size() image.Point {
	return e.pool.workingSize()
}

// Process runs one fusion job and returns the fused image. On failure the
// device images are released so the next call rebuilds them.
func (e *Engine) Process(ctx context.Context) (*image.NRGBA, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	dev, images, params := e.dev, e.images, e.params
	if dev == nil {
		e.mu.Unlock()
		return nil, ErrNoDevice
	}
	if len(images) == 0 {
		e.mu.Unlock()
		return nil, ErrNoImages
	}
	e.running = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	start := time.Now()
	img, err := e.process(ctx, dev, images, params)
	if err != nil {
		e.pool.releaseAll()
		e.log.Error("fusion failed", "device", dev.Name(), "error", err)
		return nil, err
	}
	e.log.Info("fusion done",
		"device", dev.Name(),
		"images", len(images),
		"size", e.pool.workingSize(),
		"elapsed", time.Since(start),
	)
	return img, nil
}

func (e *Engine) process(ctx context.Context, dev compute.Device, images []image.Image, params Params) (*image.NRGBA, error) {
	caps, err := compute.Probe(dev)
	if err != nil {
		return nil, err
	}
	rt := e.cache.getOrCompile(dev)
	if !rt.Valid() {
		return nil, errors.Wrap(ErrInvalidRuntime, dev.Name())
	}
	if err := e.pool.ensure(ctx, images, dev, caps); err != nil {
		return nil, err
	}
	p := &pipeline{
		d:      &dispatcher{rt: rt, caps: caps},
		pool:   e.pool,
		params: params,
		log:    e.log,
	}
	return p.process(ctx)
}

// Release frees the device images of the current job. Compiled programs
// are kept.
func (e *Engine) Release() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.pool.releaseAll()
	return nil
}

// Close frees every device object the engine owns, compiled programs
// included. The engine may be used again afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return ErrBusy
	}
	e.pool.releaseAll()
	e.cache.close()
	return nil
}
