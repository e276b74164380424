package fusion

import (
	_ "embed"
	"log/slog"
	"sync"

	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

//go:embed kernels.cl
var kernelSource string

type kernelEntry struct {
	kernel compute.Kernel
	info   compute.WorkGroupInfo
}

// Runtime is the compiled fusion program of one device: the program, an
// in-order queue and every kernel entry point with its work-group limits.
type Runtime struct {
	Program compute.Program
	Queue   compute.Queue
	Kernels map[compute.KernelType]*kernelEntry
}

// Valid reports whether the program, the queue and all kernels exist.
func (r *Runtime) Valid() bool {
	if r == nil || r.Program == nil || r.Queue == nil {
		return false
	}
	for _, kt := range compute.KernelTypes() {
		if e, ok := r.Kernels[kt]; !ok || e.kernel == nil {
			return false
		}
	}
	return true
}

func (r *Runtime) release() {
	for kt, e := range r.Kernels {
		e.kernel.Release()
		delete(r.Kernels, kt)
	}
	if r.Queue != nil {
		r.Queue.Release()
		r.Queue = nil
	}
	if r.Program != nil {
		r.Program.Release()
		r.Program = nil
	}
}

type runtimeKey struct {
	ctx compute.Context
	dev compute.Device
}

// programCache holds one runtime per context and device pair.
type programCache struct {
	source string
	log    *slog.Logger

	mu       sync.Mutex
	runtimes map[runtimeKey]*Runtime
}

func newProgramCache(source string, log *slog.Logger) *programCache {
	return &programCache{
		source:   source,
		log:      log,
		runtimes: make(map[runtimeKey]*Runtime),
	}
}

// getOrCompile returns the cached runtime of dev, compiling it when it is
// missing or invalid. The returned runtime may be invalid; it is then
// compiled again on the next call.
func (c *programCache) getOrCompile(dev compute.Device) *Runtime {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := runtimeKey{ctx: dev.Context(), dev: dev}
	if rt, ok := c.runtimes[key]; ok && rt.Valid() {
		return rt
	}
	rt := c.compile(dev)
	c.runtimes[key] = rt
	return rt
}

// compile builds the program for dev. Everything created before a failure
// is released and an empty, invalid runtime is returned.
func (c *programCache) compile(dev compute.Device) *Runtime {
	c.log.Debug("compiling fusion program", "device", dev.Name())

	rt := &Runtime{Kernels: make(map[compute.KernelType]*kernelEntry)}
	if err := c.build(dev, rt); err != nil {
		rt.release()
		var buildErr *compute.BuildError
		if errors.As(err, &buildErr) {
			c.log.Warn("fusion program build failed", "device", buildErr.Device, "log", buildErr.Log)
		} else {
			c.log.Warn("fusion program unavailable", "device", dev.Name(), "error", err)
		}
		return rt
	}
	c.log.Debug("fusion program ready", "device", dev.Name(), "kernels", len(rt.Kernels))
	return rt
}

func (c *programCache) build(dev compute.Device, rt *Runtime) error {
	prog, err := dev.BuildProgram(c.source)
	if err != nil {
		return err
	}
	rt.Program = prog

	for _, kt := range compute.KernelTypes() {
		k, err := prog.CreateKernel(kt.Name())
		if err != nil {
			return err
		}
		info, err := k.WorkGroupInfo()
		if err != nil {
			k.Release()
			return err
		}
		rt.Kernels[kt] = &kernelEntry{kernel: k, info: info}
	}

	queue, err := dev.CreateQueue()
	if err != nil {
		return err
	}
	rt.Queue = queue
	return nil
}

func (c *programCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, rt := range c.runtimes {
		rt.release()
		delete(c.runtimes, key)
	}
}
