// Package software is a CPU implementation of the compute device model.
//
// It runs the fusion kernels in Go with the same storage formats as a GPU
// (8-bit normalised and half-float images, float32 arithmetic) and
// validates dispatches the way an OpenCL runtime does. Every memory object
// is recorded in a platform wide ledger, which makes allocation counts and
// release ordering observable.
package software

import (
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/esimov/expofuse/compute"
)

// Faults injects failures into a software device.
type Faults struct {
	// BuildLog fails every program build with this compiler output.
	BuildLog string
	// Kernel fails the creation of the kernel with this name.
	Kernel string
	// Queue fails command queue creation.
	Queue bool
	// AllocAt fails the n-th image allocation (1-based). Zero disables it.
	AllocAt int
	// Info fails attribute queries.
	Info bool
}

// Config describes the limits a software device reports and enforces.
type Config struct {
	Name              string
	Type              compute.DeviceType
	MaxWorkGroupSize  int
	MaxWorkItemSizes  []int
	MaxImageSize      image.Point
	GlobalMemSize     int64
	LocalMemSize      int64
	PreferredMultiple int
	Unavailable       bool
	NoCompiler        bool
	NoImageSupport    bool
	// Workers bounds the goroutines a dispatch runs on. Zero uses GOMAXPROCS.
	Workers int
	Faults  Faults
}

// DefaultConfig returns the configuration of a mid-range GPU class device.
func DefaultConfig() Config {
	return Config{
		Name:              "Software Rasterizer",
		Type:              compute.DeviceTypeCPU,
		MaxWorkGroupSize:  256,
		MaxWorkItemSizes:  []int{256, 256, 64},
		MaxImageSize:      image.Pt(16384, 16384),
		GlobalMemSize:     4 << 30,
		LocalMemSize:      32 << 10,
		PreferredMultiple: 8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.MaxWorkGroupSize == 0 {
		c.MaxWorkGroupSize = def.MaxWorkGroupSize
	}
	if c.MaxWorkItemSizes == nil {
		c.MaxWorkItemSizes = def.MaxWorkItemSizes
	}
	if c.MaxImageSize == (image.Point{}) {
		c.MaxImageSize = def.MaxImageSize
	}
	if c.GlobalMemSize == 0 {
		c.GlobalMemSize = def.GlobalMemSize
	}
	if c.LocalMemSize == 0 {
		c.LocalMemSize = def.LocalMemSize
	}
	if c.Workers <= 0 {
		c.Workers = runtime.GOMAXPROCS(0)
	}
	return c
}

// Context owns the objects of one software device.
type Context struct {
	id string
}

func (c *Context) ID() string { return c.id }

// Platform groups software devices sharing one allocation ledger.
type Platform struct {
	ledger  *Ledger
	devices []*Device
}

// NewPlatform creates one device, each with its own context, per config.
// Without configs a single default device is created.
func NewPlatform(configs ...Config) *Platform {
	if len(configs) == 0 {
		configs = []Config{DefaultConfig()}
	}
	p := &Platform{ledger: &Ledger{}}
	for i, cfg := range configs {
		cfg = cfg.withDefaults()
		p.devices = append(p.devices, &Device{
			cfg:    cfg,
			ctx:    &Context{id: fmt.Sprintf("software:%d", i)},
			ledger: p.ledger,
		})
	}
	return p
}

// Devices returns the platform devices in creation order.
func (p *Platform) Devices() []compute.Device {
	devices := make([]compute.Device, len(p.devices))
	for i, d := range p.devices {
		devices[i] = d
	}
	return devices
}

// Device returns the i-th device with its concrete type.
func (p *Platform) Device(i int) *Device { return p.devices[i] }

// Ledger returns the allocation ledger shared by every device of the platform.
func (p *Platform) Ledger() *Ledger { return p.ledger }

// EventKind tells allocations and releases apart.
type EventKind int

const (
	EventAlloc EventKind = iota
	EventRelease
)

func (k EventKind) String() string {
	if k == EventAlloc {
		return "alloc"
	}
	return "release"
}

// Event is one ledger entry.
type Event struct {
	Seq    int
	Device string
	Kind   EventKind
	Bytes  int64
}

// Ledger records memory object allocations and releases in order.
type Ledger struct {
	mu     sync.Mutex
	events []Event
}

func (l *Ledger) record(device string, kind EventKind, bytes int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, Event{
		Seq:    len(l.events),
		Device: device,
		Kind:   kind,
		Bytes:  bytes,
	})
}

// Events returns a copy of the recorded events.
func (l *Ledger) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Reset drops every recorded event.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.events = nil
	l.mu.Unlock()
}
