package expofuse

import (
	"context"
	"image"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/compute/software"
	"github.com/esimov/expofuse/fusion"
	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ErrNoInputs is returned when a job is started without source images.
var ErrNoInputs = errors.New("at least one source image is required")

// Processor options
type Processor struct {
	// Device runs the fusion kernels. The software device is used when nil.
	Device compute.Device
	// Params are the weight exponents, see fusion.DefaultParams.
	Params fusion.Params
	// Format is the encoding used for writers that are not named files.
	Format  string
	Quality int
	// Workers bounds the number of images decoded concurrently.
	Workers int
	Preview bool
	Spinner *utils.Spinner

	once  sync.Once
	sched *fusion.Scheduler
	eng   *fusion.Engine
	dev   compute.Device
}

// Report is the outcome of a processed job.
type Report struct {
	JobID   string
	Device  string
	Inputs  int
	Size    image.Point
	Elapsed time.Duration
}

// MemoryEstimate is the device memory a job needs next to what the device has.
type MemoryEstimate struct {
	Size         image.Point
	Bytes        int64
	DeviceMemory int64
}

// Usage is the estimate as a percentage of the device memory.
func (m MemoryEstimate) Usage() float64 {
	return utils.Percent(m.Bytes, m.DeviceMemory)
}

func (p *Processor) init() {
	p.once.Do(func() {
		p.dev = p.Device
		if p.dev == nil {
			p.dev = software.NewPlatform().Device(0)
			Logger().Warn("no compute device selected, using the software device", "device", p.dev.Name())
		}
		p.eng = fusion.NewEngine(fusion.WithLogger(Logger()))
		p.sched = fusion.NewScheduler(context.Background(), p.eng)
	})
}

// Close stops the fusion worker and frees every device object.
func (p *Processor) Close() error {
	p.init()
	p.sched.Close()
	return p.eng.Close()
}

// Decode decodes every source concurrently. The images keep the order of srcs.
func (p *Processor) Decode(ctx context.Context, srcs []io.Reader) ([]image.Image, error) {
	if len(srcs) == 0 {
		return nil, ErrNoInputs
	}
	images := make([]image.Image, len(srcs))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers())
	for i, r := range srcs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, format, err := decodeImage(r)
			if err != nil {
				return errors.Wrapf(err, "image %d", i+1)
			}
			Logger().Debug("decoded image", "index", i, "format", format, "size", img.Bounds().Size())
			images[i] = img
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return images, nil
}

// Fuse runs one fusion job over images and waits for its result.
func (p *Processor) Fuse(ctx context.Context, images []image.Image) (*image.NRGBA, Report, error) {
	p.init()
	if len(images) == 0 {
		return nil, Report{}, ErrNoInputs
	}
	if err := ctx.Err(); err != nil {
		return nil, Report{}, err
	}

	results := make(chan fusion.Result, 1)
	_, err := p.sched.Submit(fusion.Job{
		Device: p.dev,
		Images: images,
		Params: p.Params,
		Done:   func(res fusion.Result) { results <- res },
	})
	if err != nil {
		return nil, Report{}, err
	}

	select {
	case <-ctx.Done():
		return nil, Report{}, ctx.Err()
	case res := <-results:
		report := Report{
			JobID:   res.JobID,
			Device:  p.dev.Name(),
			Inputs:  len(images),
			Elapsed: res.Elapsed,
		}
		if res.Err != nil {
			Logger().Error("fusion job failed", "job", res.JobID, "error", res.Err)
			return nil, report, res.Err
		}
		report.Size = res.Image.Bounds().Size()
		Logger().Info("fusion job done", "job", res.JobID, "device", report.Device, "elapsed", res.Elapsed)
		return res.Image, report, nil
	}
}

// Process decodes the sources, fuses them and encodes the result into w.
// The output format follows the file extension when w is a named file, and
// Format otherwise. With Preview set it blocks until the preview window is
// closed.
func (p *Processor) Process(srcs []io.Reader, w io.Writer) error {
	img, report, err := p.ProcessContext(context.Background(), srcs, w)
	if err != nil {
		return err
	}
	if p.Preview {
		return showPreview(img, report)
	}
	return nil
}

// ProcessContext is Process without the preview. ctx is checked between
// the job stages.
func (p *Processor) ProcessContext(ctx context.Context, srcs []io.Reader, w io.Writer) (*image.NRGBA, Report, error) {
	format, err := p.outputFormat(w)
	if err != nil {
		return nil, Report{}, err
	}
	images, err := p.Decode(ctx, srcs)
	if err != nil {
		return nil, Report{}, err
	}
	img, report, err := p.Fuse(ctx, images)
	if err != nil {
		return nil, report, err
	}
	if err := encodeImage(w, img, format, p.quality()); err != nil {
		return nil, report, errors.Wrap(err, "could not encode the fused image")
	}
	return img, report, nil
}

// Estimate reads the dimensions of the sources and returns the device
// memory a job over them needs. Only the image headers are decoded.
func (p *Processor) Estimate(srcs []io.Reader) (MemoryEstimate, error) {
	p.init()
	if len(srcs) == 0 {
		return MemoryEstimate{}, ErrNoInputs
	}
	caps, err := compute.Probe(p.dev)
	if err != nil {
		return MemoryEstimate{}, err
	}
	sizes := make([]image.Point, len(srcs))
	for i, r := range srcs {
		cfg, _, err := image.DecodeConfig(r)
		if err != nil {
			return MemoryEstimate{}, errors.Wrapf(err, "image %d", i+1)
		}
		sizes[i] = image.Pt(cfg.Width, cfg.Height)
	}
	size, bytes := fusion.EstimateFor(sizes, caps.MaxImageSize)
	return MemoryEstimate{Size: size, Bytes: bytes, DeviceMemory: caps.GlobalMemSize}, nil
}

func (p *Processor) outputFormat(w io.Writer) (string, error) {
	if f, ok := w.(*os.File); ok && f != os.Stdout && filepath.Ext(f.Name()) != "" {
		return formatFromPath(f.Name())
	}
	if p.Format == "" {
		return "jpg", nil
	}
	return formatFromPath("." + p.Format)
}

func (p *Processor) workers() int {
	if p.Workers <= 0 {
		return runtime.NumCPU()
	}
	return p.Workers
}

func (p *Processor) quality() int {
	if p.Quality <= 0 {
		return DefaultQuality
	}
	return p.Quality
}
