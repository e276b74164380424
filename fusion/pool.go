package fusion

import (
	"context"
	"image"
	"log/slog"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// pool owns every device image of one fusion job.
type pool struct {
	log *slog.Logger

	mu     sync.Mutex
	dev    compute.Device
	size   image.Point
	sizes  []image.Point
	owned  []compute.Image
	bytes  int64
	hosted []*image.NRGBA

	sources []compute.Image
	weights []compute.Image

	result    compute.Image
	tmp       compute.Image
	weightSum compute.Image

	imagePyr  Pyramid
	weightPyr Pyramid
	resultPyr Pyramid
	tmp1Pyr   Pyramid
	tmp2Pyr   Pyramid
}

func newPool(log *slog.Logger) *pool {
	return &pool{log: log}
}

// commonSize returns the smallest width and height among sizes, bounded by
// the device image limit.
func commonSize(sizes []image.Point, limit image.Point) (image.Point, error) {
	if len(sizes) == 0 {
		return image.Point{}, ErrNoImages
	}
	size := sizes[0]
	for _, s := range sizes[1:] {
		size.X = utils.Min(size.X, s.X)
		size.Y = utils.Min(size.Y, s.Y)
	}
	if limit.X > 0 {
		size.X = utils.Min(size.X, limit.X)
	}
	if limit.Y > 0 {
		size.Y = utils.Min(size.Y, limit.Y)
	}
	if size.X < 1 || size.Y < 1 {
		return image.Point{}, errors.Errorf("invalid working size %v", size)
	}
	return size, nil
}

// scale converts img to an NRGBA of the given size. An NRGBA that already
// has the size and a tight layout is used as is.
func scale(img image.Image, size image.Point) *image.NRGBA {
	b := img.Bounds()
	if nrgba, ok := img.(*image.NRGBA); ok && b.Min == (image.Point{}) && b.Size() == size && nrgba.Stride == 4*size.X {
		return nrgba
	}
	if b.Size() == size {
		return imaging.Clone(img)
	}
	return imaging.Resize(img, size.X, size.Y, imaging.Lanczos)
}

// scaleAll scales every image in parallel. It returns once all of them are
// done or the first one failed.
func scaleAll(ctx context.Context, images []image.Image, size image.Point) ([]*image.NRGBA, error) {
	scaled := make([]*image.NRGBA, len(images))
	g, ctx := errgroup.WithContext(ctx)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			if img == nil || img.Bounds().Empty() {
				return errors.Errorf("source image %d is empty", i)
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			scaled[i] = scale(img, size)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return scaled, nil
}

// ensure allocates the device images for images on dev. It does nothing
// when the pool already holds as many sources for the same device. On
// failure everything allocated so far is released.
func (p *pool) ensure(ctx context.Context, images []image.Image, dev compute.Device, caps compute.Capabilities) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dev == dev && len(p.sources) > 0 && len(p.sources) == len(images) {
		return nil
	}
	p.release()

	if err := p.allocate(ctx, images, dev, caps); err != nil {
		p.release()
		return err
	}
	p.log.Debug("device images allocated",
		"device", dev.Name(),
		"size", p.size,
		"levels", len(p.sizes),
		"objects", len(p.owned),
		"bytes", utils.HumanBytes(p.bytes),
	)
	return nil
}

func (p *pool) allocate(ctx context.Context, images []image.Image, dev compute.Device, caps compute.Capabilities) error {
	bounds := make([]image.Point, len(images))
	for i, img := range images {
		if img == nil {
			return errors.Errorf("source image %d is nil", i)
		}
		bounds[i] = img.Bounds().Size()
	}
	size, err := commonSize(bounds, caps.MaxImageSize)
	if err != nil {
		return err
	}
	sizes := levelSizes(size)
	if len(sizes) < 1 {
		return errors.Wrapf(ErrImageTooSmall, "working size %v", size)
	}

	scaled, err := scaleAll(ctx, images, size)
	if err != nil {
		return errors.Wrap(err, "unable to scale source images")
	}

	p.dev = dev
	p.size = size
	p.sizes = sizes
	p.hosted = scaled

	for i, img := range scaled {
		src, err := p.alloc(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, size, img.Pix)
		if err != nil {
			return errors.Wrapf(err, "source image %d", i)
		}
		p.sources = append(p.sources, src)
	}
	if len(p.sources) != len(images) {
		return errors.Errorf("uploaded %d of %d source images", len(p.sources), len(images))
	}

	if p.result, err = p.alloc(compute.MemReadWrite, compute.FormatRGBA8, size, nil); err != nil {
		return errors.Wrap(err, "result image")
	}
	if p.tmp, err = p.alloc(compute.MemReadWrite, compute.FormatRHalf, size, nil); err != nil {
		return errors.Wrap(err, "scratch image")
	}
	if p.weightSum, err = p.alloc(compute.MemReadWrite, compute.FormatRHalf, size, nil); err != nil {
		return errors.Wrap(err, "weight sum image")
	}

	for i := range images {
		w, err := p.alloc(compute.MemReadWrite, compute.FormatRHalf, size, nil)
		if err != nil {
			return errors.Wrapf(err, "weight map %d", i)
		}
		p.weights = append(p.weights, w)
	}

	for _, pyr := range []*Pyramid{&p.imagePyr, &p.weightPyr, &p.resultPyr, &p.tmp1Pyr, &p.tmp2Pyr} {
		for level, s := range sizes {
			img, err := p.alloc(compute.MemReadWrite, compute.FormatRGBAHalf, s, nil)
			if err != nil {
				return errors.Wrapf(err, "pyramid level %d", level)
			}
			*pyr = append(*pyr, img)
		}
	}
	return nil
}

func (p *pool) alloc(flags compute.MemFlag, format compute.Format, size image.Point, pix []byte) (compute.Image, error) {
	img, err := p.dev.CreateImage(flags, format, size, pix)
	if err != nil {
		return nil, err
	}
	p.owned = append(p.owned, img)
	p.bytes += compute.ByteCount(size, format)
	return img, nil
}

// releaseAll frees every device image of the pool. It is safe to call on
// an empty pool.
func (p *pool) releaseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.release()
}

func (p *pool) release() {
	if len(p.owned) > 0 {
		p.log.Debug("releasing device images", "objects", len(p.owned), "bytes", utils.HumanBytes(p.bytes))
	}
	for _, img := range p.owned {
		img.Release()
	}
	p.dev = nil
	p.size = image.Point{}
	p.sizes = nil
	p.owned = nil
	p.bytes = 0
	p.hosted = nil
	p.sources, p.weights = nil, nil
	p.result, p.tmp, p.weightSum = nil, nil, nil
	p.imagePyr, p.weightPyr, p.resultPyr, p.tmp1Pyr, p.tmp2Pyr = nil, nil, nil, nil, nil
}

// allocatedBytes returns the device memory held by the pool.
func (p *pool) allocatedBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bytes
}

func (p *pool) workingSize() image.Point {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// swapScratch exchanges the scalar scratch image with the weight sum.
func (p *pool) swapScratch() {
	p.tmp, p.weightSum = p.weightSum, p.tmp
}

// swapWeight exchanges weight map i with the scalar scratch image.
func (p *pool) swapWeight(i int) {
	p.weights[i], p.tmp = p.tmp, p.weights[i]
}
