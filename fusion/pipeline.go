package fusion

import (
	"context"
	"image"
	"log/slog"
	"time"

	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
)

// pipeline runs the fusion stages of one job over the pool images.
type pipeline struct {
	d      *dispatcher
	pool   *pool
	params Params
	log    *slog.Logger
}

func (p *pipeline) process(ctx context.Context) (*image.NRGBA, error) {
	stages := []struct {
		name string
		run  func() error
	}{
		{"weights", p.createWeightMaps},
		{"clear weight sum", func() error { return p.d.fill(p.pool.weightSum, 0) }},
		{"normalize", p.normalizeWeights},
		{"clear result", p.clearResult},
		{"blend", p.blendAll},
		{"merge", p.merge},
		{"convert", p.convert},
	}
	// With debug logging the queue is drained after every stage, so the
	// logged time covers the device work of that stage.
	profile := p.log.Enabled(ctx, slog.LevelDebug)
	start := time.Now()
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t := time.Now()
		if err := s.run(); err != nil {
			return nil, errors.Wrapf(err, "stage %s", s.name)
		}
		if profile {
			if err := p.d.rt.Queue.Finish(); err != nil {
				return nil, errors.Wrapf(err, "stage %s", s.name)
			}
			p.log.Debug("fusion stage finished", "stage", s.name, "elapsed", time.Since(t))
		}
	}
	img, err := p.readResult()
	if err != nil {
		return nil, err
	}
	p.log.Debug("fusion finished", "size", p.pool.size, "elapsed", time.Since(start))
	return img, nil
}

// createWeightMaps computes the quality weight of every source image.
func (p *pipeline) createWeightMaps() error {
	for i, src := range p.pool.sources {
		if err := p.d.weight(src, p.pool.weights[i], p.params); err != nil {
			return errors.Wrapf(err, "weight map %d", i)
		}
	}
	return nil
}

// normalizeWeights divides every weight map by the per-pixel sum of all of
// them. The weight sum must be cleared beforehand.
func (p *pipeline) normalizeWeights() error {
	size := p.pool.size
	for _, w := range p.pool.weights {
		if err := p.d.add(p.pool.weightSum, w, p.pool.tmp, size); err != nil {
			return err
		}
		p.pool.swapScratch()
	}
	fallback := 1 / float32(len(p.pool.weights))
	for i, w := range p.pool.weights {
		if err := p.d.div(w, p.pool.weightSum, p.pool.tmp, size, fallback); err != nil {
			return err
		}
		p.pool.swapWeight(i)
	}
	return nil
}

func (p *pipeline) clearResult() error {
	for _, img := range p.pool.resultPyr {
		if err := p.d.fill(img, 0); err != nil {
			return err
		}
	}
	return nil
}

func (p *pipeline) blendAll() error {
	for i := range p.pool.sources {
		if err := p.multiresBlend(i); err != nil {
			return errors.Wrapf(err, "image %d", i)
		}
	}
	return nil
}

// multiresBlend adds the Laplacian pyramid of source i, weighted by the
// Gaussian pyramid of its normalized weight map, to the result pyramid.
func (p *pipeline) multiresBlend(i int) error {
	pl, d := p.pool, p.d
	sizes := pl.sizes

	if err := d.buildGaussianPyramid(pl.sources[i], pl.imagePyr, pl.tmp1Pyr, sizes); err != nil {
		return err
	}
	// The weight pyramid is free until the weight map is expanded below.
	if err := d.buildLaplacianPyramid(pl.imagePyr, pl.tmp2Pyr, pl.tmp1Pyr, pl.weightPyr, sizes); err != nil {
		return err
	}
	if err := d.buildGaussianPyramid(pl.weights[i], pl.weightPyr, pl.tmp1Pyr, sizes); err != nil {
		return err
	}
	for level, size := range sizes {
		if err := d.mul(pl.tmp2Pyr[level], pl.weightPyr[level], pl.tmp1Pyr[level], size); err != nil {
			return err
		}
		if err := d.add(pl.resultPyr[level], pl.tmp1Pyr[level], pl.tmp2Pyr[level], size); err != nil {
			return err
		}
		pl.resultPyr.Swap(level, pl.tmp2Pyr)
	}
	return nil
}

func (p *pipeline) merge() error {
	pl := p.pool
	return p.d.mergeResultPyramid(pl.resultPyr, pl.tmp1Pyr, pl.tmp2Pyr, pl.imagePyr, pl.sizes)
}

func (p *pipeline) convert() error {
	return p.d.toRGBA(p.pool.resultPyr[0], p.pool.result, p.pool.size)
}

// readResult waits for the queue to drain and copies the fused image to
// the host.
func (p *pipeline) readResult() (*image.NRGBA, error) {
	q := p.d.rt.Queue
	if err := q.Finish(); err != nil {
		return nil, errors.Wrap(err, "unable to finish queue")
	}
	size := p.pool.size
	out := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	if int64(len(out.Pix)) != compute.ByteCount(size, compute.FormatRGBA8) {
		return nil, errors.Errorf("unexpected result layout for %v", size)
	}
	if err := q.ReadImage(p.pool.result, out.Pix); err != nil {
		return nil, errors.Wrap(err, "unable to read result")
	}
	return out, nil
}
