package fusion

import (
	"image"
	"math/bits"

	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/utils"
)

// Pyramid holds one device image per resolution level, finest first.
type Pyramid []compute.Image

// Swap exchanges level i with the same level of other. Pyramids used as
// ping-pong pairs swap after every pass that would otherwise read and
// write one image.
func (p Pyramid) Swap(i int, other Pyramid) {
	p[i], other[i] = other[i], p[i]
}

// levelCount returns floor(log2(min(w, h))), the number of levels of a
// pyramid over size.
func levelCount(size image.Point) int {
	m := utils.Min(size.X, size.Y)
	if m < 1 {
		return 0
	}
	return bits.Len(uint(m)) - 1
}

// levelSizes returns the size of every pyramid level; each level is half
// the previous one, rounded down.
func levelSizes(size image.Point) []image.Point {
	n := levelCount(size)
	sizes := make([]image.Point, n)
	for i := range sizes {
		sizes[i] = size
		size = size.Div(2)
	}
	return sizes
}

// filterGauss runs the separable binomial blur from src into dst, with a
// horizontal pass into tmp followed by a vertical pass. When down is set
// both passes sample every other pixel and dstSize is half of srcSize.
// factor scales the vertical pass output.
func (d *dispatcher) filterGauss(src, dst, tmp compute.Image, srcSize, dstSize image.Point, down bool, factor float32) error {
	scale := int32(1)
	mid := srcSize
	if down {
		scale = 2
		mid.X = dstSize.X
	}

	horizontal := compute.NewArgs(mid).
		Image(src).
		Image(tmp).
		Int8([8]int32{int32(srcSize.X - 1), int32(srcSize.Y - 1), scale, 1, 1, 0, 0, 0}).
		Float4([4]float32{1, 1, 1, 1})
	if err := d.enqueue(compute.KernelFilterGauss, horizontal); err != nil {
		return err
	}

	vertical := compute.NewArgs(dstSize).
		Image(tmp).
		Image(dst).
		Int8([8]int32{int32(mid.X - 1), int32(mid.Y - 1), 1, scale, 0, 1, 0, 0}).
		Float4([4]float32{factor, factor, factor, factor})
	return d.enqueue(compute.KernelFilterGauss, vertical)
}

// buildGaussianPyramid copies src into level 0 and blurs each level down
// into the next one.
func (d *dispatcher) buildGaussianPyramid(src compute.Image, pyr, tmp Pyramid, sizes []image.Point) error {
	if err := d.copy(src, pyr[0], sizes[0]); err != nil {
		return err
	}
	for i := 0; i+1 < len(pyr); i++ {
		if err := d.filterGauss(pyr[i], pyr[i+1], tmp[i], sizes[i], sizes[i+1], true, 1); err != nil {
			return err
		}
	}
	return nil
}

// expand upsamples level i+1 of coarse into fine[i] and blurs it into
// dst[i], using scratch[i] for the horizontal pass.
func (d *dispatcher) expand(coarse compute.Image, fine, dst, scratch compute.Image, coarseSize, fineSize image.Point) error {
	if err := d.upsample(coarse, fine, coarseSize, fineSize); err != nil {
		return err
	}
	return d.filterGauss(fine, dst, scratch, fineSize, fineSize, false, 4)
}

// buildLaplacianPyramid stores the band-pass residual of every level of
// img in out: the level minus its expanded coarser neighbour. The last
// level keeps the low-pass base.
func (d *dispatcher) buildLaplacianPyramid(img, out, tmp1, tmp2 Pyramid, sizes []image.Point) error {
	last := len(img) - 1
	for i := 0; i < last; i++ {
		if err := d.expand(img[i+1], tmp1[i], tmp2[i], out[i], sizes[i+1], sizes[i]); err != nil {
			return err
		}
		if err := d.sub(img[i], tmp2[i], out[i], sizes[i]); err != nil {
			return err
		}
	}
	return d.copy(img[last], out[last], sizes[last])
}

// mergeResultPyramid collapses result from the coarsest level down, adding
// every expanded level to the next finer one. The fused image ends up in
// result[0]. scratch is overwritten.
func (d *dispatcher) mergeResultPyramid(result, tmp1, tmp2, scratch Pyramid, sizes []image.Point) error {
	for i := len(result) - 1; i > 0; i-- {
		if err := d.expand(result[i], tmp1[i-1], tmp2[i-1], scratch[i-1], sizes[i], sizes[i-1]); err != nil {
			return err
		}
		if err := d.add(result[i-1], tmp2[i-1], tmp1[i-1], sizes[i-1]); err != nil {
			return err
		}
		result.Swap(i-1, tmp1)
	}
	return nil
}
