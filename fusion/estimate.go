package fusion

import (
	"image"

	"github.com/esimov/expofuse/compute"
)

// Estimate returns the device memory a job over count images of the given
// working size allocates: the uploaded sources, the result and the two
// scalar scratch images, one weight map per source and the five pyramids.
func Estimate(size image.Point, count int) int64 {
	if size.X < 1 || size.Y < 1 || count < 1 {
		return 0
	}
	n := int64(count)
	total := n * compute.ByteCount(size, compute.FormatRGBA8)
	total += compute.ByteCount(size, compute.FormatRGBA8)
	total += 2 * compute.ByteCount(size, compute.FormatRHalf)
	total += n * compute.ByteCount(size, compute.FormatRHalf)
	for _, s := range levelSizes(size) {
		total += 5 * compute.ByteCount(s, compute.FormatRGBAHalf)
	}
	return total
}

// EstimateFor returns the working size and the memory estimate of a job
// over images of the given sizes on a device limited to limit.
func EstimateFor(sizes []image.Point, limit image.Point) (image.Point, int64) {
	size, err := commonSize(sizes, limit)
	if err != nil {
		return image.Point{}, 0
	}
	return size, Estimate(size, len(sizes))
}
