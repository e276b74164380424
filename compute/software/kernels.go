package software

import (
	"image"

	"github.com/chewxy/math32"
	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/utils"
)

// kernelSpec describes the signature of a software kernel. params includes
// the int2 problem size at index 0; writes lists the image arguments the
// kernel writes to.
type kernelSpec struct {
	params []compute.ArgKind
	writes []int
	build  func(args []compute.Arg) func(x, y int)
}

func (s kernelSpec) isWrite(i int) bool {
	for _, w := range s.writes {
		if w == i {
			return true
		}
	}
	return false
}

const (
	tImage  = compute.ArgImage
	tInt2   = compute.ArgInt2
	tInt8   = compute.ArgInt8
	tFloat  = compute.ArgFloat
	tFloat3 = compute.ArgFloat3
	tFloat4 = compute.ArgFloat4

	taps = 4
)

// gaussTaps is the order 8 binomial filter. Its even and odd taps both sum
// to one half, so zero-inserted images keep their energy after filtering.
var gaussTaps = [2*taps + 1]float32{
	1.0 / 256, 8.0 / 256, 28.0 / 256, 56.0 / 256, 70.0 / 256, 56.0 / 256, 28.0 / 256, 8.0 / 256, 1.0 / 256,
}

const (
	wellExposedMean  = 0.5
	wellExposedSigma = 0.2
)

var kernelSpecs = map[compute.KernelType]kernelSpec{
	compute.KernelWeight: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tFloat3},
		writes: []int{2},
		build:  buildWeight,
	},
	compute.KernelAdd: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tImage},
		writes: []int{3},
		build: elementwise(func(a, b texel) texel {
			return texel{a[0] + b[0], a[1] + b[1], a[2] + b[2], a[3] + b[3]}
		}),
	},
	compute.KernelSub: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tImage},
		writes: []int{3},
		build: elementwise(func(a, b texel) texel {
			return texel{a[0] - b[0], a[1] - b[1], a[2] - b[2], a[3] - b[3]}
		}),
	},
	compute.KernelMul: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tImage},
		writes: []int{3},
		build: elementwise(func(a, b texel) texel {
			return texel{a[0] * b[0], a[1] * b[1], a[2] * b[2], a[3] * b[3]}
		}),
	},
	compute.KernelDiv: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tImage, tFloat},
		writes: []int{3},
		build:  buildDiv,
	},
	compute.KernelFill: {
		params: []compute.ArgKind{tInt2, tImage, tFloat4},
		writes: []int{1},
		build:  buildFill,
	},
	compute.KernelUpsample: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tInt2},
		writes: []int{2},
		build:  buildUpsample,
	},
	compute.KernelToRGBA: {
		params: []compute.ArgKind{tInt2, tImage, tImage},
		writes: []int{2},
		build:  buildToRGBA,
	},
	compute.KernelCopy: {
		params: []compute.ArgKind{tInt2, tImage, tImage},
		writes: []int{2},
		build:  buildCopy,
	},
	compute.KernelFilterGauss: {
		params: []compute.ArgKind{tInt2, tImage, tImage, tInt8, tFloat4},
		writes: []int{2},
		build:  buildFilterGauss,
	},
}

func inside(p image.Point, size image.Point) bool {
	return p.X < size.X && p.Y < size.Y
}

func luminance(c texel) float32 {
	return 0.2126*c[0] + 0.7152*c[1] + 0.0722*c[2]
}

func measure(v, exponent float32) float32 {
	if exponent == 0 {
		return 1
	}
	return math32.Pow(v, exponent)
}

func buildWeight(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	src, dst := args[1].Image.(*Image), args[2].Image.(*Image)
	params := args[3].Floats
	maxX, maxY := size.X-1, size.Y-1
	denom := float32(2 * wellExposedSigma * wellExposedSigma)

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		c := src.at(x, y)
		l := luminance(c)
		neighbours := luminance(src.at(utils.Clamp(x-1, 0, maxX), y)) +
			luminance(src.at(utils.Clamp(x+1, 0, maxX), y)) +
			luminance(src.at(x, utils.Clamp(y-1, 0, maxY))) +
			luminance(src.at(x, utils.Clamp(y+1, 0, maxY)))
		contrast := math32.Abs(neighbours - 4*l)

		mu := (c[0] + c[1] + c[2]) / 3
		dr, dg, db := c[0]-mu, c[1]-mu, c[2]-mu
		saturation := math32.Sqrt((dr*dr + dg*dg + db*db) / 3)

		exposedness := float32(1)
		for ch := 0; ch < 3; ch++ {
			d := c[ch] - wellExposedMean
			exposedness *= math32.Exp(-(d * d) / denom)
		}

		w := measure(contrast, params[0]) * measure(saturation, params[1]) * measure(exposedness, params[2])
		dst.set(x, y, texel{w, 0, 0, 1})
	}
}

func elementwise(op func(a, b texel) texel) func(args []compute.Arg) func(x, y int) {
	return func(args []compute.Arg) func(x, y int) {
		size := args[0].Point()
		a, b, dst := args[1].Image.(*Image), args[2].Image.(*Image), args[3].Image.(*Image)
		return func(x, y int) {
			if !inside(image.Pt(x, y), size) {
				return
			}
			dst.set(x, y, op(a.at(x, y), b.at(x, y)))
		}
	}
}

func buildDiv(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	a, b, dst := args[1].Image.(*Image), args[2].Image.(*Image), args[3].Image.(*Image)
	fallback := args[4].Floats[0]

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		sum := b.at(x, y)[0]
		if !(sum > 0) {
			dst.set(x, y, texel{fallback, fallback, fallback, fallback})
			return
		}
		v := a.at(x, y)
		dst.set(x, y, texel{v[0] / sum, v[1] / sum, v[2] / sum, v[3] / sum})
	}
}

func buildFill(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	dst := args[1].Image.(*Image)
	value := texel(args[2].Floats)

	return func(x, y int) {
		if inside(image.Pt(x, y), size) {
			dst.set(x, y, value)
		}
	}
}

// buildUpsample runs over the fine size. Even coordinates take the coarse
// pixel at half the position, clamped to the coarse maximum coordinate;
// every other pixel is zero.
func buildUpsample(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	src, dst := args[1].Image.(*Image), args[2].Image.(*Image)
	maxCoord := args[3].Point()

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		if x&1 != 0 || y&1 != 0 {
			dst.set(x, y, texel{})
			return
		}
		dst.set(x, y, src.at(utils.Min(x/2, maxCoord.X), utils.Min(y/2, maxCoord.Y)))
	}
}

func buildToRGBA(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	src, dst := args[1].Image.(*Image), args[2].Image.(*Image)

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		v := src.at(x, y)
		dst.set(x, y, texel{
			utils.Clamp(v[0], 0, 1),
			utils.Clamp(v[1], 0, 1),
			utils.Clamp(v[2], 0, 1),
			1,
		})
	}
}

// buildCopy copies pixels between images of any format. Single channel
// sources are broadcast to every channel.
func buildCopy(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	src, dst := args[1].Image.(*Image), args[2].Image.(*Image)
	broadcast := src.format.Order == compute.OrderR

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		v := src.at(x, y)
		if broadcast {
			v = texel{v[0], v[0], v[0], v[0]}
		}
		dst.set(x, y, v)
	}
}

// buildFilterGauss applies one pass of the separable blur. The options hold
// the source maximum coordinate, the sampling scale of the output position
// and the tap direction: {maxX, maxY, scaleX, scaleY, dirX, dirY, 0, 0}.
func buildFilterGauss(args []compute.Arg) func(x, y int) {
	size := args[0].Point()
	src, dst := args[1].Image.(*Image), args[2].Image.(*Image)
	opts := args[3].Ints
	factor := args[4].Floats
	maxX, maxY := int(opts[0]), int(opts[1])
	scaleX, scaleY := int(opts[2]), int(opts[3])
	dirX, dirY := int(opts[4]), int(opts[5])

	return func(x, y int) {
		if !inside(image.Pt(x, y), size) {
			return
		}
		cx, cy := x*scaleX, y*scaleY
		var sum texel
		for k := -taps; k <= taps; k++ {
			v := src.at(utils.Clamp(cx+k*dirX, 0, maxX), utils.Clamp(cy+k*dirY, 0, maxY))
			w := gaussTaps[k+taps]
			for c := range sum {
				sum[c] += w * v[c]
			}
		}
		for c := range sum {
			sum[c] *= factor[c]
		}
		dst.set(x, y, sum)
	}
}
