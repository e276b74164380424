package fusion

import (
	"encoding/binary"
	"image"
	"image/color"
	"testing"

	"github.com/esimov/expofuse/compute"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func newTestDispatcher(t *testing.T, dev compute.Device) *dispatcher {
	t.Helper()
	caps, err := compute.Probe(dev)
	require.NoError(t, err)
	rt := newProgramCache(kernelSource, newNopLogger()).getOrCompile(dev)
	require.True(t, rt.Valid())
	return &dispatcher{rt: rt, caps: caps}
}

func newTestPyramid(t *testing.T, dev compute.Device, sizes []image.Point) Pyramid {
	t.Helper()
	pyr := make(Pyramid, len(sizes))
	for i, s := range sizes {
		img, err := dev.CreateImage(compute.MemReadWrite, compute.FormatRGBAHalf, s, nil)
		require.NoError(t, err)
		pyr[i] = img
	}
	return pyr
}

func readHalf(t *testing.T, d *dispatcher, img compute.Image) []float32 {
	t.Helper()
	buf := make([]byte, compute.ByteCount(img.Size(), img.Format()))
	require.NoError(t, d.rt.Queue.ReadImage(img, buf))
	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
	}
	return out
}

// pattern draws a smooth color gradient with a brightness offset.
func pattern(size image.Point, offset int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(clampByte(x*255/size.X + offset)),
				G: uint8(clampByte(y*255/size.Y + offset)),
				B: uint8(clampByte((x+y)*127/(size.X+size.Y) + 64 + offset)),
				A: 255,
			})
		}
	}
	return img
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
