package software

import (
	"encoding/binary"
	"image"
	"strings"
	"testing"

	"github.com/chewxy/math32"
	"github.com/esimov/expofuse/compute"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func programSource() string {
	var sb strings.Builder
	for _, k := range compute.KernelTypes() {
		sb.WriteString("__kernel void " + k.Name() + "(const int2 size) {}\n")
	}
	return sb.String()
}

type harness struct {
	t     *testing.T
	dev   *Device
	prog  compute.Program
	queue compute.Queue
}

func newHarness(t *testing.T, cfg Config) *harness {
	dev := NewPlatform(cfg).Device(0)
	prog, err := dev.BuildProgram(programSource())
	require.NoError(t, err)
	queue, err := dev.CreateQueue()
	require.NoError(t, err)
	return &harness{t: t, dev: dev, prog: prog, queue: queue}
}

func (h *harness) image(format compute.Format, size image.Point) compute.Image {
	img, err := h.dev.CreateImage(compute.MemReadWrite, format, size, nil)
	require.NoError(h.t, err)
	return img
}

func (h *harness) run(kt compute.KernelType, args *compute.Args) error {
	k, err := h.prog.CreateKernel(kt.Name())
	require.NoError(h.t, err)
	defer k.Release()

	if err := args.Bind(k); err != nil {
		return err
	}
	caps, err := compute.Probe(h.dev)
	require.NoError(h.t, err)
	info, err := k.WorkGroupInfo()
	require.NoError(h.t, err)
	local := compute.LocalSize(args.Size(), caps, info)
	return h.queue.EnqueueKernel(k, compute.GlobalSize(args.Size(), local), local)
}

func (h *harness) fill(img compute.Image, v [4]float32) {
	require.NoError(h.t, h.run(compute.KernelFill, compute.NewArgs(img.Size()).Image(img).Float4(v)))
}

func (h *harness) readHalf(img compute.Image) []float32 {
	buf := make([]byte, compute.ByteCount(img.Size(), img.Format()))
	require.NoError(h.t, h.queue.ReadImage(img, buf))
	out := make([]float32, len(buf)/2)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(buf[i*2:])).Float32()
	}
	return out
}

func (h *harness) readRGBA8(img compute.Image) []byte {
	buf := make([]byte, compute.ByteCount(img.Size(), img.Format()))
	require.NoError(h.t, h.queue.ReadImage(img, buf))
	return buf
}

func TestDevice_AllocationLedger(t *testing.T) {
	assert := assert.New(t)
	p := NewPlatform(DefaultConfig(), Config{Name: "second"})
	dev := p.Device(0)

	a, err := dev.CreateImage(compute.MemReadWrite, compute.FormatRGBAHalf, image.Pt(8, 4), nil)
	assert.NoError(err)
	b, err := dev.CreateImage(compute.MemReadWrite, compute.FormatRHalf, image.Pt(8, 4), nil)
	assert.NoError(err)

	stats := dev.Stats()
	assert.Equal(2, stats.Allocations)
	assert.Equal(2, stats.Live)
	assert.Equal(int64(8*4*8+8*4*2), stats.LiveBytes)

	a.Release()
	a.Release()
	stats = dev.Stats()
	assert.Equal(1, stats.Releases)
	assert.Equal(1, stats.Live)
	assert.Equal(int64(8*4*2), stats.LiveBytes)
	assert.Equal(int64(8*4*8+8*4*2), stats.PeakBytes)

	b.Release()
	events := p.Ledger().Events()
	assert.Len(events, 4)
	assert.Equal(EventAlloc, events[0].Kind)
	assert.Equal(EventRelease, events[3].Kind)
	assert.Equal(3, events[3].Seq)
	assert.Equal("Software Rasterizer", events[0].Device)

	assert.NotEqual(p.Device(0).Context(), p.Device(1).Context())
	assert.Equal("second", p.Device(1).Name())

	p.Ledger().Reset()
	assert.Empty(p.Ledger().Events())
}

func TestDevice_CreateImageLimits(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.GlobalMemSize = 1024
	cfg.MaxImageSize = image.Pt(64, 64)
	dev := NewPlatform(cfg).Device(0)

	_, err := dev.CreateImage(compute.MemReadWrite, compute.FormatRGBAHalf, image.Pt(65, 1), nil)
	assert.Error(err)
	_, err = dev.CreateImage(compute.MemReadWrite, compute.FormatRGBAHalf, image.Pt(0, 1), nil)
	assert.Error(err)
	_, err = dev.CreateImage(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, image.Pt(4, 4), make([]byte, 10))
	assert.Error(err)

	_, err = dev.CreateImage(compute.MemReadWrite, compute.FormatRGBAHalf, image.Pt(64, 64), nil)
	assert.True(errors.Is(err, compute.ErrOutOfResources))
	assert.Equal(0, dev.Stats().Live)
}

func TestDevice_Faults(t *testing.T) {
	assert := assert.New(t)
	dev := NewPlatform().Device(0)

	dev.SetFaults(Faults{AllocAt: 2})
	_, err := dev.CreateImage(compute.MemReadWrite, compute.FormatRHalf, image.Pt(4, 4), nil)
	assert.NoError(err)
	_, err = dev.CreateImage(compute.MemReadWrite, compute.FormatRHalf, image.Pt(4, 4), nil)
	assert.True(errors.Is(err, compute.ErrOutOfResources))
	assert.Equal(1, dev.Stats().Live)

	dev.SetFaults(Faults{BuildLog: "error: expected ';'"})
	_, err = dev.BuildProgram(programSource())
	var buildErr *compute.BuildError
	assert.True(errors.As(err, &buildErr))
	assert.Contains(buildErr.Log, "expected ';'")

	dev.SetFaults(Faults{Kernel: compute.KernelDiv.Name()})
	prog, err := dev.BuildProgram(programSource())
	assert.NoError(err)
	_, err = prog.CreateKernel(compute.KernelAdd.Name())
	assert.NoError(err)
	_, err = prog.CreateKernel(compute.KernelDiv.Name())
	assert.Error(err)

	dev.SetFaults(Faults{Queue: true, Info: true})
	_, err = dev.CreateQueue()
	assert.Error(err)
	_, err = compute.Probe(dev)
	assert.True(errors.Is(err, compute.ErrCapability))
}

func TestDevice_BuildProgram(t *testing.T) {
	assert := assert.New(t)
	dev := NewPlatform().Device(0)

	_, err := dev.BuildProgram("int main() { return 0; }")
	var buildErr *compute.BuildError
	assert.True(errors.As(err, &buildErr))

	prog, err := dev.BuildProgram("__kernel void krn_fill(const int2 size) {}")
	assert.NoError(err)
	_, err = prog.CreateKernel(compute.KernelFill.Name())
	assert.NoError(err)
	_, err = prog.CreateKernel(compute.KernelAdd.Name())
	assert.Error(err)

	extra, err := dev.BuildProgram("__kernel void krn_extra(const int2 size) {}")
	assert.NoError(err)
	_, err = extra.CreateKernel("krn_extra")
	assert.ErrorContains(err, "no software implementation")

	prog.Release()
	_, err = prog.CreateKernel(compute.KernelFill.Name())
	assert.True(errors.Is(err, compute.ErrReleased))

	cfg := DefaultConfig()
	cfg.NoCompiler = true
	_, err = NewPlatform(cfg).Device(0).BuildProgram(programSource())
	assert.Error(err)
}

func TestKernel_SetArgValidation(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	other := newHarness(t, DefaultConfig())

	k, err := h.prog.CreateKernel(compute.KernelFill.Name())
	assert.NoError(err)

	assert.True(errors.Is(k.SetArg(5, compute.Arg{Kind: compute.ArgInt2}), compute.ErrInvalidArg))
	assert.True(errors.Is(k.SetArg(0, compute.Arg{Kind: compute.ArgFloat}), compute.ErrInvalidArg))

	foreign := other.image(compute.FormatRGBAHalf, image.Pt(4, 4))
	assert.True(errors.Is(k.SetArg(1, compute.Arg{Kind: compute.ArgImage, Image: foreign}), compute.ErrInvalidArg))

	err = compute.NewArgs(image.Pt(4, 4)).Image(nil).Float4([4]float32{}).Bind(k)
	assert.True(errors.Is(err, compute.ErrInvalidArg))
}

func TestQueue_DispatchValidation(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(16, 16)
	dst := h.image(compute.FormatRGBAHalf, size)

	k, err := h.prog.CreateKernel(compute.KernelFill.Name())
	assert.NoError(err)

	// Unbound arguments.
	err = h.queue.EnqueueKernel(k, [2]int{16, 16}, [2]int{8, 8})
	assert.True(errors.Is(err, compute.ErrInvalidArg))

	assert.NoError(compute.NewArgs(size).Image(dst).Float4([4]float32{1, 1, 1, 1}).Bind(k))
	assert.NoError(h.queue.EnqueueKernel(k, [2]int{16, 16}, [2]int{8, 8}))

	for _, tc := range []struct {
		global, local [2]int
	}{
		{[2]int{16, 16}, [2]int{0, 8}},
		{[2]int{15, 16}, [2]int{8, 8}},
		{[2]int{512, 16}, [2]int{512, 1}},
		{[2]int{32, 32}, [2]int{32, 16}},
	} {
		err := h.queue.EnqueueKernel(k, tc.global, tc.local)
		assert.True(errors.Is(err, compute.ErrInvalidWorkGroup), "global %v local %v", tc.global, tc.local)
	}

	dst.Release()
	err = h.queue.EnqueueKernel(k, [2]int{16, 16}, [2]int{8, 8})
	assert.True(errors.Is(err, compute.ErrReleased))
	assert.Equal(1, h.dev.Stats().Dispatches)
}

func TestQueue_AccessValidation(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(4, 4)

	pix := make([]byte, 4*4*4)
	src, err := h.dev.CreateImage(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, size, pix)
	assert.NoError(err)
	a := h.image(compute.FormatRGBAHalf, size)

	err = h.run(compute.KernelFill, compute.NewArgs(size).Image(src).Float4([4]float32{}))
	assert.True(errors.Is(err, compute.ErrInvalidArg))

	err = h.run(compute.KernelAdd, compute.NewArgs(size).Image(a).Image(src).Image(a))
	assert.True(errors.Is(err, compute.ErrInvalidArg))
}

func TestKernel_FillAndReadBack(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(5, 3)

	rgba := h.image(compute.FormatRGBA8, size)
	h.fill(rgba, [4]float32{1, 0.2, 0, 1})
	pix := h.readRGBA8(rgba)
	assert.Equal([]byte{255, 51, 0, 255}, pix[:4])
	assert.Equal([]byte{255, 51, 0, 255}, pix[len(pix)-4:])

	half := h.image(compute.FormatRGBAHalf, size)
	h.fill(half, [4]float32{0.1, -2, 3.5, 1})
	v := h.readHalf(half)
	assert.Equal(float16.Fromfloat32(0.1).Float32(), v[0])
	assert.Equal(float32(-2), v[1])
	assert.Equal(float32(3.5), v[2])

	// Untouched images read back as zero.
	fresh := h.image(compute.FormatRHalf, size)
	assert.Equal(make([]float32, 15), h.readHalf(fresh))
}

func TestKernel_Elementwise(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(4, 4)

	a := h.image(compute.FormatRGBAHalf, size)
	b := h.image(compute.FormatRGBAHalf, size)
	dst := h.image(compute.FormatRGBAHalf, size)
	h.fill(a, [4]float32{3, 2, 1, 0.5})
	h.fill(b, [4]float32{0.5, 0.5, 2, 2})

	assert.NoError(h.run(compute.KernelAdd, compute.NewArgs(size).Image(a).Image(b).Image(dst)))
	assert.Equal([]float32{3.5, 2.5, 3, 2.5}, h.readHalf(dst)[:4])

	assert.NoError(h.run(compute.KernelSub, compute.NewArgs(size).Image(a).Image(b).Image(dst)))
	assert.Equal([]float32{2.5, 1.5, -1, -1.5}, h.readHalf(dst)[:4])

	assert.NoError(h.run(compute.KernelMul, compute.NewArgs(size).Image(a).Image(b).Image(dst)))
	assert.Equal([]float32{1.5, 1, 2, 1}, h.readHalf(dst)[:4])
}

func TestKernel_DivFallback(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(4, 2)

	w := h.image(compute.FormatRHalf, size)
	sum := h.image(compute.FormatRHalf, size)
	dst := h.image(compute.FormatRHalf, size)
	h.fill(w, [4]float32{0.5})
	h.fill(sum, [4]float32{2})

	assert.NoError(h.run(compute.KernelDiv, compute.NewArgs(size).Image(w).Image(sum).Image(dst).Float(0.25)))
	for _, v := range h.readHalf(dst) {
		assert.Equal(float32(0.25), v)
	}

	h.fill(sum, [4]float32{0})
	h.fill(w, [4]float32{0})
	assert.NoError(h.run(compute.KernelDiv, compute.NewArgs(size).Image(w).Image(sum).Image(dst).Float(1.0/3)))
	for _, v := range h.readHalf(dst) {
		assert.InDelta(1.0/3, v, 1e-3)
	}
}

func TestKernel_Upsample(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	coarse := image.Pt(2, 2)
	fine := image.Pt(5, 4)

	src := h.image(compute.FormatRHalf, coarse)
	dst := h.image(compute.FormatRHalf, fine)
	h.fill(src, [4]float32{1})

	assert.NoError(h.run(compute.KernelUpsample, compute.NewArgs(fine).Image(src).Image(dst).Point(coarse.Sub(image.Pt(1, 1)))))
	v := h.readHalf(dst)
	for y := 0; y < fine.Y; y++ {
		for x := 0; x < fine.X; x++ {
			want := float32(0)
			if x%2 == 0 && y%2 == 0 {
				want = 1
			}
			assert.Equal(want, v[y*fine.X+x], "pixel %d,%d", x, y)
		}
	}
}

func TestKernel_FilterGaussPreservesConstant(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	src := image.Pt(16, 12)
	dst := image.Pt(8, 6)

	in := h.image(compute.FormatRGBAHalf, src)
	tmp := h.image(compute.FormatRGBAHalf, src)
	out := h.image(compute.FormatRGBAHalf, dst)
	h.fill(in, [4]float32{0.5, 0.25, 1, 1})

	assert.NoError(h.run(compute.KernelFilterGauss, compute.NewArgs(image.Pt(dst.X, src.Y)).
		Image(in).Image(tmp).Int8([8]int32{int32(src.X - 1), int32(src.Y - 1), 2, 1, 1, 0, 0, 0}).
		Float4([4]float32{1, 1, 1, 1})))
	assert.NoError(h.run(compute.KernelFilterGauss, compute.NewArgs(dst).
		Image(tmp).Image(out).Int8([8]int32{int32(dst.X - 1), int32(src.Y - 1), 1, 2, 0, 1, 0, 0}).
		Float4([4]float32{1, 1, 1, 1})))

	v := h.readHalf(out)
	assert.Len(v, dst.X*dst.Y*4)
	for i := 0; i < len(v); i += 4 {
		assert.InDelta(0.5, v[i], 1e-3)
		assert.InDelta(0.25, v[i+1], 1e-3)
		assert.InDelta(1, v[i+2], 1e-3)
	}
}

func TestKernel_WeightMeasures(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(4, 4)

	pix := make([]byte, size.X*size.Y*4)
	for i := range pix {
		pix[i] = 128
	}
	src, err := h.dev.CreateImage(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, size, pix)
	assert.NoError(err)
	w := h.image(compute.FormatRHalf, size)

	weight := func(c, s, e float32) []float32 {
		assert.NoError(h.run(compute.KernelWeight, compute.NewArgs(size).Image(src).Image(w).Float3(c, s, e)))
		return h.readHalf(w)
	}

	// A flat mid-gray image is perfectly exposed, with neither contrast nor saturation.
	for _, v := range weight(0, 0, 1) {
		assert.InDelta(1, v, 1e-3)
	}
	for _, v := range weight(1, 0, 0) {
		assert.InDelta(0, v, 1e-6)
	}
	for _, v := range weight(0, 1, 0) {
		assert.InDelta(0, v, 1e-6)
	}
	for _, v := range weight(0, 0, 0) {
		assert.Equal(float32(1), v)
	}
}

func TestKernel_WeightExposedness(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(2, 2)

	pix := make([]byte, size.X*size.Y*4)
	for i := range pix {
		pix[i] = 204
	}
	src, err := h.dev.CreateImage(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, size, pix)
	require.NoError(t, err)
	w := h.image(compute.FormatRHalf, size)

	// 204/255 is 0.8, so every channel sits 0.3 above the mean:
	// exp(-0.09/0.08) per channel, cubed over rgb.
	want := math32.Exp(-3 * 0.09 / 0.08)
	assert.NoError(h.run(compute.KernelWeight, compute.NewArgs(size).Image(src).Image(w).Float3(0, 0, 1)))
	for _, v := range h.readHalf(w) {
		assert.InDelta(want, v, 2e-4)
	}
}

func TestDevice_HostDataIsCopied(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(2, 1)

	pix := []byte{10, 20, 30, 255, 40, 50, 60, 255}
	src, err := h.dev.CreateImage(compute.MemReadOnly|compute.MemHostData, compute.FormatRGBA8, size, pix)
	require.NoError(t, err)
	for i := range pix {
		pix[i] = 0
	}

	dst := h.image(compute.FormatRGBA8, size)
	assert.NoError(h.run(compute.KernelCopy, compute.NewArgs(size).Image(src).Image(dst)))
	assert.Equal([]byte{10, 20, 30, 255, 40, 50, 60, 255}, h.readRGBA8(dst))
	assert.Equal([]byte{10, 20, 30, 255, 40, 50, 60, 255}, h.readRGBA8(src))
}

func TestKernel_CopyAndToRGBA(t *testing.T) {
	assert := assert.New(t)
	h := newHarness(t, DefaultConfig())
	size := image.Pt(3, 3)

	r := h.image(compute.FormatRHalf, size)
	half := h.image(compute.FormatRGBAHalf, size)
	rgba := h.image(compute.FormatRGBA8, size)
	h.fill(r, [4]float32{0.5})

	assert.NoError(h.run(compute.KernelCopy, compute.NewArgs(size).Image(r).Image(half)))
	assert.Equal([]float32{0.5, 0.5, 0.5, 0.5}, h.readHalf(half)[:4])

	h.fill(half, [4]float32{1.5, -0.5, 0.2, 0})
	assert.NoError(h.run(compute.KernelToRGBA, compute.NewArgs(size).Image(half).Image(rgba)))
	assert.Equal([]byte{255, 0, 51, 255}, h.readRGBA8(rgba)[:4])
}
