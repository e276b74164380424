package fusion

import (
	"bytes"
	"context"
	"image"
	"log/slog"
	"math"
	"testing"

	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/compute/software"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParams_Validate(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(DefaultParams().Validate())
	assert.NoError(Params{}.Validate())
	assert.True(errors.Is(Params{Contrast: -1}.Validate(), ErrInvalidParams))
	assert.True(errors.Is(Params{Saturation: float32(math.NaN())}.Validate(), ErrInvalidParams))
	assert.True(errors.Is(Params{Exposedness: float32(math.Inf(1))}.Validate(), ErrInvalidParams))

	e := NewEngine()
	assert.Error(e.SetParams(Params{Contrast: -0.5}))
	assert.Equal(DefaultParams(), e.Params())
}

func TestEngine_States(t *testing.T) {
	assert := assert.New(t)
	e := NewEngine()
	ctx := context.Background()

	assert.Equal(StateIdle, e.State())
	_, err := e.Process(ctx)
	assert.True(errors.Is(err, ErrNoDevice))

	dev := software.NewPlatform().Device(0)
	assert.NoError(e.SetDevice(dev))
	assert.Equal(StateIdle, e.State())
	_, err = e.Process(ctx)
	assert.True(errors.Is(err, ErrNoImages))

	assert.NoError(e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0)}))
	assert.Equal(StateConfigured, e.State())
	assert.Equal("configured", e.State().String())

	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	assert.Equal(StateProcessing, e.State())
	_, err = e.Process(ctx)
	assert.True(errors.Is(err, ErrBusy))
	assert.True(errors.Is(e.SetDevice(nil), ErrBusy))
	assert.True(errors.Is(e.SetImages(nil), ErrBusy))
	assert.True(errors.Is(e.Release(), ErrBusy))
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	img, err := e.Process(ctx)
	assert.NoError(err)
	assert.NotNil(img)
	assert.Equal(StateConfigured, e.State())
	assert.Equal(image.Pt(16, 16), e.Size())

	assert.NoError(e.Close())
	assert.Equal(0, dev.Stats().Live)
}

func TestEngine_SingleImageIsUnchanged(t *testing.T) {
	dev := software.NewPlatform().Device(0)
	src := pattern(image.Pt(48, 40), 0)

	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages([]image.Image{src}))
	out, err := e.Process(context.Background())
	require.NoError(t, err)
	require.Equal(t, src.Bounds(), out.Bounds())

	for i := 0; i < len(src.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			if d := absDiff(src.Pix[i+c], out.Pix[i+c]); d > 3 {
				t.Fatalf("pixel %d channel %d: got %d, want %d", i/4, c, out.Pix[i+c], src.Pix[i+c])
			}
		}
		assert.Equal(t, uint8(255), out.Pix[i+3])
	}
}

func TestEngine_ZeroParamsAverage(t *testing.T) {
	dev := software.NewPlatform().Device(0)
	size := image.Pt(40, 32)
	images := []image.Image{pattern(size, -60), pattern(size, 0), pattern(size, 70)}

	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages(images))
	require.NoError(t, e.SetParams(Params{}))
	out, err := e.Process(context.Background())
	require.NoError(t, err)

	for i := 0; i < len(out.Pix); i += 4 {
		for c := 0; c < 3; c++ {
			sum := 0
			for _, img := range images {
				sum += int(img.(*image.NRGBA).Pix[i+c])
			}
			want := uint8((sum + len(images)/2) / len(images))
			if d := absDiff(want, out.Pix[i+c]); d > 3 {
				t.Fatalf("pixel %d channel %d: got %d, want %d", i/4, c, out.Pix[i+c], want)
			}
		}
	}
}

func TestPipeline_NormalizationIsIdempotent(t *testing.T) {
	assert := assert.New(t)
	dev := software.NewPlatform().Device(0)
	d := newTestDispatcher(t, dev)
	pl := newPool(newNopLogger())
	size := image.Pt(24, 16)
	images := []image.Image{pattern(size, -40), pattern(size, 10), pattern(size, 90)}
	require.NoError(t, pl.ensure(context.Background(), images, dev, d.caps))

	p := &pipeline{d: d, pool: pl, params: DefaultParams(), log: newNopLogger()}
	normalize := func() [][]float32 {
		require.NoError(t, d.fill(pl.weightSum, 0))
		require.NoError(t, p.normalizeWeights())
		out := make([][]float32, len(pl.weights))
		for i, w := range pl.weights {
			out[i] = readHalf(t, d, w)
		}
		return out
	}

	require.NoError(t, p.createWeightMaps())
	first := normalize()
	for px := range first[0] {
		var sum float32
		for i := range first {
			sum += first[i][px]
		}
		assert.InDelta(1, sum, 3e-3, "pixel %d", px)
	}

	second := normalize()
	for i := range first {
		for px := range first[i] {
			assert.InDelta(first[i][px], second[i][px], 2e-3)
		}
	}
}

func TestPipeline_ZeroWeightsFallBackToUniform(t *testing.T) {
	assert := assert.New(t)
	dev := software.NewPlatform().Device(0)
	d := newTestDispatcher(t, dev)
	pl := newPool(newNopLogger())
	size := image.Pt(8, 8)

	// Black and white frames are so badly exposed that their weight underflows.
	flat := func(v uint8) image.Image {
		img := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
		for i := range img.Pix {
			img.Pix[i] = v
		}
		return img
	}
	require.NoError(t, pl.ensure(context.Background(), []image.Image{flat(0), flat(255)}, dev, d.caps))
	p := &pipeline{d: d, pool: pl, params: Params{Exposedness: 10}, log: newNopLogger()}

	require.NoError(t, p.createWeightMaps())
	require.NoError(t, d.fill(pl.weightSum, 0))
	require.NoError(t, p.normalizeWeights())
	for _, w := range pl.weights {
		for _, v := range readHalf(t, d, w) {
			assert.Equal(float32(0.5), v)
		}
	}
}

func TestEngine_ReusesResources(t *testing.T) {
	assert := assert.New(t)
	dev := software.NewPlatform().Device(0)
	images := []image.Image{pattern(image.Pt(16, 16), 0), pattern(image.Pt(16, 16), 50)}
	ctx := context.Background()

	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages(images))
	_, err := e.Process(ctx)
	require.NoError(t, err)
	allocs := dev.Stats().Allocations

	_, err = e.Process(ctx)
	require.NoError(t, err)
	assert.Equal(allocs, dev.Stats().Allocations)

	// Parameter changes keep the device images.
	require.NoError(t, e.SetParams(Params{Contrast: 0.5, Saturation: 2, Exposedness: 1}))
	require.NoError(t, e.SetDevice(dev))
	_, err = e.Process(ctx)
	require.NoError(t, err)
	assert.Equal(allocs, dev.Stats().Allocations)

	// A new image set is always reallocated.
	require.NoError(t, e.SetImages(images))
	assert.Equal(0, dev.Stats().Live)
	_, err = e.Process(ctx)
	require.NoError(t, err)
	assert.Equal(2*allocs, dev.Stats().Allocations)
}

func TestEngine_ReleasesBeforeReallocating(t *testing.T) {
	assert := assert.New(t)
	p := software.NewPlatform(software.Config{Name: "first"}, software.Config{Name: "second"})
	first, second := p.Device(0), p.Device(1)
	ctx := context.Background()

	e := NewEngine()
	require.NoError(t, e.SetDevice(first))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0), pattern(image.Pt(16, 16), 30)}))
	_, err := e.Process(ctx)
	require.NoError(t, err)

	checkOrder := func(events []software.Event, old, next string) {
		firstAlloc := -1
		lastRelease := -1
		for _, ev := range events {
			if ev.Kind == software.EventAlloc && ev.Device == next && firstAlloc < 0 {
				firstAlloc = ev.Seq
			}
			if ev.Kind == software.EventRelease && ev.Device == old {
				lastRelease = ev.Seq
			}
		}
		assert.GreaterOrEqual(firstAlloc, 0)
		assert.GreaterOrEqual(lastRelease, 0)
		assert.Less(lastRelease, firstAlloc)
	}

	p.Ledger().Reset()
	require.NoError(t, e.SetDevice(second))
	assert.Equal(0, first.Stats().Live)
	_, err = e.Process(ctx)
	require.NoError(t, err)
	checkOrder(p.Ledger().Events(), "first", "second")

	p.Ledger().Reset()
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(24, 16), 0)}))
	assert.Equal(0, second.Stats().Live)
	_, err = e.Process(ctx)
	require.NoError(t, err)
	checkOrder(p.Ledger().Events(), "second", "second")
	assert.Equal(image.Pt(24, 16), e.Size())
}

func TestEngine_CompileFailureIsRetried(t *testing.T) {
	assert := assert.New(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	dev := software.NewPlatform().Device(0)
	ctx := context.Background()

	e := NewEngine(WithLogger(logger))
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0)}))

	dev.SetFaults(software.Faults{BuildLog: "kernels.cl:12: error: use of undeclared identifier"})
	_, err := e.Process(ctx)
	assert.True(errors.Is(err, ErrInvalidRuntime))
	assert.Contains(logs.String(), "undeclared identifier")
	assert.Equal(0, dev.Stats().Allocations)

	rt := e.cache.getOrCompile(dev)
	assert.False(rt.Valid())

	dev.SetFaults(software.Faults{Kernel: compute.KernelUpsample.Name()})
	_, err = e.Process(ctx)
	assert.True(errors.Is(err, ErrInvalidRuntime))

	dev.SetFaults(software.Faults{})
	img, err := e.Process(ctx)
	assert.NoError(err)
	assert.NotNil(img)
	assert.Same(e.cache.getOrCompile(dev), e.cache.getOrCompile(dev))
}

func TestEngine_LogsStageTimings(t *testing.T) {
	assert := assert.New(t)
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	e := NewEngine(WithLogger(logger))
	defer e.Close()
	require.NoError(t, e.SetDevice(software.NewPlatform().Device(0)))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0), pattern(image.Pt(16, 16), 80)}))
	_, err := e.Process(context.Background())
	require.NoError(t, err)

	out := logs.String()
	for _, stage := range []string{"weights", "normalize", "blend", "merge", "convert"} {
		assert.Contains(out, "stage="+stage+" elapsed=")
	}
	assert.Contains(out, `msg="fusion finished"`)
}

func TestEngine_AllocationFailureLeavesNothing(t *testing.T) {
	assert := assert.New(t)
	dev := software.NewPlatform().Device(0)
	ctx := context.Background()

	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(32, 32), 0), pattern(image.Pt(32, 32), 20)}))

	dev.SetFaults(software.Faults{AllocAt: 12})
	_, err := e.Process(ctx)
	assert.True(errors.Is(err, compute.ErrOutOfResources))
	assert.Equal(0, dev.Stats().Live)
	assert.Equal(StateConfigured, e.State())

	dev.SetFaults(software.Faults{})
	img, err := e.Process(ctx)
	assert.NoError(err)
	assert.NotNil(img)
}

func TestEngine_CapabilityFailure(t *testing.T) {
	dev := software.NewPlatform().Device(0)
	dev.SetFaults(software.Faults{Info: true})

	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0)}))
	_, err := e.Process(context.Background())
	assert.True(t, errors.Is(err, compute.ErrCapability))
	assert.Equal(t, 0, dev.Stats().Allocations)
}

func TestEngine_CancelledContext(t *testing.T) {
	dev := software.NewPlatform().Device(0)
	e := NewEngine()
	require.NoError(t, e.SetDevice(dev))
	require.NoError(t, e.SetImages([]image.Image{pattern(image.Pt(16, 16), 0)}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	img, err := e.Process(ctx)
	assert.Nil(t, img)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 0, dev.Stats().Live)
}
