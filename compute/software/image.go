package software

import (
	"encoding/binary"
	"image"
	"sync"

	"github.com/chewxy/math32"
	"github.com/esimov/expofuse/compute"
	"github.com/esimov/expofuse/utils"
	"github.com/x448/float16"
)

type texel [4]float32

// Image is a software device image. Pixel storage is allocated on first
// write. Read-only RGBA8 images keep a private copy of the host pixels.
type Image struct {
	dev      *Device
	flags    compute.MemFlag
	format   compute.Format
	size     image.Point
	bytes    int64
	host     []byte
	data     []float32
	once     sync.Once
	mu       sync.Mutex
	released bool
}

var _ compute.Image = (*Image)(nil)

func newImage(d *Device, flags compute.MemFlag, format compute.Format, size image.Point, pix []byte, bytes int64) *Image {
	img := &Image{
		dev:    d,
		flags:  flags,
		format: format,
		size:   size,
		bytes:  bytes,
	}
	if flags&compute.MemHostData == 0 {
		return img
	}
	if format == compute.FormatRGBA8 && flags&compute.MemReadOnly != 0 {
		img.host = append([]byte(nil), pix[:bytes]...)
		return img
	}
	img.alloc()
	img.decode(pix)
	return img
}

func (img *Image) Format() compute.Format { return img.format }
func (img *Image) Size() image.Point      { return img.size }

// Release returns the image memory to the device. It is idempotent.
func (img *Image) Release() {
	img.mu.Lock()
	if img.released {
		img.mu.Unlock()
		return
	}
	img.released = true
	img.host, img.data = nil, nil
	img.mu.Unlock()
	img.dev.release(img.bytes)
}

func (img *Image) isReleased() bool {
	img.mu.Lock()
	defer img.mu.Unlock()
	return img.released
}

func (img *Image) readOnly() bool {
	return img.flags&compute.MemReadOnly != 0
}

func (img *Image) channels() int {
	return img.format.Order.Channels()
}

func (img *Image) alloc() {
	img.once.Do(func() {
		if img.host == nil {
			img.data = make([]float32, img.size.X*img.size.Y*img.channels())
		}
	})
}

// at reads a pixel with coordinates clamped to the image edge.
// Single channel images read as (r, 0, 0, 1).
func (img *Image) at(x, y int) texel {
	x = utils.Clamp(x, 0, img.size.X-1)
	y = utils.Clamp(y, 0, img.size.Y-1)
	i := y*img.size.X + x

	if img.host != nil {
		p := img.host[i*4 : i*4+4]
		return texel{unorm8(p[0]), unorm8(p[1]), unorm8(p[2]), unorm8(p[3])}
	}
	if img.data == nil {
		if img.channels() == 1 {
			return texel{0, 0, 0, 1}
		}
		return texel{}
	}
	if img.channels() == 1 {
		return texel{img.data[i], 0, 0, 1}
	}
	p := img.data[i*4 : i*4+4]
	return texel{p[0], p[1], p[2], p[3]}
}

// set writes a pixel, quantised to the image channel type.
func (img *Image) set(x, y int, v texel) {
	i := y*img.size.X + x
	if img.channels() == 1 {
		img.data[i] = img.quantize(v[0])
		return
	}
	p := img.data[i*4 : i*4+4]
	for c := range p {
		p[c] = img.quantize(v[c])
	}
}

func (img *Image) quantize(v float32) float32 {
	switch img.format.Type {
	case compute.TypeUnormInt8:
		return unorm8(toUnorm8(v))
	case compute.TypeHalfFloat:
		return float16.Fromfloat32(v).Float32()
	}
	return v
}

// decode fills the storage from host pixels in the image format.
func (img *Image) decode(pix []byte) {
	n := len(img.data)
	switch img.format.Type {
	case compute.TypeUnormInt8:
		for i := 0; i < n; i++ {
			img.data[i] = unorm8(pix[i])
		}
	case compute.TypeHalfFloat:
		for i := 0; i < n; i++ {
			img.data[i] = float16.Frombits(binary.LittleEndian.Uint16(pix[i*2:])).Float32()
		}
	}
}

// encode writes the image content into dst in the image format.
func (img *Image) encode(dst []byte) {
	if img.host != nil {
		copy(dst, img.host)
		return
	}
	n := img.size.X * img.size.Y * img.channels()
	for i := 0; i < n; i++ {
		var v float32
		if img.data != nil {
			v = img.data[i]
		}
		switch img.format.Type {
		case compute.TypeUnormInt8:
			dst[i] = toUnorm8(v)
		case compute.TypeHalfFloat:
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	}
}

func unorm8(b byte) float32 {
	return float32(b) / 255
}

func toUnorm8(v float32) byte {
	if !(v > 0) {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return byte(math32.Round(v * 255))
}
