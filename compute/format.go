package compute

import (
	"fmt"
	"image"
)

// ChannelOrder is the channel layout of a device image.
type ChannelOrder int

const (
	OrderR ChannelOrder = iota
	OrderRGBA
)

// Channels returns the number of stored channels.
func (o ChannelOrder) Channels() int {
	switch o {
	case OrderR:
		return 1
	case OrderRGBA:
		return 4
	}
	return 0
}

func (o ChannelOrder) String() string {
	switch o {
	case OrderR:
		return "R"
	case OrderRGBA:
		return "RGBA"
	}
	return fmt.Sprintf("ChannelOrder(%d)", int(o))
}

// ChannelType is the storage type of a single channel.
type ChannelType int

const (
	TypeUnormInt8 ChannelType = iota
	TypeHalfFloat
)

// Size returns the channel size in bytes.
func (t ChannelType) Size() int {
	switch t {
	case TypeUnormInt8:
		return 1
	case TypeHalfFloat:
		return 2
	}
	return 0
}

func (t ChannelType) String() string {
	switch t {
	case TypeUnormInt8:
		return "UNORM_INT8"
	case TypeHalfFloat:
		return "HALF_FLOAT"
	}
	return fmt.Sprintf("ChannelType(%d)", int(t))
}

// Format describes the pixel layout of a device image.
type Format struct {
	Order ChannelOrder
	Type  ChannelType
}

// The formats used by the fusion engine.
var (
	FormatRGBA8    = Format{Order: OrderRGBA, Type: TypeUnormInt8}
	FormatRHalf    = Format{Order: OrderR, Type: TypeHalfFloat}
	FormatRGBAHalf = Format{Order: OrderRGBA, Type: TypeHalfFloat}
)

// PixelSize returns the number of bytes a single pixel occupies.
func (f Format) PixelSize() int {
	return f.Order.Channels() * f.Type.Size()
}

func (f Format) String() string {
	return "(" + f.Order.String() + ", " + f.Type.String() + ")"
}

// ByteCount returns the device memory an image of the given size and format occupies.
func ByteCount(size image.Point, f Format) int64 {
	if size.X <= 0 || size.Y <= 0 {
		return 0
	}
	return int64(size.X) * int64(size.Y) * int64(f.PixelSize())
}
