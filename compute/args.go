package compute

import (
	"image"

	"github.com/pkg/errors"
)

// ArgKind is the device-side type of a kernel argument.
type ArgKind int

const (
	ArgImage ArgKind = iota
	ArgInt2
	ArgInt8
	ArgFloat
	ArgFloat3
	ArgFloat4
)

func (k ArgKind) String() string {
	switch k {
	case ArgImage:
		return "image2d_t"
	case ArgInt2:
		return "int2"
	case ArgInt8:
		return "int8"
	case ArgFloat:
		return "float"
	case ArgFloat3:
		return "float3"
	case ArgFloat4:
		return "float4"
	}
	return "unknown"
}

// Arg is a single typed kernel argument.
type Arg struct {
	Kind   ArgKind
	Image  Image
	Ints   [8]int32
	Floats [4]float32
}

// Point returns an int2 argument as an image.Point.
func (a Arg) Point() image.Point {
	return image.Pt(int(a.Ints[0]), int(a.Ints[1]))
}

// Args accumulates the positional arguments of one kernel dispatch.
// Index 0 is always the int2 problem size the dispatch covers.
type Args struct {
	size image.Point
	list []Arg
}

// NewArgs starts an argument list for a dispatch over size.
func NewArgs(size image.Point) *Args {
	a := &Args{size: size}
	return a.Int2(size.X, size.Y)
}

// Size returns the problem size bound at index 0.
func (a *Args) Size() image.Point { return a.size }

// Len returns the number of accumulated arguments, the problem size included.
func (a *Args) Len() int { return len(a.list) }

// At returns the argument bound at index i.
func (a *Args) At(i int) Arg { return a.list[i] }

func (a *Args) Image(img Image) *Args {
	a.list = append(a.list, Arg{Kind: ArgImage, Image: img})
	return a
}

func (a *Args) Int2(x, y int) *Args {
	arg := Arg{Kind: ArgInt2}
	arg.Ints[0], arg.Ints[1] = int32(x), int32(y)
	a.list = append(a.list, arg)
	return a
}

func (a *Args) Point(p image.Point) *Args {
	return a.Int2(p.X, p.Y)
}

func (a *Args) Int8(v [8]int32) *Args {
	a.list = append(a.list, Arg{Kind: ArgInt8, Ints: v})
	return a
}

func (a *Args) Float(v float32) *Args {
	arg := Arg{Kind: ArgFloat}
	arg.Floats[0] = v
	a.list = append(a.list, arg)
	return a
}

func (a *Args) Float3(x, y, z float32) *Args {
	a.list = append(a.list, Arg{Kind: ArgFloat3, Floats: [4]float32{x, y, z, 0}})
	return a
}

func (a *Args) Float4(v [4]float32) *Args {
	a.list = append(a.list, Arg{Kind: ArgFloat4, Floats: v})
	return a
}

// Bind sets every accumulated argument on the kernel in positional order.
func (a *Args) Bind(k Kernel) error {
	for i, arg := range a.list {
		if arg.Kind == ArgImage && arg.Image == nil {
			return errors.Wrapf(ErrInvalidArg, "%s: nil image at index %d", k.Name(), i)
		}
		if err := k.SetArg(i, arg); err != nil {
			return errors.Wrapf(err, "%s: unable to set argument %d (%s)", k.Name(), i, arg.Kind)
		}
	}
	return nil
}
