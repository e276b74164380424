package compute

import "fmt"

// KernelType identifies one entry point of the fusion kernel program.
type KernelType int

const (
	KernelWeight KernelType = iota
	KernelAdd
	KernelSub
	KernelDiv
	KernelMul
	KernelFill
	KernelUpsample
	KernelToRGBA
	KernelCopy
	KernelFilterGauss

	kernelCount
)

var kernelNames = [kernelCount]string{
	KernelWeight:      "krn_weight",
	KernelAdd:         "krn_add",
	KernelSub:         "krn_sub",
	KernelDiv:         "krn_div",
	KernelMul:         "krn_mul",
	KernelFill:        "krn_fill",
	KernelUpsample:    "krn_upsample",
	KernelToRGBA:      "krn_toRgba",
	KernelCopy:        "krn_copy",
	KernelFilterGauss: "krn_filterGauss",
}

// Name returns the entry point name used in the kernel source.
func (k KernelType) Name() string {
	if k < 0 || k >= kernelCount {
		return ""
	}
	return kernelNames[k]
}

func (k KernelType) String() string {
	if n := k.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("KernelType(%d)", int(k))
}

// KernelTypes returns every kernel the fusion program must provide.
func KernelTypes() []KernelType {
	types := make([]KernelType, 0, kernelCount)
	for k := KernelType(0); k < kernelCount; k++ {
		types = append(types, k)
	}
	return types
}

// KernelByName resolves an entry point name back to its kernel type.
func KernelByName(name string) (KernelType, bool) {
	for k, n := range kernelNames {
		if n == name {
			return KernelType(k), true
		}
	}
	return 0, false
}
