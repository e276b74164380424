/*
Package expofuse merges a bracketed series of exposures of the same scene
into a single well exposed image, using Mertens exposure fusion on an
OpenCL device.

Every source pixel is weighted by its contrast, saturation and well
exposedness; the images are then blended across the levels of a Laplacian
pyramid, which hides the seams a per pixel blend would leave. No HDR
radiance map and no tone mapping are involved.

The package provides a command line interface. To check the supported
flags type:

	$ expofuse --help

The OpenCL backend is compiled in with the opencl build tag; without it, or
without a usable device, the fusion runs on the built in software device.

In case you wish to integrate the API in a self constructed environment here
is a simple example:

	package main

	import (
		"fmt"
		"io"
		"os"

		"github.com/esimov/expofuse"
		"github.com/esimov/expofuse/fusion"
	)

	func main() {
		p := &expofuse.Processor{
			Params: fusion.DefaultParams(),
		}
		defer p.Close()

		var srcs []io.Reader
		for _, name := range []string{"under.jpg", "normal.jpg", "over.jpg"} {
			f, _ := os.Open(name)
			defer f.Close()
			srcs = append(srcs, f)
		}
		out, _ := os.Create("fused.jpg")
		defer out.Close()

		if err := p.Process(srcs, out); err != nil {
			fmt.Printf("Error fusing the images: %s", err.Error())
		}
	}
*/
package expofuse
