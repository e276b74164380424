package expofuse

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"
	"github.com/esimov/expofuse/utils"
)

const (
	maxScreenX = 1366
	maxScreenY = 768

	statusHeight = 32
)

// showPreview opens a window with the fused image and blocks until the
// user closes it. Images larger than the screen area are scaled down,
// keeping their aspect ratio.
func showPreview(img *image.NRGBA, report Report) error {
	gui := NewGUI(previewImage(img), previewStatus(report))
	return gui.Run()
}

// previewImage fits img into the preview area. Smaller images are
// returned as they are.
func previewImage(img *image.NRGBA) *image.NRGBA {
	size := img.Bounds().Size()
	if size.X <= maxScreenX && size.Y <= maxScreenY-statusHeight {
		return img
	}
	return imaging.Fit(img, maxScreenX, maxScreenY-statusHeight, imaging.Lanczos)
}

func previewStatus(r Report) string {
	return fmt.Sprintf("%d images fused on %s in %s (%dx%d)",
		r.Inputs, r.Device, utils.FormatTime(r.Elapsed), r.Size.X, r.Size.Y,
	)
}
