package expofuse

import (
	"bufio"
	"bytes"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	"github.com/esimov/expofuse/utils"
	"github.com/pkg/errors"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// DefaultQuality is the jpeg and webp encoding quality.
const DefaultQuality = 95

// SupportedFormats lists the output formats by file extension, without the dot.
var SupportedFormats = []string{"bmp", "jpg", "jpeg", "png", "tif", "tiff", "webp"}

// inputExtensions are the file extensions picked up when walking a directory.
var inputExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff", ".webp"}

// ErrUnsupportedFormat is returned for output formats that can not be encoded.
var ErrUnsupportedFormat = errors.New("unsupported image format")

func init() {
	image.RegisterFormat("webp", "RIFF????WEBP", webp.Decode, webp.DecodeConfig)
}

// decodeImage sniffs the content type of r and decodes it as an image.
func decodeImage(r io.Reader) (image.Image, string, error) {
	br := bufio.NewReaderSize(r, 512)
	head, err := br.Peek(512)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, "", errors.Wrap(err, "could not read the source image")
	}
	ctype, err := utils.SniffContentType(bytes.NewReader(head))
	if err != nil {
		return nil, "", err
	}
	if !strings.HasPrefix(ctype, "image/") {
		return nil, "", errors.Errorf("the source is not an image file: %s", ctype)
	}

	img, format, err := image.Decode(br)
	if err != nil {
		return nil, "", errors.Wrap(err, "could not decode the source image")
	}
	return img, format, nil
}

// encodeImage writes img to w in the given format. quality applies to jpeg
// and webp; webp switches to lossless encoding at 100.
func encodeImage(w io.Writer, img image.Image, format string, quality int) error {
	quality = utils.Clamp(quality, 1, 100)

	switch normalizeFormat(format) {
	case "jpg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case "png":
		return png.Encode(w, img)
	case "bmp":
		return bmp.Encode(w, img)
	case "tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
	case "webp":
		return webp.Encode(w, img, &webp.Options{Lossless: quality == 100, Quality: float32(quality)})
	}
	return errors.Wrap(ErrUnsupportedFormat, format)
}

// normalizeFormat maps a format name or extension to the encoder it uses.
func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimPrefix(format, "."))
	switch format {
	case "jpeg":
		return "jpg"
	case "tif":
		return "tiff"
	}
	return format
}

// formatFromPath returns the output format of a file name.
func formatFromPath(path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	for _, f := range SupportedFormats {
		if f == ext {
			return ext, nil
		}
	}
	if ext == "" {
		return "", errors.Wrapf(ErrUnsupportedFormat, "%s has no file extension", filepath.Base(path))
	}
	return "", errors.Wrapf(ErrUnsupportedFormat, "%s", ext)
}

// isValidExtension checks for the supported input extensions.
func isValidExtension(ext string, extensions []string) bool {
	ext = strings.ToLower(ext)
	for _, ex := range extensions {
		if ex == ext {
			return true
		}
	}
	return false
}

// OutputName builds the file name of a fused image from its inputs: the
// first and last base names in sorted order, joined with a dash, plus the
// format extension.
func OutputName(inputs []string, format string) string {
	if len(inputs) == 0 {
		return ""
	}
	names := make([]string, len(inputs))
	for i, in := range inputs {
		base := filepath.Base(in)
		names[i] = strings.TrimSuffix(base, filepath.Ext(base))
	}
	first, last := names[0], names[0]
	for _, n := range names[1:] {
		if n < first {
			first = n
		}
		if n > last {
			last = n
		}
	}
	return first + "-" + last + "." + strings.TrimPrefix(format, ".")
}
