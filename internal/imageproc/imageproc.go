// Package imageproc normalizes generated scene images before they are stored:
// oversized model output is downscaled and re-encoded as JPEG so book pages
// stay a predictable size.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
)

const jpegQuality = 85

// NormalizeScene decodes data in any common format, downscales it to at most
// maxWidth pixels wide preserving aspect ratio, and re-encodes as JPEG.
// maxWidth <= 0 keeps the original dimensions.
func NormalizeScene(data []byte, maxWidth int) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode scene image: %w", err)
	}

	if maxWidth > 0 && img.Bounds().Dx() > maxWidth {
		img = imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
	}

	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("encode scene image: %w", err)
	}
	return buf.Bytes(), nil
}
