package artifacts

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// thumbnail decodes the image at p and returns a JPEG scaled to width,
// keeping the aspect ratio. Images narrower than width are not upscaled.
func thumbnail(p string, width int) ([]byte, error) {
	img, err := imaging.Open(p, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
