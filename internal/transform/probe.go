package transform

import (
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// probeDimensions reads only the image header. Formats without a registered
// decoder report ok=false; the transform result then omits dimensions.
func probeDimensions(path string) (image.Point, bool) {
	f, err := os.Open(path)
	if err != nil {
		return image.Point{}, false
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Point{}, false
	}
	return image.Point{X: cfg.Width, Y: cfg.Height}, true
}
