package inference

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/nfnt/resize"
)

// Decode decodes JPEG, PNG or GIF bytes and returns the image with its format name.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnsupportedImage, err)
	}
	return img, format, nil
}

// Preprocess resizes img to size x size with Lanczos3 and lays it out as
// planar CHW float32 in [0,1]. channels is 3 for RGB or 1 for grayscale.
func Preprocess(img image.Image, size, channels int) ([]float32, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid target size %d", size)
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("unsupported channel count %d", channels)
	}

	resized := resize.Resize(uint(size), uint(size), img, resize.Lanczos3)
	bounds := resized.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	plane := width * height

	data := make([]float32, channels*plane)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			rn := float32(r) / 65535.0
			gn := float32(g) / 65535.0
			bn := float32(b) / 65535.0

			i := y*width + x
			if channels == 1 {
				// ITU-R BT.601 luma
				data[i] = 0.299*rn + 0.587*gn + 0.114*bn
				continue
			}
			data[i] = rn
			data[plane+i] = gn
			data[2*plane+i] = bn
		}
	}
	return data, nil
}
