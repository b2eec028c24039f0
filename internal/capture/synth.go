package capture

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// SyntheticJPEG renders a moving gradient test card. seq shifts the pattern
// so consecutive frames differ.
func SyntheticJPEG(width, height int, seq uint64) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	shift := int(seq % 256)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8((x + shift) % 256),
				G: uint8((y + shift) % 256),
				B: uint8(shift),
				A: 255,
			})
		}
	}

	// Marker bar that walks across the frame.
	bar := int(seq % uint64(max(width, 1)))
	for y := 0; y < height; y++ {
		for dx := 0; dx < 4 && bar+dx < width; dx++ {
			img.Set(bar+dx, y, color.White)
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
