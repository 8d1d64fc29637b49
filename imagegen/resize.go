package imagegen

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"math"

	"golang.org/x/image/draw"
)

// minResizeDimension stops FitForUpload from shrinking images into noise.
const minResizeDimension = 64

// FitForUpload returns data unchanged when it is at most maxBytes long.
// Larger images are scaled down (CatmullRom) until the PNG encoding fits,
// falling back to JPEG at quality 85 if PNG cannot get small enough. The
// returned string is the file extension of the result.
func FitForUpload(data []byte, maxBytes int) ([]byte, string, error) {
	if len(data) <= maxBytes {
		return data, ".png", nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("imagegen: cannot decode image for resize: %w", err)
	}

	bounds := src.Bounds()
	scale := math.Sqrt(float64(maxBytes) / float64(len(data)))
	for attempt := 0; attempt < 6; attempt++ {
		w := int(float64(bounds.Dx()) * scale)
		h := int(float64(bounds.Dy()) * scale)
		if w < minResizeDimension || h < minResizeDimension {
			break
		}

		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)

		var buf bytes.Buffer
		if err := png.Encode(&buf, dst); err != nil {
			return nil, "", fmt.Errorf("imagegen: failed to encode resized image: %w", err)
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), ".png", nil
		}

		buf.Reset()
		if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 85}); err != nil {
			return nil, "", fmt.Errorf("imagegen: failed to encode resized image: %w", err)
		}
		if buf.Len() <= maxBytes {
			return buf.Bytes(), ".jpg", nil
		}

		scale *= 0.75
	}

	return nil, "", fmt.Errorf("imagegen: image cannot be reduced below %d bytes", maxBytes)
}
