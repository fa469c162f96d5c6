// Package imaging derives preview images from generated results.
package imaging

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	ThumbnailSize    = 400
	ThumbnailQuality = 80
	ThumbnailType    = "image/jpeg"
)

// Thumbnail decodes data and returns a ThumbnailSize square JPEG that covers
// the frame, cropping the longer side around the center.
func Thumbnail(data []byte) ([]byte, error) {
	return Cover(data, ThumbnailSize, ThumbnailSize, ThumbnailQuality)
}

// Cover scales data to fill width x height, cropping overflow evenly.
func Cover(data []byte, width, height, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("imaging: target size must be positive")
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("imaging: decode: %w", err)
	}
	crop := coverRect(src.Bounds(), width, height)
	if crop.Empty() {
		return nil, errors.New("imaging: empty source image")
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("imaging: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// coverRect returns the centered region of b with the target aspect ratio.
func coverRect(b image.Rectangle, width, height int) image.Rectangle {
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return image.Rectangle{}
	}
	// Compare w/h against width/height without floating point.
	if w*height > h*width {
		cw := h * width / height
		x0 := b.Min.X + (w-cw)/2
		return image.Rect(x0, b.Min.Y, x0+cw, b.Max.Y)
	}
	ch := w * height / width
	y0 := b.Min.Y + (h-ch)/2
	return image.Rect(b.Min.X, y0, b.Max.X, y0+ch)
}
