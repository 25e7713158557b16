// Package frame converts rendered images to and from the compressed bytes
// carried on frame messages.
package frame

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// Tensor is an 8-bit image in channel-first (C, H, W) layout.
type Tensor struct {
	Channels int
	Height   int
	Width    int
	Pix      []uint8
}

func Zeros(channels, height, width int) Tensor {
	return Tensor{
		Channels: channels,
		Height:   height,
		Width:    width,
		Pix:      make([]uint8, channels*height*width),
	}
}

func (t Tensor) Shape() []int {
	return []int{t.Channels, t.Height, t.Width}
}

func (t Tensor) At(c, y, x int) uint8 {
	return t.Pix[(c*t.Height+y)*t.Width+x]
}

// Resize scales img to width x height with bilinear sampling. The source is
// returned as an *image.RGBA untouched when it already has that size.
func Resize(img image.Image, width, height int) *image.RGBA {
	b := img.Bounds()
	if rgba, ok := img.(*image.RGBA); ok && b.Dx() == width && b.Dy() == height {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
		return dst
	}
	draw.BiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

// Encode resizes img to width x height when needed and compresses it as JPEG.
func Encode(img image.Image, width, height, quality int) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("encode: nil image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Resize(img, width, height), &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decompresses data into a (3, height, width) tensor, resizing when
// the encoded image has a different size.
func Decode(data []byte, height, width int) (Tensor, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return Tensor{}, fmt.Errorf("decode jpeg: %w", err)
	}
	rgba := Resize(img, width, height)

	t := Zeros(3, height, width)
	plane := height * width
	for y := 0; y < height; y++ {
		row := rgba.Pix[y*rgba.Stride:]
		for x := 0; x < width; x++ {
			i := y*width + x
			t.Pix[i] = row[x*4]
			t.Pix[plane+i] = row[x*4+1]
			t.Pix[2*plane+i] = row[x*4+2]
		}
	}
	return t, nil
}
