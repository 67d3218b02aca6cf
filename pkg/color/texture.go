// Package color converts frames between images, float textures and engine buffers, and
// applies the gamma transforms around the transfer network.
package color

import (
	"image"
	imagecolor "image/color"

	xdraw "golang.org/x/image/draw"
)

// Texture is a float32 RGBA image with components in [0,1]. Alpha is never gamma-encoded.
type Texture struct {
	Width, Height int
	// Pix holds R, G, B, A for each pixel, row by row.
	Pix []float32
}

// NewTexture allocates a transparent black texture.
func NewTexture(width, height int) *Texture {
	return &Texture{Width: width, Height: height, Pix: make([]float32, 4*width*height)}
}

// FromImage converts img into t, resizing t to the image bounds if needed.
func (t *Texture) FromImage(img image.Image) {
	b := img.Bounds()
	t.Resize(b.Dx(), b.Dy())

	if src, ok := img.(*image.NRGBA); ok {
		for y := 0; y < t.Height; y++ {
			row := src.Pix[src.PixOffset(b.Min.X, b.Min.Y+y):]
			dst := t.Pix[4*y*t.Width:]
			for i := 0; i < 4*t.Width; i++ {
				dst[i] = float32(row[i]) / 255
			}
		}
		return
	}

	for y := 0; y < t.Height; y++ {
		for x := 0; x < t.Width; x++ {
			c := imagecolor.NRGBA64Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(imagecolor.NRGBA64)
			i := 4 * (y*t.Width + x)
			t.Pix[i+0] = float32(c.R) / 0xffff
			t.Pix[i+1] = float32(c.G) / 0xffff
			t.Pix[i+2] = float32(c.B) / 0xffff
			t.Pix[i+3] = float32(c.A) / 0xffff
		}
	}
}

// TextureFromImage returns a new texture holding img.
func TextureFromImage(img image.Image) *Texture {
	t := &Texture{}
	t.FromImage(img)
	return t
}

// ToImage converts t to an 8-bit image, rounding and clamping each component.
func (t *Texture) ToImage() *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, t.Width, t.Height))
	for i, v := range t.Pix {
		img.Pix[i] = f32ToU8(v)
	}
	return img
}

// Resize reallocates t when its dimensions change. Contents are not preserved.
func (t *Texture) Resize(width, height int) {
	if t.Width == width && t.Height == height && len(t.Pix) == 4*width*height {
		return
	}
	t.Width, t.Height = width, height
	t.Pix = make([]float32, 4*width*height)
}

// CopyFrom makes t an exact copy of src.
func (t *Texture) CopyFrom(src *Texture) {
	t.Resize(src.Width, src.Height)
	copy(t.Pix, src.Pix)
}

// Scale resamples img to width x height with bilinear filtering.
func Scale(img image.Image, width, height int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return dst
}

func f32ToU8(v float32) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 1:
		return 255
	}
	return uint8(v*255 + 0.5)
}
