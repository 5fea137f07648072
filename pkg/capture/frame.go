package capture

import (
	"fmt"
	"image"

	xdraw "golang.org/x/image/draw"
)

// Mirror returns a horizontally flipped copy of the frame, so the display
// behaves like a mirror for the person standing in front of it.
func Mirror(img image.Image) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			out.Set(bounds.Max.X-1-x-bounds.Min.X, y-bounds.Min.Y, img.At(x, y))
		}
	}
	return out
}

// Resize scales the frame to the given size with approximate bilinear
// interpolation, cheap enough to run per detection cycle.
func Resize(img image.Image, width, height int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.ApproxBiLinear.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Src, nil)
	return out
}

// decodeYUYV converts a packed YUYV 4:2:2 buffer into an RGBA image.
func decodeYUYV(data []byte, width, height int) (*image.RGBA, error) {
	if len(data) < width*height*2 {
		return nil, fmt.Errorf("short YUYV buffer: %d bytes for %dx%d", len(data), width, height)
	}

	out := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x += 2 {
			i := (y*width + x) * 2
			y0, u, y1, v := data[i], data[i+1], data[i+2], data[i+3]

			setYUV(out, x, y, y0, u, v)
			if x+1 < width {
				setYUV(out, x+1, y, y1, u, v)
			}
		}
	}
	return out, nil
}

func setYUV(img *image.RGBA, x, y int, lum, u, v byte) {
	c := float64(lum) - 16
	d := float64(u) - 128
	e := float64(v) - 128

	r := clamp255(1.164*c + 1.596*e)
	g := clamp255(1.164*c - 0.392*d - 0.813*e)
	b := clamp255(1.164*c + 2.017*d)

	offset := img.PixOffset(x, y)
	img.Pix[offset+0] = r
	img.Pix[offset+1] = g
	img.Pix[offset+2] = b
	img.Pix[offset+3] = 0xff
}

func clamp255(v float64) byte {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return byte(v)
}
