package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/gradscan/gradscan/pkg/session"
	"github.com/gradscan/gradscan/pkg/vision"
)

var (
	boxActive = color.RGBA{0, 200, 0, 255}
	boxIdle   = color.RGBA{200, 60, 60, 255}
	textColor = color.RGBA{255, 255, 255, 255}
)

// Annotate draws face boxes and the verification status onto a copy of the
// frame. Boxes are green while a scan is active, red otherwise.
func Annotate(frame image.Image, faces []vision.Face, status session.Status, fps float64) *image.RGBA {
	bounds := frame.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, frame, bounds.Min, draw.Src)

	boxColor := boxIdle
	if status.HasScan {
		boxColor = boxActive
	}
	for _, f := range faces {
		drawRect(out, f.Box.Rect(), boxColor)
	}

	line := 1
	drawText(out, line, fmt.Sprintf("Faces: %d  FPS: %.1f", len(faces), fps))
	line++

	if status.HasScan {
		drawText(out, line, fmt.Sprintf("Verifying: %s", status.Identifier))
		line++
		drawText(out, line, fmt.Sprintf("Time left: %.0fs  Attempts: %d/%d",
			status.Remaining.Seconds(), status.AttemptCount, status.MaxAttempts))
		line++
		if status.AttemptsExhausted {
			drawText(out, line, "Attempts exhausted, rescan to retry")
		}
	} else {
		drawText(out, line, "Scan QR code to begin")
	}

	return out
}

// drawRect draws a 2px rectangle outline clipped to the image bounds.
func drawRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < 2; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, c)
			img.SetRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, c)
			img.SetRGBA(r.Max.X-1-t, y, c)
		}
	}
}

func drawText(img *image.RGBA, line int, text string) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(textColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(8, 8+line*16),
	}
	d.DrawString(text)
}
