package liveness

import (
	"image"
	"image/color"
	"math/rand"
	"testing"

	"github.com/gradscan/gradscan/pkg/vision"
)

func flatImage(w, h int, gray uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{gray, gray, gray, 255})
		}
	}
	return img
}

func noisyImage(w, h int) image.Image {
	rng := rand.New(rand.NewSource(42))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			g := uint8(rng.Intn(256))
			img.SetRGBA(x, y, color.RGBA{g, g, g, 255})
		}
	}
	return img
}

func centeredFace(w, h int) vision.Face {
	return vision.Face{Box: vision.Region{X: w / 4, Y: h / 4, Width: w / 2, Height: h / 2}}
}

func TestFlatImageFails(t *testing.T) {
	c := NewChecker(DefaultConfig())
	img := flatImage(100, 100, 128)

	live, confidence, err := c.Check(img, centeredFace(100, 100))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if live {
		t.Error("a uniform image must not pass liveness")
	}
	if confidence > 0.5 {
		t.Errorf("expected low confidence for flat image, got %f", confidence)
	}
}

func TestTexturedImagePasses(t *testing.T) {
	c := NewChecker(DefaultConfig())
	img := noisyImage(100, 100)

	live, confidence, err := c.Check(img, centeredFace(100, 100))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !live {
		t.Errorf("high-variance texture should pass liveness, confidence %f", confidence)
	}
}

func TestTexturedBeatsFlat(t *testing.T) {
	c := NewChecker(DefaultConfig())

	_, flat, err := c.Check(flatImage(80, 80, 200), centeredFace(80, 80))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	_, textured, err := c.Check(noisyImage(80, 80), centeredFace(80, 80))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if textured <= flat {
		t.Errorf("textured confidence %f should exceed flat %f", textured, flat)
	}
}

func TestTinyCropFailsClosed(t *testing.T) {
	c := NewChecker(DefaultConfig())
	img := noisyImage(100, 100)

	// A degenerate box yields a crop too small to analyze.
	live, confidence, err := c.Check(img, vision.Face{
		Box: vision.Region{X: 0, Y: 0, Width: 1, Height: 1},
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if live || confidence != 0 {
		t.Errorf("tiny crop must fail closed, got live=%t confidence=%f", live, confidence)
	}
}

func TestStricterConfig(t *testing.T) {
	strict := NewChecker(Config{VarianceThreshold: 1e9, MinScore: 0.99})

	live, _, err := strict.Check(noisyImage(100, 100), centeredFace(100, 100))
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if live {
		t.Error("unreachable thresholds must reject everything")
	}
}
