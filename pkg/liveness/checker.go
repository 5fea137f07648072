// Package liveness implements anti-spoofing checks over face crops.
// It scores intensity variance, edge density, and local binary pattern
// texture; printed photos and screen replays score flat on all three.
package liveness

import (
	"image"
	"math"

	"github.com/gradscan/gradscan/pkg/vision"
)

// Config holds the scoring thresholds.
type Config struct {
	// VarianceThreshold is the minimum grayscale variance a live face
	// must exhibit.
	VarianceThreshold float64
	// MinScore is the minimum combined confidence in [0, 1].
	MinScore float64
}

// DefaultConfig returns thresholds suitable for indoor checkpoint lighting.
func DefaultConfig() Config {
	return Config{
		VarianceThreshold: 200,
		MinScore:          0.5,
	}
}

// Checker scores face crops for liveness. Safe for concurrent use on
// distinct inputs; it holds no mutable state.
type Checker struct {
	cfg Config
}

// NewChecker creates a Checker with the given thresholds.
func NewChecker(cfg Config) *Checker {
	return &Checker{cfg: cfg}
}

// Check reports whether the detected face appears live, with a confidence
// in [0, 1]. Crops too small to analyze fail closed.
func (c *Checker) Check(img image.Image, f vision.Face) (bool, float64, error) {
	crop := vision.CropFace(img, f.Box)
	bounds := crop.Bounds()

	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return false, 0, nil
	}

	variance := imageVariance(crop)
	edges := edgeDensity(crop)
	texture := textureComplexity(crop)

	confidence := normalize(variance, 0, 10000)*0.4 + edges*0.3 + texture*0.3
	live := confidence > c.cfg.MinScore && variance > c.cfg.VarianceThreshold

	return live, confidence, nil
}

// imageVariance computes the variance of grayscale pixel intensities.
func imageVariance(img image.Image) float64 {
	bounds := img.Bounds()

	var sum, sumSq float64
	count := 0

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			g := grayAt(img, x, y)
			sum += g
			sumSq += g * g
			count++
		}
	}

	if count == 0 {
		return 0
	}

	mean := sum / float64(count)
	return sumSq/float64(count) - mean*mean
}

// edgeDensity computes the fraction of pixels with a strong gradient.
func edgeDensity(img image.Image) float64 {
	bounds := img.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return 0
	}

	edgeCount, total := 0, 0
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			gx := grayAt(img, x+1, y) - grayAt(img, x-1, y)
			gy := grayAt(img, x, y+1) - grayAt(img, x, y-1)

			if math.Sqrt(gx*gx+gy*gy) > 30 {
				edgeCount++
			}
			total++
		}
	}

	if total == 0 {
		return 0
	}
	return float64(edgeCount) / float64(total)
}

// textureComplexity samples 8-neighbor local binary patterns across the
// crop and normalizes the mean pattern value.
func textureComplexity(img image.Image) float64 {
	bounds := img.Bounds()
	if bounds.Dx() < 3 || bounds.Dy() < 3 {
		return 0
	}

	var sum float64
	samples := 0

	const step = 8
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y += step {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x += step {
			center := grayAt(img, x, y)

			var pattern uint8
			offsets := [8][2]int{
				{-1, -1}, {0, -1}, {1, -1}, {1, 0},
				{1, 1}, {0, 1}, {-1, 1}, {-1, 0},
			}
			for bit, off := range offsets {
				if grayAt(img, x+off[0], y+off[1]) >= center {
					pattern |= 1 << uint(bit)
				}
			}

			sum += float64(pattern)
			samples++
		}
	}

	if samples == 0 {
		return 0
	}
	return normalize(sum/float64(samples), 0, 255)
}

func grayAt(img image.Image, x, y int) float64 {
	r, g, b, _ := img.At(x, y).RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 256.0
}

func normalize(value, min, max float64) float64 {
	if max <= min {
		return 0
	}
	n := (value - min) / (max - min)
	if n < 0 {
		return 0
	}
	if n > 1 {
		return 1
	}
	return n
}
