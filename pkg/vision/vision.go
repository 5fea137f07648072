// Package vision defines the capability contracts the recognition pipeline
// consumes: face detection, embedding extraction, and liveness checking.
// The core depends only on these interfaces; concrete model bindings are
// adapters (see DlibProvider).
package vision

import (
	"errors"
	"image"
	"time"
)

// Region is a face bounding box in frame coordinates.
type Region struct {
	X, Y          int
	Width, Height int
}

// Rect converts the region to an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// Point is a 2D landmark position.
type Point struct {
	X, Y int
}

// Embedding is a fixed-length face vector. Providers return unit vectors;
// comparisons use cosine similarity.
type Embedding []float32

// Face is a detected face with its alignment data.
type Face struct {
	Box        Region
	Landmarks  []Point
	Confidence float64
	// Embedding is filled by providers that compute detection and
	// embedding in a single pass. Embed returns it when present.
	Embedding Embedding
}

// Sample is one embedding captured from a live face.
type Sample struct {
	Embedding  Embedding
	CapturedAt time.Time
}

// Signal is one unit on the sample stream: either a live face sample or a
// spoof marker. A spoof marker invalidates the consumer's recent sample
// window so a replayed face cannot ride along with real captures.
type Signal struct {
	Sample Sample
	Spoof  bool
}

// Detector finds faces in a frame.
type Detector interface {
	DetectFaces(img image.Image) ([]Face, error)
}

// Embedder turns an aligned face into a unit vector.
type Embedder interface {
	Embed(img image.Image, f Face) (Embedding, error)
}

// LivenessChecker distinguishes a real face from a replayed one.
// Implementations must be safe for concurrent calls on distinct inputs.
type LivenessChecker interface {
	Check(img image.Image, f Face) (live bool, confidence float64, err error)
}

// ErrNoFaceDetected is returned when no face is found in the image.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrMultipleFaces is returned when a single face was required but several
// were detected.
var ErrMultipleFaces = errors.New("multiple faces detected")

// ErrModelNotLoaded is returned when the provider's models are not loaded.
var ErrModelNotLoaded = errors.New("face models not loaded")
