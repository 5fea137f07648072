// Package capture owns the camera and turns its frames into display frames
// and face samples. Frame acquisition, face detection, and display
// publishing run at independent rates so the expensive model work never
// stalls the camera read loop.
package capture

import (
	"errors"
	"image"
	"time"
)

// Frame is a single decoded camera frame.
type Frame struct {
	Image      image.Image
	CapturedAt time.Time
}

// Camera is the device contract. Exactly one goroutine, the pipeline's
// acquisition loop, reads from an opened camera.
type Camera interface {
	Open() error
	ReadFrame() (*Frame, error)
	Close() error
}

// ErrDeviceUnavailable is returned when the camera cannot be opened.
var ErrDeviceUnavailable = errors.New("camera device unavailable")

// ErrNoFrame is returned on a transient frame read failure. The caller
// backs off briefly and retries.
var ErrNoFrame = errors.New("failed to capture frame")
