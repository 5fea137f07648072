package capture

import (
	"sync"
	"time"
)

// Stats tracks the pipeline's throughput counters. Updated from the
// acquisition loop and the detection workers, read from the display path.
type Stats struct {
	mu sync.Mutex

	frames     int
	windowTime time.Time
	fps        float64

	detections   int64
	facesFound   int64
	samplesTaken int64
	spoofs       int64
}

// NewStats returns a zeroed counter set.
func NewStats() *Stats {
	return &Stats{windowTime: time.Now()}
}

// TickFrame counts one captured frame and refreshes the FPS estimate once
// per second.
func (s *Stats) TickFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frames++
	elapsed := time.Since(s.windowTime)
	if elapsed >= time.Second {
		s.fps = float64(s.frames) / elapsed.Seconds()
		s.frames = 0
		s.windowTime = time.Now()
	}
}

// TickDetection counts one detection pass and the faces it found.
func (s *Stats) TickDetection(faces int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detections++
	s.facesFound += int64(faces)
}

// TickSample counts one embedding sample produced.
func (s *Stats) TickSample() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samplesTaken++
}

// TickSpoof counts one rejected liveness check.
func (s *Stats) TickSpoof() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoofs++
}

// FPS returns the current frames-per-second estimate.
func (s *Stats) FPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fps
}

// Snapshot is a copy of the counters for reporting.
type Snapshot struct {
	FPS          float64
	Detections   int64
	FacesFound   int64
	SamplesTaken int64
	Spoofs       int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		FPS:          s.fps,
		Detections:   s.detections,
		FacesFound:   s.facesFound,
		SamplesTaken: s.samplesTaken,
		Spoofs:       s.spoofs,
	}
}
