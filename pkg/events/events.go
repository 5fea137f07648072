// Package events carries the typed outcome stream from the capture and
// matching loops to the presentation layer. Outcome events are never
// dropped; display frames may be overwritten when the consumer lags,
// because frame freshness matters more than completeness.
package events

import (
	"image"
	"time"
)

// Event is a tagged outcome published by the pipeline or the engine.
type Event interface {
	event()
}

// RecognitionResult is the payload of a confirmed match. Immutable once
// created.
type RecognitionResult struct {
	Identifier      string
	Name            string
	Faculty         string
	GraduationLevel string
	Similarity      float64
	AvgSimilarity   float64
	ConfidenceLevel int
	TotalAttempts   int
	ManualOverride  bool
	At              time.Time
}

// ScanAccepted reports a newly accepted identifier scan.
type ScanAccepted struct {
	Identifier string
	Source     string
	At         time.Time
}

// MatchFound reports a confirmed match.
type MatchFound struct {
	Result RecognitionResult
}

// LowSimilarity reports a rejected comparison worth retrying.
type LowSimilarity struct {
	Identifier  string
	Name        string
	Similarity  float64
	Required    float64
	Attempt     int
	MaxAttempts int
	Suggestion  string
	At          time.Time
}

// NotFound reports an identifier with no stored record. Emitted at most
// once per scan.
type NotFound struct {
	Identifier string
	At         time.Time
}

// SessionTimeout reports a scan that expired before confirmation.
type SessionTimeout struct {
	Identifier   string
	AttemptCount int
	At           time.Time
}

// Error reports a contained failure inside one of the loops.
type Error struct {
	Message string
	At      time.Time
}

func (ScanAccepted) event()   {}
func (MatchFound) event()     {}
func (LowSimilarity) event()  {}
func (NotFound) event()       {}
func (SessionTimeout) event() {}
func (Error) event()          {}

// DisplayFrame is an annotated frame ready for rendering.
type DisplayFrame struct {
	Image image.Image
	At    time.Time
}

// Bus is the multi-producer, single-consumer channel pair.
type Bus struct {
	events chan Event
	frames chan DisplayFrame
}

// NewBus creates a bus. The outcome queue is buffered generously; a full
// queue blocks producers rather than losing an outcome.
func NewBus() *Bus {
	return &Bus{
		events: make(chan Event, 64),
		frames: make(chan DisplayFrame, 1),
	}
}

// Publish enqueues an outcome event. Blocks when the consumer is behind.
func (b *Bus) Publish(e Event) {
	b.events <- e
}

// PublishFrame offers a display frame, replacing an unconsumed older one
// instead of blocking the capture loop.
func (b *Bus) PublishFrame(f DisplayFrame) {
	for {
		select {
		case b.frames <- f:
			return
		default:
		}
		select {
		case <-b.frames:
		default:
		}
	}
}

// Events returns the outcome stream.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Frames returns the display frame stream.
func (b *Bus) Frames() <-chan DisplayFrame {
	return b.frames
}
