package matching

import (
	"time"

	"github.com/gradscan/gradscan/pkg/vision"
)

// sampleBuffer is the time-bounded window of recent face samples.
// It is owned exclusively by the engine loop.
type sampleBuffer struct {
	capacity  int
	retention time.Duration
	samples   []vision.Sample
}

func newSampleBuffer(capacity int, retention time.Duration) *sampleBuffer {
	return &sampleBuffer{
		capacity:  capacity,
		retention: retention,
	}
}

// add appends a sample, dropping the oldest once capacity is exceeded.
func (b *sampleBuffer) add(s vision.Sample) {
	b.samples = append(b.samples, s)
	if len(b.samples) > b.capacity {
		b.samples = b.samples[len(b.samples)-b.capacity:]
	}
}

// evictExpired removes samples older than the retention window.
func (b *sampleBuffer) evictExpired(now time.Time) {
	kept := b.samples[:0]
	for _, s := range b.samples {
		if now.Sub(s.CapturedAt) < b.retention {
			kept = append(kept, s)
		}
	}
	b.samples = kept
}

// clear empties the buffer. A single spoof signal invalidates the whole
// recent window, not just one sample.
func (b *sampleBuffer) clear() {
	b.samples = nil
}

// recent returns the k most recent samples, oldest first.
func (b *sampleBuffer) recent(k int) []vision.Sample {
	if len(b.samples) <= k {
		return b.samples
	}
	return b.samples[len(b.samples)-k:]
}

func (b *sampleBuffer) len() int {
	return len(b.samples)
}
