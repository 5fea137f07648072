package matching

import (
	"testing"
	"time"

	"github.com/gradscan/gradscan/pkg/vision"
)

func sampleAt(at time.Time, value float32) vision.Sample {
	return vision.Sample{Embedding: vision.Embedding{value}, CapturedAt: at}
}

func TestBufferDropsOldestAtCapacity(t *testing.T) {
	b := newSampleBuffer(3, time.Hour)
	now := time.Now()

	for i := 0; i < 5; i++ {
		b.add(sampleAt(now, float32(i)))
	}

	if b.len() != 3 {
		t.Fatalf("expected 3 samples, got %d", b.len())
	}
	if got := b.samples[0].Embedding[0]; got != 2 {
		t.Errorf("expected oldest surviving sample 2, got %v", got)
	}
}

func TestBufferEvictsExpired(t *testing.T) {
	b := newSampleBuffer(10, 3*time.Second)
	now := time.Now()

	b.add(sampleAt(now.Add(-5*time.Second), 1))
	b.add(sampleAt(now.Add(-2*time.Second), 2))
	b.add(sampleAt(now, 3))

	b.evictExpired(now)

	if b.len() != 2 {
		t.Fatalf("expected 2 samples after eviction, got %d", b.len())
	}
	if got := b.samples[0].Embedding[0]; got != 2 {
		t.Errorf("expected sample 2 to survive, got %v", got)
	}
}

func TestBufferRecent(t *testing.T) {
	b := newSampleBuffer(10, time.Hour)
	now := time.Now()

	for i := 0; i < 8; i++ {
		b.add(sampleAt(now, float32(i)))
	}

	recent := b.recent(5)
	if len(recent) != 5 {
		t.Fatalf("expected 5 recent samples, got %d", len(recent))
	}
	if recent[0].Embedding[0] != 3 || recent[4].Embedding[0] != 7 {
		t.Errorf("expected samples 3..7 oldest first, got %v..%v",
			recent[0].Embedding[0], recent[4].Embedding[0])
	}

	// Fewer samples than requested returns them all.
	b.clear()
	b.add(sampleAt(now, 9))
	if got := b.recent(5); len(got) != 1 {
		t.Errorf("expected 1 sample, got %d", len(got))
	}
}

func TestBufferClear(t *testing.T) {
	b := newSampleBuffer(10, time.Hour)
	b.add(sampleAt(time.Now(), 1))
	b.clear()

	if b.len() != 0 {
		t.Errorf("expected empty buffer, got %d", b.len())
	}
}
