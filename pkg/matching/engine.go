// Package matching turns the stream of face samples plus one active scan
// into a confirmed match, a graded rejection, or a timeout. The engine
// loop is the sole owner of the sample buffer and the only component that
// drives session transitions during verification.
package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/gradscan/gradscan/pkg/config"
	"github.com/gradscan/gradscan/pkg/events"
	"github.com/gradscan/gradscan/pkg/logging"
	"github.com/gradscan/gradscan/pkg/session"
	"github.com/gradscan/gradscan/pkg/store"
	"github.com/gradscan/gradscan/pkg/vision"
)

// pollInterval is how often the engine drains samples and evaluates.
const pollInterval = 100 * time.Millisecond

// recentSamples is how many buffered samples one comparison uses.
const recentSamples = 5

// retrySuggestion accompanies low-similarity rejections.
const retrySuggestion = "Please position face closer to camera"

// RecordStore is the persistent student lookup the engine depends on.
type RecordStore interface {
	Lookup(identifier string) (*store.Record, error)
	MarkPresent(identifier, method string) error
}

// Announcer consumes confirmed matches, e.g. for spoken announcements.
type Announcer interface {
	Announce(result events.RecognitionResult)
}

// Engine is the decision core. Start launches its polling loop; all buffer
// and streak state is confined to that goroutine. ForceMatch is safe to
// call from any goroutine because it touches neither buffer nor session.
type Engine struct {
	cfg       config.MatchingConfig
	sessions  *session.Manager
	records   RecordStore
	bus       *events.Bus
	announcer Announcer

	signals <-chan vision.Signal

	buffer      *sampleBuffer
	consecutive int
	scanKey     string
	lastAttempt time.Time

	stopCh chan struct{}
	doneCh chan struct{}
	now    func() time.Time
}

// New creates an engine reading face signals from the given channel.
// The announcer may be nil.
func New(cfg config.MatchingConfig, sessions *session.Manager, records RecordStore,
	bus *events.Bus, signals <-chan vision.Signal, announcer Announcer) *Engine {
	return &Engine{
		cfg:       cfg,
		sessions:  sessions,
		records:   records,
		bus:       bus,
		announcer: announcer,
		signals:   signals,
		buffer:    newSampleBuffer(cfg.BufferSize, cfg.Retention()),
		now:       time.Now,
	}
}

// Start launches the polling loop. Idempotent while running.
func (e *Engine) Start() {
	if e.stopCh != nil {
		return
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go e.run()
	logging.Component("matching").Debug("Engine loop started")
}

// Stop terminates the polling loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.stopCh == nil {
		return
	}
	close(e.stopCh)
	<-e.doneCh
	e.stopCh = nil
	e.doneCh = nil
}

func (e *Engine) run() {
	defer close(e.doneCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.cycle(e.now())
		}
	}
}

// cycle is one evaluation pass: drain signals, evict stale samples, check
// expiry, and attempt a comparison when all gates pass.
func (e *Engine) cycle(now time.Time) {
	e.drainSignals()
	e.buffer.evictExpired(now)
	e.checkExpiry(now)

	scan, ok := e.sessions.Current()
	if !ok {
		return
	}

	// A replacement scan starts its own streak; successes against the
	// previous identifier must not count toward this one.
	if key := scanKey(scan); key != e.scanKey {
		e.scanKey = key
		e.consecutive = 0
	}

	if e.buffer.len() == 0 {
		return
	}
	if e.sessions.IsAttemptsExhausted() {
		return
	}
	if now.Sub(e.lastAttempt) <= e.cfg.Cooldown() {
		return
	}

	e.attempt(scan, now)
}

// drainSignals moves pending samples into the buffer. A spoof signal
// empties the buffer, so comparisons only ever use samples that arrived
// after the last spoof.
func (e *Engine) drainSignals() {
	for {
		select {
		case sig := <-e.signals:
			if sig.Spoof {
				logging.Component("matching").Warn("Spoof signal received, dropping sample window")
				e.buffer.clear()
			} else {
				e.buffer.add(sig.Sample)
			}
		default:
			return
		}
	}
}

// checkExpiry clears a timed-out scan and reports it exactly once.
func (e *Engine) checkExpiry(now time.Time) {
	scan, ok := e.sessions.Current()
	if !ok {
		return
	}
	if !e.sessions.IsExpired() {
		return
	}

	e.sessions.Clear()
	e.consecutive = 0
	e.bus.Publish(events.SessionTimeout{
		Identifier:   scan.Identifier,
		AttemptCount: scan.AttemptCount,
		At:           now,
	})
	logging.Infof("Scan %s timed out after %d attempt(s)", scan.Identifier, scan.AttemptCount)
}

func scanKey(scan session.Scan) string {
	return scan.Identifier + "@" + scan.CreatedAt.Format(time.RFC3339Nano)
}

func (e *Engine) attempt(scan session.Scan, now time.Time) {
	target, err := e.records.Lookup(scan.Identifier)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			// Backend failures follow the not-found path but are
			// logged distinctly.
			logging.WithError(err).Errorf("Record lookup failed for %s", scan.Identifier)
		}
		if e.sessions.AttemptCount() == 0 {
			e.sessions.IncrementAttempt()
			e.bus.Publish(events.NotFound{Identifier: scan.Identifier, At: now})
		}
		e.lastAttempt = now
		return
	}

	e.sessions.IncrementAttempt()
	attemptNo := e.sessions.AttemptCount()

	recent := e.buffer.recent(recentSamples)
	weighted, avg := batchScore(recent, target.Embedding)
	threshold := dynamicThreshold(e.cfg, len(recent), attemptNo)
	succeeded := weighted > threshold

	logging.Debugf("Attempt %d: %s best=%.3f avg=%.3f threshold=%.3f",
		attemptNo, target.Name, weighted, avg, threshold)

	e.sessions.RecordAttempt(session.MatchAttempt{
		Attempt:        attemptNo,
		BestSimilarity: weighted,
		AvgSimilarity:  avg,
		Threshold:      threshold,
		Succeeded:      succeeded,
		At:             now,
	})

	if succeeded {
		e.consecutive++
		if e.consecutive >= e.cfg.ConsecutiveNeeded {
			e.confirm(target, weighted, avg, attemptNo, now)
		}
	} else {
		e.consecutive = 0
		if attemptNo < e.cfg.MinAttempts && weighted > e.cfg.NoiseFloor {
			e.bus.Publish(events.LowSimilarity{
				Identifier:  target.Identifier,
				Name:        target.Name,
				Similarity:  weighted,
				Required:    threshold,
				Attempt:     attemptNo,
				MaxAttempts: e.cfg.MaxAttempts,
				Suggestion:  retrySuggestion,
				At:          now,
			})
		}
	}

	e.lastAttempt = now
}

// confirm emits the recognition result and resets for the next scan.
func (e *Engine) confirm(target *store.Record, weighted, avg float64, attempts int, now time.Time) {
	confidence := e.consecutive
	if confidence > 5 {
		confidence = 5
	}

	result := events.RecognitionResult{
		Identifier:      target.Identifier,
		Name:            target.Name,
		Faculty:         target.Faculty,
		GraduationLevel: target.GraduationLevel,
		Similarity:      weighted,
		AvgSimilarity:   avg,
		ConfidenceLevel: confidence,
		TotalAttempts:   attempts,
		At:              now,
	}

	logging.Infof("Match confirmed: %s (%s) similarity=%.3f attempts=%d",
		result.Name, result.Identifier, result.Similarity, result.TotalAttempts)

	e.buffer.clear()
	e.consecutive = 0
	e.sessions.Clear()

	e.bus.Publish(events.MatchFound{Result: result})
	e.finalize(result, store.MethodFaceMatch)
}

// ForceMatch bypasses the matching gates for a manual override. The scan
// slot and sample buffer are untouched; a missing record returns an error
// without side effects.
func (e *Engine) ForceMatch(identifier string) (*events.RecognitionResult, error) {
	target, err := e.records.Lookup(identifier)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("force match: %w", err)
		}
		return nil, fmt.Errorf("force match lookup failed: %w", err)
	}

	result := events.RecognitionResult{
		Identifier:      target.Identifier,
		Name:            target.Name,
		Faculty:         target.Faculty,
		GraduationLevel: target.GraduationLevel,
		Similarity:      1.0,
		AvgSimilarity:   1.0,
		ConfidenceLevel: 5,
		TotalAttempts:   0,
		ManualOverride:  true,
		At:              e.now(),
	}

	logging.Infof("Manual override match for %s (%s)", result.Name, result.Identifier)

	e.bus.Publish(events.MatchFound{Result: result})
	e.finalize(result, store.MethodManualOverride)
	return &result, nil
}

// finalize triggers the downstream attendance and announcement effects.
// Failures are logged, not retried; the match itself already stands.
func (e *Engine) finalize(result events.RecognitionResult, method string) {
	if err := e.records.MarkPresent(result.Identifier, method); err != nil {
		logging.WithError(err).Warnf("Failed to mark %s present", result.Identifier)
	}
	if e.announcer != nil {
		e.announcer.Announce(result)
	}
}
