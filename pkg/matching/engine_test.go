package matching

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/gradscan/gradscan/pkg/config"
	"github.com/gradscan/gradscan/pkg/events"
	"github.com/gradscan/gradscan/pkg/session"
	"github.com/gradscan/gradscan/pkg/store"
	"github.com/gradscan/gradscan/pkg/vision"
)

type mockRecordStore struct {
	records   map[string]*store.Record
	lookupErr error
	marked    []string
	markErr   error
}

func (m *mockRecordStore) Lookup(identifier string) (*store.Record, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	rec, ok := m.records[identifier]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (m *mockRecordStore) MarkPresent(identifier, method string) error {
	m.marked = append(m.marked, identifier+"/"+method)
	return m.markErr
}

type mockAnnouncer struct {
	results []events.RecognitionResult
}

func (m *mockAnnouncer) Announce(result events.RecognitionResult) {
	m.results = append(m.results, result)
}

type engineFixture struct {
	engine    *Engine
	sessions  *session.Manager
	bus       *events.Bus
	signals   chan vision.Signal
	records   *mockRecordStore
	announcer *mockAnnouncer
}

func newEngineFixture(timeout time.Duration, maxAttempts int) *engineFixture {
	cfg := config.DefaultConfig().Matching
	records := &mockRecordStore{records: map[string]*store.Record{}}
	announcer := &mockAnnouncer{}
	sessions := session.NewManager(timeout, maxAttempts)
	bus := events.NewBus()
	signals := make(chan vision.Signal, 16)

	return &engineFixture{
		engine:    New(cfg, sessions, records, bus, signals, announcer),
		sessions:  sessions,
		bus:       bus,
		signals:   signals,
		records:   records,
		announcer: announcer,
	}
}

func (f *engineFixture) addRecord(identifier string, embedding vision.Embedding) {
	f.records.records[identifier] = &store.Record{
		Identifier: identifier,
		Name:       "Student " + identifier,
		Embedding:  embedding,
	}
}

func (f *engineFixture) sendSample(embedding vision.Embedding, at time.Time) {
	f.signals <- vision.Signal{Sample: vision.Sample{Embedding: embedding, CapturedAt: at}}
}

func (f *engineFixture) drainEvents() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.bus.Events():
			out = append(out, e)
		default:
			return out
		}
	}
}

func unitVector(dim, axis int) vision.Embedding {
	v := make(vision.Embedding, dim)
	v[axis] = 1
	return v
}

func TestUnknownIdentifierReportedOnce(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	if err := f.sessions.SetCurrent("S404", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(unitVector(128, 0), now)
	f.engine.cycle(now)

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if _, ok := evs[0].(events.NotFound); !ok {
		t.Fatalf("expected NotFound, got %T", evs[0])
	}

	// Further cycles must not repeat the report.
	now = now.Add(time.Second)
	f.sendSample(unitVector(128, 0), now)
	f.engine.cycle(now)

	if evs := f.drainEvents(); len(evs) != 0 {
		t.Errorf("expected no further events, got %d", len(evs))
	}
	if got := f.sessions.AttemptCount(); got != 1 {
		t.Errorf("expected attempt count to stay 1, got %d", got)
	}
}

func TestBackendFailureFollowsNotFoundPath(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.records.lookupErr = errors.New("database locked")
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(unitVector(128, 0), now)
	f.engine.cycle(now)

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if _, ok := evs[0].(events.NotFound); !ok {
		t.Fatalf("expected NotFound, got %T", evs[0])
	}
}

func TestConsecutiveMatchesConfirm(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	target := unitVector(128, 0)
	f.addRecord("S1", target)
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(target, now)
	f.engine.cycle(now)

	if evs := f.drainEvents(); len(evs) != 0 {
		t.Fatalf("one success must not confirm, got %d event(s)", len(evs))
	}

	now = now.Add(time.Second)
	f.sendSample(target, now)
	f.engine.cycle(now)

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	match, ok := evs[0].(events.MatchFound)
	if !ok {
		t.Fatalf("expected MatchFound, got %T", evs[0])
	}
	if match.Result.Identifier != "S1" {
		t.Errorf("expected identifier S1, got %s", match.Result.Identifier)
	}
	if match.Result.TotalAttempts != 2 {
		t.Errorf("expected 2 attempts, got %d", match.Result.TotalAttempts)
	}
	if match.Result.ConfidenceLevel != 2 {
		t.Errorf("expected confidence 2, got %d", match.Result.ConfidenceLevel)
	}

	if _, active := f.sessions.Current(); active {
		t.Error("scan should be cleared after confirmation")
	}
	if f.engine.buffer.len() != 0 {
		t.Error("sample buffer should be cleared after confirmation")
	}
	if len(f.records.marked) != 1 || f.records.marked[0] != "S1/"+store.MethodFaceMatch {
		t.Errorf("expected attendance via face match, got %v", f.records.marked)
	}
	if len(f.announcer.results) != 1 {
		t.Errorf("expected 1 announcement, got %d", len(f.announcer.results))
	}
}

func TestLowSimilarityRejection(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	// cos = 0.3 against the target, above the noise floor but below any
	// reachable threshold.
	sample := make(vision.Embedding, 128)
	sample[0] = 0.3
	sample[1] = 0.9539392

	now := time.Now()
	f.sendSample(sample, now)
	f.engine.cycle(now)

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	low, ok := evs[0].(events.LowSimilarity)
	if !ok {
		t.Fatalf("expected LowSimilarity, got %T", evs[0])
	}
	if low.Similarity <= 0.2 || low.Similarity >= low.Required {
		t.Errorf("similarity %.3f should be in (0.2, %.3f)", low.Similarity, low.Required)
	}
	if low.Suggestion == "" {
		t.Error("rejection should carry a retry suggestion")
	}

	history := f.sessions.History()
	if len(history) != 1 || history[0].Succeeded {
		t.Errorf("expected one failed attempt in history, got %+v", history)
	}
}

func TestDissimilarFaceStaysQuiet(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	// Orthogonal sample scores 0, below the noise floor.
	now := time.Now()
	f.sendSample(unitVector(128, 1), now)
	f.engine.cycle(now)

	if evs := f.drainEvents(); len(evs) != 0 {
		t.Errorf("noise-floor rejection should be silent, got %d event(s)", len(evs))
	}
	if got := f.sessions.AttemptCount(); got != 1 {
		t.Errorf("attempt should still be counted, got %d", got)
	}
}

func TestNoAttemptWithoutSamples(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	f.engine.cycle(time.Now())

	if got := f.sessions.AttemptCount(); got != 0 {
		t.Errorf("expected no attempts without samples, got %d", got)
	}
	if evs := f.drainEvents(); len(evs) != 0 {
		t.Errorf("expected no events, got %d", len(evs))
	}
}

func TestCooldownGatesAttempts(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(unitVector(128, 1), now)
	f.engine.cycle(now)

	// Within the cooldown window nothing may be evaluated.
	soon := now.Add(100 * time.Millisecond)
	f.sendSample(unitVector(128, 1), soon)
	f.engine.cycle(soon)

	if got := f.sessions.AttemptCount(); got != 1 {
		t.Errorf("expected 1 attempt during cooldown, got %d", got)
	}

	later := now.Add(time.Second)
	f.engine.cycle(later)
	if got := f.sessions.AttemptCount(); got != 2 {
		t.Errorf("expected 2 attempts after cooldown, got %d", got)
	}
}

func TestSpoofSignalClearsSamples(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(unitVector(128, 0), now)
	f.sendSample(unitVector(128, 0), now)
	f.signals <- vision.Signal{Spoof: true}

	f.engine.cycle(now)

	if f.engine.buffer.len() != 0 {
		t.Errorf("spoof should empty the buffer, got %d sample(s)", f.engine.buffer.len())
	}
	if got := f.sessions.AttemptCount(); got != 0 {
		t.Errorf("no attempt should run after a spoof, got %d", got)
	}
}

func TestAttemptsExhaustedStopsEvaluation(t *testing.T) {
	f := newEngineFixture(time.Hour, 1)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(unitVector(128, 1), now)
	f.engine.cycle(now)

	if !f.sessions.IsAttemptsExhausted() {
		t.Fatal("budget of 1 should be exhausted after one attempt")
	}

	later := now.Add(time.Second)
	f.sendSample(unitVector(128, 1), later)
	f.engine.cycle(later)

	if got := f.sessions.AttemptCount(); got != 1 {
		t.Errorf("exhausted scan must not accumulate attempts, got %d", got)
	}
	// The scan stays visible until something replaces or clears it.
	if _, active := f.sessions.Current(); !active {
		t.Error("exhausted scan should remain in place")
	}
}

func TestSessionTimeoutReportedOnce(t *testing.T) {
	f := newEngineFixture(0, 25)
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	f.engine.cycle(time.Now())

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	timeout, ok := evs[0].(events.SessionTimeout)
	if !ok {
		t.Fatalf("expected SessionTimeout, got %T", evs[0])
	}
	if timeout.Identifier != "S1" {
		t.Errorf("expected identifier S1, got %s", timeout.Identifier)
	}

	f.engine.cycle(time.Now())
	if evs := f.drainEvents(); len(evs) != 0 {
		t.Errorf("timeout must be reported once, got %d more event(s)", len(evs))
	}
}

func TestForceMatch(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	f.addRecord("S1", unitVector(128, 0))
	if err := f.sessions.SetCurrent("S2", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	result, err := f.engine.ForceMatch("S1")
	if err != nil {
		t.Fatalf("ForceMatch failed: %v", err)
	}
	if !result.ManualOverride {
		t.Error("result should be flagged as manual override")
	}
	if result.Similarity != 1.0 || result.ConfidenceLevel != 5 {
		t.Errorf("override should report full confidence, got sim=%.2f conf=%d",
			result.Similarity, result.ConfidenceLevel)
	}

	if len(f.records.marked) != 1 || f.records.marked[0] != "S1/"+store.MethodManualOverride {
		t.Errorf("expected attendance via manual override, got %v", f.records.marked)
	}
	if len(f.announcer.results) != 1 {
		t.Errorf("expected 1 announcement, got %d", len(f.announcer.results))
	}

	// The unrelated active scan must be untouched.
	scan, active := f.sessions.Current()
	if !active || scan.Identifier != "S2" {
		t.Errorf("active scan should survive an override, got %+v active=%t", scan, active)
	}

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	if _, ok := evs[0].(events.MatchFound); !ok {
		t.Errorf("expected MatchFound, got %T", evs[0])
	}
}

func TestForceMatchUnknown(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)

	if _, err := f.engine.ForceMatch("S404"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if len(f.records.marked) != 0 {
		t.Errorf("failed override must not mark attendance, got %v", f.records.marked)
	}
	if evs := f.drainEvents(); len(evs) != 0 {
		t.Errorf("failed override must not publish events, got %d", len(evs))
	}
}

func TestStartStopIdempotent(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)

	f.engine.Start()
	f.engine.Start()
	f.engine.Stop()
	f.engine.Stop()
}

func TestConfirmationReplacedByNewScan(t *testing.T) {
	f := newEngineFixture(time.Hour, 25)
	target := unitVector(128, 0)
	f.addRecord("S1", target)
	f.addRecord("S2", target)
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	f.sendSample(target, now)
	f.engine.cycle(now)

	// A new scan arrives mid-verification; the success streak must not
	// carry over from the old identifier.
	if err := f.sessions.SetCurrent("S2", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now = now.Add(time.Second)
	f.sendSample(target, now)
	f.engine.cycle(now)

	if evs := f.drainEvents(); len(evs) != 0 {
		t.Fatalf("one success on the new scan must not confirm, got %d event(s)", len(evs))
	}

	now = now.Add(time.Second)
	f.sendSample(target, now)
	f.engine.cycle(now)

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d", len(evs))
	}
	match, ok := evs[0].(events.MatchFound)
	if !ok {
		t.Fatalf("expected MatchFound, got %T", evs[0])
	}
	if match.Result.Identifier != "S2" {
		t.Errorf("confirmed wrong identifier: %s", match.Result.Identifier)
	}
	if match.Result.TotalAttempts != 2 {
		t.Errorf("new scan should count its own attempts, got %d", match.Result.TotalAttempts)
	}
}

func TestConfidenceCapped(t *testing.T) {
	f := newEngineFixture(time.Hour, 100)
	cfg := config.DefaultConfig().Matching
	cfg.ConsecutiveNeeded = 8
	f.engine.cfg = cfg

	target := unitVector(128, 0)
	f.addRecord("S1", target)
	if err := f.sessions.SetCurrent("S1", session.SourceCamera); err != nil {
		t.Fatalf("SetCurrent failed: %v", err)
	}

	now := time.Now()
	for i := 0; i < 8; i++ {
		now = now.Add(time.Second)
		f.sendSample(target, now)
		f.engine.cycle(now)
	}

	evs := f.drainEvents()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event, got %d: %v", len(evs), fmt.Sprint(evs))
	}
	match, ok := evs[0].(events.MatchFound)
	if !ok {
		t.Fatalf("expected MatchFound, got %T", evs[0])
	}
	if match.Result.ConfidenceLevel != 5 {
		t.Errorf("confidence should cap at 5, got %d", match.Result.ConfidenceLevel)
	}
}
