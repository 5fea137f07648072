// Package session tracks the identifier currently being verified.
// There is at most one scan at a time: a new scan always replaces the
// previous one, and a scan ends by match, timeout, or explicit clear.
package session

import (
	"errors"
	"sync"
	"time"
)

// Source records how the identifier reached the system.
type Source string

const (
	SourceCamera        Source = "camera"
	SourceManual        Source = "manual"
	SourceImportedImage Source = "imported-image"
)

// ErrEmptyIdentifier is returned when a scan carries no identifier.
var ErrEmptyIdentifier = errors.New("empty identifier")

// MatchAttempt is one evaluated comparison against the scan's target.
// Attempts are appended for every evaluation, successful or not, so the
// history is a complete audit trail.
type MatchAttempt struct {
	Attempt        int
	BestSimilarity float64
	AvgSimilarity  float64
	Threshold      float64
	Succeeded      bool
	At             time.Time
}

// Scan is the mutable state of one identifier under verification.
type Scan struct {
	Identifier   string
	Source       Source
	CreatedAt    time.Time
	AttemptCount int
	History      []MatchAttempt
}

// Status is a copy-out snapshot of the manager state for display.
type Status struct {
	HasScan           bool
	Identifier        string
	Source            Source
	Elapsed           time.Duration
	Remaining         time.Duration
	AttemptCount      int
	MaxAttempts       int
	Expired           bool
	AttemptsExhausted bool
	History           []MatchAttempt
}

// Manager owns the single scan slot. All methods are safe for concurrent
// use; reads return copies, never references into the slot.
type Manager struct {
	mu          sync.Mutex
	current     *Scan
	timeout     time.Duration
	maxAttempts int

	now func() time.Time
}

// NewManager creates a manager with the given expiry timeout and attempt
// budget.
func NewManager(timeout time.Duration, maxAttempts int) *Manager {
	return &Manager{
		timeout:     timeout,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// SetCurrent replaces the current scan with a fresh one. The attempt
// counter and history start empty regardless of any prior scan.
func (m *Manager) SetCurrent(identifier string, source Source) error {
	if identifier == "" {
		return ErrEmptyIdentifier
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = &Scan{
		Identifier: identifier,
		Source:     source,
		CreatedAt:  m.now(),
	}
	return nil
}

// Clear removes the current scan.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = nil
}

// Current returns a copy of the current scan, or false when the slot is
// empty.
func (m *Manager) Current() (Scan, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Scan{}, false
	}
	return m.copyScanLocked(), true
}

// IsExpired reports whether the current scan has outlived the timeout.
// An empty slot counts as expired.
func (m *Manager) IsExpired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return true
	}
	return m.now().Sub(m.current.CreatedAt) > m.timeout
}

// RemainingTime returns the time left before expiry, or zero when no scan
// is active.
func (m *Manager) RemainingTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return 0
	}

	remaining := m.timeout - m.now().Sub(m.current.CreatedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IncrementAttempt bumps the attempt counter of the current scan.
func (m *Manager) IncrementAttempt() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.AttemptCount++
	}
}

// AttemptCount returns the current attempt count, zero when no scan is
// active.
func (m *Manager) AttemptCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return 0
	}
	return m.current.AttemptCount
}

// IsAttemptsExhausted reports whether the attempt budget is spent.
// The scan stays in place when exhausted; only Clear, ResetAttempts, or a
// new SetCurrent moves it on, so the status surface can keep showing why
// recognition stopped.
func (m *Manager) IsAttemptsExhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return false
	}
	return m.current.AttemptCount >= m.maxAttempts
}

// ResetAttempts zeroes the attempt counter and history without replacing
// the scan.
func (m *Manager) ResetAttempts() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.AttemptCount = 0
		m.current.History = nil
	}
}

// RecordAttempt appends one evaluated comparison to the history.
func (m *Manager) RecordAttempt(attempt MatchAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		m.current.History = append(m.current.History, attempt)
	}
}

// History returns a copy of the attempt history.
func (m *Manager) History() []MatchAttempt {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	history := make([]MatchAttempt, len(m.current.History))
	copy(history, m.current.History)
	return history
}

// Status returns everything the display layer needs in one snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Status{
			MaxAttempts: m.maxAttempts,
			Expired:     true,
		}
	}

	elapsed := m.now().Sub(m.current.CreatedAt)
	remaining := m.timeout - elapsed
	if remaining < 0 {
		remaining = 0
	}

	scan := m.copyScanLocked()
	return Status{
		HasScan:           true,
		Identifier:        scan.Identifier,
		Source:            scan.Source,
		Elapsed:           elapsed,
		Remaining:         remaining,
		AttemptCount:      scan.AttemptCount,
		MaxAttempts:       m.maxAttempts,
		Expired:           elapsed > m.timeout,
		AttemptsExhausted: scan.AttemptCount >= m.maxAttempts,
		History:           scan.History,
	}
}

func (m *Manager) copyScanLocked() Scan {
	scan := *m.current
	scan.History = make([]MatchAttempt, len(m.current.History))
	copy(scan.History, m.current.History)
	return scan
}
