// Package announce turns confirmed matches into ceremony announcements.
// The default implementation writes the announcement line to the log; a
// venue integration (display board, text-to-speech) replaces it behind the
// same interface.
package announce

import (
	"fmt"
	"strings"

	"github.com/gradscan/gradscan/pkg/events"
	"github.com/gradscan/gradscan/pkg/logging"
)

// LogAnnouncer formats the announcement and emits it at info level.
type LogAnnouncer struct{}

// NewLogAnnouncer returns an announcer writing to the application log.
func NewLogAnnouncer() *LogAnnouncer {
	return &LogAnnouncer{}
}

// Announce emits one announcement line for a confirmed match.
func (a *LogAnnouncer) Announce(result events.RecognitionResult) {
	logging.WithFields(logging.Fields{
		"identifier": result.Identifier,
		"confidence": result.ConfidenceLevel,
		"override":   result.ManualOverride,
	}).Infof("ANNOUNCE: %s", Line(result))
}

// Line builds the spoken announcement text for a result.
func Line(result events.RecognitionResult) string {
	var b strings.Builder
	b.WriteString(result.Name)

	var details []string
	if result.GraduationLevel != "" {
		details = append(details, result.GraduationLevel)
	}
	if result.Faculty != "" {
		details = append(details, result.Faculty)
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, ", %s", strings.Join(details, ", "))
	}
	return b.String()
}
