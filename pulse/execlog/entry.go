// Package execlog is the append-only execution log attached to jobs.
package execlog

import (
	"encoding/json"
	"time"
)

// Level is the severity of a log entry
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Levels lists every level from least to most severe
var Levels = []Level{LevelDebug, LevelInfo, LevelWarn, LevelError}

// IsValid reports whether l is a known level
func (l Level) IsValid() bool {
	return l.rank() >= 0
}

// rank orders levels by severity; -1 for unknown
func (l Level) rank() int {
	for i, known := range Levels {
		if l == known {
			return i
		}
	}
	return -1
}

// AtLeast returns the levels at or above l
func (l Level) AtLeast() []Level {
	r := l.rank()
	if r < 0 {
		return nil
	}
	return Levels[r:]
}

// Entry is one persisted log line
type Entry struct {
	ID       int64           `json:"id"`
	JobID    string          `json:"job_id"`
	Level    Level           `json:"level"`
	Message  string          `json:"message"`
	Details  json.RawMessage `json:"details,omitempty"`
	LoggedAt time.Time       `json:"logged_at"`
}

// DefaultRetentionDays is how long entries are kept by CleanupOldLogs
const DefaultRetentionDays = 30
