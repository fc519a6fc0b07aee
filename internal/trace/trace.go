package trace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trace is one persisted model invocation: exactly one record per call,
// appended after the call resolves and never mutated afterwards.
type Trace struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	Input     string    `json:"input"`
	Output    string    `json:"output"`
	StartedAt time.Time `json:"started_at"`
	LatencyMS int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh trace identifier.
func NewID() string {
	return uuid.NewString()
}

func normalizeTrace(t *Trace) *Trace {
	row := *t
	if strings.TrimSpace(row.ID) == "" {
		row.ID = NewID()
	}
	if row.StartedAt.IsZero() {
		row.StartedAt = time.Now().UTC()
	} else {
		row.StartedAt = row.StartedAt.UTC()
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	} else {
		row.CreatedAt = row.CreatedAt.UTC()
	}
	if row.LatencyMS < 0 {
		row.LatencyMS = 0
	}
	return &row
}
