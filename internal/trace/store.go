package trace

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("trace store record not found")

// Store persists trace records and answers the aggregate queries the
// reporter needs. Writes are append-only; nothing here mutates a record.
type Store interface {
	WriteTrace(ctx context.Context, trace *Trace) error
	WriteBatch(ctx context.Context, traces []*Trace) error
	GetTrace(ctx context.Context, id string) (*Trace, error)
	QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error)
	CountTraces(ctx context.Context, filter Filter) (int64, error)
	GetChainStats(ctx context.Context, filter Filter) ([]ChainStats, error)
	GetLatencySummary(ctx context.Context, filter Filter) (*LatencySummary, error)
}

// Filter narrows queries and aggregates. Zero values match everything.
type Filter struct {
	Chain string
	From  time.Time
	To    time.Time
	Limit int
}

func (f Filter) matches(t *Trace) bool {
	if t == nil {
		return false
	}
	if f.Chain != "" && t.Chain != f.Chain {
		return false
	}
	if !f.From.IsZero() && t.StartedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.StartedAt.After(f.To) {
		return false
	}
	return true
}

// ChainStats is the per-chain breakdown used by the report command. Success
// rate is the fraction of calls whose trace carries success=true.
type ChainStats struct {
	Chain        string
	CallCount    int64
	AvgLatencyMS float64
	MinLatencyMS int64
	MaxLatencyMS int64
	SuccessRate  float64
	LastCallAt   time.Time
}

// LatencySummary describes the whole activity window of the trace log.
type LatencySummary struct {
	CallCount   int64
	AvgMS       float64
	MinMS       int64
	MaxMS       int64
	FirstCallAt time.Time
	LastCallAt  time.Time
}

// Duration is the span between the first and last recorded call.
func (s *LatencySummary) Duration() time.Duration {
	if s == nil || s.FirstCallAt.IsZero() || s.LastCallAt.IsZero() {
		return 0
	}
	return s.LastCallAt.Sub(s.FirstCallAt)
}

// CallsPerMinute is the average call rate over the activity window. A
// single-call window reports 0 rather than an arbitrary rate.
func (s *LatencySummary) CallsPerMinute() float64 {
	duration := s.Duration()
	if s == nil || duration <= 0 {
		return 0
	}
	return float64(s.CallCount) / duration.Minutes()
}
