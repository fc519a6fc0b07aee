package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Larger than default bufio limits so long prompts survive a scan.
const jsonlMaxLineBytes = 16 << 20

// JSONLStore appends one JSON object per line to a single log file. It is
// the canonical trace format: human-readable, append-only, and consumable
// line by line. One writer per process; processes that must run concurrently
// get their own file and merge at report time.
type JSONLStore struct {
	Path string

	writeMu sync.Mutex
	file    *os.File
}

func NewJSONLStore(path string) (*JSONLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("jsonl path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trace log directory %q: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace log %q: %w", path, err)
	}

	return &JSONLStore{Path: path, file: file}, nil
}

func (s *JSONLStore) Close() error {
	if s == nil || s.file == nil {
		return nil
	}
	return s.file.Close()
}

func (s *JSONLStore) WriteTrace(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	return s.WriteBatch(ctx, []*Trace{trace})
}

func (s *JSONLStore) WriteBatch(ctx context.Context, traces []*Trace) error {
	if len(traces) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf strings.Builder
	for _, t := range traces {
		if t == nil {
			continue
		}
		row := normalizeTrace(t)
		line, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("encode trace %q: %w", row.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.file.WriteString(buf.String()); err != nil {
		return fmt.Errorf("append to trace log %q: %w", s.Path, err)
	}
	return nil
}

func (s *JSONLStore) GetTrace(ctx context.Context, id string) (*Trace, error) {
	traces, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range traces {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, ErrNotFound
}

func (s *JSONLStore) QueryTraces(ctx context.Context, filter Filter) ([]*Trace, error) {
	traces, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return filterTraces(traces, filter), nil
}

func (s *JSONLStore) CountTraces(ctx context.Context, filter Filter) (int64, error) {
	traces, err := s.readAll(ctx)
	if err != nil {
		return 0, err
	}
	count := int64(0)
	for _, t := range traces {
		if filter.matches(t) {
			count++
		}
	}
	return count, nil
}

func (s *JSONLStore) GetChainStats(ctx context.Context, filter Filter) ([]ChainStats, error) {
	traces, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return computeChainStats(traces, filter), nil
}

func (s *JSONLStore) GetLatencySummary(ctx context.Context, filter Filter) (*LatencySummary, error) {
	traces, err := s.readAll(ctx)
	if err != nil {
		return nil, err
	}
	return computeLatencySummary(traces, filter), nil
}

// readAll parses the whole log. Unparseable lines are skipped rather than
// failing the read so a torn final line from a crashed process does not take
// the reporter down with it.
func (s *JSONLStore) readAll(ctx context.Context) ([]*Trace, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	file, err := os.Open(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open trace log %q: %w", s.Path, err)
	}
	defer file.Close()

	var traces []*Trace
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), jsonlMaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var t Trace
		if err := json.Unmarshal([]byte(line), &t); err != nil {
			continue
		}
		traces = append(traces, &t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan trace log %q: %w", s.Path, err)
	}
	return traces, nil
}

func filterTraces(traces []*Trace, filter Filter) []*Trace {
	matched := make([]*Trace, 0, len(traces))
	for _, t := range traces {
		if filter.matches(t) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if !matched[i].StartedAt.Equal(matched[j].StartedAt) {
			return matched[i].StartedAt.Before(matched[j].StartedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched
}

func computeChainStats(traces []*Trace, filter Filter) []ChainStats {
	type accumulator struct {
		count     int64
		successes int64
		totalMS   int64
		minMS     int64
		maxMS     int64
		lastAt    time.Time
	}

	byChain := make(map[string]*accumulator)
	for _, t := range traces {
		if !filter.matches(t) {
			continue
		}
		acc, ok := byChain[t.Chain]
		if !ok {
			acc = &accumulator{minMS: t.LatencyMS, maxMS: t.LatencyMS}
			byChain[t.Chain] = acc
		}
		acc.count++
		if t.Success {
			acc.successes++
		}
		acc.totalMS += t.LatencyMS
		if t.LatencyMS < acc.minMS {
			acc.minMS = t.LatencyMS
		}
		if t.LatencyMS > acc.maxMS {
			acc.maxMS = t.LatencyMS
		}
		if t.StartedAt.After(acc.lastAt) {
			acc.lastAt = t.StartedAt
		}
	}

	stats := make([]ChainStats, 0, len(byChain))
	for chain, acc := range byChain {
		stats = append(stats, ChainStats{
			Chain:        chain,
			CallCount:    acc.count,
			AvgLatencyMS: float64(acc.totalMS) / float64(acc.count),
			MinLatencyMS: acc.minMS,
			MaxLatencyMS: acc.maxMS,
			SuccessRate:  float64(acc.successes) / float64(acc.count),
			LastCallAt:   acc.lastAt,
		})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].CallCount != stats[j].CallCount {
			return stats[i].CallCount > stats[j].CallCount
		}
		return stats[i].Chain < stats[j].Chain
	})
	return stats
}

func computeLatencySummary(traces []*Trace, filter Filter) *LatencySummary {
	summary := &LatencySummary{}
	totalMS := int64(0)
	for _, t := range traces {
		if !filter.matches(t) {
			continue
		}
		if summary.CallCount == 0 {
			summary.MinMS = t.LatencyMS
			summary.MaxMS = t.LatencyMS
			summary.FirstCallAt = t.StartedAt
			summary.LastCallAt = t.StartedAt
		}
		summary.CallCount++
		totalMS += t.LatencyMS
		if t.LatencyMS < summary.MinMS {
			summary.MinMS = t.LatencyMS
		}
		if t.LatencyMS > summary.MaxMS {
			summary.MaxMS = t.LatencyMS
		}
		if t.StartedAt.Before(summary.FirstCallAt) {
			summary.FirstCallAt = t.StartedAt
		}
		if t.StartedAt.After(summary.LastCallAt) {
			summary.LastCallAt = t.StartedAt
		}
	}
	if summary.CallCount > 0 {
		summary.AvgMS = float64(totalMS) / float64(summary.CallCount)
	}
	return summary
}
