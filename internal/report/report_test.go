package report

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/eval"
	"github.com/promptlab/promptlab/internal/trace"
)

func TestAnalyzeTraces(t *testing.T) {
	store, err := trace.NewJSONLStore(filepath.Join(t.TempDir(), "runs.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	defer store.Close()

	base := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)
	traces := []*trace.Trace{
		{ID: "t1", Chain: "v0", StartedAt: base, LatencyMS: 100, Success: true},
		{ID: "t2", Chain: "v0", StartedAt: base.Add(time.Minute), LatencyMS: 300, Success: true},
		{ID: "t3", Chain: "v1", StartedAt: base.Add(2 * time.Minute), LatencyMS: 200, Success: false},
	}
	if err := store.WriteBatch(context.Background(), traces); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	analysis, err := AnalyzeTraces(context.Background(), store, trace.Filter{})
	if err != nil {
		t.Fatalf("AnalyzeTraces: %v", err)
	}
	if analysis.TotalCalls != 3 {
		t.Fatalf("total calls = %d, want 3", analysis.TotalCalls)
	}
	if analysis.AvgLatencyMS != 200 {
		t.Errorf("avg latency = %v, want 200", analysis.AvgLatencyMS)
	}
	if analysis.MinLatencyMS != 100 || analysis.MaxLatencyMS != 300 {
		t.Errorf("latency bounds = %d/%d", analysis.MinLatencyMS, analysis.MaxLatencyMS)
	}
	if got, want := analysis.CallsPerMinute, 1.5; got != want {
		t.Errorf("calls per minute = %v, want %v", got, want)
	}
	if len(analysis.Chains) != 2 {
		t.Fatalf("got %d chains, want 2", len(analysis.Chains))
	}
	if analysis.Chains[0].Chain != "v0" || analysis.Chains[0].CallCount != 2 {
		t.Errorf("busiest chain first: %+v", analysis.Chains[0])
	}
}

func TestAnalyzeTracesEmptyStore(t *testing.T) {
	store, err := trace.NewJSONLStore(filepath.Join(t.TempDir(), "runs.jsonl"))
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	defer store.Close()

	analysis, err := AnalyzeTraces(context.Background(), store, trace.Filter{})
	if err != nil {
		t.Fatalf("AnalyzeTraces: %v", err)
	}
	if analysis.TotalCalls != 0 || len(analysis.Chains) != 0 {
		t.Fatalf("unexpected analysis for empty store: %+v", analysis)
	}
}

func TestAnalyzeResults(t *testing.T) {
	m := func(f float64) *eval.RuleMetrics {
		return &eval.RuleMetrics{SchemaOK: true, LengthOK: true, Faithfulness: f}
	}
	results := []*eval.Result{
		{ExampleID: "e1", Metrics: m(0.2)},
		{ExampleID: "e2", Metrics: m(0.4)},
		{ExampleID: "e3", Metrics: m(0.6)},
		{ExampleID: "e4", Metrics: m(0.8)},
		{ExampleID: "e5", Error: "model offline"},
	}

	analysis := AnalyzeResults(results)
	if analysis.Aggregate.Examples != 5 || analysis.Aggregate.Failures != 1 {
		t.Fatalf("aggregate = %+v", analysis.Aggregate)
	}
	if !almostEqual(analysis.Aggregate.MeanFaithfulness, 0.5) {
		t.Errorf("mean = %v, want 0.5", analysis.Aggregate.MeanFaithfulness)
	}
	if !almostEqual(analysis.FaithfulnessP50, 0.5) {
		t.Errorf("p50 = %v, want 0.5", analysis.FaithfulnessP50)
	}
	if !almostEqual(analysis.FaithfulnessP25, 0.35) {
		t.Errorf("p25 = %v, want 0.35", analysis.FaithfulnessP25)
	}
	if analysis.FaithfulnessStdDev == 0 {
		t.Error("expected non-zero stddev")
	}
}

func TestAnalyzeABCollectsDisagreements(t *testing.T) {
	agree, disagree := true, false
	comparisons := []*eval.Comparison{
		{ExampleID: "e1", ChainA: "v0", ChainB: "v1", RuleWinner: "v1", JudgeWinner: "v1", JudgeConfidence: 5, Agreement: &agree},
		{ExampleID: "e2", ChainA: "v0", ChainB: "v1", RuleWinner: "v0", JudgeWinner: "v1", JudgeConfidence: 3, JudgeReasoning: "clearer", Agreement: &disagree},
		{ExampleID: "e3", ChainA: "v0", ChainB: "v1", RuleWinner: "v0"},
	}

	analysis := AnalyzeAB(comparisons)
	if analysis.Aggregate.Judged != 2 {
		t.Fatalf("judged = %d, want 2", analysis.Aggregate.Judged)
	}
	if len(analysis.Disagreements) != 1 {
		t.Fatalf("got %d disagreements, want 1", len(analysis.Disagreements))
	}
	d := analysis.Disagreements[0]
	if d.ExampleID != "e2" || d.RuleWinner != "v0" || d.JudgeWinner != "v1" || d.Reasoning != "clearer" {
		t.Fatalf("unexpected disagreement: %+v", d)
	}
}
