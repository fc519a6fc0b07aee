package report

import (
	"context"
	"fmt"
	"time"

	"github.com/promptlab/promptlab/internal/eval"
	"github.com/promptlab/promptlab/internal/trace"
)

// TraceAnalysis is the trace-level view of the report.
type TraceAnalysis struct {
	TotalCalls     int64              `json:"total_calls"`
	AvgLatencyMS   float64            `json:"avg_latency_ms"`
	MinLatencyMS   int64              `json:"min_latency_ms"`
	MaxLatencyMS   int64              `json:"max_latency_ms"`
	FirstCallAt    time.Time          `json:"first_call_at,omitempty"`
	LastCallAt     time.Time          `json:"last_call_at,omitempty"`
	CallsPerMinute float64            `json:"calls_per_minute"`
	Chains         []trace.ChainStats `json:"chains"`
}

// AnalyzeTraces pulls the aggregate queries from the store under one
// filter.
func AnalyzeTraces(ctx context.Context, store trace.Store, filter trace.Filter) (*TraceAnalysis, error) {
	summary, err := store.GetLatencySummary(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("latency summary: %w", err)
	}
	chains, err := store.GetChainStats(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("chain stats: %w", err)
	}

	analysis := &TraceAnalysis{Chains: chains}
	if summary != nil {
		analysis.TotalCalls = summary.CallCount
		analysis.AvgLatencyMS = summary.AvgMS
		analysis.MinLatencyMS = summary.MinMS
		analysis.MaxLatencyMS = summary.MaxMS
		analysis.FirstCallAt = summary.FirstCallAt
		analysis.LastCallAt = summary.LastCallAt
		analysis.CallsPerMinute = summary.CallsPerMinute()
	}
	return analysis, nil
}

// ResultsAnalysis describes one chain's evaluation results file.
type ResultsAnalysis struct {
	Aggregate eval.Aggregate `json:"aggregate"`

	FaithfulnessStdDev float64 `json:"faithfulness_stddev"`
	FaithfulnessP25    float64 `json:"faithfulness_p25"`
	FaithfulnessP50    float64 `json:"faithfulness_p50"`
	FaithfulnessP75    float64 `json:"faithfulness_p75"`
}

func AnalyzeResults(results []*eval.Result) *ResultsAnalysis {
	analysis := &ResultsAnalysis{Aggregate: eval.Aggregated(results)}

	var faith []float64
	for _, res := range results {
		if res.Error != "" || res.Metrics == nil {
			continue
		}
		faith = append(faith, res.Metrics.Faithfulness)
	}
	if len(faith) > 0 {
		analysis.FaithfulnessStdDev = StdDev(faith)
		analysis.FaithfulnessP25 = Quantile(faith, 0.25)
		analysis.FaithfulnessP50 = Quantile(faith, 0.50)
		analysis.FaithfulnessP75 = Quantile(faith, 0.75)
	}
	return analysis
}

// Disagreement is a comparison where the rule metric and the judge picked
// different winners. These are the rows worth reading by hand.
type Disagreement struct {
	ExampleID   string `json:"example_id"`
	RuleWinner  string `json:"rule_winner"`
	JudgeWinner string `json:"judge_winner"`
	Confidence  int    `json:"confidence"`
	Reasoning   string `json:"reasoning,omitempty"`
}

// ABAnalysis describes an A/B comparisons file.
type ABAnalysis struct {
	Aggregate     eval.ABAggregate `json:"aggregate"`
	Disagreements []Disagreement   `json:"disagreements,omitempty"`
}

func AnalyzeAB(comparisons []*eval.Comparison) *ABAnalysis {
	analysis := &ABAnalysis{Aggregate: eval.AggregateAB(comparisons)}

	for _, cmp := range comparisons {
		if cmp.Error != "" || cmp.Agreement == nil || *cmp.Agreement {
			continue
		}
		analysis.Disagreements = append(analysis.Disagreements, Disagreement{
			ExampleID:   cmp.ExampleID,
			RuleWinner:  cmp.RuleWinner,
			JudgeWinner: cmp.JudgeWinner,
			Confidence:  cmp.JudgeConfidence,
			Reasoning:   cmp.JudgeReasoning,
		})
	}
	return analysis
}
