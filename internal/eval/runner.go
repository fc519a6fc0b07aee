package eval

import (
	"context"
	"log/slog"
	"time"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/judge"
	"github.com/promptlab/promptlab/internal/metrics"
)

// RuleMetrics are the deterministic checks applied to every successful
// chain output.
type RuleMetrics struct {
	SchemaOK     bool    `json:"schema_ok"`
	LengthOK     bool    `json:"length_ok"`
	Faithfulness float64 `json:"faithfulness"`
}

// JudgeScores is the serialized form of a parsed judge rating. Results with
// a nil Judge (judging disabled, or the response did not parse) are treated
// as unjudged and excluded from judge aggregates.
type JudgeScores struct {
	Accuracy     int    `json:"accuracy"`
	Clarity      int    `json:"clarity"`
	Completeness int    `json:"completeness"`
	Conciseness  int    `json:"conciseness"`
	Overall      int    `json:"overall"`
	Reasoning    string `json:"reasoning,omitempty"`
}

// Result is one example's evaluation outcome. Error is set when the chain
// itself failed; such results carry no metrics.
type Result struct {
	ExampleID string       `json:"example_id"`
	Chain     string       `json:"chain"`
	Input     string       `json:"input"`
	Output    string       `json:"output,omitempty"`
	Summary   string       `json:"summary,omitempty"`
	Error     string       `json:"error,omitempty"`
	Metrics   *RuleMetrics `json:"metrics,omitempty"`
	Judge     *JudgeScores `json:"judge,omitempty"`
	LatencyMS int64        `json:"latency_ms"`
	CreatedAt time.Time    `json:"created_at"`
}

// Runner evaluates a chain over a dataset. The judge is optional.
type Runner struct {
	chain    chain.Chain
	judge    *judge.Judge
	maxWords int
	logger   *slog.Logger
}

func NewRunner(c chain.Chain, j *judge.Judge, maxWords int, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{chain: c, judge: j, maxWords: maxWords, logger: logger}
}

// Run evaluates every example in order. Chain failures are recorded on the
// result and do not abort the batch; only dataset-independent errors (a
// cancelled context) stop the run early.
func (r *Runner) Run(ctx context.Context, examples []Example) ([]*Result, error) {
	results := make([]*Result, 0, len(examples))
	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		result := r.runOne(ctx, ex)
		results = append(results, result)

		if result.Error != "" {
			r.logger.Warn("example failed",
				slog.String("example_id", ex.ID),
				slog.String("chain", r.chain.Name()),
				slog.String("error", result.Error))
			continue
		}
		r.logger.Debug("example evaluated",
			slog.String("example_id", ex.ID),
			slog.String("chain", r.chain.Name()),
			slog.Float64("faithfulness", result.Metrics.Faithfulness))
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, ex Example) *Result {
	result := &Result{
		ExampleID: ex.ID,
		Chain:     r.chain.Name(),
		Input:     ex.Input,
		CreatedAt: time.Now().UTC(),
	}

	start := time.Now()
	out, err := r.chain.Run(ctx, ex.Input)
	result.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	result.Output = out.Raw
	result.Summary = out.Summary
	result.Metrics = &RuleMetrics{
		SchemaOK:     metrics.SchemaOK(out.Raw),
		LengthOK:     metrics.LengthOK(out.Raw, r.maxWords),
		Faithfulness: metrics.Faithfulness(out.Raw, ex.Reference),
	}

	if r.judge != nil {
		scores, err := r.judge.Quality(ctx, ex.Input, out.Raw, ex.Reference)
		switch {
		case err != nil:
			r.logger.Warn("judge call failed",
				slog.String("example_id", ex.ID),
				slog.String("error", err.Error()))
		case !scores.Parsed:
			r.logger.Warn("judge response did not parse",
				slog.String("example_id", ex.ID))
		default:
			result.Judge = &JudgeScores{
				Accuracy:     scores.Accuracy,
				Clarity:      scores.Clarity,
				Completeness: scores.Completeness,
				Conciseness:  scores.Conciseness,
				Overall:      scores.Overall,
				Reasoning:    scores.Reasoning,
			}
		}
	}
	return result
}

// Aggregate summarizes a result batch. Rates are over successful results;
// judge means are over judged results only.
type Aggregate struct {
	Examples          int     `json:"examples"`
	Failures          int     `json:"failures"`
	SchemaRate        float64 `json:"schema_rate"`
	LengthRate        float64 `json:"length_rate"`
	MeanFaithfulness  float64 `json:"mean_faithfulness"`
	Judged            int     `json:"judged"`
	JudgeAccuracy     float64 `json:"judge_accuracy,omitempty"`
	JudgeClarity      float64 `json:"judge_clarity,omitempty"`
	JudgeCompleteness float64 `json:"judge_completeness,omitempty"`
	JudgeConciseness  float64 `json:"judge_conciseness,omitempty"`
	JudgeOverall      float64 `json:"judge_overall,omitempty"`
}

func Aggregated(results []*Result) Aggregate {
	agg := Aggregate{Examples: len(results)}

	var schemaOK, lengthOK, scored int
	var faithSum float64
	var accSum, claSum, comSum, conSum, oveSum int
	for _, res := range results {
		if res.Error != "" {
			agg.Failures++
			continue
		}
		scored++
		if res.Metrics.SchemaOK {
			schemaOK++
		}
		if res.Metrics.LengthOK {
			lengthOK++
		}
		faithSum += res.Metrics.Faithfulness

		if res.Judge != nil {
			agg.Judged++
			accSum += res.Judge.Accuracy
			claSum += res.Judge.Clarity
			comSum += res.Judge.Completeness
			conSum += res.Judge.Conciseness
			oveSum += res.Judge.Overall
		}
	}

	if scored > 0 {
		agg.SchemaRate = float64(schemaOK) / float64(scored)
		agg.LengthRate = float64(lengthOK) / float64(scored)
		agg.MeanFaithfulness = faithSum / float64(scored)
	}
	if agg.Judged > 0 {
		n := float64(agg.Judged)
		agg.JudgeAccuracy = float64(accSum) / n
		agg.JudgeClarity = float64(claSum) / n
		agg.JudgeCompleteness = float64(comSum) / n
		agg.JudgeConciseness = float64(conSum) / n
		agg.JudgeOverall = float64(oveSum) / n
	}
	return agg
}
