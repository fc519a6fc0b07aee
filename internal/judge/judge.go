// Package judge scores candidate summaries with a second model call. A
// judge response that fails to parse degrades to defaults instead of
// failing the batch.
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/promptlab/promptlab/internal/llm"
	"github.com/promptlab/promptlab/internal/trace"
)

const (
	chainNameQuality  = "judge_quality"
	chainNamePairwise = "judge_pairwise"

	defaultDimensionScore = 3
	fallbackReasoning     = "failed to parse judge response"
)

const qualityPromptFormat = `You are an expert evaluator of text summaries. Rate this summary on a scale of 1-5 for each dimension.

Input text: %s

Summary to evaluate: %s
%s
Rate on these dimensions (1=Poor, 2=Below Average, 3=Average, 4=Good, 5=Excellent):

- **Accuracy**: How well does it capture the key information from the input?
- **Clarity**: Is it well-written, clear, and easy to understand?
- **Completeness**: Does it cover the important points without missing key details?
- **Conciseness**: Is it appropriately brief without being too short or too long?

Return ONLY this JSON format:
{"accuracy": int, "clarity": int, "completeness": int, "conciseness": int, "overall": int, "reasoning": "brief explanation"}`

const pairwisePromptFormat = `You are an expert evaluator comparing two summaries of the same text. Determine which summary is better overall.

Input text: %s

Summary A: %s

Summary B: %s

Consider:
- Accuracy: Which better captures key information?
- Clarity: Which is clearer and better written?
- Completeness: Which covers important points better?
- Conciseness: Which is more appropriately brief?

Return ONLY this JSON format:
{"winner": "A" or "B", "confidence": int (1-5), "reasoning": "brief explanation of why this summary is better"}`

// QualityScores holds the judge's 1-5 ratings. Parsed is false when the
// judge's response could not be decoded; callers treat such scores as
// missing and keep the raw response for debugging.
type QualityScores struct {
	Accuracy     int    `json:"accuracy"`
	Clarity      int    `json:"clarity"`
	Completeness int    `json:"completeness"`
	Conciseness  int    `json:"conciseness"`
	Overall      int    `json:"overall"`
	Reasoning    string `json:"reasoning"`

	Parsed      bool   `json:"-"`
	RawResponse string `json:"-"`
}

// Score collapses the ratings to a single number: the overall rating when
// present, else the mean of the dimensions, else the neutral default.
func (s *QualityScores) Score() float64 {
	if s == nil {
		return float64(defaultDimensionScore)
	}
	if s.Overall > 0 {
		return float64(s.Overall)
	}

	sum, n := 0, 0
	for _, dim := range []int{s.Accuracy, s.Clarity, s.Completeness, s.Conciseness} {
		if dim > 0 {
			sum += dim
			n++
		}
	}
	if n == 0 {
		return float64(defaultDimensionScore)
	}
	return float64(sum) / float64(n)
}

// PairwiseVerdict is the judge's pick in a head-to-head comparison. The
// fallback for an undecodable response is winner A at minimum confidence.
type PairwiseVerdict struct {
	Winner     string `json:"winner"`
	Confidence int    `json:"confidence"`
	Reasoning  string `json:"reasoning"`

	Parsed      bool   `json:"-"`
	RawResponse string `json:"-"`
}

// Judge evaluates summaries with the configured model. Judge calls go
// through the same trace sink as chain calls, so the one-record-per-call
// invariant covers them too.
type Judge struct {
	client llm.Client
	sink   func(t *trace.Trace)
}

func New(client llm.Client, sink func(t *trace.Trace)) *Judge {
	if sink == nil {
		sink = func(*trace.Trace) {}
	}
	return &Judge{client: client, sink: sink}
}

// Quality rates output against the input (and reference, when given) on
// four dimensions plus an overall score.
func (j *Judge) Quality(ctx context.Context, input, output, reference string) (*QualityScores, error) {
	referenceBlock := "\n"
	if strings.TrimSpace(reference) != "" {
		referenceBlock = fmt.Sprintf("\nReference summary: %s\n", reference)
	}
	prompt := fmt.Sprintf(qualityPromptFormat, input, output, referenceBlock)

	raw, err := j.complete(ctx, chainNameQuality, prompt)
	if err != nil {
		return nil, fmt.Errorf("judge quality: %w", err)
	}

	scores := &QualityScores{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), scores); err != nil || !scores.valid() {
		return &QualityScores{
			Accuracy:     defaultDimensionScore,
			Clarity:      defaultDimensionScore,
			Completeness: defaultDimensionScore,
			Conciseness:  defaultDimensionScore,
			Overall:      defaultDimensionScore,
			Reasoning:    fallbackReasoning,
			RawResponse:  raw,
		}, nil
	}
	scores.Parsed = true
	return scores, nil
}

// valid reports whether every rating sits in the 1-5 band. A response that
// decodes but omits ratings (or invents ones outside the scale) is treated
// like a parse failure; recording its zero values would drag aggregate means
// below the scale floor.
func (s *QualityScores) valid() bool {
	for _, rating := range []int{s.Accuracy, s.Clarity, s.Completeness, s.Conciseness, s.Overall} {
		if rating < 1 || rating > 5 {
			return false
		}
	}
	return true
}

// Pairwise asks which of two summaries is better. Callers are responsible
// for randomizing the A/B positions to dodge position bias.
func (j *Judge) Pairwise(ctx context.Context, input, outputA, outputB string) (*PairwiseVerdict, error) {
	prompt := fmt.Sprintf(pairwisePromptFormat, input, outputA, outputB)

	raw, err := j.complete(ctx, chainNamePairwise, prompt)
	if err != nil {
		return nil, fmt.Errorf("judge pairwise: %w", err)
	}

	verdict := &PairwiseVerdict{}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), verdict); err != nil || !validWinner(verdict.Winner) {
		return &PairwiseVerdict{
			Winner:      "A",
			Confidence:  1,
			Reasoning:   fallbackReasoning,
			RawResponse: raw,
		}, nil
	}
	verdict.Parsed = true
	if verdict.Confidence < 1 {
		verdict.Confidence = 1
	}
	if verdict.Confidence > 5 {
		verdict.Confidence = 5
	}
	return verdict, nil
}

func (j *Judge) complete(ctx context.Context, name, prompt string) (string, error) {
	start := time.Now()
	raw, err := j.client.Complete(ctx, llm.Request{Prompt: prompt, Deterministic: true})
	latency := time.Since(start)

	record := &trace.Trace{
		ID:        trace.NewID(),
		Chain:     name,
		Input:     prompt,
		Output:    raw,
		StartedAt: start.UTC(),
		LatencyMS: latency.Milliseconds(),
		Success:   err == nil,
	}
	if err != nil {
		record.Error = err.Error()
	}
	j.sink(record)

	return raw, err
}

func validWinner(winner string) bool {
	return winner == "A" || winner == "B"
}
