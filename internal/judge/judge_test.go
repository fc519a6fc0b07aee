package judge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/promptlab/promptlab/internal/llm"
	"github.com/promptlab/promptlab/internal/trace"
)

type fakeClient struct {
	response string
	err      error
	prompts  []string
	requests []llm.Request
}

func (f *fakeClient) Complete(_ context.Context, req llm.Request) (string, error) {
	f.prompts = append(f.prompts, req.Prompt)
	f.requests = append(f.requests, req)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func TestQualityParsesScores(t *testing.T) {
	client := &fakeClient{response: `{"accuracy": 4, "clarity": 5, "completeness": 3, "conciseness": 4, "overall": 4, "reasoning": "solid"}`}
	j := New(client, nil)

	scores, err := j.Quality(context.Background(), "input text", "a summary", "")
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if !scores.Parsed {
		t.Fatal("expected Parsed=true")
	}
	if scores.Accuracy != 4 || scores.Clarity != 5 || scores.Completeness != 3 || scores.Conciseness != 4 || scores.Overall != 4 {
		t.Fatalf("unexpected scores: %+v", scores)
	}
	if scores.Reasoning != "solid" {
		t.Fatalf("reasoning = %q", scores.Reasoning)
	}
}

func TestQualityPromptContents(t *testing.T) {
	client := &fakeClient{response: `{}`}
	j := New(client, nil)

	if _, err := j.Quality(context.Background(), "the input", "the summary", "the reference"); err != nil {
		t.Fatalf("Quality: %v", err)
	}
	prompt := client.prompts[0]
	for _, want := range []string{
		"Input text: the input",
		"Summary to evaluate: the summary",
		"Reference summary: the reference",
		"**Accuracy**",
		`{"accuracy": int, "clarity": int, "completeness": int, "conciseness": int, "overall": int, "reasoning": "brief explanation"}`,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if !client.requests[0].Deterministic {
		t.Error("expected deterministic request")
	}
}

func TestQualityOmitsEmptyReference(t *testing.T) {
	client := &fakeClient{response: `{}`}
	j := New(client, nil)

	if _, err := j.Quality(context.Background(), "in", "out", "   "); err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if strings.Contains(client.prompts[0], "Reference summary") {
		t.Error("blank reference should not appear in the prompt")
	}
}

func TestQualityParseFailureFallsBack(t *testing.T) {
	client := &fakeClient{response: "I would rate this summary quite highly."}
	j := New(client, nil)

	scores, err := j.Quality(context.Background(), "in", "out", "")
	if err != nil {
		t.Fatalf("Quality: %v", err)
	}
	if scores.Parsed {
		t.Fatal("expected Parsed=false on undecodable response")
	}
	if scores.Accuracy != 3 || scores.Overall != 3 {
		t.Fatalf("expected neutral defaults, got %+v", scores)
	}
	if scores.RawResponse != client.response {
		t.Fatalf("raw response not retained: %q", scores.RawResponse)
	}
}

func TestQualityRejectsScoresOutsideScale(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"no ratings at all", `{"reasoning": "looks fine"}`},
		{"partial ratings", `{"accuracy": 4, "overall": 4}`},
		{"rating above scale", `{"accuracy": 4, "clarity": 4, "completeness": 4, "conciseness": 4, "overall": 7, "reasoning": "great"}`},
		{"rating below scale", `{"accuracy": 0, "clarity": 4, "completeness": 4, "conciseness": 4, "overall": 4}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(&fakeClient{response: tt.response}, nil)
			scores, err := j.Quality(context.Background(), "in", "out", "")
			if err != nil {
				t.Fatalf("Quality: %v", err)
			}
			if scores.Parsed {
				t.Fatal("expected Parsed=false for ratings outside the 1-5 band")
			}
			if scores.Accuracy != 3 || scores.Overall != 3 {
				t.Fatalf("expected neutral defaults, got %+v", scores)
			}
			if scores.RawResponse != tt.response {
				t.Fatalf("raw response not retained: %q", scores.RawResponse)
			}
		})
	}
}

func TestQualityTransportError(t *testing.T) {
	client := &fakeClient{err: errors.New("connection refused")}
	j := New(client, nil)

	if _, err := j.Quality(context.Background(), "in", "out", ""); err == nil {
		t.Fatal("expected error")
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name   string
		scores *QualityScores
		want   float64
	}{
		{"overall wins", &QualityScores{Accuracy: 1, Overall: 5}, 5},
		{"dimension mean without overall", &QualityScores{Accuracy: 2, Clarity: 4}, 3},
		{"all dimensions", &QualityScores{Accuracy: 1, Clarity: 2, Completeness: 3, Conciseness: 4}, 2.5},
		{"empty", &QualityScores{}, 3},
		{"nil", nil, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.scores.Score(); got != tt.want {
				t.Fatalf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPairwiseParsesVerdict(t *testing.T) {
	client := &fakeClient{response: `{"winner": "B", "confidence": 4, "reasoning": "B is tighter"}`}
	j := New(client, nil)

	verdict, err := j.Pairwise(context.Background(), "in", "summary a", "summary b")
	if err != nil {
		t.Fatalf("Pairwise: %v", err)
	}
	if !verdict.Parsed || verdict.Winner != "B" || verdict.Confidence != 4 {
		t.Fatalf("unexpected verdict: %+v", verdict)
	}

	prompt := client.prompts[0]
	for _, want := range []string{"Summary A: summary a", "Summary B: summary b"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPairwiseFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{"not json", "Summary A is clearly better."},
		{"invalid winner", `{"winner": "C", "confidence": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := New(&fakeClient{response: tt.response}, nil)
			verdict, err := j.Pairwise(context.Background(), "in", "a", "b")
			if err != nil {
				t.Fatalf("Pairwise: %v", err)
			}
			if verdict.Parsed {
				t.Fatal("expected Parsed=false")
			}
			if verdict.Winner != "A" || verdict.Confidence != 1 {
				t.Fatalf("expected A/1 fallback, got %+v", verdict)
			}
		})
	}
}

func TestPairwiseClampsConfidence(t *testing.T) {
	client := &fakeClient{response: `{"winner": "A", "confidence": 9}`}
	j := New(client, nil)

	verdict, err := j.Pairwise(context.Background(), "in", "a", "b")
	if err != nil {
		t.Fatalf("Pairwise: %v", err)
	}
	if verdict.Confidence != 5 {
		t.Fatalf("confidence = %d, want clamped to 5", verdict.Confidence)
	}
}

func TestJudgeCallsAreTraced(t *testing.T) {
	var records []*trace.Trace
	sink := func(tr *trace.Trace) { records = append(records, tr) }

	j := New(&fakeClient{response: `{"winner": "A", "confidence": 3}`}, sink)
	if _, err := j.Pairwise(context.Background(), "in", "a", "b"); err != nil {
		t.Fatalf("Pairwise: %v", err)
	}
	if _, err := j.Quality(context.Background(), "in", "out", ""); err != nil {
		t.Fatalf("Quality: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("got %d trace records, want 2", len(records))
	}
	if records[0].Chain != "judge_pairwise" || records[1].Chain != "judge_quality" {
		t.Fatalf("chains = %q, %q", records[0].Chain, records[1].Chain)
	}
	for _, r := range records {
		if r.ID == "" || !r.Success {
			t.Fatalf("bad trace record: %+v", r)
		}
	}
}

func TestJudgeTracesFailures(t *testing.T) {
	var records []*trace.Trace
	j := New(&fakeClient{err: errors.New("model offline")}, func(tr *trace.Trace) { records = append(records, tr) })

	if _, err := j.Quality(context.Background(), "in", "out", ""); err == nil {
		t.Fatal("expected error")
	}
	if len(records) != 1 {
		t.Fatalf("got %d trace records, want 1", len(records))
	}
	if records[0].Success || records[0].Error == "" {
		t.Fatalf("failure not recorded: %+v", records[0])
	}
}
