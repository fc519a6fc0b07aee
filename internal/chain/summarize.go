package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/promptlab/promptlab/internal/llm"
)

const (
	NameSummarizeV0 = "v0"
	NameSummarizeV1 = "v1"
)

// structuredSchema tells the model exactly what JSON shape to return.
const structuredSchema = `Return ONLY JSON: {"summary": string, "sentiment": string}`

const structuredPromptFormat = `
You are a precise assistant that writes concise summaries.

Rules:
1. Summarize the input text in ONE factual sentence.
2. Do not add opinions or explanations.
3. Gauge the sentiment as one of: positive, negative, neutral.
4. Output must be exactly this JSON - no extra text:
%s

Input text:
%s
`

// SummarizeV0 is the baseline variant: minimal instructions, free-text
// output, no structure to validate.
type SummarizeV0 struct {
	client llm.Client
}

func NewSummarizeV0(client llm.Client) *SummarizeV0 {
	return &SummarizeV0{client: client}
}

func (c *SummarizeV0) Name() string {
	return NameSummarizeV0
}

func (c *SummarizeV0) Run(ctx context.Context, input string) (*Output, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	prompt := "Summarize the following text in one clear, single sentence:\n" + input
	raw, err := c.client.Complete(ctx, llm.Request{Prompt: prompt, Deterministic: true})
	if err != nil {
		return nil, fmt.Errorf("run chain %s: %w", c.Name(), err)
	}

	return &Output{
		Raw:     raw,
		Summary: strings.TrimSpace(raw),
		Parsed:  true,
	}, nil
}

// SummarizeV1 is the structured variant: one factual sentence plus a
// sentiment label, returned as strict JSON.
type SummarizeV1 struct {
	client llm.Client
}

func NewSummarizeV1(client llm.Client) *SummarizeV1 {
	return &SummarizeV1{client: client}
}

func (c *SummarizeV1) Name() string {
	return NameSummarizeV1
}

func (c *SummarizeV1) Run(ctx context.Context, input string) (*Output, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyInput
	}

	prompt := fmt.Sprintf(structuredPromptFormat, structuredSchema, input)
	raw, err := c.client.Complete(ctx, llm.Request{Prompt: prompt, Deterministic: true})
	if err != nil {
		return nil, fmt.Errorf("run chain %s: %w", c.Name(), err)
	}

	output := &Output{
		Raw:        raw,
		Structured: true,
	}

	var parsed struct {
		Summary   string `json:"summary"`
		Sentiment string `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err == nil {
		output.Parsed = true
		output.Summary = parsed.Summary
		output.Sentiment = parsed.Sentiment
	}
	return output, nil
}
