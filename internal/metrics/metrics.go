// Package metrics holds the rule-based evaluation metrics. Every function
// here is pure and deterministic: no model calls, no randomness, identical
// inputs always produce identical outputs.
package metrics

import (
	"encoding/json"
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`\w+`)

type structuredOutput struct {
	Summary   *string `json:"summary"`
	Sentiment *string `json:"sentiment"`
}

// SchemaOK reports whether output is a JSON object carrying both the
// "summary" and "sentiment" fields expected from the structured chain.
// Plain text and malformed JSON both fail the check.
func SchemaOK(output string) bool {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
		return false
	}
	_, hasSummary := raw["summary"]
	_, hasSentiment := raw["sentiment"]
	return hasSummary && hasSentiment
}

// LengthOK reports whether the summary stays within maxWords. For JSON
// outputs the summary field is measured; anything else is measured whole.
func LengthOK(output string, maxWords int) bool {
	return len(wordPattern.FindAllString(summaryText(output), -1)) <= maxWords
}

// Faithfulness scores lexical overlap between output and reference: the
// fraction of unique reference words that also appear in the output,
// case-insensitive, always within [0, 1]. An empty reference scores 0.
func Faithfulness(output, reference string) float64 {
	outputWords := uniqueWords(summaryText(output))
	refWords := uniqueWords(reference)
	if len(refWords) == 0 {
		return 0.0
	}

	overlap := 0
	for word := range refWords {
		if _, ok := outputWords[word]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(refWords))
}

// summaryText extracts the summary field from JSON outputs and falls back
// to the raw string for plain text or unparseable inputs.
func summaryText(output string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return output
	}

	var parsed structuredOutput
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return output
	}
	if parsed.Summary == nil {
		return output
	}
	return *parsed.Summary
}

func uniqueWords(text string) map[string]struct{} {
	words := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}
