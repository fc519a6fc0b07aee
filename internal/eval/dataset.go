// Package eval runs chains over datasets, scores the outputs, and compares
// chain variants head to head.
package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

const datasetMaxLineBytes = 16 * 1024 * 1024

// Example is one dataset entry: an input to summarize and the reference
// summary to score against.
type Example struct {
	ID        string `json:"id,omitempty"`
	Input     string `json:"input"`
	Reference string `json:"reference,omitempty"`
}

// LoadDataset reads a JSONL dataset. Examples without an id are assigned
// one from their position so results stay joinable across runs.
func LoadDataset(path string) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	var examples []Example
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), datasetMaxLineBytes)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ex Example
		if err := json.Unmarshal([]byte(line), &ex); err != nil {
			return nil, fmt.Errorf("parse dataset line %d: %w", lineNum, err)
		}
		if strings.TrimSpace(ex.Input) == "" {
			return nil, fmt.Errorf("dataset line %d: input is required", lineNum)
		}
		if ex.ID == "" {
			ex.ID = fmt.Sprintf("example_%d", len(examples)+1)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	if len(examples) == 0 {
		return nil, fmt.Errorf("dataset %s contains no examples", path)
	}
	return examples, nil
}
