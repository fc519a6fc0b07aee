package eval

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// WriteResults appends results to a JSONL file, one object per line.
func WriteResults(path string, results []*Result) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open results file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, res := range results {
		if res == nil {
			continue
		}
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("encode result %s: %w", res.ExampleID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush results file: %w", err)
	}
	return nil
}

// WriteComparisons appends A/B comparisons to a JSONL file.
func WriteComparisons(path string, comparisons []*Comparison) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open comparisons file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, cmp := range comparisons {
		if cmp == nil {
			continue
		}
		if err := enc.Encode(cmp); err != nil {
			return fmt.Errorf("encode comparison %s: %w", cmp.ExampleID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("flush comparisons file: %w", err)
	}
	return nil
}

// ReadResults loads a results JSONL file. Lines that do not decode are
// skipped, mirroring how the trace store tolerates torn writes.
func ReadResults(path string) ([]*Result, error) {
	var results []*Result
	err := readJSONLines(path, func(line []byte) {
		res := &Result{}
		if json.Unmarshal(line, res) == nil {
			results = append(results, res)
		}
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ReadComparisons loads an A/B comparisons JSONL file.
func ReadComparisons(path string) ([]*Comparison, error) {
	var comparisons []*Comparison
	err := readJSONLines(path, func(line []byte) {
		cmp := &Comparison{}
		if json.Unmarshal(line, cmp) == nil {
			comparisons = append(comparisons, cmp)
		}
	})
	if err != nil {
		return nil, err
	}
	return comparisons, nil
}

func readJSONLines(path string, visit func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), datasetMaxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		visit([]byte(line))
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}
