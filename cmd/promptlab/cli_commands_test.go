package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/promptlab/promptlab/internal/eval"
)

// stubModelServer answers every chat completion request with the same
// content, enough to drive the commands end to end.
func stubModelServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		response := map[string]any{
			"id":      "cmpl-test",
			"object":  "chat.completion",
			"model":   "llama3",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(response); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func writeCLIConfig(t *testing.T, endpoint string) (string, string, string, string) {
	t.Helper()
	dir := t.TempDir()
	storagePath := filepath.Join(dir, "runs.jsonl")
	resultsPath := filepath.Join(dir, "results.jsonl")
	abResultsPath := filepath.Join(dir, "ab_results.jsonl")

	configPath := filepath.Join(dir, "promptlab.yaml")
	configYAML := "model:\n  endpoint: " + endpoint + "\n  name: llama3\n" +
		"storage:\n  driver: jsonl\n  path: " + storagePath + "\n" +
		"eval:\n  results_path: " + resultsPath + "\n  ab_results_path: " + abResultsPath + "\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath, storagePath, resultsPath, abResultsPath
}

func writeCLIDataset(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dataset.jsonl")
	dataset := `{"id": "e1", "input": "The quick brown fox jumps over the lazy dog.", "reference": "quick brown fox"}` + "\n" +
		`{"id": "e2", "input": "Go is a statically typed language.", "reference": "statically typed Go"}` + "\n"
	if err := os.WriteFile(path, []byte(dataset), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	return path
}

func TestRunCommandEndToEnd(t *testing.T) {
	server := stubModelServer(t, `{"summary": "a quick fox", "sentiment": "neutral"}`)
	configPath, storagePath, _, _ := writeCLIConfig(t, server.URL)

	var out, errOut bytes.Buffer
	code := runRun([]string{"--config", configPath, "--chain", "v1", "--input", "The quick brown fox."}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "a quick fox") {
		t.Fatalf("output missing summary: %s", out.String())
	}
	if !strings.Contains(out.String(), "neutral") {
		t.Fatalf("output missing sentiment: %s", out.String())
	}

	// The chain call must have left a run record behind.
	data, err := os.ReadFile(storagePath)
	if err != nil {
		t.Fatalf("read run log: %v", err)
	}
	if !strings.Contains(string(data), `"chain":"v1"`) {
		t.Fatalf("run log missing chain record: %s", data)
	}
}

func TestRunCommandUnknownChain(t *testing.T) {
	server := stubModelServer(t, "whatever")
	configPath, _, _, _ := writeCLIConfig(t, server.URL)

	var out, errOut bytes.Buffer
	if code := runRun([]string{"--config", configPath, "--chain", "v9", "--input", "text"}, &out, &errOut); code != 2 {
		t.Fatalf("exit code = %d, want 2, stderr = %s", code, errOut.String())
	}
}

func TestEvalCommandEndToEnd(t *testing.T) {
	server := stubModelServer(t, "a short summary")
	configPath, _, resultsPath, _ := writeCLIConfig(t, server.URL)
	datasetPath := writeCLIDataset(t)

	var out, errOut bytes.Buffer
	code := runEval([]string{"--config", configPath, "--chain", "v0", "--dataset", datasetPath}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "Examples") || !strings.Contains(out.String(), "2") {
		t.Fatalf("aggregate output: %s", out.String())
	}

	results, err := eval.ReadResults(resultsPath)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if res.Chain != "v0" || res.Metrics == nil {
			t.Fatalf("unexpected result: %+v", res)
		}
	}
}

func TestABCommandEndToEnd(t *testing.T) {
	server := stubModelServer(t, "a short summary")
	configPath, _, _, abResultsPath := writeCLIConfig(t, server.URL)
	datasetPath := writeCLIDataset(t)

	var out, errOut bytes.Buffer
	code := runAB([]string{"--config", configPath, "--dataset", datasetPath, "--seed", "7"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "A/B comparison: v0 vs v1") {
		t.Fatalf("output: %s", out.String())
	}

	comparisons, err := eval.ReadComparisons(abResultsPath)
	if err != nil {
		t.Fatalf("ReadComparisons: %v", err)
	}
	if len(comparisons) != 2 {
		t.Fatalf("got %d comparisons, want 2", len(comparisons))
	}
	for _, cmp := range comparisons {
		if cmp.RuleWinner == "" {
			t.Fatalf("missing rule winner: %+v", cmp)
		}
		if cmp.JudgeWinner != "" {
			t.Fatalf("judge disabled, winner should be empty: %+v", cmp)
		}
	}
}

func TestEvalCommandJudgeFlagOverridesConfig(t *testing.T) {
	// Content doubles as a parseable judge rating, so judged results are
	// distinguishable from unjudged ones.
	server := stubModelServer(t, `{"accuracy": 4, "clarity": 4, "completeness": 4, "conciseness": 4, "overall": 4, "reasoning": "fine"}`)
	datasetPath := writeCLIDataset(t)

	dir := t.TempDir()
	resultsPath := filepath.Join(dir, "results.jsonl")
	configPath := filepath.Join(dir, "promptlab.yaml")
	configYAML := "model:\n  endpoint: " + server.URL + "\n  name: llama3\n" +
		"judge:\n  enabled: true\n" +
		"storage:\n  driver: jsonl\n  path: " + filepath.Join(dir, "runs.jsonl") + "\n" +
		"eval:\n  results_path: " + resultsPath + "\n  ab_results_path: " + filepath.Join(dir, "ab.jsonl") + "\n" +
		"logging:\n  level: error\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runEval([]string{"--config", configPath, "--chain", "v0", "--dataset", datasetPath, "--judge=false"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	results, err := eval.ReadResults(resultsPath)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	for _, res := range results {
		if res.Judge != nil {
			t.Fatalf("--judge=false must win over judge.enabled, got %+v", res.Judge)
		}
	}

	// Without the flag the config default applies.
	out.Reset()
	errOut.Reset()
	if code := runEval([]string{"--config", configPath, "--chain", "v0", "--dataset", datasetPath}, &out, &errOut); code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	results, err = eval.ReadResults(resultsPath)
	if err != nil {
		t.Fatalf("ReadResults: %v", err)
	}
	judged := 0
	for _, res := range results {
		if res.Judge != nil {
			judged++
		}
	}
	if judged == 0 {
		t.Fatal("config-enabled judge produced no judged results")
	}
}

func TestEvalCommandMissingDataset(t *testing.T) {
	server := stubModelServer(t, "unused")
	configPath, _, _, _ := writeCLIConfig(t, server.URL)

	var out, errOut bytes.Buffer
	code := runEval([]string{"--config", configPath, "--dataset", filepath.Join(t.TempDir(), "missing.jsonl")}, &out, &errOut)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
