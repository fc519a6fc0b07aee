package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/trace"
)

func TestParseReportTime(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		endOfDay bool
		want     time.Time
		wantErr  bool
	}{
		{"empty", "", false, time.Time{}, false},
		{"rfc3339", "2026-02-10T12:30:00Z", false, time.Date(2026, 2, 10, 12, 30, 0, 0, time.UTC), false},
		{"date start", "2026-02-10", false, time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), false},
		{"date end of day", "2026-02-10", true, time.Date(2026, 2, 10, 23, 59, 59, 999999999, time.UTC), false},
		{"garbage", "next tuesday", false, time.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseReportTime(tt.raw, tt.endOfDay)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseReportTime: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func seededReportStore(t *testing.T) (trace.Store, config.Config) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Driver = "jsonl"
	cfg.Storage.Path = filepath.Join(dir, "runs.jsonl")
	cfg.Eval.ResultsPath = filepath.Join(dir, "results.jsonl")
	cfg.Eval.ABResultsPath = filepath.Join(dir, "ab_results.jsonl")

	store, err := trace.NewJSONLStore(cfg.Storage.Path)
	if err != nil {
		t.Fatalf("NewJSONLStore: %v", err)
	}
	t.Cleanup(func() { closeTraceStore(store) })

	base := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	err = store.WriteBatch(context.Background(), []*trace.Trace{
		{ID: "t1", Chain: "v0", StartedAt: base, LatencyMS: 120, Success: true},
		{ID: "t2", Chain: "v1", StartedAt: base.Add(time.Minute), LatencyMS: 80, Success: true},
		{ID: "t3", Chain: "v1", StartedAt: base.Add(2 * time.Minute), LatencyMS: 90, Success: false, Error: "model offline"},
	})
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	return store, cfg
}

func TestBuildReportWithoutEvalArtifacts(t *testing.T) {
	store, cfg := seededReportStore(t)

	doc, err := buildReport(context.Background(), store, cfg,
		trace.Filter{}, trace.Filter{Limit: 10}, cfg.Eval.ResultsPath, cfg.Eval.ABResultsPath)
	if err != nil {
		t.Fatalf("buildReport: %v", err)
	}

	if doc.SchemaVersion != reportSchemaVersion {
		t.Fatalf("schema version = %q", doc.SchemaVersion)
	}
	if doc.Traces.TotalCalls != 3 {
		t.Fatalf("total calls = %d, want 3", doc.Traces.TotalCalls)
	}
	if len(doc.Recent) != 3 {
		t.Fatalf("recent rows = %d, want 3", len(doc.Recent))
	}
	if doc.Results != nil || doc.AB != nil {
		t.Fatal("missing artifact files should leave those sections nil")
	}
}

func TestBuildReportWithEvalArtifacts(t *testing.T) {
	store, cfg := seededReportStore(t)

	resultsJSONL := `{"example_id": "e1", "chain": "v1", "metrics": {"schema_ok": true, "length_ok": true, "faithfulness": 0.6}}` + "\n"
	if err := os.WriteFile(cfg.Eval.ResultsPath, []byte(resultsJSONL), 0o644); err != nil {
		t.Fatalf("write results: %v", err)
	}
	abJSONL := `{"example_id": "e1", "chain_a": "v0", "chain_b": "v1", "rule_winner": "v1", "judge_winner": "v0", "judge_confidence": 2, "agreement": false}` + "\n"
	if err := os.WriteFile(cfg.Eval.ABResultsPath, []byte(abJSONL), 0o644); err != nil {
		t.Fatalf("write ab results: %v", err)
	}

	doc, err := buildReport(context.Background(), store, cfg,
		trace.Filter{}, trace.Filter{Limit: 10}, cfg.Eval.ResultsPath, cfg.Eval.ABResultsPath)
	if err != nil {
		t.Fatalf("buildReport: %v", err)
	}

	if doc.Results == nil || doc.Results.Aggregate.Examples != 1 {
		t.Fatalf("results section missing or wrong: %+v", doc.Results)
	}
	if doc.AB == nil || doc.AB.Aggregate.Comparisons != 1 {
		t.Fatalf("ab section missing or wrong: %+v", doc.AB)
	}
	if len(doc.AB.Disagreements) != 1 {
		t.Fatalf("disagreements = %d, want 1", len(doc.AB.Disagreements))
	}
}

func TestWriteReportText(t *testing.T) {
	store, cfg := seededReportStore(t)
	doc, err := buildReport(context.Background(), store, cfg,
		trace.Filter{}, trace.Filter{Limit: 10}, cfg.Eval.ResultsPath, cfg.Eval.ABResultsPath)
	if err != nil {
		t.Fatalf("buildReport: %v", err)
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, "text", doc); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	text := buf.String()
	for _, want := range []string{"Promptlab Report", "Total calls", "CHAIN", "Recent Runs", "model offline"} {
		if !strings.Contains(text, want) {
			t.Errorf("text report missing %q", want)
		}
	}
}

func TestWriteReportJSON(t *testing.T) {
	store, cfg := seededReportStore(t)
	doc, err := buildReport(context.Background(), store, cfg,
		trace.Filter{Chain: "v1"}, trace.Filter{Chain: "v1", Limit: 5}, cfg.Eval.ResultsPath, cfg.Eval.ABResultsPath)
	if err != nil {
		t.Fatalf("buildReport: %v", err)
	}

	var buf bytes.Buffer
	if err := writeReport(&buf, "json", doc); err != nil {
		t.Fatalf("writeReport: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("report json does not parse: %v", err)
	}
	if decoded["schema_version"] != reportSchemaVersion {
		t.Fatalf("schema_version = %v", decoded["schema_version"])
	}
	traces, ok := decoded["traces"].(map[string]any)
	if !ok || traces["total_calls"] != float64(2) {
		t.Fatalf("traces section = %v", decoded["traces"])
	}
}

func TestRunReportEndToEnd(t *testing.T) {
	_, cfg := seededReportStore(t)

	configPath := filepath.Join(t.TempDir(), "promptlab.yaml")
	configYAML := "storage:\n  driver: jsonl\n  path: " + cfg.Storage.Path + "\n" +
		"eval:\n  results_path: " + cfg.Eval.ResultsPath + "\n  ab_results_path: " + cfg.Eval.ABResultsPath + "\n"
	if err := os.WriteFile(configPath, []byte(configYAML), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var out, errOut bytes.Buffer
	code := runReport([]string{"--config", configPath, "--format", "json", "--limit", "5"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), reportSchemaVersion) {
		t.Fatalf("output missing schema version: %s", out.String())
	}
}

func TestRunReportFlagValidation(t *testing.T) {
	var out, errOut bytes.Buffer
	if code := runReport([]string{"--format", "xml"}, &out, &errOut); code != 2 {
		t.Fatalf("bad format exit code = %d, want 2", code)
	}

	errOut.Reset()
	if code := runReport([]string{"--limit", "0"}, &out, &errOut); code != 2 {
		t.Fatalf("bad limit exit code = %d, want 2", code)
	}

	errOut.Reset()
	if code := runReport([]string{"--from", "2026-02-11", "--to", "2026-02-10"}, &out, &errOut); code != 2 {
		t.Fatalf("inverted range exit code = %d, want 2", code)
	}
}
