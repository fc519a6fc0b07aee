package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/eval"
	"github.com/promptlab/promptlab/internal/report"
	"github.com/promptlab/promptlab/internal/trace"
)

const (
	defaultReportFormat = "text"
	defaultReportLimit  = 10
	maxReportLimit      = 200
	reportSchemaVersion = "report.v1"
)

type reportDocument struct {
	SchemaVersion string                  `json:"schema_version"`
	GeneratedAt   time.Time               `json:"generated_at"`
	Storage       reportStorageInfo       `json:"storage"`
	Filters       reportFilterInfo        `json:"filters"`
	Traces        *report.TraceAnalysis   `json:"traces"`
	Recent        []reportRunInfo         `json:"recent_runs"`
	Results       *report.ResultsAnalysis `json:"results,omitempty"`
	AB            *report.ABAnalysis      `json:"ab,omitempty"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

type reportFilterInfo struct {
	Chain string     `json:"chain,omitempty"`
	From  *time.Time `json:"from,omitempty"`
	To    *time.Time `json:"to,omitempty"`
	Limit int        `json:"limit"`
}

type reportRunInfo struct {
	ID        string    `json:"id"`
	Chain     string    `json:"chain"`
	StartedAt time.Time `json:"started_at"`
	LatencyMS int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	chainFilter := flagSet.String("chain", "", "Chain filter")
	fromRaw := flagSet.String("from", "", "Report start time (RFC3339 or YYYY-MM-DD)")
	toRaw := flagSet.String("to", "", "Report end time (RFC3339 or YYYY-MM-DD)")
	limit := flagSet.Int("limit", defaultReportLimit, "Recent run count (1-200)")
	resultsPath := flagSet.String("results", "", "Results JSONL path (defaults to eval.results_path)")
	abResultsPath := flagSet.String("ab-results", "", "A/B comparisons JSONL path (defaults to eval.ab_results_path)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *limit <= 0 || *limit > maxReportLimit {
		fmt.Fprintf(errOut, "limit must be between 1 and %d\n", maxReportLimit)
		return 2
	}

	from, err := parseReportTime(*fromRaw, false)
	if err != nil {
		fmt.Fprintf(errOut, "invalid from: %v\n", err)
		return 2
	}
	to, err := parseReportTime(*toRaw, true)
	if err != nil {
		fmt.Fprintf(errOut, "invalid to: %v\n", err)
		return 2
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		fmt.Fprintln(errOut, "invalid range: to must be greater than or equal to from")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}

	store, err := openTraceStore(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize trace store: %v\n", err)
		return 1
	}
	defer closeTraceStoreWithWarning(store, errOut)

	filter := trace.Filter{
		Chain: strings.TrimSpace(*chainFilter),
		From:  from,
		To:    to,
	}
	recentFilter := filter
	recentFilter.Limit = *limit

	results := strings.TrimSpace(*resultsPath)
	if results == "" {
		results = cfg.Eval.ResultsPath
	}
	abResults := strings.TrimSpace(*abResultsPath)
	if abResults == "" {
		abResults = cfg.Eval.ABResultsPath
	}

	doc, err := buildReport(context.Background(), store, cfg, filter, recentFilter, results, abResults)
	if err != nil {
		fmt.Fprintf(errOut, "failed to build report: %v\n", err)
		return 1
	}

	if err := writeReport(out, normalizedFormat, doc); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

func parseReportTime(raw string, endOfDay bool) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02",
	}
	for _, layout := range layouts {
		if layout == "2006-01-02" {
			parsed, err := time.ParseInLocation(layout, value, time.UTC)
			if err == nil {
				if endOfDay {
					return parsed.Add(24*time.Hour - time.Nanosecond), nil
				}
				return parsed, nil
			}
			continue
		}
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("expected RFC3339 or YYYY-MM-DD")
}

func buildReport(
	ctx context.Context,
	store trace.Store,
	cfg config.Config,
	filter trace.Filter,
	recentFilter trace.Filter,
	resultsPath string,
	abResultsPath string,
) (reportDocument, error) {
	var (
		traces *report.TraceAnalysis
		recent []*trace.Trace
	)

	var (
		queryErr error
		mu       sync.Mutex
		wg       sync.WaitGroup
	)

	runQuery := func(fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				mu.Lock()
				if queryErr == nil {
					queryErr = err
				}
				mu.Unlock()
			}
		}()
	}

	runQuery(func() error {
		var err error
		traces, err = report.AnalyzeTraces(ctx, store, filter)
		return err
	})
	runQuery(func() error {
		var err error
		recent, err = store.QueryTraces(ctx, recentFilter)
		return err
	})

	wg.Wait()
	if queryErr != nil {
		return reportDocument{}, queryErr
	}
	if traces == nil {
		traces = &report.TraceAnalysis{}
	}

	recentRows := make([]reportRunInfo, 0, len(recent))
	for _, item := range recent {
		if item == nil {
			continue
		}
		recentRows = append(recentRows, reportRunInfo{
			ID:        item.ID,
			Chain:     item.Chain,
			StartedAt: item.StartedAt,
			LatencyMS: item.LatencyMS,
			Success:   item.Success,
			Error:     item.Error,
		})
	}

	doc := reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   time.Now().UTC(),
		Storage: reportStorageInfo{
			Driver: cfg.Storage.Driver,
			Path:   storageDisplayPath(cfg),
		},
		Filters: reportFilterInfo{
			Chain: filter.Chain,
			From:  reportOptionalTime(filter.From),
			To:    reportOptionalTime(filter.To),
			Limit: recentFilter.Limit,
		},
		Traces: traces,
		Recent: recentRows,
	}

	// The evaluation artifacts are optional: a missing file just leaves its
	// section out of the report.
	evalResults, err := eval.ReadResults(resultsPath)
	if err == nil {
		doc.Results = report.AnalyzeResults(evalResults)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return reportDocument{}, err
	}
	comparisons, err := eval.ReadComparisons(abResultsPath)
	if err == nil {
		doc.AB = report.AnalyzeAB(comparisons)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return reportDocument{}, err
	}

	return doc, nil
}

func storageDisplayPath(cfg config.Config) string {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "jsonl", "sqlite":
		return cfg.Storage.Path
	default:
		return ""
	}
}

func reportOptionalTime(value time.Time) *time.Time {
	if value.IsZero() {
		return nil
	}
	utc := value.UTC()
	return &utc
}

func writeReport(out io.Writer, format string, doc reportDocument) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")
		return encoder.Encode(doc)
	default:
		return writeReportText(out, doc)
	}
}

func writeReportText(out io.Writer, doc reportDocument) error {
	fmt.Fprintln(out, "Promptlab Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", doc.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", doc.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", doc.Storage.Driver)
	if strings.TrimSpace(doc.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", doc.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Filter chain\t%s\n", valueOr(doc.Filters.Chain, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter from\t%s\n", timePtrOr(doc.Filters.From, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter to\t%s\n", timePtrOr(doc.Filters.To, "(all)"))
	fmt.Fprintf(metadataWriter, "Filter limit\t%d\n", doc.Filters.Limit)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nCalls")
	callsWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(callsWriter, "Total calls\t%d\n", doc.Traces.TotalCalls)
	fmt.Fprintf(callsWriter, "Avg latency (ms)\t%.2f\n", doc.Traces.AvgLatencyMS)
	fmt.Fprintf(callsWriter, "Min latency (ms)\t%d\n", doc.Traces.MinLatencyMS)
	fmt.Fprintf(callsWriter, "Max latency (ms)\t%d\n", doc.Traces.MaxLatencyMS)
	fmt.Fprintf(callsWriter, "First call\t%s\n", timeOr(doc.Traces.FirstCallAt, "(none)"))
	fmt.Fprintf(callsWriter, "Last call\t%s\n", timeOr(doc.Traces.LastCallAt, "(none)"))
	fmt.Fprintf(callsWriter, "Calls per minute\t%.2f\n", doc.Traces.CallsPerMinute)
	if err := callsWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nChains")
	if len(doc.Traces.Chains) == 0 {
		fmt.Fprintln(out, "(no chain data)")
	} else {
		chainWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(chainWriter, "CHAIN\tCALLS\tAVG_LATENCY_MS\tMIN_MS\tMAX_MS\tSUCCESS_RATE\tLAST_CALL")
		for _, row := range doc.Traces.Chains {
			fmt.Fprintf(chainWriter, "%s\t%d\t%.2f\t%d\t%d\t%.2f\t%s\n",
				valueOr(row.Chain, "(unknown)"),
				row.CallCount,
				row.AvgLatencyMS,
				row.MinLatencyMS,
				row.MaxLatencyMS,
				row.SuccessRate,
				timeOr(row.LastCallAt, "(none)"),
			)
		}
		if err := chainWriter.Flush(); err != nil {
			return err
		}
	}

	if doc.Results != nil {
		fmt.Fprintln(out, "\nEvaluation Results")
		resultsWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		agg := doc.Results.Aggregate
		fmt.Fprintf(resultsWriter, "Examples\t%d\n", agg.Examples)
		fmt.Fprintf(resultsWriter, "Failures\t%d\n", agg.Failures)
		fmt.Fprintf(resultsWriter, "Schema rate\t%.2f\n", agg.SchemaRate)
		fmt.Fprintf(resultsWriter, "Length rate\t%.2f\n", agg.LengthRate)
		fmt.Fprintf(resultsWriter, "Faithfulness mean\t%.3f ± %.3f\n", agg.MeanFaithfulness, doc.Results.FaithfulnessStdDev)
		fmt.Fprintf(resultsWriter, "Faithfulness p25/p50/p75\t%.3f / %.3f / %.3f\n",
			doc.Results.FaithfulnessP25, doc.Results.FaithfulnessP50, doc.Results.FaithfulnessP75)
		if agg.Judged > 0 {
			fmt.Fprintf(resultsWriter, "Judged examples\t%d\n", agg.Judged)
			fmt.Fprintf(resultsWriter, "Judge overall\t%.2f\n", agg.JudgeOverall)
		}
		if err := resultsWriter.Flush(); err != nil {
			return err
		}
	}

	if doc.AB != nil {
		fmt.Fprintln(out, "\nA/B Comparison")
		abWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		agg := doc.AB.Aggregate
		fmt.Fprintf(abWriter, "Comparisons\t%d\n", agg.Comparisons)
		fmt.Fprintf(abWriter, "Failures\t%d\n", agg.Failures)
		fmt.Fprintf(abWriter, "Rule wins A/B\t%.2f / %.2f\n", agg.RuleWinsA, agg.RuleWinsB)
		if agg.Judged > 0 {
			fmt.Fprintf(abWriter, "Judge wins A/B\t%.2f / %.2f\n", agg.JudgeWinsA, agg.JudgeWinsB)
			fmt.Fprintf(abWriter, "Agreement rate\t%.2f\n", agg.AgreementRate)
			fmt.Fprintf(abWriter, "Avg confidence\t%.2f\n", agg.AvgConfidence)
		}
		if err := abWriter.Flush(); err != nil {
			return err
		}
		if len(doc.AB.Disagreements) > 0 {
			fmt.Fprintln(out, "\nDisagreements")
			dWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(dWriter, "EXAMPLE\tRULE\tJUDGE\tCONFIDENCE\tREASONING")
			for _, d := range doc.AB.Disagreements {
				fmt.Fprintf(dWriter, "%s\t%s\t%s\t%d\t%s\n", d.ExampleID, d.RuleWinner, d.JudgeWinner, d.Confidence, d.Reasoning)
			}
			if err := dWriter.Flush(); err != nil {
				return err
			}
		}
	}

	fmt.Fprintln(out, "\nRecent Runs")
	if len(doc.Recent) == 0 {
		fmt.Fprintln(out, "(no runs)")
		return nil
	}
	runWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(runWriter, "STARTED_AT\tCHAIN\tLATENCY_MS\tSUCCESS\tERROR\tRUN_ID")
	for _, row := range doc.Recent {
		fmt.Fprintf(runWriter, "%s\t%s\t%d\t%t\t%s\t%s\n",
			timeOr(row.StartedAt, "(unknown)"),
			valueOr(row.Chain, "(unknown)"),
			row.LatencyMS,
			row.Success,
			valueOr(row.Error, "-"),
			row.ID,
		)
	}
	return runWriter.Flush()
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func timeOr(value time.Time, fallback string) string {
	if value.IsZero() {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}

func timePtrOr(value *time.Time, fallback string) string {
	if value == nil {
		return fallback
	}
	return value.UTC().Format(time.RFC3339)
}
