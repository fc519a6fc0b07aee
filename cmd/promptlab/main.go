package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/judge"
	"github.com/promptlab/promptlab/internal/llm"
	"github.com/promptlab/promptlab/internal/observability"
	"github.com/promptlab/promptlab/internal/trace"
	"github.com/promptlab/promptlab/internal/version"
)

const defaultConfigPath = "promptlab.yaml"

const traceWriterBufferSize = 1024
const traceWriterShutdownTimeout = 5 * time.Second
const otelShutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		printUsage(os.Stderr)
		return 2
	}

	switch args[0] {
	case "version", "--version", "-v":
		fmt.Println(version.String())
		return 0
	case "run":
		return runRun(args[1:], os.Stdout, os.Stderr)
	case "eval":
		return runEval(args[1:], os.Stdout, os.Stderr)
	case "ab":
		return runAB(args[1:], os.Stdout, os.Stderr)
	case "report":
		return runReport(args[1:], os.Stdout, os.Stderr)
	default:
		printUsage(os.Stderr)
		return 2
	}
}

// pipeline bundles everything the chain-invoking commands share: the model
// client, the registered chains wrapped with tracing, the async trace
// writer, and the optional judge.
type pipeline struct {
	cfg      config.Config
	logger   *slog.Logger
	otel     *observability.Runtime
	store    trace.Store
	writer   *trace.Writer
	client   *llm.ChatClient
	registry *chain.Registry
	judge    *judge.Judge
	sink     chain.TraceSink
}

func newPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger, withJudge bool) (*pipeline, error) {
	p := &pipeline{cfg: cfg, logger: logger}

	otelRuntime, err := observability.Setup(ctx, cfg.Observability.OTel, version.Version, logger)
	if err != nil {
		// Evaluations are still useful without telemetry.
		logger.Error("failed to initialize opentelemetry; continuing with instrumentation disabled", "error", err)
		otelRuntime = &observability.Runtime{}
	}
	p.otel = otelRuntime

	store, err := openTraceStore(cfg)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("initialize trace store: %w", err)
	}
	p.store = store

	writer := trace.NewWriter(store, traceWriterBufferSize)
	writer.SetWriteFailureHandler(func(failure trace.WriteFailure) {
		logger.Error("dropping run records after storage write failure",
			"operation", failure.Operation,
			"failed_count", failure.FailedCount,
			"error_class", failure.ErrorClass,
			"error", failure.Err,
		)
		otelRuntime.RecordTraceWriteFailure(failure.Operation, failure.FailedCount)
	})
	writer.Start(context.Background())
	p.writer = writer

	p.sink = func(t *trace.Trace) {
		if !writer.Record(t) {
			logger.Warn("trace queue full, dropping run record", "chain", t.Chain)
			otelRuntime.RecordTraceQueueDrop(t.Chain)
		}
	}

	client, err := llm.NewChatClient(llm.Options{
		BaseURL:        cfg.Model.Endpoint,
		APIKey:         cfg.Model.APIKey,
		Model:          cfg.Model.Name,
		RequestTimeout: time.Duration(cfg.Model.RequestTimeoutMS) * time.Millisecond,
		Transport:      otelRuntime.WrapHTTPTransport(http.DefaultTransport),
	})
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("initialize model client: %w", err)
	}
	p.client = client

	interceptors := []chain.Interceptor{
		otelRuntime.ChainInterceptor(),
		chain.Tracing(p.sink),
	}
	p.registry = chain.NewRegistry(
		chain.Wrap(chain.NewSummarizeV0(client), interceptors...),
		chain.Wrap(chain.NewSummarizeV1(client), interceptors...),
	)

	if withJudge {
		judgeClient := llm.Client(client)
		if judgeModel := strings.TrimSpace(cfg.Judge.Model); judgeModel != "" && judgeModel != cfg.Model.Name {
			separate, err := llm.NewChatClient(llm.Options{
				BaseURL:        cfg.Model.Endpoint,
				APIKey:         cfg.Model.APIKey,
				Model:          judgeModel,
				RequestTimeout: time.Duration(cfg.Model.RequestTimeoutMS) * time.Millisecond,
				Transport:      otelRuntime.WrapHTTPTransport(http.DefaultTransport),
			})
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("initialize judge client: %w", err)
			}
			judgeClient = separate
		}
		p.judge = judge.New(judgeClient, p.sink)
	}

	return p, nil
}

// Close drains the trace writer, closes storage, and flushes telemetry, in
// that order so pending records still reach the store.
func (p *pipeline) Close() {
	if p.writer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), traceWriterShutdownTimeout)
		if err := p.writer.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("trace writer shutdown incomplete", "error", err)
		}
		cancel()
	}
	if err := closeTraceStore(p.store); err != nil {
		p.logger.Error("failed to close trace store", "error", err)
	}
	if p.otel != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), otelShutdownTimeout)
		if err := p.otel.Shutdown(shutdownCtx); err != nil {
			p.logger.Error("opentelemetry shutdown incomplete", "error", err)
		}
		cancel()
	}
}

func printUsage(out *os.File) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  promptlab run [--config path/to/promptlab.yaml] [--chain v0|v1|both] --input TEXT")
	fmt.Fprintln(out, "  promptlab eval [--config path/to/promptlab.yaml] [--chain v0|v1] [--dataset PATH] [--judge] [--out PATH]")
	fmt.Fprintln(out, "  promptlab ab [--config path/to/promptlab.yaml] [--dataset PATH] [--judge] [--seed N] [--out PATH]")
	fmt.Fprintln(out, "  promptlab report [--config path/to/promptlab.yaml] [--format text|json] [--chain NAME] [--limit N] [--results PATH] [--ab-results PATH]")
	fmt.Fprintln(out, "  promptlab version")
}
