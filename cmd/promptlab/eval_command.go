package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/eval"
)

func runEval(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("eval", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	chainName := flagSet.String("chain", chain.NameSummarizeV1, "Chain to evaluate: v0 or v1")
	datasetPath := flagSet.String("dataset", "", "Dataset JSONL path (defaults to eval.dataset)")
	useJudge := flagSet.Bool("judge", false, "Score outputs with the LLM judge")
	outPath := flagSet.String("out", "", "Results JSONL path (defaults to eval.results_path)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "eval does not accept positional arguments")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}
	logger := newLogger(cfg)

	dataset := strings.TrimSpace(*datasetPath)
	if dataset == "" {
		dataset = cfg.Eval.Dataset
	}
	resultsPath := strings.TrimSpace(*outPath)
	if resultsPath == "" {
		resultsPath = cfg.Eval.ResultsPath
	}
	withJudge := cfg.Judge.Enabled
	if flagWasSet(flagSet, "judge") {
		withJudge = *useJudge
	}

	examples, err := eval.LoadDataset(dataset)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := newPipeline(ctx, cfg, logger, withJudge)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	defer pipe.Close()

	c, ok := pipe.registry.Get(strings.ToLower(strings.TrimSpace(*chainName)))
	if !ok {
		fmt.Fprintf(errOut, "unknown chain %q: expected one of %s\n", *chainName, strings.Join(pipe.registry.Names(), ", "))
		return 2
	}

	logger.Info("starting evaluation",
		"chain", c.Name(),
		"dataset", dataset,
		"examples", len(examples),
		"judge", withJudge,
	)

	runner := eval.NewRunner(c, pipe.judge, cfg.Eval.MaxSummaryWords, logger)
	results, err := runner.Run(ctx, examples)
	if err != nil {
		fmt.Fprintf(errOut, "evaluation interrupted: %v\n", err)
		return 1
	}

	if err := eval.WriteResults(resultsPath, results); err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}

	printEvalAggregate(out, c.Name(), resultsPath, eval.Aggregated(results))
	return 0
}

func printEvalAggregate(out io.Writer, chainName, resultsPath string, agg eval.Aggregate) {
	fmt.Fprintf(out, "Evaluation: chain %s\n", chainName)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Examples\t%d\n", agg.Examples)
	fmt.Fprintf(w, "Failures\t%d\n", agg.Failures)
	fmt.Fprintf(w, "Schema rate\t%.2f\n", agg.SchemaRate)
	fmt.Fprintf(w, "Length rate\t%.2f\n", agg.LengthRate)
	fmt.Fprintf(w, "Mean faithfulness\t%.3f\n", agg.MeanFaithfulness)
	if agg.Judged > 0 {
		fmt.Fprintf(w, "Judged examples\t%d\n", agg.Judged)
		fmt.Fprintf(w, "Judge accuracy\t%.2f\n", agg.JudgeAccuracy)
		fmt.Fprintf(w, "Judge clarity\t%.2f\n", agg.JudgeClarity)
		fmt.Fprintf(w, "Judge completeness\t%.2f\n", agg.JudgeCompleteness)
		fmt.Fprintf(w, "Judge conciseness\t%.2f\n", agg.JudgeConciseness)
		fmt.Fprintf(w, "Judge overall\t%.2f\n", agg.JudgeOverall)
	}
	fmt.Fprintf(w, "Results written to\t%s\n", resultsPath)
	w.Flush()
}
