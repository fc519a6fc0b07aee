package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/eval"
)

func runAB(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("ab", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	datasetPath := flagSet.String("dataset", "", "Dataset JSONL path (defaults to eval.dataset)")
	useJudge := flagSet.Bool("judge", false, "Decide winners with the pairwise LLM judge")
	seed := flagSet.Int64("seed", 0, "RNG seed for the judge position swap (0 uses the clock)")
	outPath := flagSet.String("out", "", "Comparisons JSONL path (defaults to eval.ab_results_path)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "ab does not accept positional arguments")
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
		resultsPath = cfg.Eval.ABResultsPath
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

	chainA, _ := pipe.registry.Get(chain.NameSummarizeV0)
	chainB, _ := pipe.registry.Get(chain.NameSummarizeV1)

	rngSeed := *seed
	if rngSeed == 0 {
		rngSeed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(rngSeed))

	logger.Info("starting a/b comparison",
		"chain_a", chainA.Name(),
		"chain_b", chainB.Name(),
		"dataset", dataset,
		"examples", len(examples),
		"judge", withJudge,
	)

	comparator := eval.NewComparator(chainA, chainB, pipe.judge, rng, logger)
	comparisons, err := comparator.Compare(ctx, examples)
	if err != nil {
		fmt.Fprintf(errOut, "comparison interrupted: %v\n", err)
		return 1
	}

	if err := eval.WriteComparisons(resultsPath, comparisons); err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}

	printABAggregate(out, chainA.Name(), chainB.Name(), resultsPath, eval.AggregateAB(comparisons))
	return 0
}

func printABAggregate(out io.Writer, chainA, chainB, resultsPath string, agg eval.ABAggregate) {
	fmt.Fprintf(out, "A/B comparison: %s vs %s\n", chainA, chainB)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Comparisons\t%d\n", agg.Comparisons)
	fmt.Fprintf(w, "Failures\t%d\n", agg.Failures)
	fmt.Fprintf(w, "Rule wins %s\t%.2f\n", chainA, agg.RuleWinsA)
	fmt.Fprintf(w, "Rule wins %s\t%.2f\n", chainB, agg.RuleWinsB)
	if agg.Judged > 0 {
		fmt.Fprintf(w, "Judged pairs\t%d\n", agg.Judged)
		fmt.Fprintf(w, "Judge wins %s\t%.2f\n", chainA, agg.JudgeWinsA)
		fmt.Fprintf(w, "Judge wins %s\t%.2f\n", chainB, agg.JudgeWinsB)
		fmt.Fprintf(w, "Agreement rate\t%.2f\n", agg.AgreementRate)
		fmt.Fprintf(w, "Avg confidence\t%.2f\n", agg.AvgConfidence)
	}
	fmt.Fprintf(w, "Comparisons written to\t%s\n", resultsPath)
	w.Flush()
}
