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
)

func runRun(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("run", flag.ContinueOnError)
	flagSet.SetOutput(errOut)
	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	chainName := flagSet.String("chain", "both", "Chain to run: v0, v1, or both")
	input := flagSet.String("input", "", "Input text to summarize (reads stdin when omitted)")
	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "run does not accept positional arguments")
		return 2
	}

	text := strings.TrimSpace(*input)
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(errOut, "failed to read stdin: %v\n", err)
			return 1
		}
		text = strings.TrimSpace(string(data))
	}
	if text == "" {
		fmt.Fprintln(errOut, "input is required: pass --input or pipe text on stdin")
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		reportConfigError(errOut, stage, err)
		return 1
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := newPipeline(ctx, cfg, logger, false)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return 1
	}
	defer pipe.Close()

	names, err := resolveChainNames(pipe, *chainName)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for _, name := range names {
		c, ok := pipe.registry.Get(name)
		if !ok {
			fmt.Fprintf(errOut, "unknown chain %q\n", name)
			return 2
		}

		result, err := c.Run(ctx, text)
		if err != nil {
			fmt.Fprintf(errOut, "chain %s failed: %v\n", name, err)
			return 1
		}
		fmt.Fprintf(w, "chain\t%s\n", name)
		fmt.Fprintf(w, "summary\t%s\n", result.Summary)
		if result.Sentiment != "" {
			fmt.Fprintf(w, "sentiment\t%s\n", result.Sentiment)
		}
		if result.Structured && !result.Parsed {
			fmt.Fprintf(w, "note\tresponse did not parse as JSON, raw text kept\n")
		}
		fmt.Fprintln(w)
	}
	if err := w.Flush(); err != nil {
		fmt.Fprintf(errOut, "failed to write output: %v\n", err)
		return 1
	}
	return 0
}

func resolveChainNames(pipe *pipeline, raw string) ([]string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "both" || name == "" {
		return pipe.registry.Names(), nil
	}
	if _, ok := pipe.registry.Get(name); !ok {
		return nil, fmt.Errorf("unknown chain %q: expected one of %s, or both", raw, strings.Join(pipe.registry.Names(), ", "))
	}
	return []string{name}, nil
}
