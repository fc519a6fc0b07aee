package eval

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/promptlab/promptlab/internal/chain"
	"github.com/promptlab/promptlab/internal/judge"
	"github.com/promptlab/promptlab/internal/metrics"
)

// Stored outputs are previews, not the record of truth; traces hold the
// full text.
const abOutputPreviewLen = 100

// Comparison is one example's head-to-head outcome between two chains.
type Comparison struct {
	ExampleID string `json:"example_id"`
	Input     string `json:"input"`

	ChainA  string `json:"chain_a"`
	ChainB  string `json:"chain_b"`
	OutputA string `json:"output_a,omitempty"`
	OutputB string `json:"output_b,omitempty"`
	Error   string `json:"error,omitempty"`

	FaithfulnessA float64 `json:"faithfulness_a"`
	FaithfulnessB float64 `json:"faithfulness_b"`
	RuleWinner    string  `json:"rule_winner,omitempty"`

	JudgeWinner     string `json:"judge_winner,omitempty"`
	JudgeConfidence int    `json:"judge_confidence,omitempty"`
	JudgeReasoning  string `json:"judge_reasoning,omitempty"`
	PositionSwapped bool   `json:"position_swapped,omitempty"`

	// Agreement is set only when both verdicts exist.
	Agreement *bool     `json:"agreement,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Comparator runs two chains over the same examples and decides a winner
// per example, by rule metric and optionally by judge.
type Comparator struct {
	chainA chain.Chain
	chainB chain.Chain
	judge  *judge.Judge
	rng    *rand.Rand
	logger *slog.Logger
}

// NewComparator builds a comparator. The RNG drives the A/B position swap
// on judge calls; pass a seeded source for reproducible runs.
func NewComparator(a, b chain.Chain, j *judge.Judge, rng *rand.Rand, logger *slog.Logger) *Comparator {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Comparator{chainA: a, chainB: b, judge: j, rng: rng, logger: logger}
}

// Compare runs both chains on every example. A failure of either chain
// marks that comparison failed and moves on.
func (c *Comparator) Compare(ctx context.Context, examples []Example) ([]*Comparison, error) {
	comparisons := make([]*Comparison, 0, len(examples))
	for _, ex := range examples {
		if err := ctx.Err(); err != nil {
			return comparisons, err
		}

		cmp := c.compareOne(ctx, ex)
		comparisons = append(comparisons, cmp)
		if cmp.Error != "" {
			c.logger.Warn("comparison failed",
				slog.String("example_id", ex.ID),
				slog.String("error", cmp.Error))
		}
	}
	return comparisons, nil
}

func (c *Comparator) compareOne(ctx context.Context, ex Example) *Comparison {
	cmp := &Comparison{
		ExampleID: ex.ID,
		Input:     ex.Input,
		ChainA:    c.chainA.Name(),
		ChainB:    c.chainB.Name(),
		CreatedAt: time.Now().UTC(),
	}

	outA, err := c.chainA.Run(ctx, ex.Input)
	if err != nil {
		cmp.Error = fmt.Sprintf("chain %s: %v", c.chainA.Name(), err)
		return cmp
	}
	outB, err := c.chainB.Run(ctx, ex.Input)
	if err != nil {
		cmp.Error = fmt.Sprintf("chain %s: %v", c.chainB.Name(), err)
		return cmp
	}

	cmp.OutputA = truncate(outA.Raw, abOutputPreviewLen)
	cmp.OutputB = truncate(outB.Raw, abOutputPreviewLen)
	cmp.FaithfulnessA = metrics.Faithfulness(outA.Raw, ex.Reference)
	cmp.FaithfulnessB = metrics.Faithfulness(outB.Raw, ex.Reference)

	// Strict inequality: ties go to the incumbent in position A.
	cmp.RuleWinner = c.chainA.Name()
	if cmp.FaithfulnessB > cmp.FaithfulnessA {
		cmp.RuleWinner = c.chainB.Name()
	}

	if c.judge != nil {
		c.judgeOne(ctx, ex, outA.Raw, outB.Raw, cmp)
	}
	return cmp
}

// judgeOne runs the pairwise judge with a coin-flip position swap so the
// judge cannot learn which slot a chain occupies.
func (c *Comparator) judgeOne(ctx context.Context, ex Example, rawA, rawB string, cmp *Comparison) {
	first, second := rawA, rawB
	cmp.PositionSwapped = c.rng.Intn(2) == 1
	if cmp.PositionSwapped {
		first, second = rawB, rawA
	}

	verdict, err := c.judge.Pairwise(ctx, ex.Input, first, second)
	if err != nil {
		c.logger.Warn("pairwise judge failed",
			slog.String("example_id", ex.ID),
			slog.String("error", err.Error()))
		return
	}
	if !verdict.Parsed {
		c.logger.Warn("pairwise verdict did not parse", slog.String("example_id", ex.ID))
		return
	}

	winner := c.chainA.Name()
	if (verdict.Winner == "B") != cmp.PositionSwapped {
		winner = c.chainB.Name()
	}
	cmp.JudgeWinner = winner
	cmp.JudgeConfidence = verdict.Confidence
	cmp.JudgeReasoning = verdict.Reasoning

	agree := cmp.RuleWinner == cmp.JudgeWinner
	cmp.Agreement = &agree
}

// ABAggregate summarizes a comparison batch. Judge figures cover only the
// pairs a verdict exists for.
type ABAggregate struct {
	Comparisons int `json:"comparisons"`
	Failures    int `json:"failures"`

	RuleWinsA float64 `json:"rule_wins_a"`
	RuleWinsB float64 `json:"rule_wins_b"`

	Judged        int     `json:"judged"`
	JudgeWinsA    float64 `json:"judge_wins_a"`
	JudgeWinsB    float64 `json:"judge_wins_b"`
	AgreementRate float64 `json:"agreement_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

func AggregateAB(comparisons []*Comparison) ABAggregate {
	agg := ABAggregate{Comparisons: len(comparisons)}
	if len(comparisons) == 0 {
		return agg
	}

	var chainA, chainB string
	var ruleA, ruleB, judgeA, judgeB, agreed, confSum int
	for _, cmp := range comparisons {
		if cmp.Error != "" {
			agg.Failures++
			continue
		}
		if chainA == "" {
			chainA, chainB = cmp.ChainA, cmp.ChainB
		}
		switch cmp.RuleWinner {
		case chainA:
			ruleA++
		case chainB:
			ruleB++
		}
		if cmp.JudgeWinner == "" {
			continue
		}
		agg.Judged++
		confSum += cmp.JudgeConfidence
		switch cmp.JudgeWinner {
		case chainA:
			judgeA++
		case chainB:
			judgeB++
		}
		if cmp.Agreement != nil && *cmp.Agreement {
			agreed++
		}
	}

	scored := agg.Comparisons - agg.Failures
	if scored > 0 {
		agg.RuleWinsA = float64(ruleA) / float64(scored)
		agg.RuleWinsB = float64(ruleB) / float64(scored)
	}
	if agg.Judged > 0 {
		agg.JudgeWinsA = float64(judgeA) / float64(agg.Judged)
		agg.JudgeWinsB = float64(judgeB) / float64(agg.Judged)
		agg.AgreementRate = float64(agreed) / float64(agg.Judged)
		agg.AvgConfidence = float64(confSum) / float64(agg.Judged)
	}
	return agg
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
