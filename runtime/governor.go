// Package runtime executes skill pipelines: per-step budget governance,
// step execution across the compute/classify/reason tiers, and run
// orchestration with persistent records.
//
// Information Hiding:
// - Token estimation heuristic encapsulated
// - Budget thresholds owned by config, enforcement owned here
// - One Governor per run; no shared counters across runs

package runtime

import (
	"fmt"
	"log/slog"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/model"
)

// EstimateTokens approximates token count from serialized payload size.
// The heuristic is bytes/4, rounded up. Deliberately tokenizer-free:
// budgets govern magnitude, not exact counts.
func EstimateTokens(payload []byte) int {
	if len(payload) == 0 {
		return 0
	}
	return (len(payload) + 3) / 4
}

// Governor enforces token budgets for a single run. Each run gets its
// own instance; it is not safe for concurrent use.
type Governor struct {
	cfg    config.RuntimeConfig
	logger *slog.Logger

	runTotal    int
	softFlagged bool
}

// NewGovernor creates a governor for one run.
func NewGovernor(cfg config.RuntimeConfig, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Governor{cfg: cfg, logger: logger}
}

// CheckStep gates a step on its estimated input tokens. Returns a
// warning list for inputs over the warn threshold and a step error when
// the hard ceiling is exceeded.
func (g *Governor) CheckStep(stepID string, inputTokens int) ([]string, *model.StepError) {
	if inputTokens > g.cfg.StepMaxTokens {
		g.logger.Error("step input over hard token ceiling",
			"step", stepID,
			"estimated_tokens", inputTokens,
			"ceiling", g.cfg.StepMaxTokens,
		)
		return nil, &model.StepError{
			Code: model.ErrTokenCeiling,
			Message: fmt.Sprintf("estimated input %d tokens exceeds step ceiling %d",
				inputTokens, g.cfg.StepMaxTokens),
		}
	}

	if inputTokens > g.cfg.StepWarnTokens {
		g.logger.Warn("step input over warn threshold",
			"step", stepID,
			"estimated_tokens", inputTokens,
			"threshold", g.cfg.StepWarnTokens,
		)
		warning := fmt.Sprintf("estimated input %d tokens exceeds warn threshold %d",
			inputTokens, g.cfg.StepWarnTokens)
		return []string{warning}, nil
	}

	return nil, nil
}

// Record accumulates a step's usage into the run total. Crossing the
// run-level soft budget flags the run once; it never blocks execution.
func (g *Governor) Record(stepID string, usage model.TokenUsage) []string {
	g.runTotal += usage.TotalTokens

	if g.softFlagged || g.runTotal <= g.cfg.RunSoftTokens {
		return nil
	}
	g.softFlagged = true

	g.logger.Warn("run over soft token budget",
		"step", stepID,
		"run_tokens", g.runTotal,
		"soft_budget", g.cfg.RunSoftTokens,
	)
	return []string{fmt.Sprintf("run total %d tokens exceeds soft budget %d",
		g.runTotal, g.cfg.RunSoftTokens)}
}

// RunTotal returns the accumulated token estimate for the run.
func (g *Governor) RunTotal() int {
	return g.runTotal
}

// SoftExceeded reports whether the run crossed its soft budget.
func (g *Governor) SoftExceeded() bool {
	return g.softFlagged
}
