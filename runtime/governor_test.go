package runtime

import (
	"io"
	"log/slog"
	"testing"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/model"
)

func testGovernor(cfg config.RuntimeConfig) *Governor {
	return NewGovernor(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		size int
		want int
	}{
		{0, 0},
		{1, 1},
		{4, 1},
		{5, 2},
		{8000, 2000},
	}
	for _, tt := range tests {
		got := EstimateTokens(make([]byte, tt.size))
		if got != tt.want {
			t.Errorf("EstimateTokens(%d bytes) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestCheckStepThresholds(t *testing.T) {
	cfg := config.DefaultRuntimeConfig()
	g := testGovernor(cfg)

	warnings, err := g.CheckStep("s", cfg.StepWarnTokens)
	if err != nil || len(warnings) != 0 {
		t.Errorf("at warn threshold: warnings=%v err=%v", warnings, err)
	}

	warnings, err = g.CheckStep("s", cfg.StepWarnTokens+1)
	if err != nil {
		t.Errorf("over warn threshold must not block: %v", err)
	}
	if len(warnings) != 1 {
		t.Errorf("expected one warning, got %v", warnings)
	}

	_, err = g.CheckStep("s", cfg.StepMaxTokens+1)
	if err == nil {
		t.Fatal("expected hard ceiling rejection")
	}
	if err.Code != model.ErrTokenCeiling {
		t.Errorf("expected token_ceiling, got %s", err.Code)
	}
}

func TestRecordSoftBudgetOnce(t *testing.T) {
	cfg := config.DefaultRuntimeConfig()
	cfg.RunSoftTokens = 100
	g := testGovernor(cfg)

	if w := g.Record("a", model.TokenUsage{TotalTokens: 60}); len(w) != 0 {
		t.Errorf("under budget, got warnings %v", w)
	}
	if g.SoftExceeded() {
		t.Error("soft budget should not be flagged yet")
	}

	if w := g.Record("b", model.TokenUsage{TotalTokens: 60}); len(w) != 1 {
		t.Errorf("expected one warning crossing the budget, got %v", w)
	}
	if !g.SoftExceeded() {
		t.Error("soft budget should be flagged")
	}

	if w := g.Record("c", model.TokenUsage{TotalTokens: 60}); len(w) != 0 {
		t.Errorf("flag must fire once, got %v", w)
	}
	if g.RunTotal() != 180 {
		t.Errorf("expected total 180, got %d", g.RunTotal())
	}
}
