package skill

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/revlens/revlens/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	computes := NewComputeRegistry()
	if err := computes.Register("noop", func(_ context.Context, _ map[string]json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}); err != nil {
		t.Fatalf("failed to register compute function: %v", err)
	}
	return NewRegistry(computes)
}

func computeStep(id string, inputs ...string) model.StepDefinition {
	return model.StepDefinition{ID: id, Kind: model.StepCompute, Function: "noop", Inputs: inputs}
}

func TestRegisterValidDefinition(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "valid",
		Steps: []model.StepDefinition{
			computeStep("first", model.WorkspacePrefix+"deals"),
			{ID: "second", Kind: model.StepClassify, Inputs: []string{"first"}, ItemCeiling: 20},
			{ID: "third", Kind: model.StepReason, Inputs: []string{"first", "second"}, MaxToolCalls: 2},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := registry.Get("valid"); !ok {
		t.Error("expected registered skill to be retrievable")
	}
}

func TestRegisterZeroSteps(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{ID: "empty"})
	if !errors.Is(err, ErrNoSteps) {
		t.Errorf("expected ErrNoSteps, got %v", err)
	}
}

func TestRegisterReasonFirst(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "reason-first",
		Steps: []model.StepDefinition{
			{ID: "think", Kind: model.StepReason},
		},
	})
	if !errors.Is(err, ErrReasonFirst) {
		t.Errorf("expected ErrReasonFirst, got %v", err)
	}
}

func TestRegisterForwardReference(t *testing.T) {
	registry := newTestRegistry(t)

	// Step 2 declares an input produced by step 3.
	err := registry.Register(model.SkillDefinition{
		ID: "forward-ref",
		Steps: []model.StepDefinition{
			computeStep("one", model.WorkspacePrefix+"deals"),
			computeStep("two", "three"),
			computeStep("three", "one"),
		},
	})
	if !errors.Is(err, ErrStepOrdering) {
		t.Errorf("expected ErrStepOrdering, got %v", err)
	}

	if _, ok := registry.Get("forward-ref"); ok {
		t.Error("rejected definition must not be registered")
	}
}

func TestRegisterSelfReference(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "self-ref",
		Steps: []model.StepDefinition{
			computeStep("one", "one"),
		},
	})
	if !errors.Is(err, ErrStepOrdering) {
		t.Errorf("expected ErrStepOrdering, got %v", err)
	}
}

func TestRegisterClassifyWithoutCeiling(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "no-ceiling",
		Steps: []model.StepDefinition{
			computeStep("prep", model.WorkspacePrefix+"deals"),
			{ID: "triage", Kind: model.StepClassify, Inputs: []string{"prep"}},
		},
	})
	if !errors.Is(err, ErrNoItemCeiling) {
		t.Errorf("expected ErrNoItemCeiling, got %v", err)
	}
}

func TestRegisterClassifyCeilingTooHigh(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "huge-ceiling",
		Steps: []model.StepDefinition{
			computeStep("prep", model.WorkspacePrefix+"deals"),
			{ID: "triage", Kind: model.StepClassify, Inputs: []string{"prep"}, ItemCeiling: 45},
		},
	})
	if !errors.Is(err, ErrItemCeilingHigh) {
		t.Errorf("expected ErrItemCeilingHigh, got %v", err)
	}
}

func TestRegisterComputeWithTools(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "compute-tools",
		Steps: []model.StepDefinition{
			{ID: "prep", Kind: model.StepCompute, Function: "noop", Tools: []string{"crm_lookup"}},
		},
	})
	if !errors.Is(err, ErrComputeTools) {
		t.Errorf("expected ErrComputeTools, got %v", err)
	}
}

func TestRegisterUnknownComputeFunction(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "bad-func",
		Steps: []model.StepDefinition{
			{ID: "prep", Kind: model.StepCompute, Function: "does_not_exist"},
		},
	})
	if !errors.Is(err, ErrUnknownFunction) {
		t.Errorf("expected ErrUnknownFunction, got %v", err)
	}
}

func TestRegisterUnknownTool(t *testing.T) {
	registry := newTestRegistry(t).WithToolCheck(func(name string) bool {
		return name == "crm_lookup"
	})

	err := registry.Register(model.SkillDefinition{
		ID: "bad-tool",
		Steps: []model.StepDefinition{
			computeStep("prep", model.WorkspacePrefix+"deals"),
			{ID: "think", Kind: model.StepReason, Inputs: []string{"prep"}, Tools: []string{"nonexistent"}},
		},
	})
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("expected ErrUnknownTool, got %v", err)
	}
}

func TestRegisterDuplicateSkill(t *testing.T) {
	registry := newTestRegistry(t)

	def := model.SkillDefinition{
		ID:    "dup",
		Steps: []model.StepDefinition{computeStep("prep", model.WorkspacePrefix+"deals")},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := registry.Register(def); err == nil {
		t.Error("expected error for duplicate skill registration")
	}
}

func TestRegisterDuplicateStepID(t *testing.T) {
	registry := newTestRegistry(t)

	err := registry.Register(model.SkillDefinition{
		ID: "dup-step",
		Steps: []model.StepDefinition{
			computeStep("prep", model.WorkspacePrefix+"deals"),
			computeStep("prep", model.WorkspacePrefix+"deals"),
		},
	})
	if !errors.Is(err, ErrDuplicateStep) {
		t.Errorf("expected ErrDuplicateStep, got %v", err)
	}
}

func TestRegisterBuiltins(t *testing.T) {
	registry := newTestRegistry(t)

	if err := RegisterBuiltins(registry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	def, ok := registry.Get("pipeline-hygiene")
	if !ok {
		t.Fatal("expected pipeline-hygiene skill to be registered")
	}
	if len(def.Steps) != 3 {
		t.Errorf("expected 3 steps, got %d", len(def.Steps))
	}
}

func TestStaleDealSummaryBoundsOutput(t *testing.T) {
	deals := make([]Deal, 0, 300)
	for i := 0; i < 300; i++ {
		deals = append(deals, Deal{
			ID:       "d" + string(rune('a'+i%26)),
			Amount:   1000,
			IdleDays: i + 1,
		})
	}
	raw, err := json.Marshal(deals)
	if err != nil {
		t.Fatalf("failed to marshal deals: %v", err)
	}

	out, err := staleDealSummary(context.Background(), map[string]json.RawMessage{
		model.WorkspacePrefix + "deals": raw,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var summary struct {
		DealCount int    `json:"deal_count"`
		Items     []Deal `json:"items"`
	}
	if err := json.Unmarshal(out, &summary); err != nil {
		t.Fatalf("failed to parse summary: %v", err)
	}
	if summary.DealCount != 300 {
		t.Errorf("expected deal_count 300, got %d", summary.DealCount)
	}
	if len(summary.Items) != topStaleDeals {
		t.Errorf("expected top list of %d items, got %d", topStaleDeals, len(summary.Items))
	}
	if summary.Items[0].IdleDays != 300 {
		t.Errorf("expected most idle deal first, got %d idle days", summary.Items[0].IdleDays)
	}
}
