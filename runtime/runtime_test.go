package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/llm"
	"github.com/revlens/revlens/model"
	"github.com/revlens/revlens/skill"
	"github.com/revlens/revlens/storage"
	"github.com/revlens/revlens/tools"
)

// fakeClassifier labels every item with a fixed severity.
type fakeClassifier struct {
	err       error
	itemCount int
}

func (c *fakeClassifier) Classify(_ context.Context, _ string, items []json.RawMessage, _ json.RawMessage) (llm.ClassifyResult, error) {
	c.itemCount = len(items)
	if c.err != nil {
		return llm.ClassifyResult{}, c.err
	}
	labels := make([]json.RawMessage, len(items))
	for i := range items {
		labels[i] = json.RawMessage(`{"severity":"high"}`)
	}
	return llm.ClassifyResult{Labels: labels}, nil
}

// fakeReasoner replays scripted turns.
type fakeReasoner struct {
	turns []llm.Response
	err   error
	calls int
}

func (r *fakeReasoner) Reason(_ context.Context, _ []llm.ChatMessage, _ []llm.ToolDefinition) (llm.Response, error) {
	if r.err != nil {
		return llm.Response{}, r.err
	}
	i := r.calls
	r.calls++
	if i >= len(r.turns) {
		return llm.Response{Content: "fallback answer"}, nil
	}
	return r.turns[i], nil
}

type harness struct {
	cfg        config.RuntimeConfig
	skills     *skill.Registry
	store      *storage.MemoryRunStore
	runner     *Runner
	classifier *fakeClassifier
	reasoner   *fakeReasoner
	directory  *tools.MemoryDirectory
}

func newHarness(t *testing.T, cfg config.RuntimeConfig) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	directory := tools.NewMemoryDirectory()
	toolRegistry, err := tools.WithDefaults(directory)
	if err != nil {
		t.Fatalf("failed to build tool registry: %v", err)
	}
	dispatcher := tools.NewDispatcher(toolRegistry, cfg.ToolTimeout, cfg.CollaboratorRetries, logger)

	computes := skill.NewComputeRegistry()
	skills := skill.NewRegistry(computes).WithToolCheck(toolRegistry.Has)

	classifier := &fakeClassifier{}
	reasoner := &fakeReasoner{}
	store := storage.NewMemoryRunStore()

	exec := NewExecutor(cfg, computes, classifier, reasoner, dispatcher, toolRegistry, logger)
	orch := NewOrchestrator(cfg, skills, store, exec, logger)
	runner := NewRunner(orch, store, logger)

	return &harness{
		cfg:        cfg,
		skills:     skills,
		store:      store,
		runner:     runner,
		classifier: classifier,
		reasoner:   reasoner,
		directory:  directory,
	}
}

func dealsWorkspace(count int) map[string]json.RawMessage {
	deals := make([]skill.Deal, count)
	for i := range deals {
		deals[i] = skill.Deal{
			ID:       fmt.Sprintf("deal-%d", i),
			Name:     fmt.Sprintf("Deal %d", i),
			Stage:    "negotiation",
			Amount:   1000 * float64(i+1),
			IdleDays: 10 + i,
		}
	}
	raw, _ := json.Marshal(deals)
	return map[string]json.RawMessage{"deals": raw}
}

func TestPipelineHygieneCompletes(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := skill.RegisterBuiltins(h.skills); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}
	h.directory.AddDeal("tenant-a", "deal-0", json.RawMessage(`{"id":"deal-0","owner":"sam"}`))

	h.reasoner.turns = []llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:        "tc1",
			Name:      "crm_lookup",
			Arguments: json.RawMessage(`{"deal_id":"deal-0"}`),
		}}},
		{Content: "Deal 0 has been idle longest; reassign it to an active owner."},
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "pipeline-hygiene",
		TenantID:  "tenant-a",
		Trigger:   model.TriggerManual,
		Workspace: dealsWorkspace(5),
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunCompleted {
		t.Fatalf("expected completed run, got %s (error: %s)", record.Status, record.Error)
	}
	if len(record.StepOrder) != 3 {
		t.Fatalf("expected 3 steps, got %v", record.StepOrder)
	}

	classify := record.Steps["triage-top-20"]
	if classify == nil || classify.Failed() {
		t.Fatalf("classify step missing or failed: %+v", classify)
	}
	if h.classifier.itemCount != 5 {
		t.Errorf("expected 5 items classified, got %d", h.classifier.itemCount)
	}

	reason := record.Steps["synthesize"]
	if reason == nil || reason.Failed() {
		t.Fatalf("reason step missing or failed: %+v", reason)
	}
	if reason.ToolCallsExecuted != 1 || reason.ToolCallsRequested != 1 {
		t.Errorf("expected 1/1 tool calls, got %d/%d",
			reason.ToolCallsExecuted, reason.ToolCallsRequested)
	}
	var answer struct {
		Answer string `json:"answer"`
	}
	if err := json.Unmarshal(reason.Output, &answer); err != nil {
		t.Fatalf("failed to decode answer: %v", err)
	}
	if !strings.Contains(answer.Answer, "idle longest") {
		t.Errorf("unexpected answer: %q", answer.Answer)
	}
	if record.Usage.TotalTokens == 0 {
		t.Error("expected nonzero run usage")
	}

	// Terminal record must be persisted.
	stored, err := h.store.GetRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != model.RunCompleted {
		t.Errorf("persisted status %s, want completed", stored.Status)
	}
	if stored.Steps["stale-summary"].OutputHash == "" {
		t.Error("expected output hash on persisted compute step")
	}
}

func TestClassifyTruncatesToItemCeiling(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	def := model.SkillDefinition{
		ID: "triage-only",
		Steps: []model.StepDefinition{{
			ID:          "triage",
			Kind:        model.StepClassify,
			Inputs:      []string{"workspace.items"},
			ItemCeiling: 5,
		}},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	items := make([]json.RawMessage, 8)
	for i := range items {
		items[i] = json.RawMessage(fmt.Sprintf(`{"id":%d}`, i))
	}
	raw, _ := json.Marshal(items)

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "triage-only",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"items": raw},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["triage"]
	if step.Failed() {
		t.Fatalf("step failed: %+v", step.Error)
	}
	if h.classifier.itemCount != 5 {
		t.Errorf("expected 5 items after truncation, got %d", h.classifier.itemCount)
	}
	found := false
	for _, w := range step.Warnings {
		if strings.Contains(w, "first 5 of 8") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected truncation warning, got %v", step.Warnings)
	}
	if record.Status != model.RunCompleted {
		t.Errorf("truncation must not fail the run, got %s", record.Status)
	}
}

func TestReasonToolBudgetExhaustion(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "investigate",
		Steps: []model.StepDefinition{
			{
				ID:       "gather",
				Kind:     model.StepCompute,
				Function: "echo",
				Inputs:   []string{"workspace.question"},
			},
			{
				ID:           "dig",
				Kind:         model.StepReason,
				Inputs:       []string{"gather"},
				Prompt:       "Investigate the metric.",
				Tools:        []string{"metric_fetch"},
				MaxToolCalls: 3,
			},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}
	h.directory.SetMetric("tenant-a", "win_rate", 0.31)

	call := func(id string) llm.ToolCall {
		return llm.ToolCall{ID: id, Name: "metric_fetch", Arguments: json.RawMessage(`{"metric":"win_rate"}`)}
	}
	h.reasoner.turns = []llm.Response{
		{ToolCalls: []llm.ToolCall{call("a"), call("b"), call("c"), call("d"), call("e")}},
		{Content: "Win rate is 31%; three samples agree, remaining lookups refused."},
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "investigate",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"question": json.RawMessage(`"why is win rate down"`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["dig"]
	if step.Failed() {
		t.Fatalf("step failed: %+v", step.Error)
	}
	if step.ToolCallsRequested != 5 {
		t.Errorf("expected 5 requested, got %d", step.ToolCallsRequested)
	}
	if step.ToolCallsExecuted != 3 {
		t.Errorf("expected 3 executed, got %d", step.ToolCallsExecuted)
	}
	if len(step.ToolCalls) != 3 {
		t.Errorf("expected 3 recorded invocations, got %d", len(step.ToolCalls))
	}
	if record.Status != model.RunCompleted {
		t.Errorf("budget refusal must keep the best available answer, got %s", record.Status)
	}
}

func TestCriticalStepFailureFailsRun(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("explode", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("upstream CRM export corrupt")
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}

	def := model.SkillDefinition{
		ID: "fragile",
		Steps: []model.StepDefinition{
			{ID: "first", Kind: model.StepCompute, Function: "explode", Inputs: []string{"workspace.data"}, Critical: true},
			{ID: "second", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "fragile",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunFailed {
		t.Fatalf("expected failed run, got %s", record.Status)
	}
	if !strings.Contains(record.Error, `critical step "first" failed`) {
		t.Errorf("unexpected run error: %q", record.Error)
	}
	if len(record.StepOrder) != 1 {
		t.Errorf("steps after a critical failure must not execute, got %v", record.StepOrder)
	}
}

func TestNonCriticalFailureYieldsPartialRun(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("explode", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("transient parse error")
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}

	def := model.SkillDefinition{
		ID: "resilient",
		Steps: []model.StepDefinition{
			{ID: "first", Kind: model.StepCompute, Function: "explode", Inputs: []string{"workspace.data"}},
			{ID: "second", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "resilient",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{"ok":true}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunPartial {
		t.Fatalf("expected partial run, got %s", record.Status)
	}
	if record.Steps["second"] == nil || record.Steps["second"].Failed() {
		t.Error("independent later step should still execute")
	}
}

func TestDownstreamOfFailedStepGetsMissingInput(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("explode", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("boom")
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}

	def := model.SkillDefinition{
		ID: "chained",
		Steps: []model.StepDefinition{
			{ID: "first", Kind: model.StepCompute, Function: "explode", Inputs: []string{"workspace.data"}},
			{ID: "second", Kind: model.StepCompute, Function: "echo", Inputs: []string{"first"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "chained",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	second := record.Steps["second"]
	if second == nil || !second.Failed() {
		t.Fatal("expected downstream step to fail")
	}
	if second.Error.Code != model.ErrMissingInput {
		t.Errorf("expected missing_input, got %s", second.Error.Code)
	}
}

func TestMissingWorkspaceInput(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := skill.RegisterBuiltins(h.skills); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:  "pipeline-hygiene",
		TenantID: "tenant-a",
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunFailed {
		t.Fatalf("expected failed run, got %s", record.Status)
	}
	first := record.Steps["stale-summary"]
	if first == nil || first.Error == nil || first.Error.Code != model.ErrMissingInput {
		t.Errorf("expected missing_input on first step, got %+v", first)
	}
}

func TestStepTokenCeiling(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "bulk",
		Steps: []model.StepDefinition{
			{ID: "only", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.blob"}, Critical: true},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	// Over 20000 tokens at 4 bytes per token.
	blob, _ := json.Marshal(strings.Repeat("x", 90_000))
	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "bulk",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"blob": blob},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["only"]
	if !step.Failed() || step.Error.Code != model.ErrTokenCeiling {
		t.Fatalf("expected token_ceiling failure, got %+v", step)
	}
	if record.Status != model.RunFailed {
		t.Errorf("expected failed run, got %s", record.Status)
	}
}

func TestStepWarnThreshold(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("constant", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "warm",
		Steps: []model.StepDefinition{
			{ID: "only", Kind: model.StepCompute, Function: "constant", Inputs: []string{"workspace.blob"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	// Between the warn threshold (8000 tokens) and the hard ceiling.
	blob, _ := json.Marshal(strings.Repeat("x", 40_000))
	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "warm",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"blob": blob},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["only"]
	if step.Failed() {
		t.Fatalf("warn threshold must not block execution: %+v", step.Error)
	}
	found := false
	for _, w := range step.Warnings {
		if strings.Contains(w, "warn threshold") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected warn threshold warning, got %v", step.Warnings)
	}
}

func TestRunSoftBudgetFlaggedOnce(t *testing.T) {
	cfg := config.DefaultRuntimeConfig()
	cfg.RunSoftTokens = 10
	h := newHarness(t, cfg)
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "chatty",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
			{ID: "b", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "chatty",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{"padding":"0123456789012345678901234567890123456789"}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunCompleted {
		t.Fatalf("soft budget must never block, got %s", record.Status)
	}
	flagged := 0
	for _, step := range record.Results() {
		for _, w := range step.Warnings {
			if strings.Contains(w, "soft budget") {
				flagged++
			}
		}
	}
	if flagged != 1 {
		t.Errorf("soft budget should be flagged exactly once, got %d", flagged)
	}
}

func TestReasonFanOutGuard(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("explode_items", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		items := make([]int, 11)
		raw, _ := json.Marshal(items)
		return raw, nil
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}

	def := model.SkillDefinition{
		ID: "fanout",
		Steps: []model.StepDefinition{
			{ID: "spread", Kind: model.StepCompute, Function: "explode_items", Inputs: []string{"workspace.data"}},
			{ID: "think", Kind: model.StepReason, Inputs: []string{"spread"}, Prompt: "Review the items."},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "fanout",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["think"]
	if step == nil || !step.Failed() {
		t.Fatal("expected reason step to fail")
	}
	if step.Error.Code != model.ErrFanOut {
		t.Errorf("expected fan_out, got %s", step.Error.Code)
	}
	if h.reasoner.calls != 0 {
		t.Errorf("reasoner must not be called past the fan-out guard, got %d calls", h.reasoner.calls)
	}
}

func TestDisallowedToolFailsStep(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "narrow",
		Steps: []model.StepDefinition{
			{
				ID:       "gather",
				Kind:     model.StepCompute,
				Function: "echo",
				Inputs:   []string{"workspace.data"},
			},
			{
				ID:           "think",
				Kind:         model.StepReason,
				Inputs:       []string{"gather"},
				Prompt:       "Analyze.",
				Tools:        []string{"metric_fetch"},
				MaxToolCalls: 3,
			},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	h.reasoner.turns = []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "x", Name: "crm_lookup", Arguments: json.RawMessage(`{"deal_id":"d"}`)}}},
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "narrow",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["think"]
	if step == nil || !step.Failed() {
		t.Fatal("expected step failure")
	}
	if step.Error.Code != model.ErrUnknownTool {
		t.Errorf("expected unknown_tool, got %s", step.Error.Code)
	}
}

func TestCancellationBetweenSteps(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "cancellable",
		Steps: []model.StepDefinition{
			{ID: "a", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
			{ID: "b", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	record, err := h.runner.Run(ctx, RunRequest{
		SkillID:   "cancellable",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if record.Status != model.RunCancelled {
		t.Fatalf("expected cancelled run, got %s", record.Status)
	}
	if len(record.StepOrder) != 0 {
		t.Errorf("no steps should execute after cancellation, got %v", record.StepOrder)
	}

	// Cancelled runs still get a persisted terminal record.
	stored, err := h.store.GetRun(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if stored.Status != model.RunCancelled {
		t.Errorf("persisted status %s, want cancelled", stored.Status)
	}
}

func TestAdmissionRejectsUnknownSkill(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	_, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:  "nope",
		TenantID: "tenant-a",
	})
	if err == nil {
		t.Fatal("expected admission error")
	}
	runs, listErr := h.store.ListRuns(context.Background(), storage.ListFilter{})
	if listErr != nil {
		t.Fatalf("ListRuns failed: %v", listErr)
	}
	if len(runs) != 0 {
		t.Errorf("rejected requests must not create records, got %d", len(runs))
	}
}

func TestAdmissionRequiresTenant(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := skill.RegisterBuiltins(h.skills); err != nil {
		t.Fatalf("failed to register builtins: %v", err)
	}
	_, err := h.runner.Run(context.Background(), RunRequest{SkillID: "pipeline-hygiene"})
	if err == nil || !strings.Contains(err.Error(), "tenant") {
		t.Errorf("expected tenant admission error, got %v", err)
	}
}

func TestBeginRunsAsynchronously(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("echo", echoCompute); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "quick",
		Steps: []model.StepDefinition{
			{ID: "only", Kind: model.StepCompute, Function: "echo", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	runID, err := h.runner.Begin(context.Background(), RunRequest{
		SkillID:   "quick",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{"n":1}`)},
	})
	if err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if runID == "" {
		t.Fatal("expected run ID")
	}

	h.runner.Wait()

	record, err := h.runner.GetRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if record.Status != model.RunCompleted {
		t.Errorf("expected completed run, got %s", record.Status)
	}
}

func TestComputeOutputCap(t *testing.T) {
	h := newHarness(t, config.DefaultRuntimeConfig())
	if err := h.skills.Computes().Register("huge", func(context.Context, map[string]json.RawMessage) (json.RawMessage, error) {
		raw, _ := json.Marshal(strings.Repeat("y", 9000))
		return raw, nil
	}); err != nil {
		t.Fatalf("failed to register compute: %v", err)
	}
	def := model.SkillDefinition{
		ID: "oversize",
		Steps: []model.StepDefinition{
			{ID: "only", Kind: model.StepCompute, Function: "huge", Inputs: []string{"workspace.data"}},
		},
	}
	if err := h.skills.Register(def); err != nil {
		t.Fatalf("failed to register skill: %v", err)
	}

	record, err := h.runner.Run(context.Background(), RunRequest{
		SkillID:   "oversize",
		TenantID:  "tenant-a",
		Workspace: map[string]json.RawMessage{"data": json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	step := record.Steps["only"]
	if !step.Failed() || step.Error.Code != model.ErrOutputTooLarge {
		t.Fatalf("expected output_too_large, got %+v", step)
	}
}

func echoCompute(_ context.Context, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(inputs)
}
