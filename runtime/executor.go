// Step execution across the three tiers.
//
// Information Hiding:
// - Tier dispatch and collaborator wiring hidden behind ExecuteStep
// - Classify item extraction and truncation rules internalized
// - Reason conversation loop and tool budget accounting internalized

package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/llm"
	"github.com/revlens/revlens/model"
	"github.com/revlens/revlens/skill"
	"github.com/revlens/revlens/storage"
	"github.com/revlens/revlens/tools"
)

// maxReasonTurns bounds the reason conversation loop regardless of the
// step's tool budget, so a model that never stops calling tools cannot
// spin the executor.
const maxReasonTurns = 8

// Executor runs individual pipeline steps. Stateless across runs; all
// per-run state lives in the Governor and the orchestrator.
type Executor struct {
	cfg        config.RuntimeConfig
	computes   *skill.ComputeRegistry
	classifier llm.Classifier
	reasoner   llm.Reasoner
	dispatcher *tools.Dispatcher
	tools      *tools.Registry
	logger     *slog.Logger
}

// NewExecutor creates a step executor.
func NewExecutor(
	cfg config.RuntimeConfig,
	computes *skill.ComputeRegistry,
	classifier llm.Classifier,
	reasoner llm.Reasoner,
	dispatcher *tools.Dispatcher,
	toolRegistry *tools.Registry,
	logger *slog.Logger,
) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:        cfg,
		computes:   computes,
		classifier: classifier,
		reasoner:   reasoner,
		dispatcher: dispatcher,
		tools:      toolRegistry,
		logger:     logger,
	}
}

// ExecuteStep runs one step against its resolved inputs and returns the
// step result. Failures are reported in the result, never as a Go error:
// the orchestrator decides what a failure means for the run.
func (e *Executor) ExecuteStep(ctx context.Context, def model.StepDefinition, inputs map[string]json.RawMessage, tenantID string, gov *Governor) *model.StepResult {
	start := time.Now()
	result := &model.StepResult{StepID: def.ID, Status: model.StepSucceeded}

	serialized, err := json.Marshal(inputs)
	if err != nil {
		return e.fail(result, start, gov, model.ErrCollaborator,
			fmt.Sprintf("failed to serialize step inputs: %v", err))
	}

	inputTokens := EstimateTokens(serialized)
	warnings, stepErr := gov.CheckStep(def.ID, inputTokens)
	result.Warnings = append(result.Warnings, warnings...)
	if stepErr != nil {
		result.Status = model.StepFailed
		result.Error = stepErr
		result.DurationMs = uint64(time.Since(start).Milliseconds())
		return result
	}

	switch def.Kind {
	case model.StepCompute:
		e.runCompute(ctx, def, inputs, inputTokens, result)
	case model.StepClassify:
		e.runClassify(ctx, def, inputs, inputTokens, result)
	case model.StepReason:
		e.runReason(ctx, def, inputs, tenantID, inputTokens, result)
	default:
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code:    model.ErrCollaborator,
			Message: fmt.Sprintf("unknown step kind %q", def.Kind),
		}
	}

	if result.Output != nil {
		result.OutputHash = storage.Fingerprint(result.Output)
	}
	result.DurationMs = uint64(time.Since(start).Milliseconds())
	result.Warnings = append(result.Warnings, gov.Record(def.ID, result.Usage)...)

	if result.Failed() {
		e.logger.Error("step failed",
			"step", def.ID,
			"kind", def.Kind,
			"code", result.Error.Code,
			"error", result.Error.Message,
		)
	} else {
		e.logger.Info("step succeeded",
			"step", def.ID,
			"kind", def.Kind,
			"tokens", result.Usage.TotalTokens,
			"duration_ms", result.DurationMs,
		)
	}
	return result
}

func (e *Executor) runCompute(ctx context.Context, def model.StepDefinition, inputs map[string]json.RawMessage, inputTokens int, result *model.StepResult) {
	fn, ok := e.computes.Get(def.Function)
	if !ok {
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code:    model.ErrCollaborator,
			Message: fmt.Sprintf("compute function %q not registered", def.Function),
		}
		return
	}

	output, err := fn(ctx, inputs)
	if err != nil {
		result.Status = model.StepFailed
		result.Error = classifyError(ctx, err,
			fmt.Sprintf("compute function %q failed", def.Function))
		return
	}

	if len(output) > e.cfg.OutputSizeCap {
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code: model.ErrOutputTooLarge,
			Message: fmt.Sprintf("compute output %d bytes exceeds cap %d",
				len(output), e.cfg.OutputSizeCap),
		}
		return
	}

	result.Output = output
	result.Usage = model.TokenUsage{
		InputTokens:  inputTokens,
		OutputTokens: EstimateTokens(output),
		TotalTokens:  inputTokens + EstimateTokens(output),
	}
}

func (e *Executor) runClassify(ctx context.Context, def model.StepDefinition, inputs map[string]json.RawMessage, inputTokens int, result *model.StepResult) {
	items, err := classifyItems(def, inputs)
	if err != nil {
		result.Status = model.StepFailed
		result.Error = &model.StepError{Code: model.ErrMissingInput, Message: err.Error()}
		return
	}

	ceiling := def.ItemCeiling
	if ceiling > e.cfg.ClassifyItemCeiling {
		ceiling = e.cfg.ClassifyItemCeiling
	}
	if len(items) > ceiling {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("classified first %d of %d items", ceiling, len(items)))
		items = items[:ceiling]
	}

	classified, err := e.classifier.Classify(ctx, def.Prompt, items, def.ClassifySchema)
	result.Usage = usageFromProvider(classified.Usage, inputTokens)
	if err != nil {
		result.Status = model.StepFailed
		result.Error = classifyError(ctx, err, "classification failed")
		return
	}

	labeled := make([]map[string]json.RawMessage, len(items))
	for i, item := range items {
		labeled[i] = map[string]json.RawMessage{
			"item":           item,
			"classification": classified.Labels[i],
		}
	}
	output, err := json.Marshal(labeled)
	if err != nil {
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code:    model.ErrCollaborator,
			Message: fmt.Sprintf("failed to serialize classifications: %v", err),
		}
		return
	}
	result.Output = output
	if result.Usage.OutputTokens == 0 {
		result.Usage.OutputTokens = EstimateTokens(output)
		result.Usage.TotalTokens = result.Usage.InputTokens + result.Usage.OutputTokens
	}
}

func (e *Executor) runReason(ctx context.Context, def model.StepDefinition, inputs map[string]json.RawMessage, tenantID string, inputTokens int, result *model.StepResult) {
	defs := e.toolDefinitions(def.Tools)
	messages := []llm.ChatMessage{
		llm.SystemMessage(reasonSystemPrompt(def)),
		llm.UserMessage(reasonUserPrompt(inputs)),
	}

	usage := model.TokenUsage{InputTokens: inputTokens}
	answer := ""

	for turn := 0; turn < maxReasonTurns; turn++ {
		resp, err := e.reasoner.Reason(ctx, messages, defs)
		if resp.Usage != nil {
			usage.InputTokens += int(resp.Usage.PromptTokens)
			usage.OutputTokens += int(resp.Usage.CompletionTokens)
		}
		if err != nil {
			result.Status = model.StepFailed
			result.Error = classifyError(ctx, err, "reasoning failed")
			result.Usage = finishUsage(usage)
			return
		}

		if resp.Content != "" {
			answer = resp.Content
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.ChatMessage{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, call := range resp.ToolCalls {
			result.ToolCallsRequested++

			if !contains(def.Tools, call.Name) {
				result.Status = model.StepFailed
				result.Error = &model.StepError{
					Code:    model.ErrUnknownTool,
					Message: fmt.Sprintf("tool %q is not allowed for step %q", call.Name, def.ID),
				}
				result.Usage = finishUsage(usage)
				return
			}

			if result.ToolCallsExecuted >= def.MaxToolCalls {
				// Budget spent. Tell the model and let it answer with
				// what it already has.
				messages = append(messages, llm.ToolResultMessage(call.ID,
					fmt.Sprintf("tool call budget of %d exhausted; answer with the information gathered so far", def.MaxToolCalls)))
				continue
			}

			output, invocation, err := e.dispatcher.Invoke(ctx, call.Name, call.Arguments, tenantID)
			result.ToolCalls = append(result.ToolCalls, invocation)
			result.ToolCallsExecuted++

			if err != nil {
				if stepErr := fatalToolError(err); stepErr != nil {
					result.Status = model.StepFailed
					result.Error = stepErr
					result.Usage = finishUsage(usage)
					return
				}
				// Recoverable tool failure: surface it to the model.
				messages = append(messages, llm.ToolResultMessage(call.ID,
					fmt.Sprintf("tool %s failed: %v", call.Name, err)))
				continue
			}
			messages = append(messages, llm.ToolResultMessage(call.ID, string(output)))
		}
	}

	if answer == "" {
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code:    model.ErrCollaborator,
			Message: "reasoning produced no answer",
		}
		result.Usage = finishUsage(usage)
		return
	}

	output, err := json.Marshal(map[string]string{"answer": answer})
	if err != nil {
		result.Status = model.StepFailed
		result.Error = &model.StepError{
			Code:    model.ErrCollaborator,
			Message: fmt.Sprintf("failed to serialize answer: %v", err),
		}
		result.Usage = finishUsage(usage)
		return
	}
	result.Output = output
	if usage.OutputTokens == 0 {
		usage.OutputTokens = EstimateTokens(output)
	}
	result.Usage = finishUsage(usage)
}

func (e *Executor) fail(result *model.StepResult, start time.Time, gov *Governor, code model.ErrorCode, message string) *model.StepResult {
	result.Status = model.StepFailed
	result.Error = &model.StepError{Code: code, Message: message}
	result.DurationMs = uint64(time.Since(start).Milliseconds())
	result.Warnings = append(result.Warnings, gov.Record(result.StepID, result.Usage)...)
	return result
}

// toolDefinitions maps a step's tool allowlist to LLM tool definitions.
func (e *Executor) toolDefinitions(names []string) []llm.ToolDefinition {
	metas := e.tools.Subset(names)
	defs := make([]llm.ToolDefinition, 0, len(metas))
	for _, m := range metas {
		defs = append(defs, llm.NewToolDefinition(m.Name, m.Description, m.Schema))
	}
	return defs
}

// classifyItems extracts the item list for a classify step. The step's
// first input must be a JSON array, or an object with an "items" array.
func classifyItems(def model.StepDefinition, inputs map[string]json.RawMessage) ([]json.RawMessage, error) {
	if len(def.Inputs) == 0 {
		return nil, fmt.Errorf("classify step %q declares no inputs", def.ID)
	}
	key := def.Inputs[0]
	raw, ok := inputs[key]
	if !ok {
		return nil, fmt.Errorf("classify step %q missing input %q", def.ID, key)
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err == nil {
		return items, nil
	}

	var envelope struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Items != nil {
		return envelope.Items, nil
	}

	return nil, fmt.Errorf("classify step %q input %q is neither an array nor an object with items", def.ID, key)
}

func reasonSystemPrompt(def model.StepDefinition) string {
	var b strings.Builder
	b.WriteString("You are a revenue-operations analyst. ")
	b.WriteString("Ground every conclusion in the provided data and tool results.\n")
	if def.Prompt != "" {
		b.WriteString(def.Prompt)
	}
	if def.MaxToolCalls > 0 {
		b.WriteString(fmt.Sprintf("\nYou may make at most %d tool calls.", def.MaxToolCalls))
	}
	return b.String()
}

func reasonUserPrompt(inputs map[string]json.RawMessage) string {
	serialized, err := json.MarshalIndent(inputs, "", "  ")
	if err != nil {
		serialized, _ = json.Marshal(inputs)
	}
	return "Analysis inputs:\n" + string(serialized)
}

// fatalToolError maps dispatcher errors that must fail the whole step.
// Anything else is recoverable and gets surfaced to the model instead.
func fatalToolError(err error) *model.StepError {
	var secErr *tools.SecurityError
	if errors.As(err, &secErr) {
		return &model.StepError{
			Code:    model.ErrTenantMismatch,
			Message: secErr.Error(),
		}
	}
	if errors.Is(err, tools.ErrUnknownTool) {
		return &model.StepError{
			Code:    model.ErrUnknownTool,
			Message: err.Error(),
		}
	}
	return nil
}

// classifyError distinguishes cancellation from collaborator failures.
func classifyError(ctx context.Context, err error, prefix string) *model.StepError {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &model.StepError{
			Code:    model.ErrCancelled,
			Message: fmt.Sprintf("%s: %v", prefix, err),
		}
	}
	return &model.StepError{
		Code:    model.ErrCollaborator,
		Message: fmt.Sprintf("%s: %v", prefix, err),
	}
}

func usageFromProvider(usage llm.TokenUsage, fallbackInput int) model.TokenUsage {
	if usage.TotalTokens > 0 {
		return model.TokenUsage{
			InputTokens:  int(usage.PromptTokens),
			OutputTokens: int(usage.CompletionTokens),
			TotalTokens:  int(usage.TotalTokens),
		}
	}
	return model.TokenUsage{InputTokens: fallbackInput, TotalTokens: fallbackInput}
}

func finishUsage(usage model.TokenUsage) model.TokenUsage {
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	return usage
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
