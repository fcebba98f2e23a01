// Package model provides domain types shared across packages.
package model

import (
	"encoding/json"
	"time"
)

// StepKind identifies which execution tier a step runs on.
type StepKind string

const (
	// StepCompute is deterministic in-process aggregation.
	StepCompute StepKind = "compute"
	// StepClassify is cheap LLM classification over a bounded item list.
	StepClassify StepKind = "classify"
	// StepReason is expensive LLM reasoning with optional tool access.
	StepReason StepKind = "reason"
)

// TriggerType records what started a run.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerEvent     TriggerType = "event"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunPartial || s == RunFailed || s == RunCancelled
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)

// ErrorCode classifies step failures for skill authors.
type ErrorCode string

const (
	ErrMissingInput   ErrorCode = "missing_input"
	ErrTokenCeiling   ErrorCode = "token_ceiling"
	ErrOutputTooLarge ErrorCode = "output_too_large"
	ErrFanOut         ErrorCode = "fan_out"
	ErrUnknownTool    ErrorCode = "unknown_tool"
	ErrTenantMismatch ErrorCode = "tenant_mismatch"
	ErrCollaborator   ErrorCode = "collaborator"
	ErrCancelled      ErrorCode = "cancelled"
)

// SkillDefinition is a declarative analysis pipeline. Definitions are
// immutable once registered; the runtime never mutates them.
type SkillDefinition struct {
	ID           string           `json:"id"`
	Description  string           `json:"description"`
	Steps        []StepDefinition `json:"steps"`
	OutputFormat string           `json:"output_format,omitempty"`
	Schedule     string           `json:"schedule,omitempty"`
}

// StepDefinition is one entry in a skill's pipeline.
//
// Inputs reference the output keys of strictly earlier steps, or workspace
// context entries via the "workspace." prefix. OutputKey defaults to the
// step ID when empty.
type StepDefinition struct {
	ID        string   `json:"id"`
	Kind      StepKind `json:"kind"`
	Function  string   `json:"function,omitempty"` // compute/classify function name
	Inputs    []string `json:"inputs,omitempty"`
	OutputKey string   `json:"output_key,omitempty"`
	Prompt    string   `json:"prompt,omitempty"` // reason instruction

	// Reason-only settings.
	Tools        []string `json:"tools,omitempty"`
	MaxToolCalls int      `json:"max_tool_calls,omitempty"`

	// Classify-only: hard ceiling on items per input array.
	ItemCeiling int `json:"item_ceiling,omitempty"`

	// ClassifySchema is the JSON Schema handed to the classification
	// provider describing the expected per-item classification.
	ClassifySchema json.RawMessage `json:"classify_schema,omitempty"`

	// Critical marks the step's failure as non-recoverable for the run.
	Critical bool `json:"critical,omitempty"`
}

// Output returns the key under which this step's output is stored.
func (s StepDefinition) Output() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return s.ID
}

// WorkspacePrefix marks step inputs resolved from workspace context rather
// than prior step outputs.
const WorkspacePrefix = "workspace."

// StepError is the structured error detail of a failed step.
type StepError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return string(e.Code) + ": " + e.Message
}

// ToolInvocation summarizes one tool call made by a reason step.
// Never persisted independently; it lives inside its parent StepResult.
type ToolInvocation struct {
	Tool       string `json:"tool"`
	InputSize  int    `json:"input_size"`
	OutputSize int    `json:"output_size"`
	DurationMs uint64 `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// TokenUsage tracks estimated token counts for a step or run.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates usage from another measurement.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StepResult is produced once per step per run. It is owned exclusively by
// the enclosing RunRecord and never shared across runs.
type StepResult struct {
	StepID     string          `json:"step_id"`
	Status     StepStatus      `json:"status"`
	Output     json.RawMessage `json:"output,omitempty"`
	OutputHash string          `json:"output_hash,omitempty"`
	Usage      TokenUsage      `json:"usage"`
	DurationMs uint64          `json:"duration_ms"`
	Warnings   []string        `json:"warnings,omitempty"`
	Error      *StepError      `json:"error,omitempty"`

	// Reason-step bookkeeping.
	ToolCalls          []ToolInvocation `json:"tool_calls,omitempty"`
	ToolCallsRequested int              `json:"tool_calls_requested,omitempty"`
	ToolCallsExecuted  int              `json:"tool_calls_executed,omitempty"`
}

// Failed reports whether the step failed.
func (r *StepResult) Failed() bool {
	return r.Status == StepFailed
}

// RunRecord is one execution of a skill for a tenant.
//
// Lifecycle: created in RunRunning state when the orchestrator admits the
// run, mutated only by the orchestrator appending step results, transitions
// to a terminal state exactly once and is immutable thereafter.
type RunRecord struct {
	ID         string                 `json:"id"`
	SkillID    string                 `json:"skill_id"`
	TenantID   string                 `json:"tenant_id"`
	Trigger    TriggerType            `json:"trigger"`
	Status     RunStatus              `json:"status"`
	StepOrder  []string               `json:"step_order"`
	Steps      map[string]*StepResult `json:"steps"`
	Usage      TokenUsage             `json:"usage"`
	DurationMs uint64                 `json:"duration_ms"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt *time.Time             `json:"finished_at,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// NewRunRecord creates a run record in the running state.
func NewRunRecord(id, skillID, tenantID string, trigger TriggerType) *RunRecord {
	return &RunRecord{
		ID:        id,
		SkillID:   skillID,
		TenantID:  tenantID,
		Trigger:   trigger,
		Status:    RunRunning,
		Steps:     make(map[string]*StepResult),
		StartedAt: time.Now().UTC(),
	}
}

// AppendStep records a step result, preserving execution order.
func (r *RunRecord) AppendStep(result *StepResult) {
	r.StepOrder = append(r.StepOrder, result.StepID)
	r.Steps[result.StepID] = result
	r.Usage.Add(result.Usage)
}

// Results returns step results in execution order.
func (r *RunRecord) Results() []*StepResult {
	out := make([]*StepResult, 0, len(r.StepOrder))
	for _, id := range r.StepOrder {
		out = append(out, r.Steps[id])
	}
	return out
}
