// Run orchestration: admission, step sequencing, terminal status.
//
// Information Hiding:
// - Input resolution against workspace context and prior outputs
// - Fan-out guarding between compute outputs and reason steps
// - Terminal status computation and finalize-once discipline

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/model"
	"github.com/revlens/revlens/skill"
	"github.com/revlens/revlens/storage"
)

// RunRequest describes one skill execution for a tenant.
type RunRequest struct {
	SkillID   string
	TenantID  string
	Trigger   model.TriggerType
	Workspace map[string]json.RawMessage
}

// Orchestrator admits and drives skill runs. Safe for concurrent use;
// each run carries its own record and governor.
type Orchestrator struct {
	cfg    config.RuntimeConfig
	skills *skill.Registry
	store  storage.RunStore
	exec   *Executor
	logger *slog.Logger
}

// NewOrchestrator creates a run orchestrator.
func NewOrchestrator(cfg config.RuntimeConfig, skills *skill.Registry, store storage.RunStore, exec *Executor, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:    cfg,
		skills: skills,
		store:  store,
		exec:   exec,
		logger: logger,
	}
}

// Admit validates a run request, persists the initial running record,
// and returns it together with the skill definition. Invalid requests
// are rejected before any record exists.
func (o *Orchestrator) Admit(ctx context.Context, req RunRequest) (*model.RunRecord, model.SkillDefinition, error) {
	if req.TenantID == "" {
		return nil, model.SkillDefinition{}, fmt.Errorf("run request missing tenant ID")
	}
	if req.Trigger == "" {
		req.Trigger = model.TriggerManual
	}

	def, ok := o.skills.Get(req.SkillID)
	if !ok {
		return nil, model.SkillDefinition{}, fmt.Errorf("skill %q not registered", req.SkillID)
	}
	// Definitions are validated at registration; re-validate at admission
	// so hot-reloaded definitions cannot slip an invalid pipeline into a run.
	if err := o.skills.Validate(def); err != nil {
		return nil, model.SkillDefinition{}, fmt.Errorf("skill %q: %w", req.SkillID, err)
	}

	record := model.NewRunRecord(uuid.NewString(), req.SkillID, req.TenantID, req.Trigger)
	// A persistence outage degrades observability, not the run itself.
	if err := o.store.CreateRun(ctx, record); err != nil {
		o.logger.Error("failed to persist run record", "run", record.ID, "error", err)
	}

	o.logger.Info("run admitted",
		"run", record.ID,
		"skill", req.SkillID,
		"tenant", req.TenantID,
		"trigger", req.Trigger,
	)
	return record, def, nil
}

// Resume executes the pipeline for an admitted run and finalizes its
// record. Always returns the record, including on failure paths.
func (o *Orchestrator) Resume(ctx context.Context, record *model.RunRecord, def model.SkillDefinition, workspace map[string]json.RawMessage) *model.RunRecord {
	gov := NewGovernor(o.cfg, o.logger)
	outputs := make(map[string]json.RawMessage)
	producers := make(map[string]model.StepKind)

	var (
		cancelled    bool
		criticalFail *model.StepResult
		anyFail      bool
	)

	for i, stepDef := range def.Steps {
		if err := ctx.Err(); err != nil {
			cancelled = true
			o.logger.Warn("run cancelled", "run", record.ID, "before_step", stepDef.ID)
			break
		}

		result := o.executeOne(ctx, stepDef, record, workspace, outputs, producers, gov)
		record.AppendStep(result)
		if err := o.store.AppendStepResult(ctx, record.ID, i, result); err != nil {
			// Recording must not kill a run that is otherwise healthy.
			o.logger.Error("failed to persist step result",
				"run", record.ID, "step", stepDef.ID, "error", err)
		}

		if result.Failed() {
			anyFail = true
			if result.Error != nil && result.Error.Code == model.ErrCancelled {
				cancelled = true
				break
			}
			if stepDef.Critical {
				criticalFail = result
				break
			}
			continue
		}

		outputs[stepDef.Output()] = result.Output
		producers[stepDef.Output()] = stepDef.Kind
	}

	switch {
	case cancelled:
		record.Status = model.RunCancelled
		record.Error = "run cancelled before completion"
	case criticalFail != nil:
		record.Status = model.RunFailed
		record.Error = fmt.Sprintf("critical step %q failed: %s",
			criticalFail.StepID, criticalFail.Error.Message)
	case anyFail:
		record.Status = model.RunPartial
	default:
		record.Status = model.RunCompleted
	}

	now := time.Now().UTC()
	record.FinishedAt = &now
	record.DurationMs = uint64(now.Sub(record.StartedAt).Milliseconds())

	// Finalize with a fresh context: a cancelled run still deserves a
	// persisted terminal record.
	if err := o.store.FinalizeRun(context.WithoutCancel(ctx), record); err != nil {
		o.logger.Error("failed to finalize run", "run", record.ID, "error", err)
	}

	o.logger.Info("run finished",
		"run", record.ID,
		"skill", record.SkillID,
		"tenant", record.TenantID,
		"status", record.Status,
		"tokens", record.Usage.TotalTokens,
		"duration_ms", record.DurationMs,
	)
	return record
}

// Execute admits and runs a request synchronously.
func (o *Orchestrator) Execute(ctx context.Context, req RunRequest) (*model.RunRecord, error) {
	record, def, err := o.Admit(ctx, req)
	if err != nil {
		return nil, err
	}
	return o.Resume(ctx, record, def, req.Workspace), nil
}

// executeOne resolves a step's inputs and hands it to the executor.
// Resolution failures become failed step results without execution.
func (o *Orchestrator) executeOne(ctx context.Context, stepDef model.StepDefinition, record *model.RunRecord, workspace, outputs map[string]json.RawMessage, producers map[string]model.StepKind, gov *Governor) *model.StepResult {
	inputs, stepErr := o.resolveInputs(stepDef, workspace, outputs, producers)
	if stepErr != nil {
		return &model.StepResult{
			StepID: stepDef.ID,
			Status: model.StepFailed,
			Error:  stepErr,
		}
	}
	return o.exec.ExecuteStep(ctx, stepDef, inputs, record.TenantID, gov)
}

// resolveInputs maps a step's declared inputs to values from workspace
// context or earlier step outputs. Reason steps additionally enforce the
// fan-out limit on arrays flowing directly out of compute steps.
func (o *Orchestrator) resolveInputs(stepDef model.StepDefinition, workspace, outputs map[string]json.RawMessage, producers map[string]model.StepKind) (map[string]json.RawMessage, *model.StepError) {
	inputs := make(map[string]json.RawMessage, len(stepDef.Inputs))

	for _, key := range stepDef.Inputs {
		if ws, ok := cutWorkspaceKey(key); ok {
			value, exists := workspace[ws]
			if !exists {
				return nil, &model.StepError{
					Code:    model.ErrMissingInput,
					Message: fmt.Sprintf("workspace context %q not provided", ws),
				}
			}
			inputs[key] = value
			continue
		}

		value, exists := outputs[key]
		if !exists {
			return nil, &model.StepError{
				Code:    model.ErrMissingInput,
				Message: fmt.Sprintf("input %q has no value; producing step failed or was skipped", key),
			}
		}

		if stepDef.Kind == model.StepReason && producers[key] == model.StepCompute {
			if n := arrayLength(value); n > o.cfg.ReasonFanOutLimit {
				return nil, &model.StepError{
					Code: model.ErrFanOut,
					Message: fmt.Sprintf("input %q fans %d items into reasoning; limit is %d",
						key, n, o.cfg.ReasonFanOutLimit),
				}
			}
		}
		inputs[key] = value
	}

	return inputs, nil
}

func cutWorkspaceKey(key string) (string, bool) {
	if len(key) > len(model.WorkspacePrefix) && key[:len(model.WorkspacePrefix)] == model.WorkspacePrefix {
		return key[len(model.WorkspacePrefix):], true
	}
	return "", false
}

// arrayLength returns the element count when raw is a JSON array,
// otherwise -1.
func arrayLength(raw json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return -1
	}
	return len(items)
}
