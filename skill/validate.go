// Registration-time validation of skill definitions.
//
// Reasoning steps need prepared data in front of them, so a definition
// whose pipeline starts with reasoning, or that lets a step read data that
// does not exist yet, is rejected before a run is ever admitted.

package skill

import (
	"errors"
	"fmt"
	"strings"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/model"
)

// Validation errors. Callers match with errors.Is.
var (
	ErrNoSteps         = errors.New("definition has no steps")
	ErrReasonFirst     = errors.New("first step must not be a reasoning step")
	ErrStepOrdering    = errors.New("step input references a later or unknown step")
	ErrDuplicateStep   = errors.New("duplicate step identifier")
	ErrNoItemCeiling   = errors.New("classify step must declare an item ceiling")
	ErrItemCeilingHigh = errors.New("classify item ceiling exceeds maximum")
	ErrComputeTools    = errors.New("compute step must not declare tool access")
	ErrUnknownKind     = errors.New("unknown step kind")
	ErrUnknownFunction = errors.New("compute function not registered")
	ErrUnknownTool     = errors.New("reason step references unknown tool")
)

// Validate checks a skill definition against the registration-time rules.
// It is also called by the orchestrator before each run as defense in depth.
func (r *Registry) Validate(def model.SkillDefinition) error {
	if len(def.Steps) == 0 {
		return ErrNoSteps
	}
	if def.Steps[0].Kind == model.StepReason {
		return ErrReasonFirst
	}

	seen := make(map[string]bool, len(def.Steps))       // step IDs
	earlier := make(map[string]bool, len(def.Steps))    // output keys visible so far
	for i, step := range def.Steps {
		if seen[step.ID] {
			return fmt.Errorf("step %q: %w", step.ID, ErrDuplicateStep)
		}
		seen[step.ID] = true

		if err := r.validateStep(i, step, earlier); err != nil {
			return err
		}

		earlier[step.Output()] = true
		earlier[step.ID] = true
	}
	return nil
}

func (r *Registry) validateStep(index int, step model.StepDefinition, earlier map[string]bool) error {
	for _, key := range step.Inputs {
		if strings.HasPrefix(key, model.WorkspacePrefix) {
			continue
		}
		if !earlier[key] {
			return fmt.Errorf("step %q input %q: %w", step.ID, key, ErrStepOrdering)
		}
	}

	switch step.Kind {
	case model.StepCompute:
		if len(step.Tools) > 0 {
			return fmt.Errorf("step %q: %w", step.ID, ErrComputeTools)
		}
		if r != nil && r.computes != nil && !r.computes.Has(step.Function) {
			return fmt.Errorf("step %q function %q: %w", step.ID, step.Function, ErrUnknownFunction)
		}
	case model.StepClassify:
		if step.ItemCeiling <= 0 {
			return fmt.Errorf("step %q: %w", step.ID, ErrNoItemCeiling)
		}
		if step.ItemCeiling > config.MaxClassifyItemCeiling {
			return fmt.Errorf("step %q ceiling %d: %w", step.ID, step.ItemCeiling, ErrItemCeilingHigh)
		}
	case model.StepReason:
		if index == 0 {
			return ErrReasonFirst
		}
		if r != nil && r.hasTool != nil {
			for _, name := range step.Tools {
				if !r.hasTool(name) {
					return fmt.Errorf("step %q tool %q: %w", step.ID, name, ErrUnknownTool)
				}
			}
		}
	default:
		return fmt.Errorf("step %q kind %q: %w", step.ID, step.Kind, ErrUnknownKind)
	}
	return nil
}
