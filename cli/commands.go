// Command execution for CLI commands.
//
// Information Hiding:
// - Runtime setup hidden behind buildEnv
// - Output formatting hidden

package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/revlens/revlens/model"
	"github.com/revlens/revlens/runtime"
	"github.com/revlens/revlens/storage"
)

// RunSkill executes a skill for a tenant and prints the run record.
func RunSkill(ctx context.Context, skillID, tenantID, workspacePath string, async bool, opts Options) error {
	e, err := buildEnv(opts)
	if err != nil {
		return err
	}
	defer e.cleanup()

	workspace, err := loadWorkspace(workspacePath)
	if err != nil {
		return err
	}

	req := runtime.RunRequest{
		SkillID:   skillID,
		TenantID:  tenantID,
		Trigger:   model.TriggerManual,
		Workspace: workspace,
	}

	if async {
		runID, err := e.runner.Begin(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("Run %s started\n", runID)
		return nil
	}

	fmt.Printf("Running %s for tenant %s...\n\n", skillID, tenantID)
	record, err := e.runner.Run(ctx, req)
	if err != nil {
		return err
	}

	printRun(record, opts.Verbose)
	if record.Status == model.RunFailed {
		return fmt.Errorf("run failed: %s", record.Error)
	}
	return nil
}

// ShowRun prints one run record by ID.
func ShowRun(ctx context.Context, runID string, opts Options) error {
	store, cleanup, err := openStore(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	record, err := store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	printRun(record, true)
	return nil
}

// ListRuns prints run headers matching the filter.
func ListRuns(ctx context.Context, tenantID, skillID, status string, limit int, opts Options) error {
	store, cleanup, err := openStore(opts)
	if err != nil {
		return err
	}
	defer cleanup()

	records, err := store.ListRuns(ctx, storage.ListFilter{
		TenantID: tenantID,
		SkillID:  skillID,
		Status:   model.RunStatus(status),
		Limit:    limit,
	})
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	for _, r := range records {
		finished := "-"
		if r.FinishedAt != nil {
			finished = r.FinishedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%s  %-10s  %-20s  %-10s  %6d tok  %s\n",
			r.ID, r.Status, r.SkillID, r.TenantID, r.Usage.TotalTokens, finished)
	}
	return nil
}

// ListSkills prints the registered skill catalog.
func ListSkills(opts Options) error {
	e, err := buildEnv(opts)
	if err != nil {
		return err
	}
	defer e.cleanup()

	fmt.Println("Registered skills:")
	fmt.Println()
	for _, def := range e.skills.List() {
		fmt.Printf("  %s\n", def.ID)
		if def.Description != "" {
			fmt.Printf("    %s\n", def.Description)
		}
		kinds := make([]string, len(def.Steps))
		for i, step := range def.Steps {
			kinds[i] = fmt.Sprintf("%s(%s)", step.ID, step.Kind)
		}
		fmt.Printf("    Steps: %s\n", strings.Join(kinds, " -> "))
		if def.Schedule != "" {
			fmt.Printf("    Schedule: %s\n", def.Schedule)
		}
		fmt.Println()
	}
	return nil
}

// ListTools prints the registered analysis tools.
func ListTools(verbose bool, opts Options) error {
	e, err := buildEnv(opts)
	if err != nil {
		return err
	}
	defer e.cleanup()

	fmt.Println("Available tools:")
	fmt.Println()
	for _, meta := range e.tools.List() {
		fmt.Printf("  %s\n", meta.Name)
		fmt.Printf("    %s\n", meta.Description)
		if verbose && len(meta.Schema) > 0 {
			fmt.Printf("    Schema: %s\n", string(meta.Schema))
		}
		fmt.Println()
	}
	return nil
}

// printRun renders a run record with its step results.
func printRun(record *model.RunRecord, showOutput bool) {
	fmt.Printf("Run:      %s\n", record.ID)
	fmt.Printf("Skill:    %s\n", record.SkillID)
	fmt.Printf("Tenant:   %s\n", record.TenantID)
	fmt.Printf("Trigger:  %s\n", record.Trigger)
	fmt.Printf("Status:   %s\n", record.Status)
	fmt.Printf("Tokens:   %d (in %d / out %d)\n",
		record.Usage.TotalTokens, record.Usage.InputTokens, record.Usage.OutputTokens)
	fmt.Printf("Duration: %dms\n", record.DurationMs)
	if record.Error != "" {
		fmt.Printf("Error:    %s\n", record.Error)
	}
	fmt.Println()

	for _, step := range record.Results() {
		marker := "ok"
		if step.Failed() {
			marker = "FAILED"
		}
		fmt.Printf("  [%s] %s  %d tok  %dms\n",
			marker, step.StepID, step.Usage.TotalTokens, step.DurationMs)
		if step.ToolCallsRequested > 0 {
			fmt.Printf("         tool calls: %d executed / %d requested\n",
				step.ToolCallsExecuted, step.ToolCallsRequested)
		}
		for _, w := range step.Warnings {
			fmt.Printf("         warning: %s\n", w)
		}
		if step.Error != nil {
			fmt.Printf("         error: %s\n", step.Error.Error())
		}
		if showOutput && len(step.Output) > 0 {
			output := string(step.Output)
			if len(output) > 400 {
				output = output[:400] + "..."
			}
			fmt.Printf("         output: %s\n", output)
		}
	}
}
