// Runner is the public entry point of the skill runtime: synchronous
// and asynchronous run execution plus record retrieval.

package runtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/revlens/revlens/model"
	"github.com/revlens/revlens/storage"
)

// Runner exposes the runtime to callers. Safe for concurrent use.
type Runner struct {
	orch   *Orchestrator
	store  storage.RunStore
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewRunner creates a runner around an orchestrator and its store.
func NewRunner(orch *Orchestrator, store storage.RunStore, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{orch: orch, store: store, logger: logger}
}

// Run executes a skill synchronously and returns the finished record.
func (r *Runner) Run(ctx context.Context, req RunRequest) (*model.RunRecord, error) {
	return r.orch.Execute(ctx, req)
}

// Begin admits a run synchronously and executes it in the background.
// Returns the run ID immediately; admission errors are returned before
// any record exists. The background run detaches from the caller's
// cancellation but keeps its values.
func (r *Runner) Begin(ctx context.Context, req RunRequest) (string, error) {
	record, def, err := r.orch.Admit(ctx, req)
	if err != nil {
		return "", err
	}

	runCtx := context.WithoutCancel(ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.orch.Resume(runCtx, record, def, req.Workspace)
	}()

	return record.ID, nil
}

// GetRun retrieves a run record, terminal or in flight.
func (r *Runner) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	return r.store.GetRun(ctx, runID)
}

// ListRuns returns run headers matching the filter, most recent first.
func (r *Runner) ListRuns(ctx context.Context, filter storage.ListFilter) ([]*model.RunRecord, error) {
	return r.store.ListRuns(ctx, filter)
}

// Wait blocks until all background runs started via Begin finish.
// Intended for shutdown paths.
func (r *Runner) Wait() {
	r.wg.Wait()
}
