// Package storage provides run record persistence.
//
// Information Hiding:
// - Persistence backend hidden behind the RunStore interface
// - Finalize-once enforcement encapsulated in each implementation
// - Thread-safe: implementations handle concurrent access internally

package storage

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"

	"github.com/cespare/xxhash/v2"
	"github.com/revlens/revlens/model"
)

// ErrRunNotFound is returned when a run ID does not exist.
var ErrRunNotFound = errors.New("run not found")

// ErrRunFinalized is returned when mutating a run that has already
// reached a terminal state.
var ErrRunFinalized = errors.New("run already finalized")

// ListFilter narrows ListRuns results. Zero-value fields match everything.
type ListFilter struct {
	TenantID string
	SkillID  string
	Status   model.RunStatus
	Limit    int
}

// RunStore persists run records through their lifecycle.
//
// A run is created once in the running state, accumulates step results,
// and is finalized exactly once into a terminal state. Finalize is
// idempotent: finalizing an already-terminal run is a no-op that
// preserves the first terminal state.
type RunStore interface {
	// CreateRun persists a new run record in the running state.
	CreateRun(ctx context.Context, record *model.RunRecord) error

	// AppendStepResult persists one step result for a running run.
	// index is the zero-based execution position of the step.
	AppendStepResult(ctx context.Context, runID string, index int, result *model.StepResult) error

	// FinalizeRun writes the terminal state of a run. The record must
	// carry a terminal status. Returns nil without writing if the run
	// is already terminal.
	FinalizeRun(ctx context.Context, record *model.RunRecord) error

	// GetRun retrieves a full run record including step results.
	GetRun(ctx context.Context, runID string) (*model.RunRecord, error)

	// ListRuns returns run headers matching the filter, most recent
	// first. Step results are not loaded; use GetRun for full records.
	ListRuns(ctx context.Context, filter ListFilter) ([]*model.RunRecord, error)

	// Close releases resources.
	Close() error
}

// Fingerprint uses xxHash for fast, high-quality content hashing of step
// outputs. xxHash is non-cryptographic but ideal for change detection
// (10-30x faster than SHA256).
// See: https://github.com/cespare/xxhash
func Fingerprint(content []byte) string {
	h := xxhash.Sum64(content)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], h)
	return hex.EncodeToString(buf[:])
}
