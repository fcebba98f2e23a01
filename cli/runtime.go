// Runtime assembly for CLI commands.
//
// Information Hiding:
// - Provider/classifier/reasoner wiring hidden
// - Tool registry and fixture loading hidden
// - Storage setup hidden

package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/revlens/revlens/config"
	"github.com/revlens/revlens/llm"
	"github.com/revlens/revlens/runtime"
	"github.com/revlens/revlens/skill"
	"github.com/revlens/revlens/storage"
	"github.com/revlens/revlens/tools"
)

// defaultDBPath is the default run record database path.
const defaultDBPath = ".revlens/revlens.db"

// Options holds CLI execution options.
type Options struct {
	Provider string
	DBPath   string
	Fixtures string
	Verbose  bool
}

// DefaultOptions returns default CLI options.
func DefaultOptions() Options {
	return Options{DBPath: defaultDBPath}
}

// env is a fully wired runtime plus its cleanup.
type env struct {
	runner  *runtime.Runner
	skills  *skill.Registry
	tools   *tools.Registry
	store   storage.RunStore
	cleanup func()
}

// newLogger builds the CLI logger; verbose enables debug output.
func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildEnv wires the full runtime: provider, collaborators, tools,
// skills, storage, executor, orchestrator.
func buildEnv(opts Options) (*env, error) {
	logger := newLogger(opts.Verbose)

	settings, err := config.New(opts.Provider)
	if err != nil {
		return nil, err
	}
	apiKey, err := config.APIKeyFor(opts.Provider)
	if err != nil {
		return nil, err
	}
	providerType, err := llm.ParseProviderType(opts.Provider)
	if err != nil {
		return nil, err
	}
	provider, err := llm.NewProvider(providerType, apiKey, settings.LLM.Model,
		settings.LLM.MaxTokens, float32(settings.LLM.Temperature))
	if err != nil {
		return nil, err
	}

	directory := tools.NewMemoryDirectory()
	if opts.Fixtures != "" {
		if err := loadFixtures(opts.Fixtures, directory); err != nil {
			return nil, fmt.Errorf("failed to load fixtures: %w", err)
		}
	}
	toolRegistry, err := tools.WithDefaults(directory)
	if err != nil {
		return nil, fmt.Errorf("failed to build tool registry: %w", err)
	}
	dispatcher := tools.NewDispatcher(toolRegistry,
		settings.Runtime.ToolTimeout, settings.Runtime.CollaboratorRetries, logger)

	computes := skill.NewComputeRegistry()
	skills := skill.NewRegistry(computes).WithToolCheck(toolRegistry.Has)
	if err := skill.RegisterBuiltins(skills); err != nil {
		return nil, fmt.Errorf("failed to register built-in skills: %w", err)
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.OpenSqlite(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	classifier := llm.NewProviderClassifier(provider, settings.Runtime.CollaboratorRetries)
	reasoner := llm.NewProviderReasoner(provider)

	exec := runtime.NewExecutor(settings.Runtime, computes, classifier, reasoner,
		dispatcher, toolRegistry, logger)
	orch := runtime.NewOrchestrator(settings.Runtime, skills, store, exec, logger)
	runner := runtime.NewRunner(orch, store, logger)

	return &env{
		runner:  runner,
		skills:  skills,
		tools:   toolRegistry,
		store:   store,
		cleanup: func() { _ = store.Close() },
	}, nil
}

// openStore opens only the run store, for read commands that never need
// an LLM provider or API key.
func openStore(opts Options) (storage.RunStore, func(), error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}
	store, err := storage.OpenSqlite(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

// fixtureFile is the on-disk shape of tool directory fixtures.
type fixtureFile struct {
	TenantID string                     `json:"tenant_id"`
	Deals    map[string]json.RawMessage `json:"deals"`
	Metrics  map[string]float64         `json:"metrics"`
}

// loadFixtures seeds the in-memory directory from a JSON file.
func loadFixtures(path string, directory *tools.MemoryDirectory) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fixtures fixtureFile
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		return fmt.Errorf("invalid fixture file %s: %w", path, err)
	}
	if fixtures.TenantID == "" {
		return fmt.Errorf("fixture file %s missing tenant_id", path)
	}

	for id, record := range fixtures.Deals {
		directory.AddDeal(fixtures.TenantID, id, record)
	}
	for name, value := range fixtures.Metrics {
		directory.SetMetric(fixtures.TenantID, name, value)
	}
	return nil
}

// loadWorkspace reads workspace context from a JSON file of key to value.
func loadWorkspace(path string) (map[string]json.RawMessage, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace file: %w", err)
	}
	var workspace map[string]json.RawMessage
	if err := json.Unmarshal(raw, &workspace); err != nil {
		return nil, fmt.Errorf("invalid workspace file %s: %w", path, err)
	}
	return workspace, nil
}
