// Built-in revenue-ops tools.
//
// In-process reference implementations backed by a tenant-scoped Directory.
// Production deployments register connector-backed implementations with the
// same schemas; the runtime does not care which it gets.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Directory provides tenant-scoped revenue data for the built-in tools.
// Every method is scoped to exactly one tenant; there is no cross-tenant
// query surface.
type Directory interface {
	// Deal fetches a single deal record by ID.
	Deal(ctx context.Context, tenantID, dealID string) (json.RawMessage, error)

	// SearchDeals returns up to limit deals matching the query.
	SearchDeals(ctx context.Context, tenantID, query string, limit int) ([]json.RawMessage, error)

	// Metric returns a named aggregate metric.
	Metric(ctx context.Context, tenantID, name string) (float64, error)
}

// searchResultCap bounds deal_search output regardless of what the caller
// asks for, keeping tool results small enough to feed back into a prompt.
const searchResultCap = 25

// CRMLookupTool fetches a single CRM record for the run's tenant.
type CRMLookupTool struct {
	dir Directory
}

// NewCRMLookupTool creates a crm_lookup tool over the given directory.
func NewCRMLookupTool(dir Directory) *CRMLookupTool {
	return &CRMLookupTool{dir: dir}
}

// Metadata returns the tool metadata.
func (t *CRMLookupTool) Metadata() Metadata {
	return Metadata{
		Name:        "crm_lookup",
		Description: "Fetch a single CRM deal record by its identifier",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"deal_id": {"type": "string", "description": "CRM deal identifier"}
			},
			"required": ["deal_id"],
			"additionalProperties": false
		}`),
	}
}

// Execute runs the lookup.
func (t *CRMLookupTool) Execute(ctx context.Context, params json.RawMessage, tenantID string) (Result, error) {
	var args struct {
		DealID string `json:"deal_id"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return FailureResultf("invalid parameters: %v", err), nil
	}

	record, err := t.dir.Deal(ctx, tenantID, args.DealID)
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(record), nil
}

// DealSearchTool runs a bounded search over the tenant's deals.
type DealSearchTool struct {
	dir Directory
}

// NewDealSearchTool creates a deal_search tool over the given directory.
func NewDealSearchTool(dir Directory) *DealSearchTool {
	return &DealSearchTool{dir: dir}
}

// Metadata returns the tool metadata.
func (t *DealSearchTool) Metadata() Metadata {
	return Metadata{
		Name:        "deal_search",
		Description: "Search the tenant's deals by name or stage, bounded result set",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Substring matched against deal name and stage"},
				"limit": {"type": "integer", "minimum": 1, "maximum": 25}
			},
			"required": ["query"],
			"additionalProperties": false
		}`),
	}
}

// Execute runs the search.
func (t *DealSearchTool) Execute(ctx context.Context, params json.RawMessage, tenantID string) (Result, error) {
	var args struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return FailureResultf("invalid parameters: %v", err), nil
	}
	if args.Limit <= 0 || args.Limit > searchResultCap {
		args.Limit = searchResultCap
	}

	matches, err := t.dir.SearchDeals(ctx, tenantID, args.Query, args.Limit)
	if err != nil {
		return FailureResult(err), nil
	}

	output, err := json.Marshal(struct {
		Matches []json.RawMessage `json:"matches"`
		Count   int               `json:"count"`
	}{Matches: matches, Count: len(matches)})
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(output), nil
}

// MetricFetchTool returns a named aggregate metric for the tenant.
type MetricFetchTool struct {
	dir Directory
}

// NewMetricFetchTool creates a metric_fetch tool over the given directory.
func NewMetricFetchTool(dir Directory) *MetricFetchTool {
	return &MetricFetchTool{dir: dir}
}

// Metadata returns the tool metadata.
func (t *MetricFetchTool) Metadata() Metadata {
	return Metadata{
		Name:        "metric_fetch",
		Description: "Fetch an aggregate revenue metric by name (e.g. pipeline_value, win_rate)",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"metric": {"type": "string", "description": "Metric name"}
			},
			"required": ["metric"],
			"additionalProperties": false
		}`),
	}
}

// Execute fetches the metric.
func (t *MetricFetchTool) Execute(ctx context.Context, params json.RawMessage, tenantID string) (Result, error) {
	var args struct {
		Metric string `json:"metric"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return FailureResultf("invalid parameters: %v", err), nil
	}

	value, err := t.dir.Metric(ctx, tenantID, args.Metric)
	if err != nil {
		return FailureResult(err), nil
	}

	output, err := json.Marshal(struct {
		Metric string  `json:"metric"`
		Value  float64 `json:"value"`
	}{Metric: args.Metric, Value: value})
	if err != nil {
		return FailureResult(err), nil
	}
	return SuccessResult(output), nil
}

// WithDefaults creates a registry with the built-in revenue-ops tools.
// Returns error if any tool registration fails.
func WithDefaults(dir Directory) (*Registry, error) {
	registry := NewRegistry()

	defaults := []Tool{
		NewCRMLookupTool(dir),
		NewDealSearchTool(dir),
		NewMetricFetchTool(dir),
	}

	for _, t := range defaults {
		if err := registry.Register(t); err != nil {
			return nil, fmt.Errorf("failed to register default tools: %w", err)
		}
	}

	return registry, nil
}

// MemoryDirectory is an in-memory Directory used by the CLI demo and tests.
// Thread-safe.
type MemoryDirectory struct {
	mu      sync.RWMutex
	deals   map[string]map[string]json.RawMessage // tenant -> deal ID -> record
	metrics map[string]map[string]float64         // tenant -> metric -> value
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		deals:   make(map[string]map[string]json.RawMessage),
		metrics: make(map[string]map[string]float64),
	}
}

// AddDeal stores a deal record for a tenant.
func (d *MemoryDirectory) AddDeal(tenantID, dealID string, record json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.deals[tenantID] == nil {
		d.deals[tenantID] = make(map[string]json.RawMessage)
	}
	d.deals[tenantID][dealID] = record
}

// SetMetric stores a metric value for a tenant.
func (d *MemoryDirectory) SetMetric(tenantID, name string, value float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.metrics[tenantID] == nil {
		d.metrics[tenantID] = make(map[string]float64)
	}
	d.metrics[tenantID][name] = value
}

// Deal implements Directory.
func (d *MemoryDirectory) Deal(_ context.Context, tenantID, dealID string) (json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	record, exists := d.deals[tenantID][dealID]
	if !exists {
		return nil, fmt.Errorf("deal %q not found", dealID)
	}
	return record, nil
}

// SearchDeals implements Directory.
func (d *MemoryDirectory) SearchDeals(_ context.Context, tenantID, query string, limit int) ([]json.RawMessage, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	query = strings.ToLower(query)
	var matches []json.RawMessage
	for _, record := range d.deals[tenantID] {
		if len(matches) >= limit {
			break
		}
		if strings.Contains(strings.ToLower(string(record)), query) {
			matches = append(matches, record)
		}
	}
	return matches, nil
}

// Metric implements Directory.
func (d *MemoryDirectory) Metric(_ context.Context, tenantID, name string) (float64, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	value, exists := d.metrics[tenantID][name]
	if !exists {
		return 0, fmt.Errorf("metric %q not found", name)
	}
	return value, nil
}
