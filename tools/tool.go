// Package tools provides the tool system for reasoning steps.
//
// Information Hiding:
// - Tool execution details hidden behind interface
// - Parameter schemas hidden in implementations
// - Registry implementation details hidden from consumers
// - Tenant scoping handled by the dispatcher, never by callers
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// Metadata describes what a tool does and how to call it.
// Schema is a JSON Schema for the tool's parameters. The tenant identifier
// is deliberately absent: it is injected by the dispatcher out-of-band.
type Metadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// String returns a string representation of the tool metadata.
func (m Metadata) String() string {
	return fmt.Sprintf("%s: %s", m.Name, m.Description)
}

// Result represents the result of a tool execution.
// Success is determined by whether Error is nil.
type Result struct {
	Output json.RawMessage `json:"output"`
	Error  error           `json:"-"` // Excluded from JSON, use MarshalJSON for custom serialization
}

// MarshalJSON implements custom JSON marshaling for Result.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.Error != nil {
		return json.Marshal(struct {
			Success bool            `json:"success"`
			Output  json.RawMessage `json:"output,omitempty"`
			Error   string          `json:"error"`
		}{
			Success: false,
			Output:  r.Output,
			Error:   r.Error.Error(),
		})
	}
	return json.Marshal(struct {
		Success bool            `json:"success"`
		Output  json.RawMessage `json:"output"`
	}{
		Success: true,
		Output:  r.Output,
	})
}

// Success returns true if the tool execution succeeded.
func (r Result) Success() bool {
	return r.Error == nil
}

// SuccessResult creates a successful tool result.
func SuccessResult(output json.RawMessage) Result {
	return Result{Output: output}
}

// FailureResult creates a failed tool result.
func FailureResult(err error) Result {
	return Result{Error: err}
}

// FailureResultf creates a failed tool result with a formatted error message.
func FailureResultf(format string, args ...interface{}) Result {
	return Result{Error: fmt.Errorf(format, args...)}
}

// Tool is the interface that all tools must implement.
//
// The tenant identifier arrives through a dedicated argument threaded by the
// dispatcher from the run's execution context. It is never part of params,
// so a reasoning layer tricked into requesting another tenant's data cannot
// reach it.
type Tool interface {
	// Metadata returns tool metadata (name, description, parameter schema).
	Metadata() Metadata

	// Execute runs the tool with the given parameters for the tenant.
	Execute(ctx context.Context, params json.RawMessage, tenantID string) (Result, error)
}
