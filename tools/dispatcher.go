// Tool Call Dispatcher.
//
// The dispatcher is the only path from a reasoning step to a tool. It
// resolves the tool against the registry, validates caller parameters
// against the declared schema, injects the run's tenant identity, and
// bounds the call with a timeout and bounded retry.
//
// Information Hiding:
// - Retry strategy implementation hidden
// - Backoff algorithm hidden
// - Error classification logic hidden

package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/revlens/revlens/model"
)

// ErrUnknownTool is returned when a requested tool is not in the registry.
// Unknown tools are a definition or prompt bug, not a runtime condition, so
// the calling step fails without retry.
var ErrUnknownTool = errors.New("unknown tool")

// SecurityError reports an attempt to smuggle a tenant identifier through
// caller-supplied parameters. Always fatal for the calling step.
type SecurityError struct {
	Tool  string
	Param string
}

// Error implements the error interface.
func (e *SecurityError) Error() string {
	return fmt.Sprintf("tool %q: caller-supplied parameter %q attempts to set tenant identity", e.Tool, e.Param)
}

// ToolError is a recoverable tool failure returned to the calling step.
// The reasoning step may retry with a different tool or proceed without it.
type ToolError struct {
	Tool    string
	Timeout bool
	Err     error
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("tool %q timed out: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %q failed: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ToolError) Unwrap() error {
	return e.Err
}

// tenantParams are parameter names the dispatcher refuses to accept from
// callers. Tenant identity only ever arrives out-of-band.
var tenantParams = []string{"tenant_id", "tenantId", "tenant"}

// Dispatcher invokes registered tools on behalf of reasoning steps.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	retries  int
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, timeout time.Duration, retries int, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if retries <= 0 {
		retries = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		registry: registry,
		timeout:  timeout,
		retries:  retries,
		logger:   logger,
	}
}

// Invoke resolves and executes a tool call.
//
// The returned ToolInvocation summary is always populated so the calling
// step can record the attempt. The error is either ErrUnknownTool or
// *SecurityError (fatal for the step) or *ToolError (recoverable).
func (d *Dispatcher) Invoke(ctx context.Context, name string, params json.RawMessage, tenantID string) (json.RawMessage, model.ToolInvocation, error) {
	invocation := model.ToolInvocation{Tool: name, InputSize: len(params)}

	tool, exists := d.registry.Get(name)
	if !exists {
		invocation.Error = "unknown tool"
		return nil, invocation, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}

	if param, smuggled := findTenantParam(params); smuggled {
		secErr := &SecurityError{Tool: name, Param: param}
		invocation.Error = secErr.Error()
		d.logger.Error("tenant isolation violation rejected",
			"event", "tenant_isolation",
			"tool", name,
			"param", param,
			"tenant", tenantID)
		return nil, invocation, secErr
	}

	if err := d.validateParams(name, params); err != nil {
		invocation.Error = err.Error()
		return nil, invocation, &ToolError{Tool: name, Err: err}
	}

	start := time.Now()
	output, err := d.executeWithRetry(ctx, tool, params, tenantID)
	invocation.DurationMs = uint64(time.Since(start).Milliseconds())

	if err != nil {
		invocation.Error = err.Error()
		toolErr := &ToolError{Tool: name, Err: err}
		if errors.Is(err, context.DeadlineExceeded) {
			toolErr.Timeout = true
		}
		return nil, invocation, toolErr
	}

	invocation.Success = true
	invocation.OutputSize = len(output)
	return output, invocation, nil
}

// findTenantParam reports whether caller params carry a tenant identifier.
func findTenantParam(params json.RawMessage) (string, bool) {
	if len(params) == 0 {
		return "", false
	}
	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(params, &decoded); err != nil {
		return "", false // Not an object; schema validation will reject it.
	}
	for _, key := range tenantParams {
		if _, present := decoded[key]; present {
			return key, true
		}
	}
	return "", false
}

// validateParams checks caller params against the tool's declared schema.
func (d *Dispatcher) validateParams(name string, params json.RawMessage) error {
	schema, exists := d.registry.Schema(name)
	if !exists {
		return nil
	}

	raw := params
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("parameters are not valid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}

// executeWithRetry runs the tool under the dispatcher timeout, retrying
// transient failures with exponential backoff.
func (d *Dispatcher) executeWithRetry(ctx context.Context, tool Tool, params json.RawMessage, tenantID string) (json.RawMessage, error) {
	var lastErr error

	for attempt := 0; attempt < d.retries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, d.timeout)
		result, err := tool.Execute(callCtx, params, tenantID)
		cancel()

		if err != nil {
			lastErr = err
			if !retryable(err) {
				return nil, err
			}
			continue
		}
		if result.Success() {
			return result.Output, nil
		}

		lastErr = result.Error
		if !retryable(result.Error) {
			return nil, result.Error
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", d.retries, lastErr)
}

// calculateBackoff returns the backoff duration for the given attempt.
func calculateBackoff(attempt int) time.Duration {
	const (
		baseDelay = 100 * time.Millisecond
		maxDelay  = 5 * time.Second
	)

	delay := baseDelay * time.Duration(1<<attempt)
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// retryable determines if an error is worth retrying.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	errLower := strings.ToLower(err.Error())

	// Don't retry validation errors or permission issues
	nonRetryable := []string{"validation", "not allowed", "permission", "not found"}
	for _, s := range nonRetryable {
		if strings.Contains(errLower, s) {
			return false
		}
	}

	// Always retry timeouts and network errors
	retryableHints := []string{"timeout", "connection", "network", "unavailable"}
	for _, s := range retryableHints {
		if strings.Contains(errLower, s) {
			return true
		}
	}

	return false
}
