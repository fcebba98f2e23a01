package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// recordingTool captures the tenant it was invoked with.
type recordingTool struct {
	name       string
	schema     json.RawMessage
	lastTenant string
	calls      int
	execute    func(ctx context.Context, params json.RawMessage) (Result, error)
}

func (t *recordingTool) Metadata() Metadata {
	return Metadata{Name: t.name, Description: "test tool", Schema: t.schema}
}

func (t *recordingTool) Execute(ctx context.Context, params json.RawMessage, tenantID string) (Result, error) {
	t.lastTenant = tenantID
	t.calls++
	if t.execute != nil {
		return t.execute(ctx, params)
	}
	return SuccessResult(json.RawMessage(`{"ok": true}`)), nil
}

func newTestDispatcher(t *testing.T, tool Tool) (*Dispatcher, *Registry) {
	t.Helper()

	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	return NewDispatcher(registry, time.Second, 1, nil), registry
}

func TestInvokeSuccess(t *testing.T) {
	tool := &recordingTool{name: "echo"}
	dispatcher, _ := newTestDispatcher(t, tool)

	output, invocation, err := dispatcher.Invoke(context.Background(), "echo", json.RawMessage(`{"a": 1}`), "tenant-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(output) != `{"ok": true}` {
		t.Errorf("unexpected output: %s", output)
	}
	if !invocation.Success {
		t.Error("expected invocation marked successful")
	}
	if tool.lastTenant != "tenant-1" {
		t.Errorf("expected tool to receive tenant-1, got %q", tool.lastTenant)
	}
}

func TestInvokeUnknownTool(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, &recordingTool{name: "echo"})

	_, invocation, err := dispatcher.Invoke(context.Background(), "nonexistent", nil, "tenant-1")
	if !errors.Is(err, ErrUnknownTool) {
		t.Fatalf("expected ErrUnknownTool, got %v", err)
	}
	if invocation.Tool != "nonexistent" {
		t.Errorf("expected invocation to record tool name, got %q", invocation.Tool)
	}
}

func TestInvokeRejectsSmuggledTenant(t *testing.T) {
	tool := &recordingTool{name: "echo"}
	dispatcher, _ := newTestDispatcher(t, tool)

	params := json.RawMessage(`{"deal_id": "d1", "tenant_id": "victim-tenant"}`)
	_, _, err := dispatcher.Invoke(context.Background(), "echo", params, "tenant-1")

	var secErr *SecurityError
	if !errors.As(err, &secErr) {
		t.Fatalf("expected SecurityError, got %v", err)
	}
	if secErr.Param != "tenant_id" {
		t.Errorf("expected rejected param tenant_id, got %q", secErr.Param)
	}
	if tool.calls != 0 {
		t.Error("tool must not execute when tenant smuggling is detected")
	}
}

func TestInvokeTenantAlwaysFromContext(t *testing.T) {
	tool := &recordingTool{name: "echo"}
	dispatcher, _ := newTestDispatcher(t, tool)

	// Clean params: the tool must see the run's actual tenant.
	_, _, err := dispatcher.Invoke(context.Background(), "echo", json.RawMessage(`{"deal_id": "d1"}`), "tenant-real")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tool.lastTenant != "tenant-real" {
		t.Errorf("expected tenant-real, got %q", tool.lastTenant)
	}
}

func TestInvokeSchemaValidation(t *testing.T) {
	tool := &recordingTool{
		name: "strict",
		schema: json.RawMessage(`{
			"type": "object",
			"properties": {"deal_id": {"type": "string"}},
			"required": ["deal_id"],
			"additionalProperties": false
		}`),
	}
	dispatcher, _ := newTestDispatcher(t, tool)

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"valid", `{"deal_id": "d1"}`, false},
		{"missing required", `{}`, true},
		{"unknown parameter", `{"deal_id": "d1", "extra": 1}`, true},
		{"wrong type", `{"deal_id": 42}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := dispatcher.Invoke(context.Background(), "strict", json.RawMessage(tt.params), "tenant-1")
			if tt.wantErr {
				var toolErr *ToolError
				if !errors.As(err, &toolErr) {
					t.Fatalf("expected ToolError, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestInvokeTimeout(t *testing.T) {
	tool := &recordingTool{
		name: "slow",
		execute: func(ctx context.Context, _ json.RawMessage) (Result, error) {
			<-ctx.Done()
			return Result{}, ctx.Err()
		},
	}
	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	dispatcher := NewDispatcher(registry, 10*time.Millisecond, 1, nil)

	_, invocation, err := dispatcher.Invoke(context.Background(), "slow", nil, "tenant-1")

	var toolErr *ToolError
	if !errors.As(err, &toolErr) {
		t.Fatalf("expected ToolError, got %v", err)
	}
	if !toolErr.Timeout {
		t.Error("expected timeout flagged on ToolError")
	}
	if invocation.Success {
		t.Error("expected invocation marked failed")
	}
}

func TestInvokeRetriesTransientFailure(t *testing.T) {
	attempts := 0
	tool := &recordingTool{
		name: "flaky",
		execute: func(_ context.Context, _ json.RawMessage) (Result, error) {
			attempts++
			if attempts < 2 {
				return FailureResultf("connection refused"), nil
			}
			return SuccessResult(json.RawMessage(`{"ok": true}`)), nil
		},
	}
	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("failed to register tool: %v", err)
	}
	dispatcher := NewDispatcher(registry, time.Second, 3, nil)

	_, _, err := dispatcher.Invoke(context.Background(), "flaky", nil, "tenant-1")
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestRegistryRejectsBadSchema(t *testing.T) {
	registry := NewRegistry()
	err := registry.Register(&recordingTool{
		name:   "broken",
		schema: json.RawMessage(`{"type": "not-a-type"`),
	})
	if err == nil {
		t.Error("expected error for invalid schema")
	}
}

func TestRegistrySubset(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"a", "b", "c"} {
		if err := registry.Register(&recordingTool{name: name}); err != nil {
			t.Fatalf("failed to register tool: %v", err)
		}
	}

	subset := registry.Subset([]string{"c", "a", "missing"})
	if len(subset) != 2 {
		t.Fatalf("expected 2 tools in subset, got %d", len(subset))
	}
	if subset[0].Name != "c" || subset[1].Name != "a" {
		t.Errorf("expected declared order preserved, got %v", subset)
	}
}

func TestBuiltinToolsTenantScoped(t *testing.T) {
	dir := NewMemoryDirectory()
	dir.AddDeal("tenant-a", "d1", json.RawMessage(`{"id": "d1", "name": "Acme renewal"}`))
	dir.AddDeal("tenant-b", "d1", json.RawMessage(`{"id": "d1", "name": "Other tenant deal"}`))

	registry, err := WithDefaults(dir)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	dispatcher := NewDispatcher(registry, time.Second, 1, nil)

	output, _, err := dispatcher.Invoke(context.Background(), "crm_lookup", json.RawMessage(`{"deal_id": "d1"}`), "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var record struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(output, &record); err != nil {
		t.Fatalf("failed to parse output: %v", err)
	}
	if record.Name != "Acme renewal" {
		t.Errorf("expected tenant-a's record, got %q", record.Name)
	}
}
