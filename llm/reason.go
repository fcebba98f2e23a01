// Reasoning turn abstraction over a tool-capable chat provider.

package llm

import (
	"context"
	"fmt"
)

// Reasoner produces one model turn in a reasoning conversation.
// The caller owns the conversation transcript and tool execution;
// the reasoner only maps a transcript to the model's next move.
type Reasoner interface {
	Reason(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (Response, error)
}

// ProviderReasoner is a Reasoner backed by an LLM provider's
// tool-calling chat endpoint.
type ProviderReasoner struct {
	provider Provider
}

// NewProviderReasoner creates a reasoner backed by the given provider.
func NewProviderReasoner(provider Provider) *ProviderReasoner {
	return &ProviderReasoner{provider: provider}
}

// Reason requests the model's next turn. When tools is empty the plain
// chat endpoint is used so providers that reject empty tool lists still
// work.
func (r *ProviderReasoner) Reason(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (Response, error) {
	var (
		resp Response
		err  error
	)
	if len(tools) == 0 {
		resp, err = r.provider.Chat(ctx, messages)
	} else {
		resp, err = r.provider.ChatWithTools(ctx, messages, tools)
	}
	if err != nil {
		return Response{}, fmt.Errorf("reasoning request failed: %w", err)
	}
	return resp, nil
}

// Verify ProviderReasoner implements Reasoner
var _ Reasoner = (*ProviderReasoner)(nil)
