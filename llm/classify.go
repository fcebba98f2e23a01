// Item classification on top of a chat provider.
//
// Information Hiding:
// - Prompt construction for batch classification
// - JSON envelope parsing and malformed-output retry

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	internaljson "github.com/revlens/revlens/internal/json"
)

// Classifier assigns a label object to each input item.
// Implementations must return exactly one label per item, in order.
type Classifier interface {
	Classify(ctx context.Context, prompt string, items []json.RawMessage, schema json.RawMessage) (ClassifyResult, error)
}

// ClassifyResult carries per-item labels and accumulated token usage.
// Usage includes all attempts, including retries on malformed output.
type ClassifyResult struct {
	Labels []json.RawMessage
	Usage  TokenUsage
}

// classificationEnvelope is the JSON object shape we ask the model for.
type classificationEnvelope struct {
	Classifications []json.RawMessage `json:"classifications"`
}

// ProviderClassifier classifies items using an LLM provider with
// JSON-object response format.
type ProviderClassifier struct {
	provider Provider
	retries  int
}

// NewProviderClassifier creates a classifier backed by the given provider.
// retries is the maximum number of attempts on malformed output; values
// below 1 are clamped to 1.
func NewProviderClassifier(provider Provider, retries int) *ProviderClassifier {
	if retries < 1 {
		retries = 1
	}
	return &ProviderClassifier{provider: provider, retries: retries}
}

// Classify sends all items in a single request and parses the
// classification envelope from the response. Malformed or miscounted
// responses are retried with a corrective follow-up message.
func (c *ProviderClassifier) Classify(ctx context.Context, prompt string, items []json.RawMessage, schema json.RawMessage) (ClassifyResult, error) {
	result := ClassifyResult{}
	if len(items) == 0 {
		return result, nil
	}

	messages := []ChatMessage{
		SystemMessage(classifySystemPrompt(schema)),
		UserMessage(classifyUserPrompt(prompt, items)),
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		resp, err := c.provider.ChatWithFormat(ctx, messages, NewJSONObjectFormat())
		if resp.Usage != nil {
			result.Usage.PromptTokens += resp.Usage.PromptTokens
			result.Usage.CompletionTokens += resp.Usage.CompletionTokens
			result.Usage.TotalTokens += resp.Usage.TotalTokens
		}
		if err != nil {
			return result, fmt.Errorf("classification request failed: %w", err)
		}

		envelope, err := internaljson.ExtractJSONFromResponse[classificationEnvelope](resp.Content)
		if err != nil {
			lastErr = err
		} else if len(envelope.Classifications) != len(items) {
			lastErr = fmt.Errorf("expected %d classifications, got %d", len(items), len(envelope.Classifications))
		} else {
			result.Labels = envelope.Classifications
			return result, nil
		}

		// Feed the bad response back so the model can correct itself.
		messages = append(messages,
			AssistantMessage(resp.Content),
			UserMessage(fmt.Sprintf("Your previous response was invalid: %v. Respond again with only the JSON object.", lastErr)),
		)
	}

	return result, fmt.Errorf("classification failed after %d attempts: %w", c.retries, lastErr)
}

func classifySystemPrompt(schema json.RawMessage) string {
	var b strings.Builder
	b.WriteString("You are a classification engine. Classify each input item independently.\n")
	b.WriteString("Respond with a single JSON object of the form {\"classifications\": [...]} ")
	b.WriteString("containing exactly one entry per input item, in the same order as the input.\n")
	if len(schema) > 0 {
		b.WriteString("Each entry must conform to this JSON Schema:\n")
		b.Write(schema)
		b.WriteString("\n")
	}
	b.WriteString("Do not include any text outside the JSON object.")
	return b.String()
}

func classifyUserPrompt(prompt string, items []json.RawMessage) string {
	var b strings.Builder
	if prompt != "" {
		b.WriteString(prompt)
		b.WriteString("\n\n")
	}
	b.WriteString(fmt.Sprintf("Items to classify (%d):\n", len(items)))
	for i, item := range items {
		b.WriteString(fmt.Sprintf("%d. %s\n", i+1, string(item)))
	}
	return b.String()
}

// Verify ProviderClassifier implements Classifier
var _ Classifier = (*ProviderClassifier)(nil)
