package json

import (
	"strings"
	"testing"
)

type labelResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

func TestExtractJSONFromResponse(t *testing.T) {
	tests := []struct {
		name     string
		response string
	}{
		{
			name:     "pure JSON",
			response: `{"label": "at_risk", "confidence": 0.9}`,
		},
		{
			name:     "prose before JSON",
			response: `Here is the classification: {"label": "at_risk", "confidence": 0.9}`,
		},
		{
			name:     "prose after JSON",
			response: `{"label": "at_risk", "confidence": 0.9} Let me know if you need more.`,
		},
		{
			name:     "prose on both sides",
			response: `Looking at the deal... {"label": "at_risk", "confidence": 0.9} Done.`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ExtractJSONFromResponse[labelResult](tt.response)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Label != "at_risk" {
				t.Errorf("expected label 'at_risk', got '%s'", result.Label)
			}
			if result.Confidence != 0.9 {
				t.Errorf("expected confidence 0.9, got %f", result.Confidence)
			}
		})
	}
}

func TestExtractJSONNoJSON(t *testing.T) {
	_, err := ExtractJSONFromResponse[labelResult]("No structured output here, just prose.")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to extract valid JSON") {
		t.Errorf("expected 'failed to extract valid JSON' in error, got: %v", err)
	}
}

func TestExtractJSONMalformed(t *testing.T) {
	_, err := ExtractJSONFromResponse[labelResult](`{"label": "at_risk", confidence: }`)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
