// Built-in skill catalog.
//
// The pipeline-hygiene skill is the reference pipeline: aggregate stale
// deals deterministically, triage the worst offenders with the cheap
// classification tier, then synthesize a narrative with the reasoning tier.

package skill

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/revlens/revlens/model"
)

// topStaleDeals is how many deals the stale-deal aggregation surfaces for
// downstream triage. Everything else is folded into the aggregate summary.
const topStaleDeals = 20

// Deal is the shape of a CRM deal in workspace context.
type Deal struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Stage    string  `json:"stage"`
	Amount   float64 `json:"amount"`
	IdleDays int     `json:"idle_days"`
}

// staleDealSummary aggregates a tenant's deal list into a bounded summary:
// counts and totals plus the top offenders by idle time. The raw list never
// leaves this function, no matter how large it is.
func staleDealSummary(_ context.Context, inputs map[string]json.RawMessage) (json.RawMessage, error) {
	raw, ok := inputs[model.WorkspacePrefix+"deals"]
	if !ok {
		return nil, fmt.Errorf("workspace context has no deals")
	}

	var deals []Deal
	if err := json.Unmarshal(raw, &deals); err != nil {
		return nil, fmt.Errorf("failed to parse deals: %w", err)
	}

	var totalAmount float64
	stale := make([]Deal, 0, len(deals))
	for _, d := range deals {
		totalAmount += d.Amount
		if d.IdleDays > 0 {
			stale = append(stale, d)
		}
	}

	sort.Slice(stale, func(i, j int) bool { return stale[i].IdleDays > stale[j].IdleDays })
	top := stale
	if len(top) > topStaleDeals {
		top = top[:topStaleDeals]
	}

	summary := struct {
		DealCount   int     `json:"deal_count"`
		StaleCount  int     `json:"stale_count"`
		TotalAmount float64 `json:"total_amount"`
		Items       []Deal  `json:"items"`
	}{
		DealCount:   len(deals),
		StaleCount:  len(stale),
		TotalAmount: totalAmount,
		Items:       top,
	}

	return json.Marshal(summary)
}

// RegisterBuiltins registers the built-in compute functions and skills.
func RegisterBuiltins(registry *Registry) error {
	if err := registry.Computes().Register("stale_deal_summary", staleDealSummary); err != nil {
		return err
	}

	return registry.Register(model.SkillDefinition{
		ID:          "pipeline-hygiene",
		Description: "Surface stale pipeline deals and synthesize cleanup recommendations",
		Schedule:    "weekly",
		Steps: []model.StepDefinition{
			{
				ID:       "stale-summary",
				Kind:     model.StepCompute,
				Function: "stale_deal_summary",
				Inputs:   []string{model.WorkspacePrefix + "deals"},
				Critical: true,
			},
			{
				ID:          "triage-top-20",
				Kind:        model.StepClassify,
				Inputs:      []string{"stale-summary"},
				ItemCeiling: topStaleDeals,
				ClassifySchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"severity": {"type": "string", "enum": ["low", "medium", "high"]},
						"next_action": {"type": "string"}
					},
					"required": ["severity"]
				}`),
			},
			{
				ID:           "synthesize",
				Kind:         model.StepReason,
				Inputs:       []string{"stale-summary", "triage-top-20"},
				Prompt:       "Summarize the pipeline hygiene findings and recommend cleanup actions per deal.",
				Tools:        []string{"crm_lookup", "deal_search", "metric_fetch"},
				MaxToolCalls: 3,
				Critical:     true,
			},
		},
	})
}
