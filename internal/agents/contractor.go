package agents

import (
	"context"
	"fmt"
)

// SymbolContractor keeps naming consistent across a project. It scans the
// symbol registry for concepts whose chosen names collide or were registered
// with low confidence and suggests sticking to the canonical name.
type SymbolContractor struct {
	symbols *SymbolRegistry
}

// NewSymbolContractor builds the contractor over a registry.
func NewSymbolContractor(symbols *SymbolRegistry) *SymbolContractor {
	return &SymbolContractor{symbols: symbols}
}

func (a *SymbolContractor) Name() string           { return "symbol_contractor" }
func (a *SymbolContractor) Priority() Priority     { return PriorityCritical }
func (a *SymbolContractor) BudgetPercent() float64 { return 15 }

// IsActive: naming advice stops mattering once the session is nearly out of
// budget.
func (a *SymbolContractor) IsActive(ctx Context) bool {
	return ctx.ContextUsagePercent < 90
}

func (a *SymbolContractor) Execute(ctx context.Context, actx Context) ([]Suggestion, error) {
	symbols, err := a.symbols.List(ctx, actx.ProjectID)
	if err != nil {
		return nil, err
	}

	var suggestions []Suggestion

	// Same chosen name bound to different concepts of the same kind reads as
	// a collision in code review; flag it.
	nameOwners := make(map[string]string)
	for _, sym := range symbols {
		key := sym.ChosenName + "/" + string(sym.ContextType)
		if owner, ok := nameOwners[key]; ok && owner != sym.Concept {
			suggestions = append(suggestions, Suggestion{
				AgentName: a.Name(),
				Kind:      "naming_conflict",
				Priority:  PriorityHigh,
				Title:     fmt.Sprintf("name %q is bound to two concepts", sym.ChosenName),
				Body: fmt.Sprintf("%q (%s) is the chosen name for both %q and %q; keep it canonical for %q and rename the newer concept",
					sym.ChosenName, sym.ContextType, owner, sym.Concept, owner),
				Confidence: 0.9,
			})
			continue
		}
		nameOwners[key] = sym.Concept
	}

	for _, sym := range symbols {
		if sym.Confidence < 0.5 && sym.UsageCount >= 3 {
			suggestions = append(suggestions, Suggestion{
				AgentName: a.Name(),
				Kind:      "naming_review",
				Priority:  PriorityMedium,
				Title:     fmt.Sprintf("revisit low-confidence name %q", sym.ChosenName),
				Body: fmt.Sprintf("%q for concept %q was registered at confidence %.2f and has been used %d times; confirm or replace it",
					sym.ChosenName, sym.Concept, sym.Confidence, sym.UsageCount),
				SuggestedToolCall: &ToolCall{
					Name: "symbol_lookup",
					Params: map[string]any{
						"project":      sym.Project,
						"concept":      sym.Concept,
						"context_type": string(sym.ContextType),
					},
				},
				Confidence: 0.6,
			})
		}
	}
	return suggestions, nil
}
