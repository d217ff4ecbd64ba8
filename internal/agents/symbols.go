package agents

import (
	"context"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"steward/internal/sterrors"
	"steward/internal/store"
)

const symbolCacheSize = 512

type symbolKey struct {
	project     string
	concept     string
	contextType store.ContextType
}

// SymbolRegistry assigns canonical names to concepts within a project. Reads
// go through an LRU cache; writes invalidate it.
type SymbolRegistry struct {
	store *store.Store
	cache *lru.Cache[symbolKey, *store.Symbol]
}

// NewSymbolRegistry builds a registry over the store.
func NewSymbolRegistry(st *store.Store) *SymbolRegistry {
	cache, _ := lru.New[symbolKey, *store.Symbol](symbolCacheSize)
	return &SymbolRegistry{store: st, cache: cache}
}

// Register records a canonical name. Collisions on (project, concept,
// context_type) surface as Conflict carrying the existing name as a
// suggestion.
func (r *SymbolRegistry) Register(ctx context.Context, project, concept, chosenName string, contextType store.ContextType, confidence float64, agent, sessionID string) (*store.Symbol, error) {
	if project == "" || concept == "" || chosenName == "" {
		return nil, sterrors.InvalidParameters("project, concept and chosen_name are required",
			"project", "concept", "chosen_name")
	}
	if !contextType.Valid() {
		return nil, sterrors.InvalidParameters("unknown context_type", "context_type")
	}
	if confidence < 0 || confidence > 1 {
		return nil, sterrors.InvalidParameters("confidence must be in [0,1]", "confidence")
	}

	sym := &store.Symbol{
		ID:             uuid.NewString(),
		Project:        project,
		Concept:        concept,
		ChosenName:     chosenName,
		ContextType:    contextType,
		Confidence:     confidence,
		UsageCount:     1,
		CreatedByAgent: agent,
		SessionID:      sessionID,
		CreatedAt:      time.Now().UTC(),
	}
	if err := r.store.InsertSymbol(ctx, sym); err != nil {
		if sterrors.Is(err, sterrors.CodeConflict) {
			if existing, findErr := r.store.FindSymbol(ctx, project, concept, contextType); findErr == nil {
				if typed, ok := sterrors.As(err); ok {
					typed.WithSuggestions("use existing canonical name: " + existing.ChosenName)
				}
			}
		}
		return nil, err
	}
	r.cache.Add(symbolKey{project, concept, contextType}, sym)
	return sym, nil
}

// Lookup returns the canonical symbol and increments its usage count. The
// count lives in the store, so the cache entry is refreshed with the result.
func (r *SymbolRegistry) Lookup(ctx context.Context, project, concept string, contextType store.ContextType) (*store.Symbol, error) {
	sym, err := r.store.LookupSymbol(ctx, project, concept, contextType)
	if err != nil {
		return nil, err
	}
	r.cache.Add(symbolKey{project, concept, contextType}, sym)
	return sym, nil
}

// Peek reads a symbol without bumping usage, serving from cache when possible.
func (r *SymbolRegistry) Peek(ctx context.Context, project, concept string, contextType store.ContextType) (*store.Symbol, error) {
	key := symbolKey{project, concept, contextType}
	if sym, ok := r.cache.Get(key); ok {
		return sym, nil
	}
	sym, err := r.store.FindSymbol(ctx, project, concept, contextType)
	if err != nil {
		return nil, err
	}
	r.cache.Add(key, sym)
	return sym, nil
}

// List returns every symbol for a project.
func (r *SymbolRegistry) List(ctx context.Context, project string) ([]*store.Symbol, error) {
	return r.store.ListSymbols(ctx, project)
}
