package agents

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
	"steward/internal/sterrors"
	"steward/internal/store"
)

func newTestSymbols(t *testing.T) (*SymbolRegistry, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "steward.db"), logging.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewSymbolRegistry(st), st
}

func TestSymbolRegisterValidation(t *testing.T) {
	registry, _ := newTestSymbols(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "", "user record", "User", store.ContextClass, 0.9, "", "")
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))

	_, err = registry.Register(ctx, "demo", "user record", "User", store.ContextType("struct"), 0.9, "", "")
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))

	_, err = registry.Register(ctx, "demo", "user record", "User", store.ContextClass, 1.5, "", "")
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))
}

func TestSymbolConflictCarriesCanonicalName(t *testing.T) {
	registry, _ := newTestSymbols(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "demo", "user record", "User", store.ContextClass, 0.9, "tester", "")
	require.NoError(t, err)

	_, err = registry.Register(ctx, "demo", "user record", "Account", store.ContextClass, 0.8, "tester", "")
	require.Error(t, err)
	typed, ok := sterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, sterrors.CodeConflict, typed.Code)
	assert.Contains(t, typed.Suggestions, "use existing canonical name: User")
}

func TestSymbolLookupBumpsUsage(t *testing.T) {
	registry, _ := newTestSymbols(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "demo", "user record", "User", store.ContextClass, 0.9, "tester", "")
	require.NoError(t, err)

	sym, err := registry.Lookup(ctx, "demo", "user record", store.ContextClass)
	require.NoError(t, err)
	assert.Equal(t, 2, sym.UsageCount)

	// Peek serves the cached row without touching the counter.
	peeked, err := registry.Peek(ctx, "demo", "user record", store.ContextClass)
	require.NoError(t, err)
	assert.Equal(t, 2, peeked.UsageCount)

	_, err = registry.Lookup(ctx, "demo", "missing concept", store.ContextClass)
	assert.True(t, sterrors.Is(err, sterrors.CodeSymbolNotFound))
}

func TestContractorFlagsNameCollision(t *testing.T) {
	registry, _ := newTestSymbols(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "demo", "http handler", "Handler", store.ContextInterface, 0.9, "tester", "")
	require.NoError(t, err)
	_, err = registry.Register(ctx, "demo", "event callback", "Handler", store.ContextInterface, 0.8, "tester", "")
	require.NoError(t, err)

	contractor := NewSymbolContractor(registry)
	suggestions, err := contractor.Execute(ctx, Context{ProjectID: "demo"})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	assert.Equal(t, "naming_conflict", suggestions[0].Kind)
	assert.Equal(t, PriorityHigh, suggestions[0].Priority)
	assert.Contains(t, suggestions[0].Title, "Handler")
}

func TestContractorFlagsLowConfidenceHeavyUse(t *testing.T) {
	registry, _ := newTestSymbols(t)
	ctx := context.Background()

	_, err := registry.Register(ctx, "demo", "retry policy", "RtryPol", store.ContextVariable, 0.3, "tester", "")
	require.NoError(t, err)
	// Two lookups push the usage count to 3.
	for i := 0; i < 2; i++ {
		_, err = registry.Lookup(ctx, "demo", "retry policy", store.ContextVariable)
		require.NoError(t, err)
	}

	contractor := NewSymbolContractor(registry)
	suggestions, err := contractor.Execute(ctx, Context{ProjectID: "demo"})
	require.NoError(t, err)
	require.Len(t, suggestions, 1)
	s := suggestions[0]
	assert.Equal(t, "naming_review", s.Kind)
	require.NotNil(t, s.SuggestedToolCall)
	assert.Equal(t, "symbol_lookup", s.SuggestedToolCall.Name)
	assert.Equal(t, "retry policy", s.SuggestedToolCall.Params["concept"])
}

func TestContractorInactiveNearExhaustion(t *testing.T) {
	contractor := NewSymbolContractor(nil)
	assert.True(t, contractor.IsActive(Context{ContextUsagePercent: 89}))
	assert.False(t, contractor.IsActive(Context{ContextUsagePercent: 90}))
}
