package tool

import (
	"context"
	"sort"
	"sync"

	"steward/internal/sterrors"
)

// SideEffect classifies what a tool does to durable state.
type SideEffect string

const (
	EffectRead        SideEffect = "read"
	EffectMutate      SideEffect = "mutate"
	EffectDestructive SideEffect = "destructive"
)

// Handler executes a tool call with validated, typed params. Handlers must be
// re-entrant and must not touch the bus directly; state changes reach clients
// through observables.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// Tool is one registered operation.
type Tool struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schema      Schema     `json:"schema"`
	Effect      SideEffect `json:"side_effect"`
	Handler     Handler    `json:"-"`
}

// ListTools is the reserved registry-introspection tool name.
const ListTools = "_list_tools"

// Registry maps tool names to definitions. Components register their
// operations at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry with _list_tools pre-installed.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]*Tool)}
	r.tools[ListTools] = &Tool{
		Name:        ListTools,
		Description: "List every registered tool with its schema and side-effect class.",
		Effect:      EffectRead,
		Handler: func(ctx context.Context, params map[string]any) (any, error) {
			return r.Describe(), nil
		},
	}
	return r
}

// Register adds a tool. Duplicate names are a startup bug and surface as
// Conflict.
func (r *Registry) Register(t *Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return sterrors.Conflict("tool %q already registered", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// MustRegister registers a batch, panicking on duplicates. Registration runs
// once at startup; a collision is unrecoverable.
func (r *Registry) MustRegister(tools ...*Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, sterrors.UnknownTool(name)
	}
	return t, nil
}

// Description is the wire form of a registered tool.
type Description struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Schema      Schema     `json:"schema"`
	SideEffect  SideEffect `json:"side_effect"`
}

// Describe returns every tool sorted by name.
func (r *Registry) Describe() []Description {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Description, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, Description{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
			SideEffect:  t.Effect,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports how many tools are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
