package tool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/sterrors"
)

func TestSchemaValidateCollectsViolations(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "session_id", Type: TypeString, Required: true},
		{Name: "tokens", Type: TypeInt, Required: true},
		{Name: "force", Type: TypeBool},
	}}

	_, err := schema.Validate(map[string]any{"tokens": "lots", "force": true})
	require.Error(t, err)
	typed, ok := sterrors.As(err)
	require.True(t, ok)
	assert.Equal(t, sterrors.CodeInvalidParameters, typed.Code)
	assert.ElementsMatch(t, []string{"session_id", "tokens"}, typed.Fields)
}

func TestSchemaCoercion(t *testing.T) {
	schema := Schema{Fields: []Field{
		{Name: "tokens", Type: TypeInt},
		{Name: "ratio", Type: TypeFloat},
		{Name: "tasks", Type: TypeStringList},
	}}

	// JSON decoding hands every number over as float64.
	typed, err := schema.Validate(map[string]any{
		"tokens": float64(2000),
		"ratio":  3,
		"tasks":  []any{"a", "b"},
		"extra":  "passes through",
	})
	require.NoError(t, err)
	assert.Equal(t, 2000, typed["tokens"])
	assert.Equal(t, float64(3), typed["ratio"])
	assert.Equal(t, []string{"a", "b"}, typed["tasks"])
	assert.Equal(t, "passes through", typed["extra"])

	// A fractional value cannot be an int.
	_, err = schema.Validate(map[string]any{"tokens": 2000.5})
	require.Error(t, err)

	_, err = schema.Validate(map[string]any{"tasks": []any{"a", 1}})
	require.Error(t, err)
}

func TestSchemaOptionalNilSkipped(t *testing.T) {
	schema := Schema{Fields: []Field{{Name: "note", Type: TypeString}}}
	typed, err := schema.Validate(map[string]any{"note": nil})
	require.NoError(t, err)
	assert.Nil(t, typed["note"])
}

func TestTypedAccessors(t *testing.T) {
	params := map[string]any{
		"name":  "x",
		"count": float64(4),
		"share": 0.5,
		"on":    true,
		"tags":  []any{"a", "b"},
		"obj":   map[string]any{"k": "v"},
	}
	assert.Equal(t, "x", String(params, "name"))
	assert.Equal(t, 4, Int(params, "count"))
	assert.Equal(t, 0.5, Float(params, "share"))
	assert.True(t, Bool(params, "on"))
	assert.Equal(t, []string{"a", "b"}, Strings(params, "tags"))
	assert.Equal(t, "v", Object(params, "obj")["k"])
	assert.Equal(t, 0, Int(params, "missing"))
}

func TestRegistryListToolsPreinstalled(t *testing.T) {
	registry := NewRegistry()
	assert.Equal(t, 1, registry.Len())

	listTool, err := registry.Get(ListTools)
	require.NoError(t, err)

	require.NoError(t, registry.Register(&Tool{
		Name:   "session_status",
		Effect: EffectRead,
		Handler: func(context.Context, map[string]any) (any, error) {
			return nil, nil
		},
	}))

	result, err := listTool.Handler(context.Background(), nil)
	require.NoError(t, err)
	descriptions := result.([]Description)
	require.Len(t, descriptions, 2)
	// Sorted by name; the reserved name leads.
	assert.Equal(t, ListTools, descriptions[0].Name)
	assert.Equal(t, "session_status", descriptions[1].Name)
}

func TestRegistryDuplicateAndUnknown(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(&Tool{Name: "x"}))

	err := registry.Register(&Tool{Name: "x"})
	assert.True(t, sterrors.Is(err, sterrors.CodeConflict))

	_, err = registry.Get("nope")
	assert.True(t, sterrors.Is(err, sterrors.CodeUnknownTool))
}

func newTestDispatcher(t *testing.T, timeout time.Duration) (*Dispatcher, *observe.Registry) {
	t.Helper()
	obs := observe.NewRegistry(logging.Nop())
	return NewDispatcher(NewRegistry(), obs, nil, nil, timeout, logging.Nop()), obs
}

func TestDispatchValidatesBeforeRunning(t *testing.T) {
	dispatcher, _ := newTestDispatcher(t, 0)
	ran := false
	require.NoError(t, dispatcher.Registry().Register(&Tool{
		Name:   "strict",
		Schema: Schema{Fields: []Field{{Name: "session_id", Type: TypeString, Required: true}}},
		Handler: func(context.Context, map[string]any) (any, error) {
			ran = true
			return nil, nil
		},
	}))

	_, err := dispatcher.Dispatch(context.Background(), "strict", nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeInvalidParameters))
	assert.False(t, ran)

	_, err = dispatcher.Dispatch(context.Background(), "missing", nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeUnknownTool))
}

func TestDispatchBroadcastsLifecycle(t *testing.T) {
	dispatcher, obs := newTestDispatcher(t, 0)
	require.NoError(t, dispatcher.Registry().Register(&Tool{
		Name: "echo",
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			return params["v"], nil
		},
	}))

	sub, err := obs.Subscribe(observe.TopicToolExecution, nil)
	require.NoError(t, err)
	defer obs.Unsubscribe(sub)

	result, err := dispatcher.Dispatch(context.Background(),
		"echo", map[string]any{"v": "hi", "auth_token": "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)

	var statuses []string
	for i := 0; i < 2; i++ {
		select {
		case event := <-sub.Events():
			data := event.Data.(map[string]any)
			statuses = append(statuses, data["status"].(string))
			params := data["params"].(map[string]any)
			assert.Equal(t, logging.Placeholder, params["auth_token"])
		case <-time.After(time.Second):
			t.Fatal("lifecycle event missing")
		}
	}
	assert.Equal(t, []string{"pending", "ok"}, statuses)
}

func TestDispatchTimeout(t *testing.T) {
	dispatcher, obs := newTestDispatcher(t, 20*time.Millisecond)
	require.NoError(t, dispatcher.Registry().Register(&Tool{
		Name: "slow",
		Handler: func(context.Context, map[string]any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		},
	}))

	sub, err := obs.Subscribe(observe.TopicToolExecution, nil)
	require.NoError(t, err)
	defer obs.Unsubscribe(sub)

	_, err = dispatcher.Dispatch(context.Background(), "slow", nil)
	assert.True(t, sterrors.Is(err, sterrors.CodeTimeout))

	<-sub.Events() // pending
	event := <-sub.Events()
	assert.Equal(t, "error", event.Data.(map[string]any)["status"])
}

func TestSerializeError(t *testing.T) {
	assert.Nil(t, SerializeError(nil))

	wire := SerializeError(sterrors.InvalidParameters("bad scope", "scope"))
	assert.Equal(t, string(sterrors.CodeInvalidParameters), wire.Code)
	assert.Equal(t, []string{"scope"}, wire.Fields)

	wire = SerializeError(errors.New("disk on fire"))
	assert.Equal(t, string(sterrors.CodeInternal), wire.Code)
	assert.Equal(t, "disk on fire", wire.Message)
}
