package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"steward/internal/bus"
	"steward/internal/logging"
	"steward/internal/observe"
	"steward/internal/tool"
)

type bridgeHarness struct {
	stdin  io.WriteCloser
	lines  *bufio.Scanner
	runErr chan error
	obs    *observe.Registry
}

// newBridgeHarness stands up a real bus server, connects an adapter to it and
// wires pipes where stdio would be.
func newBridgeHarness(t *testing.T) *bridgeHarness {
	t.Helper()
	obs := observe.NewRegistry(logging.Nop())
	registry := tool.NewRegistry()
	registry.MustRegister(&tool.Tool{
		Name:   "echo",
		Schema: tool.Schema{Fields: []tool.Field{{Name: "v", Type: tool.TypeString, Required: true}}},
		Effect: tool.EffectRead,
		Handler: func(_ context.Context, params map[string]any) (any, error) {
			return map[string]any{"echo": tool.String(params, "v")}, nil
		},
	})
	dispatcher := tool.NewDispatcher(registry, obs, nil, nil, time.Second, logging.Nop())
	busServer := bus.NewServer("bridge-token", dispatcher, obs, nil, logging.Nop())

	httpSrv := httptest.NewServer(busServer.Router())
	t.Cleanup(httpSrv.Close)
	t.Cleanup(func() { busServer.Shutdown(context.Background()) })
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws"

	inReader, inWriter := io.Pipe()
	outReader, outWriter := io.Pipe()
	adapter := New(wsURL, "bridge-token", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- adapter.Run(ctx, inReader, outWriter) }()
	t.Cleanup(func() {
		cancel()
		_ = inWriter.Close()
		_ = outReader.Close()
	})

	return &bridgeHarness{
		stdin:  inWriter,
		lines:  bufio.NewScanner(outReader),
		runErr: runErr,
		obs:    obs,
	}
}

func (h *bridgeHarness) send(t *testing.T, line string) {
	t.Helper()
	_, err := io.WriteString(h.stdin, line+"\n")
	require.NoError(t, err)
}

func (h *bridgeHarness) readMessage(t *testing.T) map[string]any {
	t.Helper()
	type scanned struct {
		ok   bool
		line string
	}
	done := make(chan scanned, 1)
	go func() {
		ok := h.lines.Scan()
		done <- scanned{ok, h.lines.Text()}
	}()
	select {
	case got := <-done:
		require.True(t, got.ok, "bridge output closed")
		var message map[string]any
		require.NoError(t, json.Unmarshal([]byte(got.line), &message))
		return message
	case <-time.After(5 * time.Second):
		t.Fatal("no bridge output")
		return nil
	}
}

// read returns the next response, skipping interleaved event notifications.
func (h *bridgeHarness) read(t *testing.T) map[string]any {
	t.Helper()
	for {
		message := h.readMessage(t)
		if message["method"] != "tool/event" {
			return message
		}
	}
}

// readNotification returns the next tool/event notification for a topic,
// skipping events on other topics.
func (h *bridgeHarness) readNotification(t *testing.T, topic string) map[string]any {
	t.Helper()
	for {
		message := h.readMessage(t)
		if message["method"] != "tool/event" {
			continue
		}
		params := message["params"].(map[string]any)
		if params["topic"] == topic {
			return params
		}
	}
}

func TestInitializeHandshake(t *testing.T) {
	h := newBridgeHarness(t)

	h.send(t, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	reply := h.read(t)
	assert.Equal(t, "2.0", reply["jsonrpc"])
	assert.Equal(t, float64(1), reply["id"])

	result := reply["result"].(map[string]any)
	assert.Equal(t, "2024-11-05", result["protocolVersion"])
	info := result["serverInfo"].(map[string]any)
	assert.Equal(t, "steward-bridge", info["name"])
}

func TestToolsListAndCall(t *testing.T) {
	h := newBridgeHarness(t)

	h.send(t, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	reply := h.read(t)
	tools := reply["result"].(map[string]any)["tools"].([]any)
	names := make([]string, 0, len(tools))
	for _, raw := range tools {
		names = append(names, raw.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "echo")
	assert.Contains(t, names, "_list_tools")

	h.send(t, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"echo","arguments":{"v":"hi"}}}`)
	reply = h.read(t)
	assert.Equal(t, float64(3), reply["id"])
	assert.Equal(t, "hi", reply["result"].(map[string]any)["echo"])
}

func TestToolCallFailureBecomesRPCError(t *testing.T) {
	h := newBridgeHarness(t)

	h.send(t, `{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"echo","arguments":{}}}`)
	reply := h.read(t)
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(codeInternalError), rpcErr["code"])
	wireErr := rpcErr["data"].(map[string]any)
	assert.Equal(t, "invalid_parameters", wireErr["code"])
}

func TestMethodNotFound(t *testing.T) {
	h := newBridgeHarness(t)
	h.send(t, `{"jsonrpc":"2.0","id":5,"method":"no/such/method"}`)
	reply := h.read(t)
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(codeMethodNotFound), rpcErr["code"])
}

func TestParseError(t *testing.T) {
	h := newBridgeHarness(t)
	h.send(t, `{not json`)
	reply := h.read(t)
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(codeParseError), rpcErr["code"])
	assert.Nil(t, reply["id"])
}

func TestInvalidRequestVersion(t *testing.T) {
	h := newBridgeHarness(t)
	h.send(t, `{"jsonrpc":"1.0","id":6,"method":"ping"}`)
	reply := h.read(t)
	rpcErr := reply["error"].(map[string]any)
	assert.Equal(t, float64(codeInvalidRequest), rpcErr["code"])
}

func TestPingReturnsEmptyResult(t *testing.T) {
	h := newBridgeHarness(t)
	h.send(t, `{"jsonrpc":"2.0","id":7,"method":"ping"}`)
	reply := h.read(t)
	assert.Equal(t, map[string]any{}, reply["result"])
}

func TestEventsFlowAsNotifications(t *testing.T) {
	h := newBridgeHarness(t)

	// Last-value replay makes the publish/subscribe ordering immaterial.
	require.NoError(t, h.obs.Publish(observe.TopicContextStatus, map[string]any{"usage_percent": 61}))
	params := h.readNotification(t, observe.TopicContextStatus)
	data := params["data"].(map[string]any)
	assert.Equal(t, float64(61), data["usage_percent"])

	// Requests keep working with events interleaved.
	h.send(t, `{"jsonrpc":"2.0","id":9,"method":"ping"}`)
	reply := h.read(t)
	assert.Equal(t, float64(9), reply["id"])

	require.NoError(t, h.obs.Publish(observe.TopicRealityChecks, map[string]any{"confidence_score": 95}))
	params = h.readNotification(t, observe.TopicRealityChecks)
	data = params["data"].(map[string]any)
	assert.Equal(t, float64(95), data["confidence_score"])
}

func TestMessageShapes(t *testing.T) {
	raw, err := json.Marshal(newResponse(json.RawMessage(`1`), map[string]any{"ok": true}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, string(raw))

	raw, err = json.Marshal(newErrorResponse(json.RawMessage(`"a"`), codeMethodNotFound, "method not found: x", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"a","error":{"code":-32601,"message":"method not found: x"}}`, string(raw))

	raw, err = json.Marshal(newNotification("tool/event", map[string]any{"topic": "context.status"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"tool/event","params":{"topic":"context.status"}}`, string(raw))
}
