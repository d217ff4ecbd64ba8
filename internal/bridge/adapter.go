package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"steward/internal/bus"
	"steward/internal/logging"
	"steward/internal/observe"
)

const (
	protocolVersion = "2024-11-05"
	serverName      = "steward-bridge"
	serverVersion   = "1.0.0"

	authTimeout    = 10 * time.Second
	executeTimeout = 60 * time.Second
)

// Adapter bridges stdio JSON-RPC onto one bus connection. It exits when the
// bus connection closes.
type Adapter struct {
	busURL    string
	authToken string
	logger    logging.Logger

	conn   *websocket.Conn
	out    io.Writer
	outMu  sync.Mutex
	authed chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan *bus.Frame

	done chan struct{}
}

// New creates an adapter dialing busURL (ws://host:port/ws).
func New(busURL, authToken string, logger logging.Logger) *Adapter {
	return &Adapter{
		busURL:    busURL,
		authToken: authToken,
		logger:    logging.OrNop(logger),
		authed:    make(chan struct{}),
		pending:   make(map[string]chan *bus.Frame),
		done:      make(chan struct{}),
	}
}

// Run connects, authenticates and services stdio until the input or the bus
// connection closes.
func (a *Adapter) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	a.out = out

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.busURL, nil)
	if err != nil {
		return fmt.Errorf("dial bus: %w", err)
	}
	a.conn = conn
	defer conn.Close()

	go a.readBus()

	if err := conn.WriteJSON(&bus.Frame{Type: bus.TypeAuthenticate, Auth: a.authToken}); err != nil {
		return fmt.Errorf("send authenticate: %w", err)
	}
	select {
	case <-a.authed:
	case <-a.done:
		return fmt.Errorf("bus closed before authentication completed")
	case <-time.After(authTimeout):
		return fmt.Errorf("bus authentication timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
	a.logger.Info("bridge authenticated against %s", a.busURL)

	// Subscribe to every topic so bus events reach the client as
	// notifications. The server replays each topic's last value on subscribe.
	for _, topic := range observe.Topics() {
		if err := conn.WriteJSON(&bus.Frame{Type: bus.TypeSubscribe, Topic: topic}); err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := make([]byte, len(scanner.Bytes()))
			copy(line, scanner.Bytes())
			lines <- line
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-a.done:
			// Bus connection gone; the adapter has nothing left to serve.
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if len(line) == 0 {
				continue
			}
			a.handleLine(ctx, line)
		}
	}
}

// readBus pumps bus frames: auth completion, results to their waiters, events
// to notifications.
func (a *Adapter) readBus() {
	defer close(a.done)
	for {
		var frame bus.Frame
		if err := a.conn.ReadJSON(&frame); err != nil {
			a.logger.Info("bus connection closed: %v", err)
			return
		}
		switch frame.Type {
		case bus.TypeAuth:
			if data, ok := frame.Data.(map[string]any); ok {
				if authenticated, _ := data["authenticated"].(bool); authenticated {
					select {
					case <-a.authed:
					default:
						close(a.authed)
					}
				}
			}
		case bus.TypeResult:
			a.pendingMu.Lock()
			waiter, ok := a.pending[frame.RequestID]
			if ok {
				delete(a.pending, frame.RequestID)
			}
			a.pendingMu.Unlock()
			if ok {
				waiter <- &frame
			}
		case bus.TypeEvent:
			a.write(newNotification("tool/event", map[string]any{
				"topic": frame.Topic,
				"data":  frame.Data,
			}))
		}
	}
}

func (a *Adapter) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		a.write(newErrorResponse(nil, codeParseError, "parse error", err.Error()))
		return
	}
	if req.JSONRPC != jsonrpcVersion || req.Method == "" {
		a.write(newErrorResponse(req.ID, codeInvalidRequest, "invalid request", nil))
		return
	}

	switch req.Method {
	case "initialize":
		a.write(newResponse(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
				"prompts":   map[string]any{},
				"logging":   map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    serverName,
				"version": serverVersion,
			},
		}))
	case "notifications/initialized":
		// Client acknowledgement; nothing to send.
	case "ping":
		a.write(newResponse(req.ID, map[string]any{}))
	case "tools/list":
		a.forward(ctx, req.ID, "_list_tools", nil, func(result any) any {
			return map[string]any{"tools": result}
		})
	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			a.write(newErrorResponse(req.ID, codeInvalidParams, "invalid params", nil))
			return
		}
		a.forward(ctx, req.ID, params.Name, params.Arguments, nil)
	default:
		a.write(newErrorResponse(req.ID, codeMethodNotFound, "method not found: "+req.Method, nil))
	}
}

// forward executes a tool over the bus and replies when the result lands.
func (a *Adapter) forward(ctx context.Context, id json.RawMessage, toolName string, args map[string]any, wrap func(any) any) {
	requestID := uuid.NewString()
	waiter := make(chan *bus.Frame, 1)
	a.pendingMu.Lock()
	a.pending[requestID] = waiter
	a.pendingMu.Unlock()

	rawParams, _ := json.Marshal(args)
	err := a.conn.WriteJSON(&bus.Frame{
		Type:      bus.TypeExecute,
		Tool:      toolName,
		Params:    rawParams,
		RequestID: requestID,
	})
	if err != nil {
		a.pendingMu.Lock()
		delete(a.pending, requestID)
		a.pendingMu.Unlock()
		a.write(newErrorResponse(id, codeInternalError, "bus write failed", err.Error()))
		return
	}

	go func() {
		select {
		case frame := <-waiter:
			if frame.Error != nil {
				a.write(newErrorResponse(id, codeInternalError, "tool execution failed", frame.Error))
				return
			}
			result := frame.Result
			if wrap != nil {
				result = wrap(result)
			}
			a.write(newResponse(id, result))
		case <-time.After(executeTimeout):
			a.pendingMu.Lock()
			delete(a.pending, requestID)
			a.pendingMu.Unlock()
			a.write(newErrorResponse(id, codeInternalError, "tool execution timed out", nil))
		case <-a.done:
			a.write(newErrorResponse(id, codeInternalError, "bus connection closed", nil))
		case <-ctx.Done():
		}
	}()
}

// write serializes one message per line on stdout.
func (a *Adapter) write(message any) {
	raw, err := json.Marshal(message)
	if err != nil {
		a.logger.Error("marshal outbound message: %v", err)
		return
	}
	a.outMu.Lock()
	defer a.outMu.Unlock()
	_, _ = a.out.Write(append(raw, '\n'))
}
