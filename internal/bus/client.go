package bus

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"steward/internal/observe"
	"steward/internal/sterrors"
	"steward/internal/tool"
)

const (
	// sendQueueSize bounds a client's outbound backlog before it is dropped.
	sendQueueSize = 256
	writeWait     = 10 * time.Second
	authWindow    = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = 45 * time.Second
	maxFrameSize  = 1 << 20
)

// client is one bus connection. Frames to the peer go through send; a full
// queue closes the connection.
type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte

	mu            sync.Mutex
	authenticated bool
	subs          map[string]*observe.Subscription
	closed        bool
}

func newClient(server *Server, conn *websocket.Conn) *client {
	return &client{
		id:     uuid.NewString(),
		server: server,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		subs:   make(map[string]*observe.Subscription),
	}
}

// run services the connection until it closes.
func (c *client) run(ctx context.Context) {
	go c.writePump()

	// Hello: the client must authenticate within the window.
	c.enqueue(&Frame{Type: TypeAuth, Data: map[string]any{"authenticated": false, "required": true}})
	authTimer := time.AfterFunc(authWindow, func() {
		if !c.isAuthenticated() {
			c.server.logger.Warn("client %s failed to authenticate in time", c.id)
			c.close()
		}
	})
	defer authTimer.Stop()

	c.readPump(ctx)
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.enqueue(&Frame{Type: TypeError, Error: "malformed JSON"})
			continue
		}
		c.handle(ctx, &frame)
	}
}

func (c *client) handle(ctx context.Context, frame *Frame) {
	switch frame.Type {
	case TypeAuthenticate:
		c.handleAuthenticate(frame)
	case TypePing:
		c.server.recordHeartbeat()
		c.enqueue(&Frame{Type: TypePong})
	case TypeSubscribe:
		if !c.requireAuth() {
			return
		}
		c.handleSubscribe(frame)
	case TypeUnsubscribe:
		if !c.requireAuth() {
			return
		}
		c.handleUnsubscribe(frame)
	case TypeExecute:
		if !c.requireAuth() {
			return
		}
		c.handleExecute(ctx, frame)
	default:
		c.enqueue(&Frame{Type: TypeError, Error: sterrors.UnknownMessageType(frame.Type).Message})
	}
}

func (c *client) handleAuthenticate(frame *Frame) {
	ok := subtle.ConstantTimeCompare([]byte(frame.Auth), []byte(c.server.authToken)) == 1
	if !ok {
		c.enqueue(&Frame{Type: TypeAuth, Data: map[string]any{"authenticated": false}})
		c.server.logger.Warn("client %s authentication failed", c.id)
		// Give the write pump a moment to flush the refusal.
		time.AfterFunc(100*time.Millisecond, c.close)
		return
	}
	c.mu.Lock()
	c.authenticated = true
	c.mu.Unlock()
	c.server.recordHeartbeat()
	c.enqueue(&Frame{Type: TypeAuth, Data: map[string]any{"authenticated": true}})
	c.server.logger.Debug("client %s authenticated", c.id)
}

func (c *client) handleSubscribe(frame *Frame) {
	topic := frame.Topic
	c.mu.Lock()
	if _, exists := c.subs[topic]; exists {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	sub, err := c.server.observables.Subscribe(topic, nil)
	if err != nil {
		c.enqueue(&Frame{Type: TypeError, Error: "Unknown topic"})
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.server.observables.Unsubscribe(sub)
		return
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	// Forward the replayed last value and everything after it. The queue bound
	// on send makes a stalled client drop itself rather than block anything.
	go func() {
		for event := range sub.Events() {
			if !c.enqueue(&Frame{Type: TypeEvent, Topic: event.Topic, Data: event.Data}) {
				return
			}
			if c.server.metrics != nil {
				c.server.metrics.BusEventsSent.Inc()
			}
		}
	}()
}

func (c *client) handleUnsubscribe(frame *Frame) {
	c.mu.Lock()
	sub, ok := c.subs[frame.Topic]
	if ok {
		delete(c.subs, frame.Topic)
	}
	c.mu.Unlock()
	if ok {
		c.server.observables.Unsubscribe(sub)
	}
}

func (c *client) handleExecute(ctx context.Context, frame *Frame) {
	var params map[string]any
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.enqueue(&Frame{Type: TypeResult, RequestID: frame.RequestID,
				Error: tool.SerializeError(sterrors.InvalidParameters("params must be an object", "params"))})
			return
		}
	}

	// Each execution runs in its own goroutine; the dispatcher enforces the
	// wall clock. Results for a closed connection are discarded, side effects
	// stand.
	go func() {
		result, err := c.server.dispatcher.Dispatch(ctx, frame.Tool, params)
		reply := &Frame{Type: TypeResult, RequestID: frame.RequestID}
		if err != nil {
			reply.Error = tool.SerializeError(err)
		} else {
			reply.Result = result
		}
		c.enqueue(reply)
	}()
}

func (c *client) requireAuth() bool {
	if c.isAuthenticated() {
		return true
	}
	c.enqueue(&Frame{Type: TypeError, Error: sterrors.AuthenticationRequired().Message})
	return false
}

func (c *client) isAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// enqueue queues a frame for writing. A full queue means the client stopped
// reading: it is closed and false returned. The send happens under the mutex
// so close can never shut the channel between the closed-check and the send.
func (c *client) enqueue(frame *Frame) bool {
	raw, err := json.Marshal(frame)
	if err != nil {
		return false
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- raw:
		c.mu.Unlock()
		return true
	default:
		c.mu.Unlock()
		c.server.logger.Warn("dropping slow client %s", c.id)
		if c.server.metrics != nil {
			c.server.metrics.BusEventsDropped.Inc()
		}
		c.close()
		return false
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close tears the connection down exactly once: subscriptions detach, the
// send channel closes and the server forgets the client.
func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]*observe.Subscription{}
	// Closing under the mutex: every sender holds it, so no send can be in
	// flight here.
	close(c.send)
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.observables.Unsubscribe(sub)
	}
	c.server.forget(c)
}
