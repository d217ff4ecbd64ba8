// Package bus is the realtime fan-out surface: an authenticated websocket
// protocol carrying topic subscriptions, tool execution requests and
// broadcast events. Delivery is best-effort; slow clients are dropped rather
// than ever blocking a publisher.
package bus

import "encoding/json"

// Frame is the wire envelope. Fields beyond the envelope are type-specific.
type Frame struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Topic     string          `json:"topic,omitempty"`
	Data      any             `json:"data,omitempty"`
	Error     any             `json:"error,omitempty"`
	Auth      string          `json:"auth,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Result    any             `json:"result,omitempty"`
}

// Message types.
const (
	TypeAuthenticate = "authenticate"
	TypeAuth         = "auth"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeEvent        = "event"
	TypeExecute      = "execute"
	TypeResult       = "result"
	TypeError        = "error"
	TypePing         = "ping"
	TypePong         = "pong"
)
