// Package debug provides an optional, opt-in Observer that streams node
// lifecycle events to a WebSocket connection for live graph introspection
// tooling. It is grounded on the teacher pipeline's stages/websocket_sink.go
// (a sink stage writing JSON-or-binary frames over a *websocket.Conn,
// logging failures rather than letting a dead connection take down the
// pipeline) reused here for a very different payload: before/after pairs for
// the engine's four observer hook families instead of voice-pipeline events.
package debug

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/creastat/graphflow"
	"github.com/creastat/graphflow/core"
	"github.com/creastat/graphflow/internal/telemetry"
)

// nodeEvent is the wire shape of one hook notification.
type nodeEvent struct {
	Type      string `json:"type"`
	Node      uint32 `json:"node"`
	Memory    uint64 `json:"memory"`
	State     string `json:"state,omitempty"`
	Timestamp string `json:"timestamp"`
}

// WebSocketObserver implements graphflow.Observer by writing a JSON frame
// per before-hook and its matching after-closure to conn. Frames are written
// synchronously from the hook call, so a slow connection delays the hook's
// caller. A write failure is logged once and further frames are then
// dropped, mirroring the teacher sink's "gracefully drain, don't fail the
// pipeline" policy for a broken socket.
type WebSocketObserver struct {
	conn   *websocket.Conn
	logger telemetry.Logger

	mu    sync.Mutex
	dead  bool
	clock func() time.Time
}

// New returns a WebSocketObserver writing frames to conn. logger may be
// telemetry.Nop() if the caller does not want observer diagnostics.
func New(conn *websocket.Conn, logger telemetry.Logger) *WebSocketObserver {
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &WebSocketObserver{
		conn:   conn,
		logger: logger.WithModule("debug.observer"),
		clock:  time.Now,
	}
}

// EveryCall implements graphflow.Observer.
func (o *WebSocketObserver) EveryCall(node core.NodeID, memory core.MemoryID) func(graphflow.HookOutcome) {
	o.send(nodeEvent{Type: "every_call", Node: uint32(node), Memory: uint64(memory), Timestamp: o.now()})
	return func(outcome graphflow.HookOutcome) {
		o.send(nodeEvent{Type: "every_call_after", Node: uint32(node), Memory: uint64(memory), State: outcome.State.String(), Timestamp: o.now()})
	}
}

// FirstCall implements graphflow.Observer.
func (o *WebSocketObserver) FirstCall(node core.NodeID, memory core.MemoryID) func(graphflow.HookOutcome) {
	o.send(nodeEvent{Type: "first_call", Node: uint32(node), Memory: uint64(memory), Timestamp: o.now()})
	return func(outcome graphflow.HookOutcome) {
		o.send(nodeEvent{Type: "first_call_after", Node: uint32(node), Memory: uint64(memory), State: outcome.State.String(), Timestamp: o.now()})
	}
}

// BeforeBehavior implements graphflow.Observer.
func (o *WebSocketObserver) BeforeBehavior(node core.NodeID, memory core.MemoryID) func(graphflow.HookOutcome) {
	o.send(nodeEvent{Type: "before_behavior", Node: uint32(node), Memory: uint64(memory), Timestamp: o.now()})
	return func(outcome graphflow.HookOutcome) {
		o.send(nodeEvent{Type: "behavior_after", Node: uint32(node), Memory: uint64(memory), State: outcome.State.String(), Timestamp: o.now()})
	}
}

// BeforeCustomAction implements graphflow.Observer.
func (o *WebSocketObserver) BeforeCustomAction(node core.NodeID, memory core.MemoryID) func(graphflow.HookOutcome) {
	o.send(nodeEvent{Type: "before_custom_action", Node: uint32(node), Memory: uint64(memory), Timestamp: o.now()})
	return func(outcome graphflow.HookOutcome) {
		o.send(nodeEvent{Type: "custom_action_after", Node: uint32(node), Memory: uint64(memory), State: outcome.State.String(), Timestamp: o.now()})
	}
}

func (o *WebSocketObserver) now() string { return o.clock().UTC().Format(time.RFC3339Nano) }

func (o *WebSocketObserver) send(evt nodeEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dead {
		return
	}

	data, err := json.Marshal(evt)
	if err != nil {
		o.logger.Error("failed to marshal node event", telemetry.Err(err))
		return
	}

	if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		o.logger.Error("websocket observer connection failed, disabling further frames", telemetry.Err(err))
		o.dead = true
		return
	}
}

// Close closes the underlying WebSocket connection.
func (o *WebSocketObserver) Close() error {
	return o.conn.Close()
}
