package common

import (
	"fmt"
	"sync"
)

// WebSocketEventType names the events of a WebSocket.
type WebSocketEventType int

const (
	WebSocketEventFrameSent WebSocketEventType = iota
	WebSocketEventFrameReceived
	WebSocketEventError
	WebSocketEventClose
)

// WebSocketEvent is emitted by a WebSocket.
type WebSocketEvent struct {
	Type   WebSocketEventType
	Opcode int
	Data   string
	Error  string
}

// WebSocket tracks a WebSocket opened by a page.
type WebSocket struct {
	requestID string
	url       string
	events    eventEmitter[WebSocketEvent]

	mu       sync.Mutex
	notified bool
	closed   bool
}

func newWebSocket(requestID, url string) *WebSocket {
	return &WebSocket{requestID: requestID, url: url}
}

// URL returns the URL of the WebSocket.
func (ws *WebSocket) URL() string { return ws.url }

// On registers fn for the events of the WebSocket.
func (ws *WebSocket) On(fn func(WebSocketEvent)) (off func()) {
	return ws.events.on(fn)
}

// IsClosed reports whether the WebSocket was closed.
func (ws *WebSocket) IsClosed() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.closed
}

// markAsNotified returns false if the page was already told about ws.
func (ws *WebSocket) markAsNotified() bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	if ws.notified {
		return false
	}
	ws.notified = true
	return true
}

func (ws *WebSocket) frameSent(opcode int, data string) {
	ws.events.emit(WebSocketEvent{Type: WebSocketEventFrameSent, Opcode: opcode, Data: data})
}

func (ws *WebSocket) frameReceived(opcode int, data string) {
	ws.events.emit(WebSocketEvent{Type: WebSocketEventFrameReceived, Opcode: opcode, Data: data})
}

func (ws *WebSocket) error(msg string) {
	ws.events.emit(WebSocketEvent{Type: WebSocketEventError, Error: msg})
}

func (ws *WebSocket) closedEvent() {
	ws.mu.Lock()
	ws.closed = true
	ws.mu.Unlock()
	ws.events.emit(WebSocketEvent{Type: WebSocketEventClose})
}

func webSocketResponseError(status int64, statusText string) string {
	return fmt.Sprintf("%s: %d", statusText, status)
}
