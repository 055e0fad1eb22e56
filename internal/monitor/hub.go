// Package monitor serves the bridge's observability surface: a REST view of
// live calls, Prometheus metrics, health probes, and a WebSocket feed that
// pushes call lifecycle events and transcripts to dashboard clients.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/aivalabs/aiva-bridge/internal/bridge"
	"github.com/aivalabs/aiva-bridge/internal/ledger"
	"github.com/aivalabs/aiva-bridge/internal/provider"
)

// Push message types on the WebSocket feed.
const (
	msgConnectionOpened = "connection_opened"
	msgConnectionClosed = "connection_closed"
	msgTranscript       = "transcript"
	msgCostUpdate       = "cost_update"
	msgFunctionCall     = "function_call"
)

// clientBuffer is the per-client send queue. Slow clients lose messages
// rather than backpressuring the bridge.
const clientBuffer = 64

// writeTimeout bounds a single WebSocket write.
const writeTimeout = 10 * time.Second

// pushMessage is the envelope sent to dashboard clients.
type pushMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// transcriptData is the payload of transcript messages.
type transcriptData struct {
	ConnectionID string `json:"connection_id"`
	Speaker      string `json:"speaker"`
	Text         string `json:"text"`
	Final        bool   `json:"final"`
}

// closedData wraps a final snapshot with its end status.
type closedData struct {
	bridge.Snapshot
	Status string `json:"status"`
}

// costData is the payload of cost_update messages.
type costData struct {
	ConnectionID   string       `json:"connection_id"`
	Usage          ledger.Usage `json:"usage"`
	RunningCostUSD float64      `json:"running_cost_usd"`
}

// functionData is the payload of function_call messages.
type functionData struct {
	ConnectionID string `json:"connection_id"`
	Name         string `json:"name"`
	Status       string `json:"status"`
}

// Hub fans bridge events out to connected WebSocket clients. It implements
// bridge.Observer; all methods are non-blocking.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

type client struct {
	send chan []byte
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

var _ bridge.Observer = (*Hub)(nil)

// ConnectionOpened implements bridge.Observer.
func (h *Hub) ConnectionOpened(snap bridge.Snapshot) {
	h.broadcast(pushMessage{Type: msgConnectionOpened, Data: snap})
}

// ConnectionClosed implements bridge.Observer.
func (h *Hub) ConnectionClosed(snap bridge.Snapshot, status string) {
	h.broadcast(pushMessage{Type: msgConnectionClosed, Data: closedData{Snapshot: snap, Status: status}})
}

// TranscriptReceived implements bridge.Observer.
func (h *Hub) TranscriptReceived(connectionID string, t provider.Transcript) {
	h.broadcast(pushMessage{Type: msgTranscript, Data: transcriptData{
		ConnectionID: connectionID,
		Speaker:      string(t.Speaker),
		Text:         t.Text,
		Final:        t.Final,
	}})
}

// CostUpdated implements bridge.Observer.
func (h *Hub) CostUpdated(connectionID string, usage ledger.Usage, baseCostUSD float64) {
	h.broadcast(pushMessage{Type: msgCostUpdate, Data: costData{
		ConnectionID:   connectionID,
		Usage:          usage,
		RunningCostUSD: baseCostUSD,
	}})
}

// FunctionCalled implements bridge.Observer.
func (h *Hub) FunctionCalled(connectionID, name, status string) {
	h.broadcast(pushMessage{Type: msgFunctionCall, Data: functionData{
		ConnectionID: connectionID,
		Name:         name,
		Status:       status,
	}})
}

// ClientCount returns the number of attached dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// broadcast queues the message on every client, dropping it for clients
// whose queues are full.
func (h *Hub) broadcast(msg pushMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("marshal push message failed", "type", msg.Type, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// serve pumps messages to one WebSocket connection until the client leaves
// or ctx ends. Called from the HTTP handler; blocks for the connection's
// lifetime. replay is sent first so a new subscriber sees the calls already
// in flight.
func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, replay []bridge.Snapshot) {
	c := &client{send: make(chan []byte, clientBuffer)}
	for _, snap := range replay {
		if payload, err := json.Marshal(pushMessage{Type: msgConnectionOpened, Data: snap}); err == nil {
			select {
			case c.send <- payload:
			default:
			}
		}
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// Discard inbound messages; the feed is one-way but reads are needed to
	// notice the peer closing.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case payload := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
