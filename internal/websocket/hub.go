// Package websocket streams license gate events to connected UI clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/infrastructure"
	"licensegate/internal/license"
)

const broadcastBuffer = 64

// Hub maintains the set of active clients and broadcasts gate events to
// them. It implements license.EventSink.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	// pending is the browser URL of an online activation that has not
	// finished yet. Clients that connect late receive it on registration.
	pendingMu sync.Mutex
	pending   []byte

	logger       *slog.Logger
	clientsGauge metric.Int64UpDownCounter
	dropped      metric.Int64Counter

	count atomic.Int64
	done  chan struct{}
}

var _ license.EventSink = (*Hub)(nil)

// NewHub creates a hub. meter may be nil.
func NewHub(logger *slog.Logger, meter metric.Meter) *Hub {
	if logger == nil {
		logger = infrastructure.GetLogger()
	}
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		done:       make(chan struct{}),
	}
	if meter != nil {
		h.clientsGauge, _ = meter.Int64UpDownCounter("websocket_clients",
			metric.WithDescription("Connected event stream clients"))
		h.dropped, _ = meter.Int64Counter("websocket_dropped_messages_total",
			metric.WithDescription("Event messages dropped because a client or the hub was too slow"))
	}
	return h
}

// Run serves registrations and broadcasts until ctx is cancelled. All
// clients are disconnected on return.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.remove(ctx, client)
			}
			h.logger.DebugContext(ctx, "Hub stopped")
			return

		case client := <-h.register:
			h.clients[client] = true
			h.addClients(ctx, 1)
			h.logger.InfoContext(ctx, "Client registered",
				slog.Int("total_clients", len(h.clients)),
				slog.String("client_id", client.id),
				slog.String("remote_addr", client.remoteAddr))
			if msg := h.pendingURL(); msg != nil {
				h.deliver(ctx, client, msg)
			}

		case client := <-h.unregister:
			if h.clients[client] {
				h.remove(ctx, client)
				h.logger.InfoContext(ctx, "Client unregistered",
					slog.Int("total_clients", len(h.clients)),
					slog.String("client_id", client.id))
			}

		case msg := <-h.broadcast:
			for client := range h.clients {
				h.deliver(ctx, client, msg)
			}
		}
	}
}

// Clients returns the number of registered clients.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

// Done is closed when Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// deliver queues msg for client and drops the client when its queue is full.
func (h *Hub) deliver(ctx context.Context, client *Client, msg []byte) {
	select {
	case client.send <- msg:
	default:
		h.countDropped(ctx)
		h.logger.WarnContext(ctx, "Client too slow, disconnecting", slog.String("client_id", client.id))
		h.remove(ctx, client)
	}
}

func (h *Hub) remove(ctx context.Context, client *Client) {
	delete(h.clients, client)
	close(client.send)
	h.addClients(ctx, -1)
}

// Publish broadcasts e to every client. It never blocks; when the hub is
// backed up the event is dropped and logged.
func (h *Hub) Publish(e license.Event) {
	msg, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("Failed to encode event", slog.String("type", string(e.Type)), slog.String("error", err.Error()))
		return
	}
	h.trackPending(e, msg)

	select {
	case h.broadcast <- msg:
	default:
		h.countDropped(context.Background())
		h.logger.Warn("Event dropped, hub is backed up", slog.String("type", string(e.Type)))
	}
}

func (h *Hub) trackPending(e license.Event, msg []byte) {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	switch e.Type {
	case license.EventBrowserURL:
		h.pending = msg
	case license.EventActivationComplete, license.EventActivationFailed, license.EventProceed:
		h.pending = nil
	}
}

func (h *Hub) pendingURL() []byte {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	return h.pending
}

func (h *Hub) addClients(ctx context.Context, delta int64) {
	h.count.Add(delta)
	if h.clientsGauge != nil {
		h.clientsGauge.Add(ctx, delta)
	}
}

func (h *Hub) countDropped(ctx context.Context) {
	if h.dropped != nil {
		h.dropped.Add(ctx, 1)
	}
}

// Register adds client to the hub. It is a no-op once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes client from the hub.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
