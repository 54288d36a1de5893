package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/tutu-network/agentledger/internal/domain"
)

// ─── Live Ledger Feed ───────────────────────────────────────────────────────

// LiveHub fans committed ledger events out to Server-Sent Events clients.
// It implements domain.EventPublisher so it can sit next to NATS.
type LiveHub struct {
	mu      sync.Mutex
	clients map[chan []byte]string // channel → operator filter ("" = all)
}

// NewLiveHub creates a new live feed hub.
func NewLiveHub() *LiveHub {
	return &LiveHub{clients: make(map[chan []byte]string)}
}

// Publish sends an event to every matching client. Slow clients drop messages.
func (h *LiveHub) Publish(_ context.Context, ev domain.LedgerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch, op := range h.clients {
		if op != "" && op != ev.Account.ID {
			continue
		}
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Subscribe registers a client. Returns the channel and an unsubscribe func.
func (h *LiveHub) Subscribe(operator string) (<-chan []byte, func()) {
	ch := make(chan []byte, 32)
	h.mu.Lock()
	h.clients[ch] = operator
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *LiveHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleSSE serves the live feed.
// GET /api/events?operator=
func (h *LiveHub) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	ch, unsub := h.Subscribe(r.URL.Query().Get("operator"))
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case data := <-ch:
			w.Write([]byte("data: "))
			w.Write(data)
			w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}

var _ domain.EventPublisher = (*LiveHub)(nil)
