package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"moves/internal/domain"
)

// PriceHub fans quote updates out to websocket subscribers. Dead
// connections are dropped on the first failed write.
type PriceHub struct {
	mu      sync.Mutex
	subs    map[*websocket.Conn]struct{}
	closed  bool
	log     zerolog.Logger
}

// NewPriceHub creates a new price hub.
func NewPriceHub(log zerolog.Logger) *PriceHub {
	return &PriceHub{
		subs: make(map[*websocket.Conn]struct{}),
		log:  log.With().Str("component", "price_hub").Logger(),
	}
}

// Serve upgrades the request and keeps the connection subscribed until
// the client goes away.
func (h *PriceHub) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // single-user service behind CORS
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	h.subs[conn] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()
	h.log.Debug().Int("subscribers", count).Msg("price subscriber connected")

	// Block reading until the peer disconnects; we never expect inbound
	// messages.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.subs, conn)
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// BroadcastQuotes pushes a quote batch to every subscriber.
func (h *PriceHub) BroadcastQuotes(quotes map[string]domain.Quote) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for conn := range h.subs {
		conns = append(conns, conn)
	}
	h.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, conn := range conns {
		if err := wsjson.Write(ctx, conn, quotes); err != nil {
			h.mu.Lock()
			delete(h.subs, conn)
			h.mu.Unlock()
			_ = conn.Close(websocket.StatusAbnormalClosure, "write failed")
		}
	}
}

// Close disconnects every subscriber.
func (h *PriceHub) Close() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.subs))
	for conn := range h.subs {
		conns = append(conns, conn)
	}
	h.subs = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "shutting down")
	}
}
