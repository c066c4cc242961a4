// Package realtime pushes job events to websocket clients, each client
// seeing only the jobs it owns.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SirClappington/queuecraft/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan events.Event, func(), error)
}

type frame struct {
	Type events.Type  `json:"type"`
	Data events.Event `json:"data"`
}

type Hub struct {
	sub      Subscriber
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu    sync.Mutex
	conns map[string]int
}

func NewHub(sub Subscriber, log *zap.Logger) *Hub {
	return &Hub{
		sub: sub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:   log.Named("realtime"),
		conns: make(map[string]int),
	}
}

// Serve upgrades the request and streams ownerID's events until the client
// goes away.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, ownerID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	evs, unsub, err := h.sub.Subscribe(ctx)
	if err != nil {
		h.log.Warn("subscribe failed", zap.Error(err))
		_ = ws.Close()
		return
	}
	defer unsub()

	h.track(ownerID, 1)
	defer h.track(ownerID, -1)

	go h.readPump(ws, cancel)
	h.writePump(ctx, ws, evs, ownerID)
}

// readPump discards client messages and cancels ctx once the peer is gone.
func (h *Hub) readPump(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("read failed", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(ctx context.Context, ws *websocket.Conn, evs <-chan events.Event, ownerID string) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case e, ok := <-evs:
			if !ok {
				return
			}
			if e.OwnerID != ownerID {
				continue
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(frame{Type: e.Type, Data: e}); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) track(ownerID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[ownerID] += delta
	if h.conns[ownerID] <= 0 {
		delete(h.conns, ownerID)
	}
}

// Connections returns the number of open connections for ownerID.
func (h *Hub) Connections(ownerID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[ownerID]
}
