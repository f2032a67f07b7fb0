package server

import (
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"hookline/internal/domain"
)

// upgrader mirrors the permissive same-origin-agnostic Upgrader used by the
// reference corpus's log-streaming endpoint (bacalhau's endpoints_logs.go):
// buffered read/write, no origin check since this is a local demo surface.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// registerWebSocket streams a work order's events over a WebSocket
// connection, one JSON frame per domain.Event, until the client disconnects.
// Only events emitted after the connection subscribes are sent; earlier
// events are not replayed.
func registerWebSocket(router chi.Router, basePath string, cfg Config, logger *slog.Logger) {
	router.Get(path.Join(basePath, "/work-orders/{id}/ws"), func(w http.ResponseWriter, r *http.Request) {
		workOrderID := chi.URLParam(r, "id")
		if _, err := cfg.Store.GetWorkOrder(r.Context(), workOrderID); err != nil {
			http.Error(w, "work order not found", http.StatusNotFound)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("server: websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		events := make(chan domain.Event, 32)
		cancel := cfg.Events.Subscribe(workOrderID, func(ev domain.Event) {
			select {
			case events <- ev:
			default:
			}
		})
		defer cancel()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-closed:
				return
			case ev := <-events:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			}
		}
	})
}
