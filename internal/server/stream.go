package server

import (
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"stageline/internal/broadcast"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Local tool, no cross-origin policy to enforce.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait     = 10 * time.Second
	pingInterval  = 30 * time.Second
	clientBacklog = 64
)

// registerStream exposes live events over a websocket. Each connection is
// one hub observer; query params narrow the filter. A slow client drops
// events rather than stalling publishers.
func registerStream(r chi.Router, basePath string, hub *broadcast.Hub) {
	if hub == nil {
		return
	}
	r.Get(basePath+"/stream", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("stream: upgrade: %v", err)
			return
		}
		observerID := "ws-" + uuid.NewString()
		filter := broadcast.Filter{
			ProjectID: req.URL.Query().Get("project_id"),
			EntityID:  req.URL.Query().Get("entity_id"),
		}
		out := make(chan broadcast.Event, clientBacklog)
		hub.Subscribe(observerID, filter, func(evt broadcast.Event) {
			select {
			case out <- evt:
			default:
				// Backlog full; this client misses the event.
			}
		})
		defer func() {
			hub.UnsubscribeAll(observerID)
			conn.Close()
		}()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case evt := <-out:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(evt); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	})
}
