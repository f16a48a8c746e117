package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The daemon binds to loopback; the GUI webview has no stable origin.
		return true
	},
}

type wsMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// HandleFeed upgrades the connection and pushes state snapshots: installed
// state and update counts on every store change, orchestrator status on
// every update-all transition.
func (h *Handlers) HandleFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.Logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	storeCh, cancelStore := h.Store.Subscribe()
	defer cancelStore()
	runCh, cancelRun := h.Orchestrator.Subscribe()
	defer cancelRun()

	// Reader goroutine: its only job is to observe the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(h.stateMessage()); err != nil {
		return
	}

	for {
		select {
		case <-storeCh:
			if err := conn.WriteJSON(h.stateMessage()); err != nil {
				return
			}
		case <-runCh:
			msg := wsMessage{Type: "update_all", Payload: h.Orchestrator.Status()}
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func (h *Handlers) stateMessage() wsMessage {
	return wsMessage{
		Type: "state",
		Payload: gin.H{
			"apps":         h.Store.InstalledApps(),
			"extensions":   h.Store.Extensions(),
			"runtimes":     h.Store.Runtimes(),
			"updates":      h.Store.AppUpdates(),
			"system":       h.Store.SystemUpdateCount(),
			"update_count": h.Store.UpdateCount(),
		},
	}
}
