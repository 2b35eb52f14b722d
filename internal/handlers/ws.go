package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"astro-studio-backend/internal/middleware"
	"astro-studio-backend/internal/models"
	"astro-studio-backend/internal/progress"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// WSHandler streams progress events to the authenticated user over a
// WebSocket. Delivery is best-effort: clients reconcile durable state
// from the task endpoints on reconnect.
type WSHandler struct {
	bus      progress.Bus
	upgrader websocket.Upgrader
}

func NewWSHandler(bus progress.Bus) *WSHandler {
	return &WSHandler{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) Stream(c *gin.Context) {
	raw, exists := c.Get(middleware.UserIDKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, models.ErrorResponse{Error: "user id not found"})
		return
	}
	userID := raw.(string)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade failed for %s: %v", userID, err)
		return
	}
	defer conn.Close()

	events, unsubscribe := h.bus.Subscribe(userID)
	defer unsubscribe()

	// Reader goroutine: we never expect client messages, but reading is
	// required to process close frames and detect a dead peer.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				log.Printf("websocket write failed for %s: %v", userID, err)
				return
			}
		}
	}
}
