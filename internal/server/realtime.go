package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lodestonehq/lattice/internal/store"
	"github.com/lodestonehq/lattice/internal/synapse"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Token auth happens before the upgrade; origin checking adds nothing for
	// a bearer-authenticated socket.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleRealtime upgrades the connection and hands it to the dissemination
// service. Workspaces claimed in the token are subscribed immediately; the
// client may subscribe further roots over the socket.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	if h.synapse == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_disabled"})
		return
	}
	session, ok := h.sessionFrom(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	identity := synapse.Identity{
		DeviceID: store.DeviceID(session.DeviceID),
		UserID:   store.ActorID(session.UserID),
	}
	socket := synapse.NewSocket(conn)
	h.synapse.Register(identity, socket)
	for rootID := range session.Workspaces {
		h.synapse.Subscribe(identity.DeviceID, rootID)
	}
	go socket.ReadPump(h.synapse, identity)
}
