package ws

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vaibhav-blitzy/task-manager-collab/internal/cache"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/lock"
	"github.com/vaibhav-blitzy/task-manager-collab/internal/realtime"
)

// Some environments send no Origin at all (native clients, the Go client
// library); those are allowed through, browsers are checked against local
// development origins.
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	hub          *Hub
	presence     cache.PresenceStore
	locks        *lock.Manager
	log          *slog.Logger
	heartbeatTTL time.Duration
}

func NewManager(hub *Hub, presence cache.PresenceStore, locks *lock.Manager, log *slog.Logger, heartbeatTTL time.Duration) *Manager {
	return &Manager{
		hub:          hub,
		presence:     presence,
		locks:        locks,
		log:          log,
		heartbeatTTL: heartbeatTTL,
	}
}

// Connect upgrades the request and runs the connection until the peer goes
// away. Identity comes from the auth middleware, never from the client.
func (m *Manager) Connect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		m.log.Warn("websocket upgrade", "err", err, "origin", c.Request.Header.Get("Origin"))
		return
	}
	defer ws.Close()

	conn := NewConn(ws, m.hub, m.presence, m.locks, m.log, userID, username, m.heartbeatTTL)

	// Writer first so the hello (and anything broadcast during subscribe
	// handling) drains promptly.
	go conn.writeLoop()
	conn.enqueue(realtime.Envelope{Type: realtime.TypeHello, UserID: userID, Username: username})

	conn.readLoop(c.Request.Context())
}
