package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"tradingagents/internal/models"
	"tradingagents/internal/services"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

const (
	wsReadTimeout  = 360 * time.Second
	wsPingInterval = 30 * time.Second
)

// SessionWebSocketHandler streams session snapshots to a client until the session completes
type SessionWebSocketHandler struct {
	sessions *services.SessionService
	metrics  *services.Metrics
}

// NewSessionWebSocketHandler creates a new session WebSocket handler
func NewSessionWebSocketHandler(sessions *services.SessionService, metrics *services.Metrics) *SessionWebSocketHandler {
	return &SessionWebSocketHandler{sessions: sessions, metrics: metrics}
}

// SessionServerMessage is a message sent to the client
type SessionServerMessage struct {
	Type    string                  `json:"type"` // snapshot, complete, pong, error
	Session *models.SessionSnapshot `json:"session,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

type sessionClientMessage struct {
	Type string `json:"type"` // ping
}

// safeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// gorilla/websocket does not support concurrent writers.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) writeJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

func (sc *safeConn) ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
}

// Handle handles a new WebSocket connection for /ws/sessions/:id
func (h *SessionWebSocketHandler) Handle(c *websocket.Conn) {
	sessionID := c.Params("id")
	connID := uuid.New().String()
	sc := &safeConn{conn: c}

	h.metrics.RecordWebSocketConnect()
	defer h.metrics.RecordWebSocketDisconnect()
	log.Printf("🔌 [SESSION-WS] New connection: connID=%s, session=%s", connID, sessionID)

	c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	closed := make(chan struct{})
	go h.readLoop(sc, connID, closed)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	var lastVersion int64 = -1
	for {
		snap, changed, err := h.sessions.Watch(sessionID)
		if err != nil {
			msg := "session not found"
			if !errors.Is(err, services.ErrSessionNotFound) {
				msg = err.Error()
			}
			sc.writeJSON(SessionServerMessage{Type: "error", Error: msg})
			return
		}

		if snap.Version != lastVersion {
			if err := sc.writeJSON(SessionServerMessage{Type: "snapshot", Session: snap}); err != nil {
				log.Printf("⚠️ [SESSION-WS] Write failed for %s: %v", connID, err)
				return
			}
			lastVersion = snap.Version
		}
		if snap.IsComplete {
			sc.writeJSON(SessionServerMessage{Type: "complete"})
			log.Printf("✅ [SESSION-WS] Session %s complete, closing %s", sessionID, connID)
			return
		}

		select {
		case <-changed:
		case <-closed:
			log.Printf("🔌 [SESSION-WS] Client %s disconnected", connID)
			return
		case <-ticker.C:
			if err := sc.ping(); err != nil {
				log.Printf("⚠️ Ping failed for %s: %v", connID, err)
				return
			}
		}
	}
}

// readLoop answers client heartbeats and signals when the client goes away
func (h *SessionWebSocketHandler) readLoop(sc *safeConn, connID string, closed chan<- struct{}) {
	defer close(closed)
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ Panic in readLoop: %v", r)
		}
	}()

	for {
		_, msg, err := sc.conn.ReadMessage()
		if err != nil {
			return
		}
		sc.conn.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var clientMsg sessionClientMessage
		if err := json.Unmarshal(msg, &clientMsg); err != nil {
			log.Printf("⚠️  Invalid message format from %s: %v", connID, err)
			continue
		}
		if clientMsg.Type == "ping" {
			sc.writeJSON(SessionServerMessage{Type: "pong"})
		}
	}
}
