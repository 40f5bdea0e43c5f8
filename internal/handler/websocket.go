package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fleet-panel/internal/hub"
	"fleet-panel/internal/middleware"
	"fleet-panel/internal/wings"
)

type ConsoleSigner interface {
	ConsoleCredentials(ctx context.Context, nodeID, serverUUID, userID string, perms []string) (wings.ConsoleCredentials, error)
}

// WebSocketHandler serves the panel's per-server event stream and hands
// out console credentials for the node's own socket.
type WebSocketHandler struct {
	Hub     *hub.Hub
	Console ConsoleSigner
	Logger  *slog.Logger
}

type clientMessage struct {
	Type string `json:"type"`
}

type serverMessage struct {
	Type  string      `json:"type"`
	Event string      `json:"event,omitempty"`
	Body  interface{} `json:"body,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Credentials(c *gin.Context) {
	srv := serverFrom(c)
	access, _ := accessFrom(c)
	creds, err := h.Console.ConsoleCredentials(c.Request.Context(), srv.NodeID, srv.UUID, access.UserID, access.Permissions.List())
	if err != nil {
		respondError(c, h.Logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": creds})
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	srv := serverFrom(c)
	access, _ := accessFrom(c)

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	identity, _ := middleware.IdentityFromContext(c)
	writer := &wsWriter{conn: ws}
	conn := &hub.Connection{
		ServerID:  srv.ID,
		UserID:    access.UserID,
		SessionID: identity.SessionID,
		Access:    access,
		Writer:    writer,
	}
	h.Hub.Register(conn)
	defer func() {
		h.Hub.Unregister(conn)
		_ = ws.Close()
	}()

	hello, _ := json.Marshal(serverMessage{
		Type:  "connected",
		Event: "auth success",
		Body:  gin.H{"serverId": srv.ID, "permissions": access.Permissions},
	})
	if err := writer.Write(hello); err != nil {
		return
	}

	ws.SetReadLimit(64 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			out, _ := json.Marshal(serverMessage{Type: "pong"})
			_ = writer.Write(out)
		}
	}
}
