package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"fleet-panel/internal/model"
)

func TestWebSocketPingPongAndServerEvents(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/servers/" + serverID + "/ws?token=" + ownerTok
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "connected" {
		t.Fatalf("expected connected greeting, got %v (%v)", msg, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "pong" {
		t.Fatalf("expected pong, got %v (%v)", msg, err)
	}

	env.expect(env.do(http.MethodPost, "/v1/servers/"+serverID+"/backups", ownerTok, map[string]any{"name": "live"}), http.StatusCreated)
	msg = nil
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if msg["event"] != "server.backup.create" || msg["serverId"] != serverID {
		t.Fatalf("unexpected event %v", msg)
	}
	if env.hub.Count(serverID) != 1 {
		t.Fatalf("expected one subscriber, got %d", env.hub.Count(serverID))
	}
}

// dialEvents opens the event stream and consumes the greeting.
func dialEvents(t *testing.T, base, serverID, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/v1/servers/" + serverID + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "connected" {
		t.Fatalf("expected connected greeting, got %v (%v)", msg, err)
	}
	return conn
}

func TestWebSocketEventsFollowReadPermissions(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	viewer := env.createUser("viewer", model.RoleUser, "viewer pass 123")
	env.expect(env.do(http.MethodPut, "/v1/servers/"+serverID+"/subusers/"+viewer.ID, ownerTok, map[string]any{"permissions": []string{"file.read"}}), http.StatusCreated)
	viewerTok := env.login("viewer", "viewer pass 123")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	conn := dialEvents(t, srv.URL, serverID, viewerTok)

	env.expect(env.do(http.MethodPost, "/v1/servers/"+serverID+"/backups", ownerTok, map[string]any{"name": "hidden"}), http.StatusCreated)

	// The backup event was broadcast before the create returned, so a
	// leaked event would arrive ahead of the pong.
	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil || msg["type"] != "pong" {
		t.Fatalf("expected pong without backup event, got %v (%v)", msg, err)
	}
}

func TestWebSocketClosedOnPasswordChange(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	currentTok := env.login("owner", "owner password 123")

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	stale := dialEvents(t, srv.URL, serverID, ownerTok)
	current := dialEvents(t, srv.URL, serverID, currentTok)

	env.expect(env.do(http.MethodPut, "/v1/account/password", currentTok, map[string]any{
		"currentPassword": "owner password 123",
		"password":        "owner password 456",
	}), http.StatusOK)

	var msg map[string]any
	if err := stale.ReadJSON(&msg); err == nil {
		t.Fatalf("expected stale stream closed, got %v", msg)
	}
	if env.hub.Count(serverID) != 1 {
		t.Fatalf("expected only the current session subscribed, got %d", env.hub.Count(serverID))
	}
	if err := current.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	msg = nil
	if err := current.ReadJSON(&msg); err != nil || msg["type"] != "pong" {
		t.Fatalf("expected current stream alive, got %v (%v)", msg, err)
	}
}

func TestWebSocketRejectsNonMembers(t *testing.T) {
	env := newEnv(t)
	_, _, _, serverID := env.fleet()
	env.createUser("eve", model.RoleUser, "eve password 123")
	eveTok := env.login("eve", "eve password 123")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/servers/" + serverID + "/ws?token=" + eveTok
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 handshake response, got %v", resp)
	}
}

func TestConsoleCredentials(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, owner, serverID := env.fleet()

	out := env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/websocket", ownerTok, nil), http.StatusOK)
	data := out["data"].(map[string]any)
	if data["token"] != "console-"+owner.ID || !strings.HasSuffix(data["socket"].(string), "/ws") {
		t.Fatalf("unexpected credentials %v", data)
	}
}
