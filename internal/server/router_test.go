package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"fleet-panel/internal/auth"
	"fleet-panel/internal/config"
	"fleet-panel/internal/hub"
	"fleet-panel/internal/logging"
	"fleet-panel/internal/model"
	"fleet-panel/internal/permission"
	"fleet-panel/internal/store"
	"fleet-panel/internal/wings"
)

type fakeNodes struct {
	mu      sync.Mutex
	listing []wings.RemoteBackup
	deleted []string
}

func (f *fakeNodes) CreateBackup(_ context.Context, _, _ string, req wings.CreateBackupRequest) (wings.RemoteBackup, error) {
	done := time.Now().UTC()
	rb := wings.RemoteBackup{UUID: req.UUID, Name: req.Name, Bytes: 4096, SHA256Hash: "abc123", CompletedAt: &done}
	f.mu.Lock()
	f.listing = append(f.listing, rb)
	f.mu.Unlock()
	return rb, nil
}

func (f *fakeNodes) DeleteBackup(_ context.Context, _, _, backupUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, backupUUID)
	return nil
}

func (f *fakeNodes) RestoreBackup(context.Context, string, string, string, bool) error { return nil }

func (f *fakeNodes) ListBackups(context.Context, string, string) ([]wings.RemoteBackup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wings.RemoteBackup(nil), f.listing...), nil
}

func (f *fakeNodes) ConsoleCredentials(_ context.Context, nodeID, serverUUID, userID string, perms []string) (wings.ConsoleCredentials, error) {
	return wings.ConsoleCredentials{Token: "console-" + userID, Socket: "ws://node/api/servers/" + serverUUID + "/ws"}, nil
}

type captureMailer struct {
	mu    sync.Mutex
	links []string
}

func (m *captureMailer) SendPasswordReset(_ context.Context, _ string, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links = append(m.links, link)
	return nil
}

type testEnv struct {
	t      *testing.T
	router *gin.Engine
	store  *store.Store
	nodes  *fakeNodes
	mailer *captureMailer
	hub    *hub.Hub
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "panel.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	env := &testEnv{t: t, store: st, nodes: &fakeNodes{}, mailer: &captureMailer{}, hub: hub.New()}
	env.router = NewRouter(Deps{
		Store:       st,
		TokenConfig: auth.TokenConfig{Secret: "secret", Expiry: time.Hour, Issuer: "test"},
		Config:      config.Config{MaxCIDRAddresses: 256, PanelURL: "https://panel.test", ResetRequestsPerMinute: 5},
		Logger:      logging.Discard(),
		Nodes:       env.nodes,
		Mailer:      env.mailer,
		Hub:         env.hub,
	})
	return env
}

func (e *testEnv) do(method, path, token string, body any) *httptest.ResponseRecorder {
	e.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) expect(w *httptest.ResponseRecorder, status int) map[string]any {
	e.t.Helper()
	if w.Code != status {
		e.t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			e.t.Fatalf("unmarshal: %v", err)
		}
	}
	return out
}

func (e *testEnv) createUser(username, role, password string) model.User {
	e.t.Helper()
	hash, err := auth.HashPassword(password)
	if err != nil {
		e.t.Fatalf("HashPassword: %v", err)
	}
	u, err := e.store.CreateUser(context.Background(), model.User{Username: username, Email: username + "@example.com", PasswordHash: hash, Role: role})
	if err != nil {
		e.t.Fatalf("CreateUser: %v", err)
	}
	return u
}

func (e *testEnv) login(identity, password string) string {
	e.t.Helper()
	out := e.expect(e.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"identity": identity, "password": password}), http.StatusOK)
	tok, _ := out["token"].(string)
	if tok == "" {
		e.t.Fatalf("login returned no token: %v", out)
	}
	return tok
}

// fleet seeds an admin, an owner with one server and returns their tokens.
func (e *testEnv) fleet() (adminTok, ownerTok string, owner model.User, serverID string) {
	e.t.Helper()
	e.createUser("admin", model.RoleAdmin, "correct horse battery")
	owner = e.createUser("owner", model.RoleUser, "owner password 123")
	adminTok = e.login("admin", "correct horse battery")
	ownerTok = e.login("owner@example.com", "owner password 123")

	node := e.expect(e.do(http.MethodPost, "/v1/admin/nodes", adminTok, map[string]any{"name": "n1", "baseUrl": "http://wings.local:8080"}), http.StatusCreated)["node"].(map[string]any)
	nodeID := node["id"].(string)
	if node["token"] == "" || node["tokenId"] == "" {
		e.t.Fatalf("expected node credential on create: %v", node)
	}

	created := e.expect(e.do(http.MethodPost, "/v1/admin/nodes/"+nodeID+"/allocations", adminTok, map[string]any{"ip": "10.0.0.0/30", "ports": "25565-25566"}), http.StatusCreated)
	allocs := created["created"].([]any)
	if len(allocs) != 8 {
		e.t.Fatalf("expected 8 allocations, got %d", len(allocs))
	}
	first := allocs[0].(map[string]any)["id"].(string)

	srv := e.expect(e.do(http.MethodPost, "/v1/admin/servers", adminTok, map[string]any{
		"name": "survival", "ownerId": owner.ID, "allocationId": first, "allocationLimit": 2, "backupLimit": 3,
	}), http.StatusCreated)["server"].(map[string]any)
	return adminTok, ownerTok, owner, srv["id"].(string)
}

func TestHealth(t *testing.T) {
	env := newEnv(t)
	out := env.expect(env.do(http.MethodGet, "/health", "", nil), http.StatusOK)
	if out["ok"] != true {
		t.Fatalf("unexpected health body %v", out)
	}
}

func TestLoginAndLogout(t *testing.T) {
	env := newEnv(t)
	env.createUser("alice", model.RoleUser, "alice password 1")

	env.expect(env.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"identity": "alice", "password": "wrong password"}), http.StatusUnauthorized)
	env.expect(env.do(http.MethodPost, "/v1/auth/login", "", map[string]any{"identity": "nobody", "password": "whatever"}), http.StatusUnauthorized)

	tok := env.login("alice", "alice password 1")
	me := env.expect(env.do(http.MethodGet, "/v1/account", tok, nil), http.StatusOK)["user"].(map[string]any)
	if me["username"] != "alice" {
		t.Fatalf("unexpected account %v", me)
	}

	env.expect(env.do(http.MethodPost, "/v1/auth/logout", tok, nil), http.StatusNoContent)
	env.expect(env.do(http.MethodGet, "/v1/account", tok, nil), http.StatusUnauthorized)
}

func TestAdminRoutesRequireAdmin(t *testing.T) {
	env := newEnv(t)
	env.createUser("bob", model.RoleUser, "bob password 12")
	tok := env.login("bob", "bob password 12")

	env.expect(env.do(http.MethodGet, "/v1/admin/nodes", tok, nil), http.StatusForbidden)
	env.expect(env.do(http.MethodGet, "/v1/admin/nodes", "", nil), http.StatusUnauthorized)
}

func TestAllocationConflictsAndValidation(t *testing.T) {
	env := newEnv(t)
	adminTok, _, _, _ := env.fleet()

	nodes := env.expect(env.do(http.MethodGet, "/v1/admin/nodes", adminTok, nil), http.StatusOK)["nodes"].([]any)
	node := nodes[0].(map[string]any)
	if _, leaked := node["token"]; leaked {
		t.Fatalf("node token must not be listed")
	}
	nodeID := node["id"].(string)

	out := env.expect(env.do(http.MethodPost, "/v1/admin/nodes/"+nodeID+"/allocations", adminTok, map[string]any{"ip": "10.0.0.0/30", "ports": "25565-25566"}), http.StatusConflict)
	if out["code"] != "all_conflict" || len(out["skipped"].([]any)) != 8 {
		t.Fatalf("unexpected conflict body %v", out)
	}

	out = env.expect(env.do(http.MethodPost, "/v1/admin/nodes/"+nodeID+"/allocations", adminTok, map[string]any{"ip": "10.0.0.0/8", "ports": "80"}), http.StatusBadRequest)
	if out["code"] != "range_too_large" {
		t.Fatalf("unexpected code %v", out["code"])
	}
	env.expect(env.do(http.MethodPost, "/v1/admin/nodes/"+nodeID+"/allocations", adminTok, map[string]any{"ip": "10.0.1.1", "ports": "90-80"}), http.StatusBadRequest)
	env.expect(env.do(http.MethodPost, "/v1/admin/nodes/missing/allocations", adminTok, map[string]any{"ip": "10.0.1.1", "ports": "80"}), http.StatusNotFound)

	list := env.expect(env.do(http.MethodGet, "/v1/admin/nodes/"+nodeID+"/allocations", adminTok, nil), http.StatusOK)["allocations"].([]any)
	var bound, free string
	for _, raw := range list {
		a := raw.(map[string]any)
		if a["assigned"] == true {
			bound = a["id"].(string)
		} else if free == "" {
			free = a["id"].(string)
		}
	}
	env.expect(env.do(http.MethodDelete, "/v1/admin/allocations/"+bound, adminTok, nil), http.StatusConflict)
	env.expect(env.do(http.MethodDelete, "/v1/admin/allocations/"+free, adminTok, nil), http.StatusNoContent)
	env.expect(env.do(http.MethodDelete, "/v1/admin/allocations/"+free, adminTok, nil), http.StatusNotFound)
}

func TestServerAccessAndSubusers(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	sub := env.createUser("sub", model.RoleUser, "sub password 123")
	env.createUser("stranger", model.RoleUser, "stranger pass 12")
	subTok := env.login("sub", "sub password 123")
	strangerTok := env.login("stranger", "stranger pass 12")

	env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID, strangerTok, nil), http.StatusNotFound)
	env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID, subTok, nil), http.StatusNotFound)

	env.expect(env.do(http.MethodPut, "/v1/servers/"+serverID+"/subusers/"+sub.ID, ownerTok, map[string]any{"permissions": []string{"file.read", "backup.read"}}), http.StatusCreated)

	perms := env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/permissions", subTok, nil), http.StatusOK)["permissions"].([]any)
	want := map[string]bool{"backup.read": true, "file.read": true, permission.WebsocketConnect: true}
	if len(perms) != len(want) {
		t.Fatalf("unexpected permissions %v", perms)
	}
	for _, p := range perms {
		if !want[p.(string)] {
			t.Fatalf("unexpected permission %v", p)
		}
	}

	env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/backups", subTok, nil), http.StatusOK)
	env.expect(env.do(http.MethodPost, "/v1/servers/"+serverID+"/backups", subTok, map[string]any{}), http.StatusForbidden)
	env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/allocations", subTok, nil), http.StatusForbidden)

	env.expect(env.do(http.MethodPut, "/v1/servers/"+serverID+"/subusers/"+sub.ID, ownerTok, map[string]any{"permissions": []string{"Backup Everything"}}), http.StatusBadRequest)
	env.expect(env.do(http.MethodPut, "/v1/servers/"+serverID+"/subusers/"+sub.ID, ownerTok, map[string]any{"permissions": []string{"backup.*"}}), http.StatusOK)
	env.expect(env.do(http.MethodPost, "/v1/servers/"+serverID+"/backups", subTok, map[string]any{"name": "by-sub"}), http.StatusCreated)

	env.expect(env.do(http.MethodDelete, "/v1/servers/"+serverID+"/subusers/"+sub.ID, ownerTok, nil), http.StatusNoContent)
	env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/backups", subTok, nil), http.StatusNotFound)
}

func TestSubuserCannotEscalateThroughGrants(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	mgr := env.createUser("mgr", model.RoleUser, "mgr password 123")
	peer := env.createUser("peer", model.RoleUser, "peer password 12")
	victim := env.createUser("victim", model.RoleUser, "victim pass 123")
	base := "/v1/servers/" + serverID + "/subusers/"

	env.expect(env.do(http.MethodPut, base+mgr.ID, ownerTok, map[string]any{"permissions": []string{"user.update", "user.delete"}}), http.StatusCreated)
	env.expect(env.do(http.MethodPut, base+peer.ID, ownerTok, map[string]any{"permissions": []string{"backup.delete"}}), http.StatusCreated)
	mgrTok := env.login("mgr", "mgr password 123")

	// An empty list resolves to the default baseline, which mgr does not hold.
	env.expect(env.do(http.MethodPut, base+victim.ID, mgrTok, map[string]any{"permissions": []string{}}), http.StatusForbidden)
	env.expect(env.do(http.MethodPut, base+victim.ID, mgrTok, map[string]any{"permissions": []string{"control.start"}}), http.StatusForbidden)
	env.expect(env.do(http.MethodPut, base+victim.ID, mgrTok, map[string]any{"permissions": []string{"user.update"}}), http.StatusCreated)

	env.expect(env.do(http.MethodPut, base+peer.ID, mgrTok, map[string]any{"permissions": []string{"user.update"}}), http.StatusForbidden)
	env.expect(env.do(http.MethodDelete, base+peer.ID, mgrTok, nil), http.StatusForbidden)
	env.expect(env.do(http.MethodDelete, base+victim.ID, mgrTok, nil), http.StatusNoContent)

	list := env.expect(env.do(http.MethodGet, base[:len(base)-1], ownerTok, nil), http.StatusOK)["subusers"].([]any)
	for _, raw := range list {
		su := raw.(map[string]any)
		if su["userId"] == peer.ID && len(su["permissions"].([]any)) != 1 {
			t.Fatalf("expected peer grants untouched, got %v", su["permissions"])
		}
	}
}

func TestClientAllocations(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	base := "/v1/servers/" + serverID + "/allocations"

	second := env.expect(env.do(http.MethodPost, base, ownerTok, nil), http.StatusCreated)["allocation"].(map[string]any)
	env.expect(env.do(http.MethodPost, base, ownerTok, nil), http.StatusConflict)

	id := second["id"].(string)
	updated := env.expect(env.do(http.MethodPatch, base+"/"+id, ownerTok, map[string]any{"notes": "query port"}), http.StatusOK)["allocation"].(map[string]any)
	if updated["notes"] != "query port" {
		t.Fatalf("unexpected notes %v", updated["notes"])
	}

	list := env.expect(env.do(http.MethodGet, base, ownerTok, nil), http.StatusOK)["allocations"].([]any)
	var primary string
	for _, raw := range list {
		if a := raw.(map[string]any); a["isDefault"] == true {
			primary = a["id"].(string)
		}
	}
	env.expect(env.do(http.MethodDelete, base+"/"+primary, ownerTok, nil), http.StatusConflict)

	env.expect(env.do(http.MethodPost, base+"/"+id+"/primary", ownerTok, nil), http.StatusOK)
	env.expect(env.do(http.MethodDelete, base+"/"+primary, ownerTok, nil), http.StatusNoContent)
}

func TestBackupLifecycle(t *testing.T) {
	env := newEnv(t)
	_, ownerTok, _, serverID := env.fleet()
	base := "/v1/servers/" + serverID + "/backups"

	b := env.expect(env.do(http.MethodPost, base, ownerTok, map[string]any{"name": "nightly", "ignoredFiles": []string{"*.log"}}), http.StatusCreated)["backup"].(map[string]any)
	if b["state"] != "successful" || b["isLocked"] != false {
		t.Fatalf("unexpected backup %v", b)
	}
	id := b["uuid"].(string)

	env.expect(env.do(http.MethodPost, base+"/"+id+"/lock", ownerTok, nil), http.StatusOK)
	out := env.expect(env.do(http.MethodDelete, base+"/"+id, ownerTok, nil), http.StatusConflict)
	if out["code"] != "locked" {
		t.Fatalf("unexpected code %v", out["code"])
	}
	env.expect(env.do(http.MethodPost, base+"/"+id+"/restore", ownerTok, map[string]any{"truncate": true}), http.StatusAccepted)
	env.expect(env.do(http.MethodPost, base+"/"+id+"/unlock", ownerTok, nil), http.StatusOK)
	env.expect(env.do(http.MethodDelete, base+"/"+id, ownerTok, nil), http.StatusNoContent)
	env.expect(env.do(http.MethodGet, base+"/"+id, ownerTok, nil), http.StatusNotFound)

	env.nodes.mu.Lock()
	env.nodes.listing = []wings.RemoteBackup{{UUID: "7d0b8a50-0000-4000-8000-00000000000a", Name: "out-of-band"}}
	env.nodes.mu.Unlock()
	sync := env.expect(env.do(http.MethodPost, base+"/sync", ownerTok, nil), http.StatusOK)
	if sync["synced"] != float64(1) || len(sync["errors"].([]any)) != 0 {
		t.Fatalf("unexpected sync result %v", sync)
	}
	list := env.expect(env.do(http.MethodGet, base, ownerTok, nil), http.StatusOK)["backups"].([]any)
	if len(list) != 1 || list[0].(map[string]any)["state"] != "pending" {
		t.Fatalf("unexpected backups after sync %v", list)
	}

	activity := env.expect(env.do(http.MethodGet, "/v1/servers/"+serverID+"/activity", ownerTok, nil), http.StatusOK)["activity"].([]any)
	actions := make([]string, 0, len(activity))
	for _, raw := range activity {
		actions = append(actions, raw.(map[string]any)["action"].(string))
	}
	joined := strings.Join(actions, ",")
	for _, want := range []string{"server.backup.create", "server.backup.lock", "server.backup.restore", "server.backup.delete", "server.backup.sync"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %s in activity %v", want, actions)
		}
	}
}

func TestPasswordResetFlow(t *testing.T) {
	env := newEnv(t)
	env.createUser("carol", model.RoleUser, "carol password 1")
	oldTok := env.login("carol", "carol password 1")

	for _, identity := range []string{"carol@example.com", "ghost@example.com"} {
		out := env.expect(env.do(http.MethodPost, "/v1/auth/password/request", "", map[string]any{"email": identity}), http.StatusOK)
		if out["success"] != true {
			t.Fatalf("expected generic success for %s, got %v", identity, out)
		}
	}
	if len(env.mailer.links) != 1 || !strings.HasPrefix(env.mailer.links[0], "https://panel.test/auth/password/reset?token=") {
		t.Fatalf("unexpected mailed links %v", env.mailer.links)
	}
	token := env.mailer.links[0][strings.Index(env.mailer.links[0], "token=")+len("token="):]

	env.expect(env.do(http.MethodPost, "/v1/auth/password/reset", "", map[string]any{"token": token, "password": "short"}), http.StatusBadRequest)
	env.expect(env.do(http.MethodPost, "/v1/auth/password/reset", "", map[string]any{"token": token, "password": "brand new password"}), http.StatusOK)
	out := env.expect(env.do(http.MethodPost, "/v1/auth/password/reset", "", map[string]any{"token": token, "password": "another new password"}), http.StatusBadRequest)
	if out["code"] != "invalid_or_expired" {
		t.Fatalf("expected token reuse to fail, got %v", out)
	}

	env.expect(env.do(http.MethodGet, "/v1/account", oldTok, nil), http.StatusUnauthorized)
	env.login("carol", "brand new password")
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	env := newEnv(t)
	env.createUser("dave", model.RoleUser, "dave password 12")
	current := env.login("dave", "dave password 12")
	other := env.login("dave", "dave password 12")

	env.expect(env.do(http.MethodPut, "/v1/account/password", current, map[string]any{"currentPassword": "wrong", "password": "dave new password"}), http.StatusUnauthorized)
	out := env.expect(env.do(http.MethodPut, "/v1/account/password", current, map[string]any{"currentPassword": "dave password 12", "password": "dave new password"}), http.StatusOK)
	if out["revokedSessions"] != float64(1) {
		t.Fatalf("expected 1 revoked session, got %v", out["revokedSessions"])
	}
	env.expect(env.do(http.MethodGet, "/v1/account", current, nil), http.StatusOK)
	env.expect(env.do(http.MethodGet, "/v1/account", other, nil), http.StatusUnauthorized)
}
