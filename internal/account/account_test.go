package account

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/auth"
	"fleet-panel/internal/logging"
	"fleet-panel/internal/model"
	"fleet-panel/internal/store"
	"fleet-panel/internal/tokenvault"
)

type captureMailer struct {
	mu    sync.Mutex
	to    []string
	links []string
}

func (m *captureMailer) SendPasswordReset(_ context.Context, to, link string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.to = append(m.to, to)
	m.links = append(m.links, link)
	return nil
}

func (m *captureMailer) lastToken(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.links) == 0 {
		t.Fatalf("no reset link sent")
	}
	u, err := url.Parse(m.links[len(m.links)-1])
	if err != nil {
		t.Fatalf("parse link: %v", err)
	}
	return u.Query().Get("token")
}

type captureSink struct {
	events []audit.Event
}

func (c *captureSink) Record(_ context.Context, e audit.Event) { c.events = append(c.events, e) }

type captureSockets struct {
	calls []string
}

func (c *captureSockets) DisconnectUser(userID, keepSessionID string) int {
	c.calls = append(c.calls, userID+"|"+keepSessionID)
	return 1
}

type env struct {
	svc     *Service
	store   *store.Store
	mailer  *captureMailer
	sockets *captureSockets
	sink    *captureSink
	user    model.User
	tokens  auth.TokenConfig
}

const initialPassword = "initial-password-1"

func setup(t *testing.T) env {
	t.Helper()
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "panel.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	hash, err := auth.HashPassword(initialPassword)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := s.CreateUser(context.Background(), model.User{Username: "alice", Email: "alice@example.com", PasswordHash: hash})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	mailer := &captureMailer{}
	sockets := &captureSockets{}
	sink := &captureSink{}
	tokens := auth.TokenConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "test"}
	svc := NewService(s, tokenvault.New(s), Options{
		Tokens:   tokens,
		PanelURL: "https://panel.example.com/",
		Mailer:   mailer,
		Sockets:  sockets,
		Audit:    sink,
		Logger:   logging.Discard(),
	})
	return env{svc: svc, store: s, mailer: mailer, sockets: sockets, sink: sink, user: u, tokens: tokens}
}

func TestLoginAndLogout(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if _, err := e.svc.Login(ctx, "alice", "wrong-password-xx"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := e.svc.Login(ctx, "bob", initialPassword); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	res, err := e.svc.Login(ctx, "ALICE@example.com", initialPassword)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	claims, err := auth.VerifyToken(res.Token, e.tokens)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.UserID != e.user.ID || claims.SessionID != res.Session.ID {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if err := e.svc.Logout(ctx, res.Session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := e.store.GetSession(ctx, res.Session.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected session gone, got %v", err)
	}
}

func TestRequestPasswordReset_DoesNotRevealUsers(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	if err := e.svc.RequestPasswordReset(ctx, "nobody@example.com"); err != nil {
		t.Fatalf("expected nil for unknown identity, got %v", err)
	}
	if len(e.mailer.links) != 0 {
		t.Fatalf("expected no mail for unknown identity")
	}

	if err := e.svc.RequestPasswordReset(ctx, "alice"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	if len(e.mailer.to) != 1 || e.mailer.to[0] != "alice@example.com" {
		t.Fatalf("expected mail to alice, got %v", e.mailer.to)
	}
	if !strings.HasPrefix(e.mailer.links[0], "https://panel.example.com/auth/password/reset?token=") {
		t.Fatalf("unexpected link %q", e.mailer.links[0])
	}
}

func TestResetPassword_RevokesSessionsAndIsSingleUse(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	l1, _ := e.svc.Login(ctx, "alice", initialPassword)
	l2, _ := e.svc.Login(ctx, "alice", initialPassword)

	if err := e.svc.RequestPasswordReset(ctx, "alice@example.com"); err != nil {
		t.Fatalf("RequestPasswordReset: %v", err)
	}
	token := e.mailer.lastToken(t)

	if err := e.svc.ResetPassword(ctx, token, "too-short"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Fatalf("expected short password rejected, got %v", err)
	}
	if err := e.svc.ResetPassword(ctx, token, "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}

	for _, id := range []string{l1.Session.ID, l2.Session.ID} {
		if _, err := e.store.GetSession(ctx, id); !errors.Is(err, apperr.ErrNotFound) {
			t.Fatalf("expected session %s revoked, got %v", id, err)
		}
	}
	if _, err := e.svc.Login(ctx, "alice", initialPassword); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected old password rejected")
	}
	if _, err := e.svc.Login(ctx, "alice", "brand-new-password"); err != nil {
		t.Fatalf("expected new password accepted, got %v", err)
	}

	if err := e.svc.ResetPassword(ctx, token, "another-new-password"); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected reused token rejected, got %v", err)
	}
	if len(e.sink.events) != 1 || e.sink.events[0].Action != "account.password.reset" {
		t.Fatalf("expected one reset audit event, got %+v", e.sink.events)
	}
	if len(e.sockets.calls) != 1 || e.sockets.calls[0] != e.user.ID+"|" {
		t.Fatalf("expected every event stream closed, got %v", e.sockets.calls)
	}
}

func TestResetPassword_OnlyLatestTokenWorks(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	_ = e.svc.RequestPasswordReset(ctx, "alice")
	first := e.mailer.lastToken(t)
	_ = e.svc.RequestPasswordReset(ctx, "alice")
	second := e.mailer.lastToken(t)

	if err := e.svc.ResetPassword(ctx, first, "brand-new-password"); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected superseded token rejected, got %v", err)
	}
	if err := e.svc.ResetPassword(ctx, second, "brand-new-password"); err != nil {
		t.Fatalf("ResetPassword: %v", err)
	}
}

func TestChangePassword_KeepsCurrentSession(t *testing.T) {
	e := setup(t)
	ctx := context.Background()

	current, _ := e.svc.Login(ctx, "alice", initialPassword)
	other, _ := e.svc.Login(ctx, "alice", initialPassword)

	if _, err := e.svc.ChangePassword(ctx, e.user.ID, current.Session.ID, "not-the-password", "brand-new-password"); !errors.Is(err, apperr.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	revoked, err := e.svc.ChangePassword(ctx, e.user.ID, current.Session.ID, initialPassword, "brand-new-password")
	if err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if revoked != 1 {
		t.Fatalf("expected 1 revoked session, got %d", revoked)
	}
	if _, err := e.store.GetSession(ctx, current.Session.ID); err != nil {
		t.Fatalf("expected current session kept, got %v", err)
	}
	if _, err := e.store.GetSession(ctx, other.Session.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected other session revoked, got %v", err)
	}
	if len(e.sockets.calls) != 1 || e.sockets.calls[0] != e.user.ID+"|"+current.Session.ID {
		t.Fatalf("expected event streams closed except the current session, got %v", e.sockets.calls)
	}
}
