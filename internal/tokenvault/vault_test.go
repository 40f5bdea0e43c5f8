package tokenvault

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
	"fleet-panel/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func setup(t *testing.T) (*Vault, *store.Store, *clock, model.User) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
	s, err := store.Open(store.Options{Path: filepath.Join(t.TempDir(), "panel.db"), Now: c.Now})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	u, err := s.CreateUser(context.Background(), model.User{Username: "alice", Email: "alice@example.com", PasswordHash: "x"})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return NewWithNow(s, DefaultTTL, c.Now), s, c, u
}

func TestVault_IssueValidateConsume(t *testing.T) {
	v, s, _, u := setup(t)
	ctx := context.Background()

	issued, err := v.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if len(issued.Token) < 40 {
		t.Fatalf("expected a long random token, got %q", issued.Token)
	}
	if _, err := s.GetResetTokenByHash(ctx, issued.Token); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("raw token must never be stored")
	}

	tok, err := v.Validate(ctx, issued.Token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if tok.UserID != u.ID {
		t.Fatalf("expected token for %s, got %s", u.ID, tok.UserID)
	}

	if err := v.Consume(ctx, tok.ID, u.ID); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := v.Validate(ctx, issued.Token); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected used token rejected, got %v", err)
	}
	if err := v.Consume(ctx, tok.ID, u.ID); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected double consume rejected, got %v", err)
	}
}

func TestVault_ExpiresAfterSixtyMinutes(t *testing.T) {
	v, _, c, u := setup(t)
	ctx := context.Background()

	issued, _ := v.Issue(ctx, u.ID)
	c.Advance(59 * time.Minute)
	if _, err := v.Validate(ctx, issued.Token); err != nil {
		t.Fatalf("expected token valid at 59m, got %v", err)
	}
	c.Advance(61 * time.Second)
	if _, err := v.Validate(ctx, issued.Token); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected token expired at 60m, got %v", err)
	}
}

func TestVault_SingleActiveToken(t *testing.T) {
	v, _, _, u := setup(t)
	ctx := context.Background()

	first, _ := v.Issue(ctx, u.ID)
	second, err := v.Issue(ctx, u.ID)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := v.Validate(ctx, first.Token); !errors.Is(err, apperr.ErrInvalidOrExpired) {
		t.Fatalf("expected first token invalidated, got %v", err)
	}
	if _, err := v.Validate(ctx, second.Token); err != nil {
		t.Fatalf("expected second token valid, got %v", err)
	}
}

func TestVault_UnknownTokensLookTheSame(t *testing.T) {
	v, _, _, _ := setup(t)
	for _, raw := range []string{"", "nope", "  "} {
		if _, err := v.Validate(context.Background(), raw); !errors.Is(err, apperr.ErrInvalidOrExpired) {
			t.Fatalf("%q: expected invalid or expired, got %v", raw, err)
		}
	}
}

func TestVault_ConcurrentConsumeOnlyOneWins(t *testing.T) {
	v, _, _, u := setup(t)
	ctx := context.Background()
	issued, _ := v.Issue(ctx, u.ID)
	tok, _ := v.Validate(ctx, issued.Token)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := v.Consume(ctx, tok.ID, u.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful consume, got %d", wins)
	}
}
