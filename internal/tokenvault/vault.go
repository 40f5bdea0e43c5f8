// Package tokenvault issues single-use password-reset tokens. Only the
// sha256 hash of a token is stored; the raw value is returned once.
package tokenvault

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

const DefaultTTL = 60 * time.Minute

type Repository interface {
	DeleteExpiredResetTokens(ctx context.Context, now time.Time) (int64, error)
	DeleteUnusedResetTokens(ctx context.Context, userID string) (int64, error)
	CreateResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (model.PasswordResetToken, error)
	GetResetTokenByHash(ctx context.Context, tokenHash string) (model.PasswordResetToken, error)
	MarkResetTokenUsed(ctx context.Context, id, userID string, at time.Time) (bool, error)
}

type Vault struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

func New(repo Repository) *Vault {
	return NewWithNow(repo, DefaultTTL, time.Now)
}

func NewWithNow(repo Repository, ttl time.Duration, now func() time.Time) *Vault {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Vault{repo: repo, ttl: ttl, now: now}
}

type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Issue replaces any unused token of userID with a fresh one. Expired
// tokens of every user are purged on the way.
func (v *Vault) Issue(ctx context.Context, userID string) (Issued, error) {
	if strings.TrimSpace(userID) == "" {
		return Issued{}, errors.New("missing userID")
	}
	now := v.now()
	if _, err := v.repo.DeleteExpiredResetTokens(ctx, now); err != nil {
		return Issued{}, err
	}
	if _, err := v.repo.DeleteUnusedResetTokens(ctx, userID); err != nil {
		return Issued{}, err
	}

	raw, err := randomToken()
	if err != nil {
		return Issued{}, err
	}
	expiresAt := now.Add(v.ttl)
	if _, err := v.repo.CreateResetToken(ctx, userID, Hash(raw), expiresAt); err != nil {
		return Issued{}, err
	}
	return Issued{Token: raw, ExpiresAt: expiresAt}, nil
}

// Validate returns the live token record for raw. Unknown, used and
// expired tokens all fail with the same ErrInvalidOrExpired.
func (v *Vault) Validate(ctx context.Context, raw string) (model.PasswordResetToken, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.PasswordResetToken{}, apperr.ErrInvalidOrExpired
	}
	tok, err := v.repo.GetResetTokenByHash(ctx, Hash(raw))
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return model.PasswordResetToken{}, apperr.ErrInvalidOrExpired
		}
		return model.PasswordResetToken{}, err
	}
	if tok.UsedAt != nil || !v.now().Before(tok.ExpiresAt) {
		return model.PasswordResetToken{}, apperr.ErrInvalidOrExpired
	}
	return tok, nil
}

// Consume marks the token used and drops any other unused token of the
// user. A token can be consumed once; the loser of a race gets
// ErrInvalidOrExpired.
func (v *Vault) Consume(ctx context.Context, tokenID, userID string) error {
	marked, err := v.repo.MarkResetTokenUsed(ctx, tokenID, userID, v.now())
	if err != nil {
		return err
	}
	if !marked {
		return apperr.ErrInvalidOrExpired
	}
	_, err = v.repo.DeleteUnusedResetTokens(ctx, userID)
	return err
}

// Hash is the one-way digest stored in place of the raw token.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
