// Package account implements login, logout and the password reset and
// change flows.
package account

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/auth"
	"fleet-panel/internal/model"
	"fleet-panel/internal/tokenvault"
)

type Repository interface {
	GetUserByID(ctx context.Context, id string) (model.User, error)
	GetUserByIdentity(ctx context.Context, identity string) (model.User, error)
	UpdateUserPassword(ctx context.Context, userID, passwordHash string) error
	CreateSession(ctx context.Context, userID string, ttl time.Duration) (model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteSessionsForUser(ctx context.Context, userID string) (int64, error)
	DeleteOtherSessions(ctx context.Context, userID, keepSessionID string) (int64, error)
}

// Vault is the password-reset token store.
type Vault interface {
	Issue(ctx context.Context, userID string) (tokenvault.Issued, error)
	Validate(ctx context.Context, raw string) (model.PasswordResetToken, error)
	Consume(ctx context.Context, tokenID, userID string) error
}

// Mailer delivers password-reset links.
type Mailer interface {
	SendPasswordReset(ctx context.Context, to string, link string, expiresAt time.Time) error
}

// LogMailer writes reset links to the log instead of sending mail.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendPasswordReset(_ context.Context, to string, link string, expiresAt time.Time) error {
	m.Logger.Info("password reset requested", "to", to, "link", link, "expires_at", expiresAt.UTC().Format(time.RFC3339))
	return nil
}

// Sockets closes live event streams of a user, sparing keepSessionID.
type Sockets interface {
	DisconnectUser(userID, keepSessionID string) int
}

type Service struct {
	repo     Repository
	vault    Vault
	mailer   Mailer
	sockets  Sockets
	audit    audit.Sink
	log      *slog.Logger
	tokens   auth.TokenConfig
	panelURL string
}

type Options struct {
	Tokens   auth.TokenConfig
	PanelURL string
	Mailer   Mailer
	Sockets  Sockets
	Audit    audit.Sink
	Logger   *slog.Logger
}

func NewService(repo Repository, vault Vault, opts Options) *Service {
	s := &Service{
		repo:     repo,
		vault:    vault,
		mailer:   opts.Mailer,
		sockets:  opts.Sockets,
		audit:    opts.Audit,
		log:      opts.Logger,
		tokens:   opts.Tokens,
		panelURL: strings.TrimRight(opts.PanelURL, "/"),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.audit == nil {
		s.audit = audit.Nop{}
	}
	if s.mailer == nil {
		s.mailer = LogMailer{Logger: s.log}
	}
	return s
}

type LoginResult struct {
	Token   string
	User    model.User
	Session model.Session
}

func (s *Service) Login(ctx context.Context, identity, password string) (LoginResult, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" || password == "" {
		return LoginResult{}, apperr.Wrap(apperr.ErrInvalidInput, "identity and password are required")
	}
	user, err := s.repo.GetUserByIdentity(ctx, identity)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return LoginResult{}, apperr.ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return LoginResult{}, apperr.ErrInvalidCredentials
	}

	sess, err := s.repo.CreateSession(ctx, user.ID, s.tokens.Expiry)
	if err != nil {
		return LoginResult{}, err
	}
	token, err := auth.CreateToken(auth.Identity{UserID: user.ID, SessionID: sess.ID, Role: user.Role}, s.tokens)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, User: user, Session: sess}, nil
}

func (s *Service) Logout(ctx context.Context, sessionID string) error {
	return s.repo.DeleteSession(ctx, sessionID)
}

// RequestPasswordReset issues a reset token for the matching user and
// mails the link. The result never reveals whether identity matched.
func (s *Service) RequestPasswordReset(ctx context.Context, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return apperr.Wrap(apperr.ErrInvalidInput, "username or email required")
	}
	user, err := s.repo.GetUserByIdentity(ctx, identity)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			s.log.Error("password reset lookup failed", "err", err)
		}
		return nil
	}

	issued, err := s.vault.Issue(ctx, user.ID)
	if err != nil {
		s.log.Error("password reset issue failed", "user_id", user.ID, "err", err)
		return nil
	}
	link := s.panelURL + "/auth/password/reset?token=" + issued.Token
	if err := s.mailer.SendPasswordReset(ctx, user.Email, link, issued.ExpiresAt); err != nil {
		s.log.Error("password reset delivery failed", "user_id", user.ID, "err", err)
	}
	return nil
}

func (s *Service) disconnect(userID, keepSessionID string) {
	if s.sockets == nil {
		return
	}
	if n := s.sockets.DisconnectUser(userID, keepSessionID); n > 0 {
		s.log.Info("closed event streams after password change", "user_id", userID, "count", n)
	}
}

// ResetPassword sets a new password using a reset token and revokes every
// session of the user along with its open event streams.
func (s *Service) ResetPassword(ctx context.Context, rawToken, password string) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || password == "" {
		return apperr.Wrap(apperr.ErrInvalidInput, "token and password are required")
	}
	if len(password) < auth.MinPasswordLength {
		return apperr.Wrap(apperr.ErrInvalidInput, "password must be at least %d characters", auth.MinPasswordLength)
	}

	tok, err := s.vault.Validate(ctx, rawToken)
	if err != nil {
		return err
	}
	user, err := s.repo.GetUserByID(ctx, tok.UserID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			_ = s.vault.Consume(ctx, tok.ID, tok.UserID)
		}
		return err
	}

	// Consume first: at most one caller gets past this point per token.
	if err := s.vault.Consume(ctx, tok.ID, user.ID); err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.repo.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return err
	}
	revoked, err := s.repo.DeleteSessionsForUser(ctx, user.ID)
	if err != nil {
		return err
	}
	s.disconnect(user.ID, "")

	s.audit.Record(ctx, audit.Event{
		Actor:      user.ID,
		ActorType:  audit.ActorUser,
		Action:     "account.password.reset",
		TargetType: audit.TargetUser,
		TargetID:   user.ID,
		Metadata:   map[string]any{"revokedSessions": revoked},
	})
	return nil
}

// ChangePassword replaces the password of a signed-in user and revokes
// their other sessions.
func (s *Service) ChangePassword(ctx context.Context, userID, sessionID, current, next string) (int64, error) {
	if len(next) < auth.MinPasswordLength {
		return 0, apperr.Wrap(apperr.ErrInvalidInput, "password must be at least %d characters", auth.MinPasswordLength)
	}
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return 0, err
	}
	if !auth.CheckPassword(user.PasswordHash, current) {
		return 0, apperr.ErrInvalidCredentials
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return 0, err
	}
	if err := s.repo.UpdateUserPassword(ctx, user.ID, hash); err != nil {
		return 0, err
	}

	revoked, err := s.repo.DeleteOtherSessions(ctx, user.ID, sessionID)
	if err != nil {
		return 0, err
	}
	s.disconnect(user.ID, sessionID)

	s.audit.Record(ctx, audit.Event{
		Actor:      user.ID,
		ActorType:  audit.ActorUser,
		Action:     "account.password.update",
		TargetType: audit.TargetUser,
		TargetID:   user.ID,
		Metadata:   map[string]any{"revokedSessions": revoked},
	})
	return revoked, nil
}
