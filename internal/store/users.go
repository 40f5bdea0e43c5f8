package store

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

func toUser(r userRecord) model.User {
	return model.User{
		ID:           r.ID,
		Username:     r.Username,
		Email:        r.Email,
		PasswordHash: r.PasswordHash,
		Role:         r.Role,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	username := strings.TrimSpace(u.Username)
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if username == "" || email == "" || u.PasswordHash == "" {
		return model.User{}, apperr.Wrap(apperr.ErrInvalidInput, "username, email and password are required")
	}
	role := u.Role
	if role == "" {
		role = model.RoleUser
	}

	now := s.timestamp()
	r := userRecord{
		ID:           uuid.NewString(),
		Username:     username,
		Email:        email,
		PasswordHash: u.PasswordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		if isUniqueViolation(err) {
			return model.User{}, apperr.Wrap(apperr.ErrInvalidInput, "username or email already in use")
		}
		return model.User{}, err
	}
	return toUser(r), nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (model.User, error) {
	var r userRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return model.User{}, notFound(err, "user")
	}
	return toUser(r), nil
}

// GetUserByIdentity looks a user up by email (case-insensitive) or username.
func (s *Store) GetUserByIdentity(ctx context.Context, identity string) (model.User, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return model.User{}, apperr.Wrap(apperr.ErrNotFound, "user not found")
	}
	var r userRecord
	err := s.db.WithContext(ctx).
		Where("email = ? OR username = ?", strings.ToLower(identity), identity).
		First(&r).Error
	if err != nil {
		return model.User{}, notFound(err, "user")
	}
	return toUser(r), nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	res := s.db.WithContext(ctx).Model(&userRecord{}).
		Where("id = ?", userID).
		Updates(map[string]any{"password_hash": passwordHash, "updated_at": s.timestamp()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrNotFound, "user not found")
	}
	return nil
}

func (s *Store) CreateSession(ctx context.Context, userID string, ttl time.Duration) (model.Session, error) {
	now := s.timestamp()
	r := sessionRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return model.Session{}, err
	}
	return model.Session{ID: r.ID, UserID: r.UserID, ExpiresAt: r.ExpiresAt, CreatedAt: r.CreatedAt}, nil
}

// GetSession returns a live session. Expired sessions are reported as
// not found.
func (s *Store) GetSession(ctx context.Context, id string) (model.Session, error) {
	var r sessionRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return model.Session{}, notFound(err, "session")
	}
	if !s.timestamp().Before(r.ExpiresAt) {
		return model.Session{}, apperr.Wrap(apperr.ErrNotFound, "session not found")
	}
	return model.Session{ID: r.ID, UserID: r.UserID, ExpiresAt: r.ExpiresAt, CreatedAt: r.CreatedAt}, nil
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&sessionRecord{}).Error
}

// DeleteSessionsForUser revokes every session of userID and returns how
// many were removed.
func (s *Store) DeleteSessionsForUser(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&sessionRecord{})
	return res.RowsAffected, res.Error
}

// DeleteOtherSessions revokes every session of userID except keepSessionID.
func (s *Store) DeleteOtherSessions(ctx context.Context, userID, keepSessionID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND id <> ?", userID, keepSessionID).
		Delete(&sessionRecord{})
	return res.RowsAffected, res.Error
}
