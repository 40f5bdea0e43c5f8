package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"fleet-panel/internal/model"
)

func toResetToken(r passwordResetRecord) model.PasswordResetToken {
	return model.PasswordResetToken{
		ID:        r.ID,
		UserID:    r.UserID,
		TokenHash: r.TokenHash,
		ExpiresAt: r.ExpiresAt,
		UsedAt:    r.UsedAt,
		CreatedAt: r.CreatedAt,
	}
}

func (s *Store) DeleteExpiredResetTokens(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", now.UTC()).Delete(&passwordResetRecord{})
	return res.RowsAffected, res.Error
}

// DeleteUnusedResetTokens removes every not-yet-consumed token of userID.
func (s *Store) DeleteUnusedResetTokens(ctx context.Context, userID string) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ? AND used_at IS NULL", userID).
		Delete(&passwordResetRecord{})
	return res.RowsAffected, res.Error
}

func (s *Store) CreateResetToken(ctx context.Context, userID, tokenHash string, expiresAt time.Time) (model.PasswordResetToken, error) {
	r := passwordResetRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: s.timestamp(),
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return model.PasswordResetToken{}, err
	}
	return toResetToken(r), nil
}

func (s *Store) GetResetTokenByHash(ctx context.Context, tokenHash string) (model.PasswordResetToken, error) {
	var r passwordResetRecord
	if err := s.db.WithContext(ctx).Where("token_hash = ?", tokenHash).First(&r).Error; err != nil {
		return model.PasswordResetToken{}, notFound(err, "reset token")
	}
	return toResetToken(r), nil
}

// MarkResetTokenUsed sets used_at only if the token belongs to userID and
// is still unused. marked is false when another caller got there first.
func (s *Store) MarkResetTokenUsed(ctx context.Context, id, userID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&passwordResetRecord{}).
		Where("id = ? AND user_id = ? AND used_at IS NULL", id, userID).
		Update("used_at", at.UTC())
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
