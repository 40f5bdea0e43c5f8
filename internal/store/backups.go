package store

import (
	"context"

	"github.com/google/uuid"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

func toBackup(r backupRecord) model.Backup {
	return model.Backup{
		ID:           r.ID,
		ServerID:     r.ServerID,
		UUID:         r.UUID,
		Name:         r.Name,
		IgnoredFiles: r.IgnoredFiles,
		Checksum:     r.Checksum,
		Bytes:        r.Bytes,
		IsSuccessful: r.IsSuccessful,
		IsLocked:     r.IsLocked,
		FailedAt:     r.FailedAt,
		CompletedAt:  r.CompletedAt,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
}

func fromBackup(b model.Backup) backupRecord {
	return backupRecord{
		ID:           b.ID,
		ServerID:     b.ServerID,
		UUID:         b.UUID,
		Name:         b.Name,
		IgnoredFiles: b.IgnoredFiles,
		Checksum:     b.Checksum,
		Bytes:        b.Bytes,
		IsSuccessful: b.IsSuccessful,
		IsLocked:     b.IsLocked,
		FailedAt:     utcPtr(b.FailedAt),
		CompletedAt:  utcPtr(b.CompletedAt),
		CreatedAt:    b.CreatedAt.UTC(),
		UpdatedAt:    b.UpdatedAt.UTC(),
	}
}

// InsertBackup stores a new backup row. ID and UUID are generated when
// empty; CreatedAt is kept when set.
func (s *Store) InsertBackup(ctx context.Context, b model.Backup) (model.Backup, error) {
	now := s.timestamp()
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.UUID == "" {
		b.UUID = uuid.NewString()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now
	r := fromBackup(b)
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		if isUniqueViolation(err) {
			return model.Backup{}, apperr.Wrap(apperr.ErrInvalidInput, "backup %s already exists", b.UUID)
		}
		return model.Backup{}, err
	}
	return toBackup(r), nil
}

func (s *Store) GetBackupByUUID(ctx context.Context, serverID, backupUUID string) (model.Backup, error) {
	var r backupRecord
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND uuid = ?", serverID, backupUUID).
		First(&r).Error
	if err != nil {
		return model.Backup{}, notFound(err, "backup")
	}
	return toBackup(r), nil
}

func (s *Store) ListBackups(ctx context.Context, serverID string) ([]model.Backup, error) {
	rows := make([]backupRecord, 0)
	err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	result := make([]model.Backup, 0, len(rows))
	for _, r := range rows {
		result = append(result, toBackup(r))
	}
	return result, nil
}

// SaveBackup writes every mutable column of b.
func (s *Store) SaveBackup(ctx context.Context, b model.Backup) (model.Backup, error) {
	b.UpdatedAt = s.timestamp()
	res := s.db.WithContext(ctx).Model(&backupRecord{}).
		Where("id = ?", b.ID).
		Updates(map[string]any{
			"name":          b.Name,
			"ignored_files": b.IgnoredFiles,
			"checksum":      b.Checksum,
			"bytes":         b.Bytes,
			"is_successful": b.IsSuccessful,
			"is_locked":     b.IsLocked,
			"failed_at":     utcPtr(b.FailedAt),
			"completed_at":  utcPtr(b.CompletedAt),
			"updated_at":    b.UpdatedAt,
		})
	if res.Error != nil {
		return model.Backup{}, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Backup{}, apperr.Wrap(apperr.ErrNotFound, "backup not found")
	}
	return b, nil
}

func (s *Store) DeleteBackup(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&backupRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrNotFound, "backup not found")
	}
	return nil
}
