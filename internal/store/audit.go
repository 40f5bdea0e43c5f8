package store

import (
	"context"

	"github.com/google/uuid"

	"fleet-panel/internal/model"
)

func (s *Store) CreateAuditLog(ctx context.Context, entry model.AuditLog) (model.AuditLog, error) {
	r := auditLogRecord{
		ID:         uuid.NewString(),
		Actor:      entry.Actor,
		ActorType:  entry.ActorType,
		Action:     entry.Action,
		TargetType: entry.TargetType,
		TargetID:   entry.TargetID,
		Metadata:   entry.Metadata,
		CreatedAt:  s.timestamp(),
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		return model.AuditLog{}, err
	}
	entry.ID = r.ID
	entry.CreatedAt = r.CreatedAt
	return entry, nil
}

// ListAuditLogs returns the newest entries for a target, newest first.
// An empty targetType lists everything.
func (s *Store) ListAuditLogs(ctx context.Context, targetType, targetID string, limit int) ([]model.AuditLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Model(&auditLogRecord{})
	if targetType != "" {
		q = q.Where("target_type = ?", targetType)
		if targetID != "" {
			q = q.Where("target_id = ?", targetID)
		}
	}
	rows := make([]auditLogRecord, 0)
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]model.AuditLog, 0, len(rows))
	for _, r := range rows {
		result = append(result, model.AuditLog{
			ID:         r.ID,
			Actor:      r.Actor,
			ActorType:  r.ActorType,
			Action:     r.Action,
			TargetType: r.TargetType,
			TargetID:   r.TargetID,
			Metadata:   r.Metadata,
			CreatedAt:  r.CreatedAt,
		})
	}
	return result, nil
}
