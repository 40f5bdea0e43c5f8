package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
)

func toAllocation(r allocationRecord) model.Allocation {
	return model.Allocation{
		ID:        r.ID,
		NodeID:    r.NodeID,
		IP:        r.IP,
		Port:      r.Port,
		IPAlias:   r.IPAlias,
		ServerID:  r.ServerID,
		Notes:     r.Notes,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func toAllocations(rows []allocationRecord) []model.Allocation {
	result := make([]model.Allocation, 0, len(rows))
	for _, r := range rows {
		result = append(result, toAllocation(r))
	}
	return result
}

// FindAllocation returns the allocation at (nodeID, ip, port). found is
// false when the endpoint is free.
func (s *Store) FindAllocation(ctx context.Context, nodeID, ip string, port int) (model.Allocation, bool, error) {
	var r allocationRecord
	err := s.db.WithContext(ctx).
		Where("node_id = ? AND ip = ? AND port = ?", nodeID, ip, port).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Allocation{}, false, nil
	}
	if err != nil {
		return model.Allocation{}, false, err
	}
	return toAllocation(r), true, nil
}

// InsertAllocation inserts a free allocation unless one already exists at
// the same endpoint. inserted is false when the unique index rejected it.
func (s *Store) InsertAllocation(ctx context.Context, a model.Allocation) (model.Allocation, bool, error) {
	now := s.timestamp()
	r := allocationRecord{
		ID:        uuid.NewString(),
		NodeID:    a.NodeID,
		IP:        a.IP,
		Port:      a.Port,
		IPAlias:   a.IPAlias,
		Notes:     a.Notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&r)
	if res.Error != nil {
		return model.Allocation{}, false, res.Error
	}
	if res.RowsAffected == 0 {
		return model.Allocation{}, false, nil
	}
	return toAllocation(r), true, nil
}

func (s *Store) GetAllocation(ctx context.Context, id string) (model.Allocation, error) {
	var r allocationRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return model.Allocation{}, notFound(err, "allocation")
	}
	return toAllocation(r), nil
}

func (s *Store) ListAllocationsByNode(ctx context.Context, nodeID string) ([]model.Allocation, error) {
	rows := make([]allocationRecord, 0)
	err := s.db.WithContext(ctx).
		Where("node_id = ?", nodeID).
		Order("ip ASC, port ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toAllocations(rows), nil
}

func (s *Store) ListAllocationsByServer(ctx context.Context, serverID string) ([]model.Allocation, error) {
	rows := make([]allocationRecord, 0)
	err := s.db.WithContext(ctx).
		Where("server_id = ?", serverID).
		Order("ip ASC, port ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toAllocations(rows), nil
}

// DeleteAllocation removes a free allocation. It reports ErrNotFound for a
// missing row and ErrInUse when the row is bound to a server.
func (s *Store) DeleteAllocation(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r allocationRecord
		if err := tx.Where("id = ?", id).First(&r).Error; err != nil {
			return notFound(err, "allocation")
		}
		res := tx.Where("id = ? AND server_id IS NULL", id).Delete(&allocationRecord{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrInUse, "allocation %s is assigned to a server", id)
		}
		return nil
	})
}

func (s *Store) UpdateAllocationAlias(ctx context.Context, id string, alias *string) (model.Allocation, error) {
	return s.updateAllocation(ctx, id, "", map[string]any{"ip_alias": alias})
}

// UpdateAllocationNotes sets the notes of an allocation bound to serverID.
func (s *Store) UpdateAllocationNotes(ctx context.Context, serverID, id string, notes *string) (model.Allocation, error) {
	return s.updateAllocation(ctx, id, serverID, map[string]any{"notes": notes})
}

func (s *Store) updateAllocation(ctx context.Context, id, serverID string, values map[string]any) (model.Allocation, error) {
	values["updated_at"] = s.timestamp()
	var out model.Allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&allocationRecord{}).Where("id = ?", id)
		if serverID != "" {
			q = q.Where("server_id = ?", serverID)
		}
		res := q.Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrNotFound, "allocation not found")
		}
		var r allocationRecord
		if err := tx.Where("id = ?", id).First(&r).Error; err != nil {
			return err
		}
		out = toAllocation(r)
		return nil
	})
	return out, err
}

// AssignFreeAllocation binds the first free allocation on nodeID to
// serverID. limit <= 0 means no limit.
func (s *Store) AssignFreeAllocation(ctx context.Context, serverID, nodeID string, limit int) (model.Allocation, error) {
	var out model.Allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if limit > 0 {
			var count int64
			if err := tx.Model(&allocationRecord{}).Where("server_id = ?", serverID).Count(&count).Error; err != nil {
				return err
			}
			if count >= int64(limit) {
				return apperr.Wrap(apperr.ErrLimitReached, "allocation limit of %d reached", limit)
			}
		}

		var r allocationRecord
		err := tx.Where("node_id = ? AND server_id IS NULL", nodeID).
			Order("ip ASC, port ASC").
			First(&r).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.Wrap(apperr.ErrNotFound, "no free allocations on this node")
		}
		if err != nil {
			return err
		}

		now := s.timestamp()
		res := tx.Model(&allocationRecord{}).
			Where("id = ? AND server_id IS NULL", r.ID).
			Updates(map[string]any{"server_id": serverID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrInUse, "allocation %s was taken", r.ID)
		}
		r.ServerID = &serverID
		r.UpdatedAt = now
		out = toAllocation(r)
		return nil
	})
	return out, err
}

// UnassignAllocation releases an allocation bound to serverID.
func (s *Store) UnassignAllocation(ctx context.Context, serverID, id string) error {
	res := s.db.WithContext(ctx).Model(&allocationRecord{}).
		Where("id = ? AND server_id = ?", id, serverID).
		Updates(map[string]any{"server_id": nil, "notes": nil, "updated_at": s.timestamp()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrNotFound, "allocation not found")
	}
	return nil
}
