package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/model"
	"fleet-panel/internal/permission"
)

func toServer(r serverRecord) model.Server {
	return model.Server{
		ID:              r.ID,
		UUID:            r.UUID,
		Name:            r.Name,
		OwnerID:         r.OwnerID,
		NodeID:          r.NodeID,
		AllocationID:    r.AllocationID,
		AllocationLimit: r.AllocationLimit,
		MemoryMB:        r.MemoryMB,
		DiskMB:          r.DiskMB,
		BackupLimit:     r.BackupLimit,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

// CreateServer stores a server and binds its primary allocation in one
// transaction. The allocation must be free and live on the server's node.
func (s *Store) CreateServer(ctx context.Context, srv model.Server) (model.Server, error) {
	if strings.TrimSpace(srv.Name) == "" || srv.OwnerID == "" || srv.AllocationID == "" {
		return model.Server{}, apperr.Wrap(apperr.ErrInvalidInput, "name, owner and allocation are required")
	}

	var out model.Server
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner userRecord
		if err := tx.Where("id = ?", srv.OwnerID).First(&owner).Error; err != nil {
			return notFound(err, "owner")
		}

		var alloc allocationRecord
		if err := tx.Where("id = ?", srv.AllocationID).First(&alloc).Error; err != nil {
			return notFound(err, "allocation")
		}
		if srv.NodeID != "" && srv.NodeID != alloc.NodeID {
			return apperr.Wrap(apperr.ErrInvalidInput, "allocation does not belong to node %s", srv.NodeID)
		}
		if alloc.ServerID != nil {
			return apperr.Wrap(apperr.ErrInUse, "allocation %s is assigned to a server", alloc.ID)
		}

		now := s.timestamp()
		r := serverRecord{
			ID:              uuid.NewString(),
			UUID:            srv.UUID,
			Name:            strings.TrimSpace(srv.Name),
			OwnerID:         srv.OwnerID,
			NodeID:          alloc.NodeID,
			AllocationID:    alloc.ID,
			AllocationLimit: srv.AllocationLimit,
			MemoryMB:        srv.MemoryMB,
			DiskMB:          srv.DiskMB,
			BackupLimit:     srv.BackupLimit,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if r.UUID == "" {
			r.UUID = uuid.NewString()
		}
		if err := tx.Create(&r).Error; err != nil {
			return err
		}

		res := tx.Model(&allocationRecord{}).
			Where("id = ? AND server_id IS NULL", alloc.ID).
			Updates(map[string]any{"server_id": r.ID, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrInUse, "allocation %s is assigned to a server", alloc.ID)
		}

		out = toServer(r)
		return nil
	})
	return out, err
}

func (s *Store) GetServer(ctx context.Context, id string) (model.Server, error) {
	var r serverRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return model.Server{}, notFound(err, "server")
	}
	return toServer(r), nil
}

// GetServerByRef resolves a server by id or uuid.
func (s *Store) GetServerByRef(ctx context.Context, ref string) (model.Server, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return model.Server{}, apperr.Wrap(apperr.ErrNotFound, "server not found")
	}
	var r serverRecord
	if err := s.db.WithContext(ctx).Where("id = ? OR uuid = ?", ref, ref).First(&r).Error; err != nil {
		return model.Server{}, notFound(err, "server")
	}
	return toServer(r), nil
}

// SetPrimaryAllocation makes allocationID the server's primary
// allocation. It must already be bound to the server.
func (s *Store) SetPrimaryAllocation(ctx context.Context, serverID, allocationID string) (model.Allocation, error) {
	var out model.Allocation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var alloc allocationRecord
		err := tx.Where("id = ? AND server_id = ?", allocationID, serverID).First(&alloc).Error
		if err != nil {
			return notFound(err, "allocation")
		}
		res := tx.Model(&serverRecord{}).
			Where("id = ?", serverID).
			Updates(map[string]any{"allocation_id": alloc.ID, "updated_at": s.timestamp()})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.Wrap(apperr.ErrNotFound, "server not found")
		}
		out = toAllocation(alloc)
		return nil
	})
	return out, err
}

func toSubuser(r subuserRecord) model.Subuser {
	return model.Subuser{
		ID:          r.ID,
		ServerID:    r.ServerID,
		UserID:      r.UserID,
		Permissions: permission.ParseSet(r.Permissions).List(),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
}

// SubuserPermissions returns the stored grants of userID on serverID.
// Malformed stored data is read as the empty set.
func (s *Store) SubuserPermissions(ctx context.Context, serverID, userID string) (permission.Set, bool, error) {
	var r subuserRecord
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		First(&r).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return permission.Set{}, false, nil
	}
	if err != nil {
		return permission.Set{}, false, err
	}
	return permission.ParseSet(r.Permissions), true, nil
}

func (s *Store) GetSubuser(ctx context.Context, serverID, userID string) (model.Subuser, error) {
	var r subuserRecord
	err := s.db.WithContext(ctx).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		First(&r).Error
	if err != nil {
		return model.Subuser{}, notFound(err, "subuser")
	}
	return toSubuser(r), nil
}

func (s *Store) ListSubusers(ctx context.Context, serverID string) ([]model.Subuser, error) {
	rows := make([]subuserRecord, 0)
	if err := s.db.WithContext(ctx).Where("server_id = ?", serverID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	result := make([]model.Subuser, 0, len(rows))
	for _, r := range rows {
		result = append(result, toSubuser(r))
	}
	return result, nil
}

// UpsertSubuser creates or replaces the grants of userID on serverID.
func (s *Store) UpsertSubuser(ctx context.Context, serverID, userID string, perms permission.Set) (model.Subuser, error) {
	now := s.timestamp()
	r := subuserRecord{
		ID:          uuid.NewString(),
		ServerID:    serverID,
		UserID:      userID,
		Permissions: perms.Encode(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "server_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"permissions", "updated_at"}),
	}).Create(&r).Error
	if err != nil {
		return model.Subuser{}, err
	}
	return s.GetSubuser(ctx, serverID, userID)
}

func (s *Store) DeleteSubuser(ctx context.Context, serverID, userID string) error {
	res := s.db.WithContext(ctx).
		Where("server_id = ? AND user_id = ?", serverID, userID).
		Delete(&subuserRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.Wrap(apperr.ErrNotFound, "subuser not found")
	}
	return nil
}
