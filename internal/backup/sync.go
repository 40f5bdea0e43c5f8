package backup

import (
	"context"
	"fmt"
	"strings"

	"fleet-panel/internal/model"
	"fleet-panel/internal/wings"
)

// SyncResult reports a reconciliation pass. Synced counts rows updated or
// inserted from the node's listing; Pruned lists local rows removed
// because the node no longer has them.
type SyncResult struct {
	Synced int      `json:"synced"`
	Pruned []string `json:"pruned,omitempty"`
	Errors []string `json:"errors"`
}

// Sync makes the ledger match the node. Remote entries update their local
// row or are inserted when unknown. Successful, unlocked local rows that
// the node does not list are pruned; pending and failed rows are left for
// the operator. Per-item failures are collected, not fatal.
func (m *Manager) Sync(ctx context.Context, serverRef, actor string) (SyncResult, error) {
	srv, err := m.repo.GetServerByRef(ctx, serverRef)
	if err != nil {
		return SyncResult{}, err
	}
	remote, err := m.remote.ListBackups(ctx, srv.NodeID, srv.UUID)
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync backups: %w", err)
	}
	local, err := m.repo.ListBackups(ctx, srv.ID)
	if err != nil {
		return SyncResult{}, err
	}

	byUUID := make(map[string]model.Backup, len(local))
	for _, b := range local {
		byUUID[b.UUID] = b
	}

	res := SyncResult{Errors: []string{}}
	seen := make(map[string]struct{}, len(remote))
	now := m.now().UTC()

	for _, rb := range remote {
		if strings.TrimSpace(rb.UUID) == "" {
			res.Errors = append(res.Errors, "skipped remote backup without uuid")
			continue
		}
		seen[rb.UUID] = struct{}{}

		if row, ok := byUUID[rb.UUID]; ok {
			applyRemote(&row, rb, now)
			if _, err := m.repo.SaveBackup(ctx, row); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("update %s: %v", describe(rb), err))
				continue
			}
			res.Synced++
			continue
		}

		row := model.Backup{
			ServerID:     srv.ID,
			UUID:         rb.UUID,
			Name:         rb.Name,
			IgnoredFiles: strings.Join(rb.IgnoredFiles, "\n"),
		}
		if rb.CreatedAt != nil {
			row.CreatedAt = rb.CreatedAt.UTC()
		}
		applyRemote(&row, rb, now)
		if _, err := m.repo.InsertBackup(ctx, row); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("insert %s: %v", describe(rb), err))
			continue
		}
		res.Synced++
	}

	for _, b := range local {
		if _, ok := seen[b.UUID]; ok || !b.IsSuccessful {
			continue
		}
		if b.IsLocked {
			res.Errors = append(res.Errors, fmt.Sprintf("locked backup %s (%s) is missing on the node", b.Name, b.UUID))
			continue
		}
		if err := m.repo.DeleteBackup(ctx, b.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("prune %s: %v", b.UUID, err))
			continue
		}
		res.Pruned = append(res.Pruned, b.UUID)
	}

	if res.Synced > 0 || len(res.Pruned) > 0 || len(res.Errors) > 0 {
		m.audit.Record(ctx, auditSync(srv, actor, res))
	}
	if len(res.Errors) > 0 {
		m.log.Warn("backup sync finished with errors", "server", srv.ID, "synced", res.Synced, "pruned", len(res.Pruned), "errors", len(res.Errors))
	}
	return res, nil
}

var _ Remote = (*wings.Client)(nil)
