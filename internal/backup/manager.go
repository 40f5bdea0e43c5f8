// Package backup keeps the panel's backup ledger in step with the node
// agents that hold the actual archives.
//
// A backup row moves pending -> successful or pending -> failed. The
// locked flag is orthogonal to that state: it blocks delete, never
// restore.
package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleet-panel/internal/apperr"
	"fleet-panel/internal/audit"
	"fleet-panel/internal/model"
	"fleet-panel/internal/wings"
)

type Repository interface {
	GetServerByRef(ctx context.Context, ref string) (model.Server, error)
	InsertBackup(ctx context.Context, b model.Backup) (model.Backup, error)
	GetBackupByUUID(ctx context.Context, serverID, backupUUID string) (model.Backup, error)
	ListBackups(ctx context.Context, serverID string) ([]model.Backup, error)
	SaveBackup(ctx context.Context, b model.Backup) (model.Backup, error)
	DeleteBackup(ctx context.Context, id string) error
}

// Remote is the node agent side of backups.
type Remote interface {
	CreateBackup(ctx context.Context, nodeID, serverUUID string, req wings.CreateBackupRequest) (wings.RemoteBackup, error)
	DeleteBackup(ctx context.Context, nodeID, serverUUID, backupUUID string) error
	RestoreBackup(ctx context.Context, nodeID, serverUUID, backupUUID string, truncate bool) error
	ListBackups(ctx context.Context, nodeID, serverUUID string) ([]wings.RemoteBackup, error)
}

type Manager struct {
	repo   Repository
	remote Remote
	audit  audit.Sink
	log    *slog.Logger
	now    func() time.Time
}

type Options struct {
	Audit  audit.Sink
	Logger *slog.Logger
	Now    func() time.Time
}

func NewManager(repo Repository, remote Remote, opts Options) *Manager {
	m := &Manager{repo: repo, remote: remote, audit: opts.Audit, log: opts.Logger, now: opts.Now}
	if m.audit == nil {
		m.audit = audit.Nop{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

type CreateOptions struct {
	Name         string
	IgnoredFiles []string
	Actor        string
}

// Create records a pending backup, asks the node to take it and records
// the outcome. A remote failure marks the row failed and is returned; a
// timeout leaves it pending for Sync to settle.
func (m *Manager) Create(ctx context.Context, serverRef string, opts CreateOptions) (model.Backup, error) {
	srv, err := m.repo.GetServerByRef(ctx, serverRef)
	if err != nil {
		return model.Backup{}, err
	}
	if srv.BackupLimit > 0 {
		existing, err := m.repo.ListBackups(ctx, srv.ID)
		if err != nil {
			return model.Backup{}, err
		}
		live := 0
		for _, b := range existing {
			if b.State() != model.BackupFailed {
				live++
			}
		}
		if live >= srv.BackupLimit {
			return model.Backup{}, apperr.Wrap(apperr.ErrLimitReached, "backup limit of %d reached", srv.BackupLimit)
		}
	}

	now := m.now().UTC()
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "backup-" + now.Format("2006-01-02-15-04-05")
	}
	ignored := joinIgnored(opts.IgnoredFiles)

	row, err := m.repo.InsertBackup(ctx, model.Backup{
		ServerID:     srv.ID,
		UUID:         uuid.NewString(),
		Name:         name,
		IgnoredFiles: ignored,
		CreatedAt:    now,
	})
	if err != nil {
		return model.Backup{}, err
	}

	remote, err := m.remote.CreateBackup(ctx, srv.NodeID, srv.UUID, wings.CreateBackupRequest{
		UUID:   row.UUID,
		Name:   name,
		Ignore: ignored,
	})
	if err != nil {
		if isTimeout(err) {
			m.log.Warn("backup create timed out, left pending", "server", srv.ID, "backup", row.UUID, "err", err)
			m.record(ctx, srv, opts.Actor, "server.backup.create", row, map[string]any{"state": string(model.BackupPending)})
			return row, apperr.WithCause(apperr.ErrUpstreamUnavailable, err)
		}
		failedAt := m.now().UTC()
		row.FailedAt = &failedAt
		row.IsSuccessful = false
		if _, saveErr := m.repo.SaveBackup(context.WithoutCancel(ctx), row); saveErr != nil {
			m.log.Error("backup failure not recorded", "server", srv.ID, "backup", row.UUID, "err", saveErr)
		}
		m.record(ctx, srv, opts.Actor, "server.backup.create", row, map[string]any{"state": string(model.BackupFailed), "error": err.Error()})
		return row, err
	}

	applyRemote(&row, remote, m.now().UTC())
	if !row.IsSuccessful {
		// The reply carried no completed_at; the node accepted the job.
		completed := m.now().UTC()
		row.IsSuccessful = true
		row.CompletedAt = &completed
	}
	row, err = m.repo.SaveBackup(context.WithoutCancel(ctx), row)
	if err != nil {
		return model.Backup{}, err
	}
	m.record(ctx, srv, opts.Actor, "server.backup.create", row, map[string]any{"state": string(model.BackupSuccessful), "size": row.Bytes})
	return row, nil
}

// Delete removes a backup on the node and then locally. Locked backups are
// refused. If the local delete fails after the remote one succeeded the
// row is left behind; Sync prunes it.
func (m *Manager) Delete(ctx context.Context, serverRef, backupUUID, actor string) error {
	srv, row, err := m.lookup(ctx, serverRef, backupUUID)
	if err != nil {
		return err
	}
	if row.IsLocked {
		return apperr.Wrap(apperr.ErrLocked, "backup %s is locked", row.UUID)
	}

	if err := m.remote.DeleteBackup(ctx, srv.NodeID, srv.UUID, row.UUID); err != nil {
		var we *wings.Error
		if !errors.As(err, &we) || !we.NotFound() {
			return err
		}
		m.log.Info("backup already absent on node", "server", srv.ID, "backup", row.UUID)
	}
	if err := m.repo.DeleteBackup(context.WithoutCancel(ctx), row.ID); err != nil {
		m.log.Error("backup deleted on node but not locally", "server", srv.ID, "backup", row.UUID, "err", err)
		return err
	}
	m.record(ctx, srv, actor, "server.backup.delete", row, map[string]any{"size": row.Bytes})
	return nil
}

// Restore asks the node to restore a successful backup. Locked backups may
// be restored.
func (m *Manager) Restore(ctx context.Context, serverRef, backupUUID string, truncate bool, actor string) error {
	srv, row, err := m.lookup(ctx, serverRef, backupUUID)
	if err != nil {
		return err
	}
	if !row.IsSuccessful {
		return apperr.Wrap(apperr.ErrNotSuccessful, "backup %s did not complete successfully", row.UUID)
	}
	if err := m.remote.RestoreBackup(ctx, srv.NodeID, srv.UUID, row.UUID, truncate); err != nil {
		if isTimeout(err) {
			return apperr.WithCause(apperr.ErrUpstreamUnavailable, err)
		}
		return err
	}
	m.record(ctx, srv, actor, "server.backup.restore", row, map[string]any{"truncate": truncate})
	return nil
}

func (m *Manager) Lock(ctx context.Context, serverRef, backupUUID, actor string) (model.Backup, error) {
	return m.setLocked(ctx, serverRef, backupUUID, actor, true)
}

func (m *Manager) Unlock(ctx context.Context, serverRef, backupUUID, actor string) (model.Backup, error) {
	return m.setLocked(ctx, serverRef, backupUUID, actor, false)
}

func (m *Manager) setLocked(ctx context.Context, serverRef, backupUUID, actor string, locked bool) (model.Backup, error) {
	srv, row, err := m.lookup(ctx, serverRef, backupUUID)
	if err != nil {
		return model.Backup{}, err
	}
	action := "server.backup.unlock"
	if locked {
		action = "server.backup.lock"
	}
	if row.IsLocked != locked {
		row.IsLocked = locked
		if row, err = m.repo.SaveBackup(ctx, row); err != nil {
			return model.Backup{}, err
		}
	}
	m.record(ctx, srv, actor, action, row, nil)
	return row, nil
}

func (m *Manager) List(ctx context.Context, serverRef string) ([]model.Backup, error) {
	srv, err := m.repo.GetServerByRef(ctx, serverRef)
	if err != nil {
		return nil, err
	}
	return m.repo.ListBackups(ctx, srv.ID)
}

func (m *Manager) Get(ctx context.Context, serverRef, backupUUID string) (model.Backup, error) {
	_, row, err := m.lookup(ctx, serverRef, backupUUID)
	return row, err
}

func (m *Manager) lookup(ctx context.Context, serverRef, backupUUID string) (model.Server, model.Backup, error) {
	srv, err := m.repo.GetServerByRef(ctx, serverRef)
	if err != nil {
		return model.Server{}, model.Backup{}, err
	}
	row, err := m.repo.GetBackupByUUID(ctx, srv.ID, strings.TrimSpace(backupUUID))
	if err != nil {
		return model.Server{}, model.Backup{}, err
	}
	return srv, row, nil
}

func (m *Manager) record(ctx context.Context, srv model.Server, actor, action string, row model.Backup, extra map[string]any) {
	metadata := map[string]any{"backupId": row.ID, "backupUuid": row.UUID, "backupName": row.Name}
	for k, v := range extra {
		metadata[k] = v
	}
	m.audit.Record(ctx, audit.Event{
		Actor:      actor,
		ActorType:  actorType(actor),
		Action:     action,
		TargetType: audit.TargetServer,
		TargetID:   srv.ID,
		Metadata:   metadata,
	})
}

func actorType(actor string) string {
	if actor == "" {
		return audit.ActorSystem
	}
	return audit.ActorUser
}

func auditSync(srv model.Server, actor string, res SyncResult) audit.Event {
	return audit.Event{
		Actor:      actor,
		ActorType:  actorType(actor),
		Action:     "server.backup.sync",
		TargetType: audit.TargetServer,
		TargetID:   srv.ID,
		Metadata:   map[string]any{"synced": res.Synced, "pruned": len(res.Pruned), "errors": len(res.Errors)},
	}
}

// applyRemote copies the agent's view of a backup onto row.
func applyRemote(row *model.Backup, rb wings.RemoteBackup, now time.Time) {
	row.Bytes = rb.Bytes
	if rb.SHA256Hash != "" {
		sum := rb.SHA256Hash
		row.Checksum = &sum
	}
	if rb.CompletedAt != nil {
		completed := rb.CompletedAt.UTC()
		row.CompletedAt = &completed
		row.IsSuccessful = true
		row.FailedAt = nil
	} else {
		row.CompletedAt = nil
		row.IsSuccessful = false
	}
	if row.Name == "" {
		row.Name = rb.Name
	}
	if row.Name == "" {
		row.Name = "backup-" + now.Format("2006-01-02-15-04-05")
	}
}

func joinIgnored(files []string) string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, "\n")
}

func isTimeout(err error) bool {
	var we *wings.Error
	if errors.As(err, &we) {
		return we.Timeout
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func describe(rb wings.RemoteBackup) string {
	if rb.Name != "" {
		return fmt.Sprintf("%s (%s)", rb.Name, rb.UUID)
	}
	return rb.UUID
}
