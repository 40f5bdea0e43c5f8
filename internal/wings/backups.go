package wings

import (
	"context"
	"net/http"
	"time"
)

// RemoteBackup is a backup as the agent reports it.
type RemoteBackup struct {
	UUID         string     `json:"uuid"`
	Name         string     `json:"name"`
	Bytes        int64      `json:"bytes"`
	SHA256Hash   string     `json:"sha256_hash"`
	CompletedAt  *time.Time `json:"completed_at"`
	IgnoredFiles []string   `json:"ignored_files"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
}

type CreateBackupRequest struct {
	Adapter string `json:"adapter"`
	UUID    string `json:"uuid"`
	Name    string `json:"name,omitempty"`
	Ignore  string `json:"ignore"`
}

func (c *Client) CreateBackup(ctx context.Context, nodeID, serverUUID string, req CreateBackupRequest) (RemoteBackup, error) {
	if req.Adapter == "" {
		req.Adapter = "wings"
	}
	var out RemoteBackup
	if err := c.do(ctx, nodeID, OpCreateBackup, http.MethodPost, serverPath(serverUUID, "backup"), req, &out); err != nil {
		return RemoteBackup{}, err
	}
	if out.UUID == "" {
		out.UUID = req.UUID
	}
	return out, nil
}

func (c *Client) DeleteBackup(ctx context.Context, nodeID, serverUUID, backupUUID string) error {
	return c.do(ctx, nodeID, OpDeleteBackup, http.MethodDelete, serverPath(serverUUID, "backup", backupUUID), nil, nil)
}

func (c *Client) RestoreBackup(ctx context.Context, nodeID, serverUUID, backupUUID string, truncate bool) error {
	body := map[string]any{"adapter": "wings", "truncate_directory": truncate}
	return c.do(ctx, nodeID, OpRestoreBackup, http.MethodPost, serverPath(serverUUID, "backup", backupUUID, "restore"), body, nil)
}

func (c *Client) ListBackups(ctx context.Context, nodeID, serverUUID string) ([]RemoteBackup, error) {
	var out []RemoteBackup
	if err := c.do(ctx, nodeID, OpListBackups, http.MethodGet, serverPath(serverUUID, "backups"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
