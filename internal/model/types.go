package model

import "time"

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

// Session is a live login. Revoking it invalidates every JWT carrying its ID.
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Node is a fleet node running the agent. TokenID and Token form the
// node's trust credential and never leave the panel.
type Node struct {
	ID        string
	Name      string
	BaseURL   string
	TokenID   string
	Token     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Allocation struct {
	ID        string
	NodeID    string
	IP        string
	Port      int
	IPAlias   *string
	ServerID  *string
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (a Allocation) Assigned() bool { return a.ServerID != nil && *a.ServerID != "" }

type Server struct {
	ID              string
	UUID            string
	Name            string
	OwnerID         string
	NodeID          string
	AllocationID    string
	AllocationLimit int
	MemoryMB        int
	DiskMB          int
	BackupLimit     int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Subuser struct {
	ID          string
	ServerID    string
	UserID      string
	Permissions []string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type BackupState string

const (
	BackupPending    BackupState = "pending"
	BackupSuccessful BackupState = "successful"
	BackupFailed     BackupState = "failed"
)

type Backup struct {
	ID           string
	ServerID     string
	UUID         string
	Name         string
	IgnoredFiles string
	Checksum     *string
	Bytes        int64
	IsSuccessful bool
	IsLocked     bool
	FailedAt     *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (b Backup) State() BackupState {
	switch {
	case b.IsSuccessful:
		return BackupSuccessful
	case b.FailedAt != nil:
		return BackupFailed
	default:
		return BackupPending
	}
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type AuditLog struct {
	ID         string
	Actor      string
	ActorType  string
	Action     string
	TargetType string
	TargetID   string
	Metadata   string
	CreatedAt  time.Time
}
