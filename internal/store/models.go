package store

import "time"

type userRecord struct {
	ID           string `gorm:"primaryKey"`
	Username     string `gorm:"not null;uniqueIndex"`
	Email        string `gorm:"not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	Role         string `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (userRecord) TableName() string { return "users" }

type sessionRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (sessionRecord) TableName() string { return "sessions" }

type nodeRecord struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"not null"`
	BaseURL   string `gorm:"column:base_url;not null"`
	TokenID   string `gorm:"not null;uniqueIndex"`
	Token     string `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (nodeRecord) TableName() string { return "nodes" }

type allocationRecord struct {
	ID        string  `gorm:"primaryKey"`
	NodeID    string  `gorm:"not null;index:idx_allocations_endpoint,unique"`
	IP        string  `gorm:"column:ip;not null;index:idx_allocations_endpoint,unique"`
	Port      int     `gorm:"not null;index:idx_allocations_endpoint,unique"`
	IPAlias   *string `gorm:"column:ip_alias"`
	ServerID  *string `gorm:"index"`
	Notes     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (allocationRecord) TableName() string { return "allocations" }

type serverRecord struct {
	ID              string `gorm:"primaryKey"`
	UUID            string `gorm:"column:uuid;not null;uniqueIndex"`
	Name            string `gorm:"not null"`
	OwnerID         string `gorm:"not null;index"`
	NodeID          string `gorm:"not null"`
	AllocationID    string `gorm:"not null"`
	AllocationLimit int    `gorm:"not null"`
	MemoryMB        int    `gorm:"column:memory_mb;not null"`
	DiskMB          int    `gorm:"column:disk_mb;not null"`
	BackupLimit     int    `gorm:"not null"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (serverRecord) TableName() string { return "servers" }

type subuserRecord struct {
	ID          string `gorm:"primaryKey"`
	ServerID    string `gorm:"not null;index:idx_subusers_server_user,unique"`
	UserID      string `gorm:"not null;index:idx_subusers_server_user,unique"`
	Permissions string `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (subuserRecord) TableName() string { return "subusers" }

type backupRecord struct {
	ID           string `gorm:"primaryKey"`
	ServerID     string `gorm:"not null;index"`
	UUID         string `gorm:"column:uuid;not null;uniqueIndex"`
	Name         string `gorm:"not null"`
	IgnoredFiles string `gorm:"not null"`
	Checksum     *string
	Bytes        int64 `gorm:"not null"`
	IsSuccessful bool  `gorm:"not null"`
	IsLocked     bool  `gorm:"not null"`
	FailedAt     *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (backupRecord) TableName() string { return "backups" }

type passwordResetRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"not null;index"`
	TokenHash string `gorm:"not null;uniqueIndex"`
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

func (passwordResetRecord) TableName() string { return "password_resets" }

type auditLogRecord struct {
	ID         string `gorm:"primaryKey"`
	Actor      string
	ActorType  string
	Action     string `gorm:"not null"`
	TargetType string `gorm:"not null"`
	TargetID   string
	Metadata   string
	CreatedAt  time.Time
}

func (auditLogRecord) TableName() string { return "audit_logs" }
