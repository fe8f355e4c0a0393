package database

import "time"

// Strategy is a tenant's data isolation strategy.
type Strategy string

const (
	StrategySharedRows        Strategy = "shared_rows"
	StrategyDedicatedSchema   Strategy = "dedicated_schema"
	StrategyDedicatedDatabase Strategy = "dedicated_database"
)

// Valid reports whether s is a known isolation strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySharedRows, StrategyDedicatedSchema, StrategyDedicatedDatabase:
		return true
	}
	return false
}

// Tenant lifecycle statuses.
const (
	TenantActive   = "active"
	TenantInactive = "inactive"
)

type Tenant struct {
	ID             uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	Slug           string     `gorm:"uniqueIndex;not null;size:64" json:"slug"`
	Subdomain      string     `gorm:"uniqueIndex;not null;size:64" json:"subdomain"`
	Name           string     `gorm:"not null" json:"name"`
	DBStrategy     Strategy   `gorm:"not null;default:shared_rows" json:"db_strategy"`
	Status         string     `gorm:"not null;default:active" json:"status"`
	SchemaVersion  int        `gorm:"not null;default:1" json:"schema_version"`
	LastMigratedAt *time.Time `json:"last_migrated_at"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConnectionInfo holds the connection target for a dedicated_database tenant.
// Secrets are Fernet-encrypted at rest; decryption is the crypto package's job.
type ConnectionInfo struct {
	ID                uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID          uint      `gorm:"uniqueIndex;not null" json:"tenant_id"`
	Host              string    `gorm:"not null" json:"host"`
	Port              int       `gorm:"not null;default:5432" json:"port"`
	DatabaseName      string    `gorm:"not null" json:"database_name"`
	Username          string    `gorm:"not null" json:"username"`
	EncryptedPassword string    `json:"-"`
	UseTLS            bool      `gorm:"not null;default:true" json:"use_tls"`
	SSHHost           string    `json:"ssh_host"`
	SSHPort           int       `gorm:"default:22" json:"ssh_port"`
	SSHUser           string    `json:"ssh_user"`
	EncryptedSSHKey   string    `json:"-"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasSSHRelay reports whether the database is reached through an SSH tunnel.
func (ci *ConnectionInfo) HasSSHRelay() bool {
	return ci.SSHHost != ""
}

// Migration job statuses.
const (
	JobPending    = "pending"
	JobRunning    = "running"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobRolledBack = "rolled_back"
)

type MigrationJob struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	TenantID       uint      `gorm:"not null;index" json:"tenant_id"`
	SourceStrategy Strategy  `gorm:"not null" json:"source_strategy"`
	TargetStrategy Strategy  `gorm:"not null" json:"target_strategy"`
	Status         string    `gorm:"not null;default:pending;index" json:"status"`
	Progress       int       `gorm:"not null;default:0" json:"progress"`
	CurrentStep    string    `json:"current_step"`
	BackupRef      string    `json:"backup_ref"`
	ErrorLog       string    `json:"error_log"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// Terminal reports whether the job can no longer change state.
func (j *MigrationJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobRolledBack
}

// BackupRecord tracks a tenant-scoped backup snapshot and the tables it covers.
type BackupRecord struct {
	Ref       string    `gorm:"primaryKey;size:64" json:"ref"`
	TenantID  uint      `gorm:"not null;index" json:"tenant_id"`
	Reason    string    `json:"reason"`
	Tables    string    `gorm:"not null" json:"tables"` // comma-separated
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// User carries the authenticated caller's tenant reference, used as the
// lowest-priority tenant resolution source.
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:64" json:"username"`
	TenantID  uint      `gorm:"not null;index" json:"tenant_id"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}
