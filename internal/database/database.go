package database

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/schedulo/tenantplane/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// staleJobCutoff is how long a migration job may stay `running` before the
// startup sweep declares it orphaned (e.g. the process crashed mid-migration).
var staleJobCutoff = 24 * time.Hour

func Init() error {
	var dialector gorm.Dialector
	switch config.Cfg.DatabaseDriver {
	case "mysql":
		dialector = mysql.Open(config.Cfg.DatabaseDSN)
	case "sqlite", "":
		dbPath := config.Cfg.DatabasePath
		if dbDir := filepath.Dir(dbPath); dbDir != "" {
			if err := os.MkdirAll(dbDir, 0755); err != nil {
				return fmt.Errorf("create db directory: %w", err)
			}
		}
		dialector = sqlite.Open(dbPath)
	default:
		return fmt.Errorf("unsupported database driver %q", config.Cfg.DatabaseDriver)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	if config.Cfg.DatabaseDriver != "mysql" {
		sqlDB, err := DB.DB()
		if err != nil {
			return fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return fmt.Errorf("set WAL mode: %w", err)
		}
	}

	if err := DB.AutoMigrate(&Tenant{}, &ConnectionInfo{}, &MigrationJob{}, &BackupRecord{}, &Setting{}, &User{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := failStaleRunningJobs(); err != nil {
		return fmt.Errorf("fail stale jobs: %w", err)
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

// failStaleRunningJobs marks jobs that were left `running` or `pending` by a
// previous process as failed. Their migrations cannot be resumed; the tenant's
// strategy of record was only changed at cutover, so no data is lost.
func failStaleRunningJobs() error {
	cutoff := time.Now().Add(-staleJobCutoff)
	res := DB.Model(&MigrationJob{}).
		Where("status IN ? AND updated_at < ?", []string{JobPending, JobRunning}, cutoff).
		Updates(map[string]interface{}{
			"status":    JobFailed,
			"error_log": "orphaned by process restart",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		log.Printf("Marked %d orphaned migration job(s) as failed", res.RowsAffected)
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Tenant helpers

func GetTenantByID(id uint) (*Tenant, error) {
	var t Tenant
	if err := DB.First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func GetTenantBySlug(slug string) (*Tenant, error) {
	var t Tenant
	if err := DB.Where("slug = ?", slug).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func GetTenantBySubdomain(subdomain string) (*Tenant, error) {
	var t Tenant
	if err := DB.Where("subdomain = ?", subdomain).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTenantStrategy switches the tenant's strategy of record and stamps the
// migration metadata. This is the cutover write; callers must evict any cached
// handle for the tenant afterwards.
func UpdateTenantStrategy(id uint, strategy Strategy) error {
	now := time.Now()
	return DB.Model(&Tenant{}).Where("id = ?", id).Updates(map[string]interface{}{
		"db_strategy":      strategy,
		"last_migrated_at": &now,
	}).Error
}

func GetConnectionInfo(tenantID uint) (*ConnectionInfo, error) {
	var ci ConnectionInfo
	if err := DB.Where("tenant_id = ?", tenantID).First(&ci).Error; err != nil {
		return nil, err
	}
	return &ci, nil
}

func SaveConnectionInfo(ci *ConnectionInfo) error {
	return DB.Save(ci).Error
}

func DeleteConnectionInfo(tenantID uint) error {
	return DB.Where("tenant_id = ?", tenantID).Delete(&ConnectionInfo{}).Error
}

// Migration job helpers

func CreateMigrationJob(job *MigrationJob) error {
	return DB.Create(job).Error
}

func GetMigrationJob(id string) (*MigrationJob, error) {
	var job MigrationJob
	if err := DB.First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// RunningMigrationFor returns the id of the tenant's pending or running job,
// or "" if none exists.
func RunningMigrationFor(tenantID uint) (string, error) {
	var job MigrationJob
	err := DB.Where("tenant_id = ? AND status IN ?", tenantID, []string{JobPending, JobRunning}).
		First(&job).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return "", nil
		}
		return "", err
	}
	return job.ID, nil
}

// UpdateJobProgress sets the job's progress percent and current step label.
func UpdateJobProgress(id string, progress int, step string) error {
	return DB.Model(&MigrationJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"progress":     progress,
		"current_step": step,
	}).Error
}

// UpdateJobStatus moves the job to a new status, optionally attaching an error detail.
func UpdateJobStatus(id, status, errorLog string) error {
	updates := map[string]interface{}{"status": status}
	if errorLog != "" {
		updates["error_log"] = errorLog
	}
	return DB.Model(&MigrationJob{}).Where("id = ?", id).Updates(updates).Error
}

// SetJobBackupRef records the rollback anchor on the job.
func SetJobBackupRef(id, ref string) error {
	return DB.Model(&MigrationJob{}).Where("id = ?", id).Update("backup_ref", ref).Error
}

// User helpers

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}
