package migration

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/schedulo/tenantplane/internal/backup"
	"github.com/schedulo/tenantplane/internal/config"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/router"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testTables = []string{"appointments", "clients"}

// harness wires a full orchestrator stack onto temp-file sqlite databases:
// one for the control plane, one standing in for the shared business database,
// and one more acting as the dedicated-schema destination via ATTACH.
type harness struct {
	orch    *Orchestrator
	router  *router.Router
	factory *router.Factory
	shared  string
	schema  string
}

func setupHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	// Control-plane store
	ctl, err := gorm.Open(sqlite.Open(filepath.Join(dir, "control.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open control db: %v", err)
	}
	if err := ctl.AutoMigrate(&database.Tenant{}, &database.ConnectionInfo{}, &database.MigrationJob{},
		&database.BackupRecord{}, &database.Setting{}, &database.User{}); err != nil {
		t.Fatalf("auto-migrate control db: %v", err)
	}
	database.DB = ctl

	// Shared business database with tenant-owned tables
	sharedPath := filepath.Join(dir, "shared.db")
	seed := openBusinessDB(t, sharedPath)
	for _, table := range testTables {
		stmt := fmt.Sprintf("CREATE TABLE %s (id INTEGER PRIMARY KEY, tenant_id INTEGER NOT NULL, note TEXT)", table)
		if err := seed.Exec(stmt).Error; err != nil {
			t.Fatalf("create %s: %v", table, err)
		}
	}

	config.Cfg.Environment = "development"
	config.Cfg.PoolSizeDev = 1 // pin one connection so ATTACH holds for the pool
	config.Cfg.ConnMaxLifetime = 0
	config.Cfg.SharedDatabaseDSN = sharedPath

	// sqlite has no CREATE SCHEMA / LIKE; an attached database file plays the
	// role of the tenant schema.
	schemaPath := filepath.Join(dir, "schema.db")
	origCreate, origClone := createSchemaSQL, cloneTableSQL
	createSchemaSQL = func(schema string) string {
		return fmt.Sprintf("ATTACH DATABASE '%s' AS %s", schemaPath, schema)
	}
	cloneTableSQL = func(schema, table string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s AS SELECT * FROM %s WHERE 1=0", schema, table, table)
	}
	t.Cleanup(func() {
		createSchemaSQL = origCreate
		cloneTableSQL = origClone
	})

	f := router.NewFactory(nil)
	f.Dialector = func(dsn string) gorm.Dialector { return sqlite.Open(dsn) }
	r := router.New(f, router.GormControlPlane{}, time.Hour, time.Second)
	t.Cleanup(r.CloseAll)

	backups := backup.NewSQLService(r, testTables)
	return &harness{
		orch:    New(r, f, backups, testTables, time.Minute),
		router:  r,
		factory: f,
		shared:  sharedPath,
		schema:  schemaPath,
	}
}

func openBusinessDB(t *testing.T, path string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open business db %s: %v", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func createTenant(t *testing.T, strategy database.Strategy) *database.Tenant {
	t.Helper()
	tenant := &database.Tenant{Slug: "acme", Subdomain: "acme", Name: "Acme", DBStrategy: strategy, Status: database.TenantActive}
	if err := database.DB.Create(tenant).Error; err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return tenant
}

func seedRows(t *testing.T, path string, tenantID uint, perTable int) {
	t.Helper()
	db := openBusinessDB(t, path)
	for _, table := range testTables {
		for i := 0; i < perTable; i++ {
			stmt := fmt.Sprintf("INSERT INTO %s (tenant_id, note) VALUES (?, ?)", table)
			if err := db.Exec(stmt, tenantID, fmt.Sprintf("row %d", i)).Error; err != nil {
				t.Fatalf("seed %s: %v", table, err)
			}
		}
	}
}

func waitForTerminal(t *testing.T, o *Orchestrator, jobID string) *database.MigrationJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		job, err := o.Status(jobID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		switch job.Status {
		case database.JobCompleted, database.JobRolledBack:
			return job
		case database.JobFailed:
			// failed may still advance to rolled_back; give the rollback a beat
			settle := time.Now().Add(2 * time.Second)
			for time.Now().Before(settle) {
				if job, _ = o.Status(jobID); job.Status == database.JobRolledBack {
					break
				}
				time.Sleep(20 * time.Millisecond)
			}
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal status")
	return nil
}

func TestMigrateSharedToSchema(t *testing.T) {
	h := setupHarness(t)
	tenant := createTenant(t, database.StrategySharedRows)
	seedRows(t, h.shared, tenant.ID, 7)
	seedRows(t, h.shared, 99, 3) // bystander tenant

	jobID, err := h.orch.Start(context.Background(), tenant.ID, database.StrategyDedicatedSchema)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	job := waitForTerminal(t, h.orch, jobID)
	if job.Status != database.JobCompleted {
		t.Fatalf("job status = %s (%s), want completed", job.Status, job.ErrorLog)
	}
	if job.Progress != 100 || job.CurrentStep != "completed" {
		t.Errorf("progress = %d / %q", job.Progress, job.CurrentStep)
	}
	if job.BackupRef == "" {
		t.Error("no backup ref recorded")
	}

	got, err := database.GetTenantByID(tenant.ID)
	if err != nil {
		t.Fatalf("reload tenant: %v", err)
	}
	if got.DBStrategy != database.StrategyDedicatedSchema {
		t.Errorf("strategy = %s, want dedicated_schema", got.DBStrategy)
	}
	if got.LastMigratedAt == nil {
		t.Error("last_migrated_at not stamped at cutover")
	}

	// Rows landed in the schema destination; the bystander stayed put.
	dst := openBusinessDB(t, h.schema)
	for _, table := range testTables {
		var count int64
		if err := dst.Raw(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = ?", table), tenant.ID).Scan(&count).Error; err != nil {
			t.Fatalf("count destination %s: %v", table, err)
		}
		if count != 7 {
			t.Errorf("destination %s rows = %d, want 7", table, count)
		}
	}
	src := openBusinessDB(t, h.shared)
	var bystander int64
	if err := src.Raw("SELECT COUNT(*) FROM appointments WHERE tenant_id = 99").Scan(&bystander).Error; err != nil {
		t.Fatalf("count bystander: %v", err)
	}
	if bystander != 3 {
		t.Errorf("bystander rows = %d, want 3", bystander)
	}

	// Cutover evicted the cached handle.
	if _, ok := h.router.Cached(tenant.ID); ok {
		t.Error("tenant handle still cached after cutover")
	}
}

func TestStartValidation(t *testing.T) {
	h := setupHarness(t)
	tenant := createTenant(t, database.StrategySharedRows)

	if _, err := h.orch.Start(context.Background(), tenant.ID, "replicated"); err == nil {
		t.Error("unknown strategy accepted")
	}
	if _, err := h.orch.Start(context.Background(), 9999, database.StrategyDedicatedSchema); !errors.Is(err, router.ErrTenantNotFound) {
		t.Errorf("missing tenant err = %v, want ErrTenantNotFound", err)
	}
	if _, err := h.orch.Start(context.Background(), tenant.ID, database.StrategySharedRows); !errors.Is(err, ErrNoOpMigration) {
		t.Errorf("no-op err = %v, want ErrNoOpMigration", err)
	}

	inactive := &database.Tenant{Slug: "gone", Subdomain: "gone", Name: "Gone", DBStrategy: database.StrategySharedRows, Status: database.TenantInactive}
	if err := database.DB.Create(inactive).Error; err != nil {
		t.Fatalf("create inactive tenant: %v", err)
	}
	if _, err := h.orch.Start(context.Background(), inactive.ID, database.StrategyDedicatedSchema); !errors.Is(err, router.ErrTenantInactive) {
		t.Errorf("inactive err = %v, want ErrTenantInactive", err)
	}
}

func TestStartRejectsConcurrentMigration(t *testing.T) {
	h := setupHarness(t)
	tenant := createTenant(t, database.StrategySharedRows)

	// A pending job left by another process
	stale := &database.MigrationJob{
		ID: "stale-job", TenantID: tenant.ID,
		SourceStrategy: database.StrategySharedRows, TargetStrategy: database.StrategyDedicatedSchema,
		Status: database.JobPending,
	}
	if err := database.CreateMigrationJob(stale); err != nil {
		t.Fatalf("create stale job: %v", err)
	}

	_, err := h.orch.Start(context.Background(), tenant.ID, database.StrategyDedicatedSchema)
	if !errors.Is(err, ErrMigrationAlreadyInProgress) {
		t.Errorf("err = %v, want ErrMigrationAlreadyInProgress", err)
	}
}

// stallingBackups wraps a real backup service and burns the rest of the copy
// deadline after the backup lands, so every later step sees an expired context.
type stallingBackups struct {
	inner backup.Service
	stall time.Duration
}

func (s *stallingBackups) CreateBackup(ctx context.Context, tenantID uint, reason string) (string, error) {
	ref, err := s.inner.CreateBackup(context.Background(), tenantID, reason)
	time.Sleep(s.stall)
	return ref, err
}

func (s *stallingBackups) RestoreBackup(ctx context.Context, ref string) error {
	return s.inner.RestoreBackup(ctx, ref)
}

func TestTimedOutMigrationStillRollsBack(t *testing.T) {
	h := setupHarness(t)
	tenant := createTenant(t, database.StrategySharedRows)
	seedRows(t, h.shared, tenant.ID, 3)

	backups := &stallingBackups{
		inner: backup.NewSQLService(h.router, testTables),
		stall: 200 * time.Millisecond,
	}
	orch := New(h.router, h.factory, backups, testTables, 50*time.Millisecond)

	jobID, err := orch.Start(context.Background(), tenant.ID, database.StrategyDedicatedSchema)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	job := waitForTerminal(t, orch, jobID)
	if job.Status != database.JobRolledBack {
		t.Fatalf("job status = %s (%s), want rolled_back", job.Status, job.ErrorLog)
	}
	if !strings.Contains(job.ErrorLog, "deadline") {
		t.Errorf("error log = %q, want a deadline expiry", job.ErrorLog)
	}

	got, _ := database.GetTenantByID(tenant.ID)
	if got.DBStrategy != database.StrategySharedRows {
		t.Errorf("strategy = %s, must stay shared_rows", got.DBStrategy)
	}

	src := openBusinessDB(t, h.shared)
	var count int64
	if err := src.Raw("SELECT COUNT(*) FROM appointments WHERE tenant_id = ?", tenant.ID).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Errorf("rows after rollback = %d, want 3", count)
	}
}

func TestFailedMigrationRollsBack(t *testing.T) {
	h := setupHarness(t)
	tenant := createTenant(t, database.StrategySharedRows)
	seedRows(t, h.shared, tenant.ID, 4)

	// dedicated_database with no connection info: the backup lands, then plan
	// building fails, so the job must roll back from the backup.
	jobID, err := h.orch.Start(context.Background(), tenant.ID, database.StrategyDedicatedDatabase)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	job := waitForTerminal(t, h.orch, jobID)
	if job.Status != database.JobRolledBack {
		t.Fatalf("job status = %s (%s), want rolled_back", job.Status, job.ErrorLog)
	}
	if job.ErrorLog == "" {
		t.Error("error log should record the failure")
	}

	got, _ := database.GetTenantByID(tenant.ID)
	if got.DBStrategy != database.StrategySharedRows {
		t.Errorf("strategy = %s, must stay shared_rows", got.DBStrategy)
	}

	// Data intact after restore
	src := openBusinessDB(t, h.shared)
	var count int64
	if err := src.Raw("SELECT COUNT(*) FROM appointments WHERE tenant_id = ?", tenant.ID).Scan(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 4 {
		t.Errorf("rows after rollback = %d, want 4", count)
	}

	// The tenant is free for a new migration attempt.
	if id, err := database.RunningMigrationFor(tenant.ID); err != nil || id != "" {
		t.Errorf("running migration after rollback = %q, %v", id, err)
	}
}
