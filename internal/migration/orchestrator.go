// Package migration moves one tenant's data between isolation strategies
// while the system stays online.
//
// Each migration is a MigrationJob driving a fixed sequence: backup ->
// validate -> prepare target -> copy -> verify -> cutover. Any failure marks
// the job failed and triggers a best-effort rollback from the pre-migration
// backup. Callers only ever get a job id back; outcomes are observed by
// polling job status.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/schedulo/tenantplane/internal/backup"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/router"
	"gorm.io/gorm"
)

var (
	// ErrNoOpMigration means source and target strategy are the same.
	ErrNoOpMigration = errors.New("tenant already on target strategy")
	// ErrMigrationAlreadyInProgress means the tenant has a pending or running job.
	ErrMigrationAlreadyInProgress = errors.New("migration already in progress for tenant")
	// ErrDataIntegrityMismatch means the verify step found differing row counts.
	ErrDataIntegrityMismatch = errors.New("data integrity mismatch")
)

// DefaultTables lists the business tables that carry a tenant-ownership
// column and therefore participate in copy, verify, and backup.
var DefaultTables = []string{"appointments", "clients", "services", "staff_members", "invoices"}

// Orchestrator runs migration jobs. Only one job per tenant may run at a
// time; the in-process lock is backed by a control-plane check so a restart
// cannot double-start.
type Orchestrator struct {
	router      *router.Router
	factory     *router.Factory
	backups     backup.Service
	tables      []string
	copyTimeout time.Duration

	mu      sync.Mutex
	running map[uint]string // tenant id -> job id
}

// New creates an Orchestrator.
func New(r *router.Router, f *router.Factory, b backup.Service, tables []string, copyTimeout time.Duration) *Orchestrator {
	if len(tables) == 0 {
		tables = DefaultTables
	}
	return &Orchestrator{
		router:      r,
		factory:     f,
		backups:     b,
		tables:      tables,
		copyTimeout: copyTimeout,
		running:     make(map[uint]string),
	}
}

// Start validates the request, creates the job, and launches it in the
// background. The returned job id is the only synchronous result; failures
// after this point are recorded on the job.
func (o *Orchestrator) Start(ctx context.Context, tenantID uint, target database.Strategy) (string, error) {
	if !target.Valid() {
		return "", fmt.Errorf("unknown target strategy %q", target)
	}

	tenant, err := database.GetTenantByID(tenantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("tenant %d: %w", tenantID, router.ErrTenantNotFound)
		}
		return "", fmt.Errorf("lookup tenant %d: %w", tenantID, err)
	}
	if tenant.Status != database.TenantActive {
		return "", fmt.Errorf("tenant %d: %w", tenantID, router.ErrTenantInactive)
	}
	if tenant.DBStrategy == target {
		return "", fmt.Errorf("tenant %d: %w", tenantID, ErrNoOpMigration)
	}

	o.mu.Lock()
	if jobID, ok := o.running[tenantID]; ok {
		o.mu.Unlock()
		return "", fmt.Errorf("tenant %d (job %s): %w", tenantID, jobID, ErrMigrationAlreadyInProgress)
	}
	if jobID, err := database.RunningMigrationFor(tenantID); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("check running migrations: %w", err)
	} else if jobID != "" {
		o.mu.Unlock()
		return "", fmt.Errorf("tenant %d (job %s): %w", tenantID, jobID, ErrMigrationAlreadyInProgress)
	}

	job := &database.MigrationJob{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		SourceStrategy: tenant.DBStrategy,
		TargetStrategy: target,
		Status:         database.JobPending,
		CurrentStep:    "queued",
	}
	if err := database.CreateMigrationJob(job); err != nil {
		o.mu.Unlock()
		return "", fmt.Errorf("create migration job: %w", err)
	}
	o.running[tenantID] = job.ID
	o.mu.Unlock()

	go o.run(job.ID, tenantID, tenant.DBStrategy, target)

	log.Printf("[migration] started job %s: tenant %d %s -> %s", job.ID, tenantID, tenant.DBStrategy, target)
	return job.ID, nil
}

// Status returns the job record for polling.
func (o *Orchestrator) Status(jobID string) (*database.MigrationJob, error) {
	return database.GetMigrationJob(jobID)
}

// run executes the job to completion and owns its error boundary: every
// failure lands on the job record, never on a caller.
func (o *Orchestrator) run(jobID string, tenantID uint, source, target database.Strategy) {
	defer func() {
		o.mu.Lock()
		delete(o.running, tenantID)
		o.mu.Unlock()
	}()
	defer func() {
		if p := recover(); p != nil {
			log.Printf("[migration] job %s panicked: %v", jobID, p)
			database.UpdateJobStatus(jobID, database.JobFailed, fmt.Sprintf("panic: %v", p))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), o.copyTimeout)
	defer cancel()

	if err := database.UpdateJobStatus(jobID, database.JobRunning, ""); err != nil {
		log.Printf("[migration] job %s: mark running: %v", jobID, err)
		return
	}

	err := o.execute(ctx, jobID, tenantID, source, target)
	if err == nil {
		database.UpdateJobProgress(jobID, 100, "completed")
		database.UpdateJobStatus(jobID, database.JobCompleted, "")
		log.Printf("[migration] job %s completed", jobID)
		return
	}

	log.Printf("[migration] job %s failed: %v", jobID, err)
	database.UpdateJobStatus(jobID, database.JobFailed, err.Error())
	o.rollback(jobID)
}

// execute walks the migration steps, updating job progress as it goes.
func (o *Orchestrator) execute(ctx context.Context, jobID string, tenantID uint, source, target database.Strategy) error {
	step := func(progress int, label string) {
		database.UpdateJobProgress(jobID, progress, label)
	}

	step(10, "backup")
	ref, err := o.backups.CreateBackup(ctx, tenantID, "pre-migration")
	if err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	if err := database.SetJobBackupRef(jobID, ref); err != nil {
		return fmt.Errorf("record backup ref: %w", err)
	}

	step(20, "validate")
	tenant, err := database.GetTenantByID(tenantID)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}
	if tenant.Status != database.TenantActive {
		return fmt.Errorf("validate: %w", router.ErrTenantInactive)
	}
	if tenant.DBStrategy != source {
		return fmt.Errorf("validate: strategy changed underfoot (now %s, expected %s)", tenant.DBStrategy, source)
	}

	plan, cleanup, err := o.buildPlan(ctx, tenant, source, target)
	if err != nil {
		return fmt.Errorf("plan: %w", err)
	}
	defer cleanup()

	step(40, "prepare_target")
	if err := o.prepareTarget(ctx, plan, tenant, target); err != nil {
		return fmt.Errorf("prepare target: %w", err)
	}

	step(60, "copy")
	if err := plan.copyTenant(ctx, o.tables, tenantID); err != nil {
		return fmt.Errorf("copy: %w", err)
	}

	step(80, "verify")
	if err := plan.verifyTenant(ctx, o.tables, tenantID); err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	step(95, "cutover")
	if err := database.UpdateTenantStrategy(tenantID, target); err != nil {
		return fmt.Errorf("cutover: %w", err)
	}
	o.router.Evict(tenantID)

	return nil
}

// buildPlan opens the pools both sides of the copy need and returns the plan
// plus a cleanup that closes them. Shared and schema strategies live in the
// shared database and differ only by table qualifier; dedicated_database uses
// the tenant's own pool, reached through a tunnel when one is declared.
func (o *Orchestrator) buildPlan(ctx context.Context, tenant *database.Tenant, source, target database.Strategy) (*copyPlan, func(), error) {
	var closers []*router.Handle
	cleanup := func() {
		for _, h := range closers {
			h.Close()
		}
	}

	var sharedDB *gorm.DB
	needShared := source != database.StrategyDedicatedDatabase || target != database.StrategyDedicatedDatabase
	if needShared {
		h, err := o.factory.Build(ctx, tenant, database.StrategySharedRows, nil)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open shared pool: %w", err)
		}
		closers = append(closers, h)
		sharedDB = h.DB
	}

	var dedicatedDB *gorm.DB
	if source == database.StrategyDedicatedDatabase || target == database.StrategyDedicatedDatabase {
		info, err := database.GetConnectionInfo(tenant.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, cleanup, fmt.Errorf("tenant %d: %w", tenant.ID, router.ErrMissingConnectionInfo)
			}
			return nil, cleanup, fmt.Errorf("lookup connection info: %w", err)
		}
		h, err := o.factory.Build(ctx, tenant, database.StrategyDedicatedDatabase, info)
		if err != nil {
			return nil, cleanup, fmt.Errorf("open dedicated pool: %w", err)
		}
		closers = append(closers, h)
		dedicatedDB = h.DB
	}

	sideFor := func(s database.Strategy) side {
		switch s {
		case database.StrategyDedicatedSchema:
			return side{db: sharedDB, qualify: schemaQualifier(router.SchemaName(tenant))}
		case database.StrategyDedicatedDatabase:
			return side{db: dedicatedDB, qualify: unqualified}
		default:
			return side{db: sharedDB, qualify: unqualified}
		}
	}

	plan := &copyPlan{
		src:    sideFor(source),
		dst:    sideFor(target),
		sameDB: source != database.StrategyDedicatedDatabase && target != database.StrategyDedicatedDatabase,
	}
	return plan, cleanup, nil
}

// prepareTarget makes the destination ready to receive rows. A schema target
// is created here along with structural clones of every tenant-owned table;
// a dedicated database is provisioned externally and only checked for
// reachability; a shared target already has its tables.
func (o *Orchestrator) prepareTarget(ctx context.Context, plan *copyPlan, tenant *database.Tenant, target database.Strategy) error {
	switch target {
	case database.StrategyDedicatedSchema:
		return prepareSchema(ctx, plan.dst.db, router.SchemaName(tenant), o.tables)
	case database.StrategyDedicatedDatabase:
		sqlDB, err := plan.dst.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	default:
		return nil
	}
}

// rollback restores the pre-migration backup and marks the job rolled back.
// Best-effort: the job is already in a terminal failure state, so a rollback
// failure is logged rather than raised. Runs under its own deadline; the copy
// context that drove the failed migration may already be expired.
func (o *Orchestrator) rollback(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), o.copyTimeout)
	defer cancel()

	job, err := database.GetMigrationJob(jobID)
	if err != nil {
		log.Printf("[migration] job %s: load for rollback: %v", jobID, err)
		return
	}
	if job.BackupRef == "" {
		log.Printf("[migration] job %s: no backup ref, skipping rollback", jobID)
		return
	}

	database.UpdateJobProgress(jobID, job.Progress, "rollback")
	if err := o.backups.RestoreBackup(ctx, job.BackupRef); err != nil {
		log.Printf("[migration] job %s: rollback failed: %v", jobID, err)
		return
	}

	database.UpdateJobStatus(jobID, database.JobRolledBack, "")
	log.Printf("[migration] job %s rolled back from backup %s", jobID, job.BackupRef)
}
