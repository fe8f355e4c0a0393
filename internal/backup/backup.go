// Package backup provides tenant-scoped backup snapshots, the rollback
// anchor for live migrations. Snapshots copy a tenant's rows from every
// tenant-owned table into per-backup tables on the same database, so restore
// is a plain delete-then-reinsert.
package backup

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/router"
)

// Service is the backup collaborator consumed by the migration orchestrator.
type Service interface {
	CreateBackup(ctx context.Context, tenantID uint, reason string) (string, error)
	RestoreBackup(ctx context.Context, ref string) error
}

// SQLService snapshots tenant rows through the tenant's own routed handle.
// For dedicated_schema tenants the handle's search path makes unqualified
// table names resolve inside the tenant schema, so one implementation covers
// all three isolation strategies.
type SQLService struct {
	router *router.Router
	tables []string
}

// NewSQLService creates a backup service over the given router and the
// registry of tenant-owned tables.
func NewSQLService(r *router.Router, tables []string) *SQLService {
	return &SQLService{router: r, tables: tables}
}

// CreateBackup snapshots every tenant-owned table's rows for the tenant into
// backup tables and records the manifest. Returns the backup reference.
func (s *SQLService) CreateBackup(ctx context.Context, tenantID uint, reason string) (string, error) {
	h, err := s.router.Resolve(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolve handle for backup: %w", err)
	}

	ref := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	for _, table := range s.tables {
		stmt := fmt.Sprintf("CREATE TABLE %s AS SELECT * FROM %s WHERE tenant_id = %d",
			backupTable(ref, table), table, tenantID)
		if err := h.DB.WithContext(ctx).Exec(stmt).Error; err != nil {
			return "", fmt.Errorf("snapshot %s: %w", table, err)
		}
	}

	record := &database.BackupRecord{
		Ref:      ref,
		TenantID: tenantID,
		Reason:   reason,
		Tables:   strings.Join(s.tables, ","),
	}
	if err := database.DB.WithContext(ctx).Create(record).Error; err != nil {
		return "", fmt.Errorf("record backup manifest: %w", err)
	}

	log.Printf("[backup] created %s for tenant %d (%s, %d tables)", ref, tenantID, reason, len(s.tables))
	return ref, nil
}

// RestoreBackup replaces the tenant's current rows with the snapshot taken
// under ref: delete the tenant's rows, then reinsert from the backup tables.
func (s *SQLService) RestoreBackup(ctx context.Context, ref string) error {
	var record database.BackupRecord
	if err := database.DB.WithContext(ctx).First(&record, "ref = ?", ref).Error; err != nil {
		return fmt.Errorf("lookup backup %s: %w", ref, err)
	}

	h, err := s.router.Resolve(ctx, record.TenantID)
	if err != nil {
		return fmt.Errorf("resolve handle for restore: %w", err)
	}

	for _, table := range strings.Split(record.Tables, ",") {
		del := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = %d", table, record.TenantID)
		if err := h.DB.WithContext(ctx).Exec(del).Error; err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
		ins := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", table, backupTable(ref, table))
		if err := h.DB.WithContext(ctx).Exec(ins).Error; err != nil {
			return fmt.Errorf("restore %s: %w", table, err)
		}
	}

	log.Printf("[backup] restored %s for tenant %d", ref, record.TenantID)
	return nil
}

// backupTable names the snapshot table for a backup ref. ref is hex from a
// UUID and table comes from the registry, so the result is a safe identifier.
func backupTable(ref, table string) string {
	return fmt.Sprintf("bkp_%s_%s", ref, router.SanitizeIdentifier(table))
}
