package migration

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// DDL templates for preparing a schema-target destination. Package-level vars
// so the sqlite test harness can substitute statements its dialect accepts.
// Schema and table names are sanitized identifiers, never user input.
var (
	createSchemaSQL = func(schema string) string {
		return "CREATE SCHEMA IF NOT EXISTS " + schema
	}
	cloneTableSQL = func(schema, table string) string {
		return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s.%s (LIKE %s INCLUDING ALL)", schema, table, table)
	}
)

// copyBatchSize bounds cross-database insert batches.
const copyBatchSize = 500

// side is one end of a copy: a pool plus a table-name qualifier.
type side struct {
	db      *gorm.DB
	qualify func(table string) string
}

func unqualified(table string) string { return table }

func schemaQualifier(schema string) func(string) string {
	return func(table string) string { return schema + "." + table }
}

// copyPlan moves one tenant's rows between two storage substrates.
// When both sides live in the same physical database the copy is a single
// INSERT ... SELECT per table; otherwise rows are streamed through the
// process in batches.
type copyPlan struct {
	src    side
	dst    side
	sameDB bool
}

// copyTenant copies all rows for tenantID in the given tables from src to
// dst. Destination rows for the tenant are deleted first, making the copy
// idempotent, and other tenants' rows in shared tables are never touched.
func (p *copyPlan) copyTenant(ctx context.Context, tables []string, tenantID uint) error {
	for _, table := range tables {
		del := fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ?", p.dst.qualify(table))
		if err := p.dst.db.WithContext(ctx).Exec(del, tenantID).Error; err != nil {
			return fmt.Errorf("clear destination %s: %w", table, err)
		}

		if p.sameDB {
			ins := fmt.Sprintf("INSERT INTO %s SELECT * FROM %s WHERE tenant_id = ?",
				p.dst.qualify(table), p.src.qualify(table))
			if err := p.src.db.WithContext(ctx).Exec(ins, tenantID).Error; err != nil {
				return fmt.Errorf("copy %s: %w", table, err)
			}
			continue
		}

		if err := p.copyTableCrossDB(ctx, table, tenantID); err != nil {
			return err
		}
	}
	return nil
}

// copyTableCrossDB streams one table's tenant rows between two pools.
func (p *copyPlan) copyTableCrossDB(ctx context.Context, table string, tenantID uint) error {
	var rows []map[string]interface{}
	err := p.src.db.WithContext(ctx).
		Table(p.src.qualify(table)).
		Where("tenant_id = ?", tenantID).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("read source %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil
	}

	for start := 0; start < len(rows); start += copyBatchSize {
		end := start + copyBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		if err := p.dst.db.WithContext(ctx).Table(p.dst.qualify(table)).Create(batch).Error; err != nil {
			return fmt.Errorf("write destination %s: %w", table, err)
		}
	}
	return nil
}

// verifyTenant compares per-table row counts for the tenant between source
// and destination. Any mismatch is a data-integrity failure.
func (p *copyPlan) verifyTenant(ctx context.Context, tables []string, tenantID uint) error {
	for _, table := range tables {
		srcCount, err := countRows(ctx, p.src, table, tenantID)
		if err != nil {
			return fmt.Errorf("count source %s: %w", table, err)
		}
		dstCount, err := countRows(ctx, p.dst, table, tenantID)
		if err != nil {
			return fmt.Errorf("count destination %s: %w", table, err)
		}
		if srcCount != dstCount {
			return fmt.Errorf("%w: table %s source=%d destination=%d",
				ErrDataIntegrityMismatch, table, srcCount, dstCount)
		}
	}
	return nil
}

func countRows(ctx context.Context, s side, table string, tenantID uint) (int64, error) {
	var count int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE tenant_id = ?", s.qualify(table))
	if err := s.db.WithContext(ctx).Raw(stmt, tenantID).Scan(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// prepareSchema creates the destination schema and a structurally identical
// table for every tenant-owned table, if not already present.
func prepareSchema(ctx context.Context, db *gorm.DB, schema string, tables []string) error {
	if err := db.WithContext(ctx).Exec(createSchemaSQL(schema)).Error; err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}
	for _, table := range tables {
		if err := db.WithContext(ctx).Exec(cloneTableSQL(schema, table)).Error; err != nil {
			return fmt.Errorf("clone table %s into %s: %w", table, schema, err)
		}
	}
	return nil
}
