package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/schedulo/tenantplane/internal/database"
	"gorm.io/gorm"
)

// StampSQL sets the per-session tenant marker consumed by row-level policies
// on the shared database. Dialect hook: deployments (and test harnesses) on
// other dialects substitute an equivalent statement.
var StampSQL = "SELECT set_config('app.current_tenant', ?, false)"

// Handle is a ready-to-use pooled database client bound to one tenant's
// physical target. Handles are cached by the Router and replaced wholesale,
// never mutated in place.
type Handle struct {
	TenantID  uint
	Strategy  database.Strategy
	DB        *gorm.DB
	CreatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// Touch records that the handle was just used.
func (h *Handle) Touch() {
	h.mu.Lock()
	h.lastUsed = time.Now()
	h.mu.Unlock()
}

// LastUsed returns when the handle was last resolved.
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// StampSession marks the current database session with the tenant's identity.
// Only meaningful for shared_rows tenants; a no-op for the other strategies.
func (h *Handle) StampSession(ctx context.Context) error {
	if h.Strategy != database.StrategySharedRows {
		return nil
	}
	if err := h.DB.WithContext(ctx).Exec(StampSQL, fmt.Sprint(h.TenantID)).Error; err != nil {
		return fmt.Errorf("stamp session for tenant %d: %w", h.TenantID, err)
	}
	return nil
}

// Ping issues a trivial liveness query against the underlying pool.
func (h *Handle) Ping(ctx context.Context) error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the underlying pool.
func (h *Handle) Close() error {
	sqlDB, err := h.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
