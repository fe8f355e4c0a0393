// Package router maps tenant ids to live pooled database handles.
//
// Resolve consults an in-process handle cache first, then a short-TTL
// strategy side cache, and only then the control-plane store. Handles are
// built by the Factory and cached until evicted by a failed health check or
// by the migration orchestrator at cutover. At most one handle exists per
// tenant at any time, even under concurrent cold resolves.
package router

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/schedulo/tenantplane/internal/database"
	"gorm.io/gorm"
)

// ControlPlane is the router's view of the control-plane store.
type ControlPlane interface {
	GetTenant(ctx context.Context, id uint) (*database.Tenant, error)
	GetConnectionInfo(ctx context.Context, id uint) (*database.ConnectionInfo, error)
}

// GormControlPlane adapts the global control-plane database to the
// ControlPlane interface with per-call timeouts.
type GormControlPlane struct{}

func (GormControlPlane) GetTenant(ctx context.Context, id uint) (*database.Tenant, error) {
	var t database.Tenant
	if err := database.DB.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (GormControlPlane) GetConnectionInfo(ctx context.Context, id uint) (*database.ConnectionInfo, error) {
	var ci database.ConnectionInfo
	if err := database.DB.WithContext(ctx).Where("tenant_id = ?", id).First(&ci).Error; err != nil {
		return nil, err
	}
	return &ci, nil
}

// strategyEntry is one side-cache record: enough to rebuild a handle without
// a control-plane round trip.
type strategyEntry struct {
	tenant  database.Tenant
	expires time.Time
}

// Router caches one live handle per tenant.
type Router struct {
	factory       *Factory
	store         ControlPlane
	strategyTTL   time.Duration
	lookupTimeout time.Duration

	mu         sync.Mutex
	handles    map[uint]*Handle
	building   map[uint]chan struct{}
	strategies map[uint]strategyEntry
}

// New creates a Router over the given factory and control-plane store.
func New(factory *Factory, store ControlPlane, strategyTTL, lookupTimeout time.Duration) *Router {
	return &Router{
		factory:       factory,
		store:         store,
		strategyTTL:   strategyTTL,
		lookupTimeout: lookupTimeout,
		handles:       make(map[uint]*Handle),
		building:      make(map[uint]chan struct{}),
		strategies:    make(map[uint]strategyEntry),
	}
}

// Resolve returns the tenant's live handle, building one on a cache miss.
// Concurrent cold resolves for the same tenant share a single build; exactly
// one pool is created.
func (r *Router) Resolve(ctx context.Context, tenantID uint) (*Handle, error) {
	for {
		r.mu.Lock()
		if h, ok := r.handles[tenantID]; ok {
			r.mu.Unlock()
			h.Touch()
			return h, nil
		}
		if ch, ok := r.building[tenantID]; ok {
			r.mu.Unlock()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ch:
			}
			continue
		}
		ch := make(chan struct{})
		r.building[tenantID] = ch
		r.mu.Unlock()

		h, err := r.build(ctx, tenantID)

		r.mu.Lock()
		delete(r.building, tenantID)
		close(ch)
		if err == nil {
			r.handles[tenantID] = h
		}
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// build resolves the tenant's strategy (side cache or store) and asks the
// factory for a handle.
func (r *Router) build(ctx context.Context, tenantID uint) (*Handle, error) {
	tenant, err := r.tenantRecord(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var info *database.ConnectionInfo
	if tenant.DBStrategy == database.StrategyDedicatedDatabase {
		lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
		info, err = r.store.GetConnectionInfo(lookupCtx, tenantID)
		cancel()
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("tenant %d: %w", tenantID, ErrMissingConnectionInfo)
			}
			return nil, fmt.Errorf("lookup connection info for tenant %d: %w", tenantID, err)
		}
	}

	return r.factory.Build(ctx, tenant, tenant.DBStrategy, info)
}

// tenantRecord returns the tenant from the side cache, falling back to the
// control-plane store and repopulating the cache on a miss.
func (r *Router) tenantRecord(ctx context.Context, tenantID uint) (*database.Tenant, error) {
	r.mu.Lock()
	entry, ok := r.strategies[tenantID]
	r.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		t := entry.tenant
		return &t, nil
	}

	lookupCtx, cancel := context.WithTimeout(ctx, r.lookupTimeout)
	tenant, err := r.store.GetTenant(lookupCtx, tenantID)
	cancel()
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("tenant %d: %w", tenantID, ErrTenantNotFound)
		}
		return nil, fmt.Errorf("lookup tenant %d: %w", tenantID, err)
	}
	if tenant.Status != database.TenantActive {
		return nil, fmt.Errorf("tenant %d: %w", tenantID, ErrTenantInactive)
	}

	r.mu.Lock()
	r.strategies[tenantID] = strategyEntry{tenant: *tenant, expires: time.Now().Add(r.strategyTTL)}
	r.mu.Unlock()

	return tenant, nil
}

// Evict removes the tenant's cached handle and side-cache entry so the next
// Resolve rebuilds against the current control-plane state. Used after failed
// health checks and by the migration orchestrator at cutover.
func (r *Router) Evict(tenantID uint) {
	r.mu.Lock()
	h := r.handles[tenantID]
	delete(r.handles, tenantID)
	delete(r.strategies, tenantID)
	r.mu.Unlock()

	if h != nil {
		if err := h.Close(); err != nil {
			log.Printf("[router] close evicted handle for tenant %d: %v", tenantID, err)
		}
		log.Printf("[router] evicted handle for tenant %d", tenantID)
	}
}

// Cached returns the cached handle for a tenant without building one.
func (r *Router) Cached(tenantID uint) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[tenantID]
	return h, ok
}

// snapshot returns the current cached handles.
func (r *Router) snapshot() map[uint]*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint]*Handle, len(r.handles))
	for id, h := range r.handles {
		out[id] = h
	}
	return out
}

// CloseAll evicts every cached handle. Used at shutdown.
func (r *Router) CloseAll() {
	r.mu.Lock()
	all := r.handles
	r.handles = make(map[uint]*Handle)
	r.strategies = make(map[uint]strategyEntry)
	r.mu.Unlock()

	for id, h := range all {
		if err := h.Close(); err != nil {
			log.Printf("[router] close handle for tenant %d: %v", id, err)
		}
	}
}
