package router

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/schedulo/tenantplane/internal/database"
	"gorm.io/gorm"
)

// fakeStore is an in-memory ControlPlane with lookup counters.
type fakeStore struct {
	mu      sync.Mutex
	tenants map[uint]database.Tenant
	infos   map[uint]database.ConnectionInfo

	tenantLookups int64
	infoLookups   int64
}

func (s *fakeStore) GetTenant(ctx context.Context, id uint) (*database.Tenant, error) {
	atomic.AddInt64(&s.tenantLookups, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &t, nil
}

func (s *fakeStore) GetConnectionInfo(ctx context.Context, id uint) (*database.ConnectionInfo, error) {
	atomic.AddInt64(&s.infoLookups, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.infos[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return &ci, nil
}

func testRouter(t *testing.T, store *fakeStore) *Router {
	t.Helper()
	r := New(testFactory(t), store, time.Hour, time.Second)
	t.Cleanup(r.CloseAll)
	return r
}

func activeTenant(id uint, strategy database.Strategy) database.Tenant {
	return database.Tenant{ID: id, Slug: "acme", Status: database.TenantActive, DBStrategy: strategy}
}

func TestResolveCachesHandle(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{1: activeTenant(1, database.StrategySharedRows)}}
	r := testRouter(t, store)

	h1, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	h2, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if h1 != h2 {
		t.Error("second resolve should return the cached handle")
	}
	if n := atomic.LoadInt64(&store.tenantLookups); n != 1 {
		t.Errorf("tenant lookups = %d, want 1", n)
	}
}

func TestConcurrentColdResolveBuildsOnce(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{1: activeTenant(1, database.StrategySharedRows)}}
	r := testRouter(t, store)

	const workers = 16
	handles := make([]*Handle, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.Resolve(context.Background(), 1)
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("worker %d got a different handle", i)
		}
	}
	if n := atomic.LoadInt64(&store.tenantLookups); n != 1 {
		t.Errorf("tenant lookups = %d, want 1", n)
	}
}

func TestResolveTenantNotFound(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{}}
	r := testRouter(t, store)

	_, err := r.Resolve(context.Background(), 42)
	if !errors.Is(err, ErrTenantNotFound) {
		t.Errorf("err = %v, want ErrTenantNotFound", err)
	}
}

func TestResolveTenantInactive(t *testing.T) {
	tenant := activeTenant(1, database.StrategySharedRows)
	tenant.Status = database.TenantInactive
	store := &fakeStore{tenants: map[uint]database.Tenant{1: tenant}}
	r := testRouter(t, store)

	_, err := r.Resolve(context.Background(), 1)
	if !errors.Is(err, ErrTenantInactive) {
		t.Errorf("err = %v, want ErrTenantInactive", err)
	}
}

func TestResolveDedicatedWithoutInfo(t *testing.T) {
	store := &fakeStore{
		tenants: map[uint]database.Tenant{1: activeTenant(1, database.StrategyDedicatedDatabase)},
		infos:   map[uint]database.ConnectionInfo{},
	}
	r := testRouter(t, store)

	_, err := r.Resolve(context.Background(), 1)
	if !errors.Is(err, ErrMissingConnectionInfo) {
		t.Errorf("err = %v, want ErrMissingConnectionInfo", err)
	}
}

func TestFailedBuildIsNotCached(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{}}
	r := testRouter(t, store)

	if _, err := r.Resolve(context.Background(), 1); err == nil {
		t.Fatal("expected resolve failure")
	}
	if _, ok := r.Cached(1); ok {
		t.Error("failed build must not leave a cached handle")
	}

	// Tenant appears later; resolve succeeds from a clean slate.
	store.mu.Lock()
	store.tenants[1] = activeTenant(1, database.StrategySharedRows)
	store.mu.Unlock()
	if _, err := r.Resolve(context.Background(), 1); err != nil {
		t.Fatalf("resolve after tenant created: %v", err)
	}
}

func TestEvictForcesRebuild(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{1: activeTenant(1, database.StrategySharedRows)}}
	r := testRouter(t, store)

	h1, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	r.Evict(1)
	if _, ok := r.Cached(1); ok {
		t.Fatal("handle still cached after evict")
	}

	// Evict also dropped the strategy side cache, so the rebuild consults the
	// store and observes a strategy change.
	store.mu.Lock()
	store.tenants[1] = activeTenant(1, database.StrategyDedicatedSchema)
	store.mu.Unlock()

	h2, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve after evict: %v", err)
	}
	if h2 == h1 {
		t.Error("resolve after evict returned the old handle")
	}
	if h2.Strategy != database.StrategyDedicatedSchema {
		t.Errorf("rebuilt strategy = %s, want dedicated_schema", h2.Strategy)
	}
	if n := atomic.LoadInt64(&store.tenantLookups); n != 2 {
		t.Errorf("tenant lookups = %d, want 2", n)
	}
}

func TestStrategySideCacheExpiry(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{1: activeTenant(1, database.StrategySharedRows)}}
	r := New(testFactory(t), store, 10*time.Millisecond, time.Second)
	t.Cleanup(r.CloseAll)

	if _, err := r.Resolve(context.Background(), 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	// Handle cache still serves without touching the store.
	if _, err := r.Resolve(context.Background(), 1); err != nil {
		t.Fatalf("warm resolve: %v", err)
	}
	if n := atomic.LoadInt64(&store.tenantLookups); n != 1 {
		t.Fatalf("tenant lookups = %d, want 1", n)
	}

	// After eviction the expired side cache forces a store round trip.
	r.Evict(1)
	if _, err := r.Resolve(context.Background(), 1); err != nil {
		t.Fatalf("cold resolve: %v", err)
	}
	if n := atomic.LoadInt64(&store.tenantLookups); n != 2 {
		t.Errorf("tenant lookups = %d, want 2", n)
	}
}

func TestSweepEvictsDeadHandles(t *testing.T) {
	store := &fakeStore{tenants: map[uint]database.Tenant{
		1: activeTenant(1, database.StrategySharedRows),
		2: activeTenant(2, database.StrategySharedRows),
	}}
	r := testRouter(t, store)

	h1, err := r.Resolve(context.Background(), 1)
	if err != nil {
		t.Fatalf("resolve 1: %v", err)
	}
	if _, err := r.Resolve(context.Background(), 2); err != nil {
		t.Fatalf("resolve 2: %v", err)
	}

	// Kill tenant 1's pool out from under the router.
	h1.Close()

	r.Sweep(context.Background())

	if _, ok := r.Cached(1); ok {
		t.Error("dead handle for tenant 1 should be evicted")
	}
	if _, ok := r.Cached(2); !ok {
		t.Error("healthy handle for tenant 2 must survive the sweep")
	}
}
