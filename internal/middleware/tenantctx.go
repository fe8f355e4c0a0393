// Package middleware carries the per-request tenant context injection step:
// resolve which tenant a request belongs to, validate it, obtain its routed
// database handle, stamp the session for shared-row tenants, and attach both
// to the request context for downstream business logic.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/schedulo/tenantplane/internal/config"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/dbretry"
	"github.com/schedulo/tenantplane/internal/logutil"
	"github.com/schedulo/tenantplane/internal/router"
	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
)

var (
	// ErrNoTenantResolved means no resolution source yielded a tenant.
	ErrNoTenantResolved = errors.New("no tenant resolved from request")
	// ErrDatabaseUnavailable means the tenant's database cannot be reached:
	// either the host is unreachable or transient retries were exhausted.
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

// Retry tuning for handle resolution. Package-level vars so tests can shrink
// the backoff.
var (
	retryBase     = 150 * time.Millisecond
	retryJitter   = 50 * time.Millisecond
	retryAttempts = uint64(3)
)

type contextKey string

const (
	tenantContextKey contextKey = "tenantplane.tenant"
	authUserKey      contextKey = "tenantplane.user"
)

// TenantContext is what downstream handlers receive: the resolved tenant and
// its live database handle.
type TenantContext struct {
	TenantID uint
	Handle   *router.Handle
}

// defaultExempt lists route prefixes that never require tenant isolation.
var defaultExempt = []string{
	"/healthz",
	"/api/auth/",
	"/api/ops/",
	"/public/",
}

// Injector resolves the tenant for each request and attaches its handle.
type Injector struct {
	router    *router.Router
	header    string
	jwtSecret []byte
	exempt    []string
}

// NewInjector builds an Injector from the loaded configuration, merging any
// extra exempt route prefixes from the configured YAML file.
func NewInjector(r *router.Router) *Injector {
	exempt := append([]string{}, defaultExempt...)
	if path := config.Cfg.ExemptRoutesPath; path != "" {
		extra, err := LoadExemptRoutes(path)
		if err != nil {
			log.Printf("WARNING: exempt routes file %s: %v", path, err)
		} else {
			exempt = append(exempt, extra...)
		}
	}
	return &Injector{
		router:    r,
		header:    config.Cfg.TenantHeader,
		jwtSecret: []byte(config.Cfg.JWTSecret),
		exempt:    exempt,
	}
}

// LoadExemptRoutes reads a YAML list of route prefixes.
func LoadExemptRoutes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var routes []string
	if err := yaml.Unmarshal(data, &routes); err != nil {
		return nil, fmt.Errorf("parse exempt routes: %w", err)
	}
	return routes, nil
}

func (inj *Injector) exemptPath(path string) bool {
	for _, prefix := range inj.exempt {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware is the injector's chi middleware. Tenant-agnostic routes pass
// through untouched; everything else gets a TenantContext or a typed failure.
func (inj *Injector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inj.exemptPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		tenantID, err := inj.resolveTenantID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "No tenant resolved from request")
			return
		}

		tenant, err := tenantForRequest(r.Context(), tenantID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				writeError(w, http.StatusNotFound, "Tenant not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "Tenant lookup failed")
			return
		}
		if tenant.Status != database.TenantActive {
			writeError(w, http.StatusForbidden, "Tenant is inactive")
			return
		}

		handle, err := inj.resolveHandle(r.Context(), tenantID)
		if err != nil {
			status, detail := statusForResolveError(err)
			if status >= http.StatusInternalServerError {
				log.Printf("[tenantctx] resolve handle for tenant %d: %v", tenantID, err)
			}
			writeError(w, status, detail)
			return
		}

		ctx := context.WithValue(r.Context(), tenantContextKey, &TenantContext{
			TenantID: tenantID,
			Handle:   handle,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// tenantForRequest loads the tenant with the same timeout bound the router
// applies to every control-plane read.
func tenantForRequest(ctx context.Context, id uint) (*database.Tenant, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, config.Cfg.ControlPlaneTimeout)
	defer cancel()
	var t database.Tenant
	if err := database.DB.WithContext(lookupCtx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// resolveTenantID extracts the tenant identity, in priority order: explicit
// header, auth-token claim, request subdomain, authenticated user's tenant.
func (inj *Injector) resolveTenantID(r *http.Request) (uint, error) {
	if v := r.Header.Get(inj.header); v != "" {
		if id, err := strconv.ParseUint(v, 10, 32); err == nil {
			return uint(id), nil
		}
		if t, err := database.GetTenantBySlug(v); err == nil {
			return t.ID, nil
		}
		log.Printf("[tenantctx] unknown tenant header value %q", logutil.SanitizeForLog(v))
		return 0, ErrNoTenantResolved
	}

	if id, ok := inj.tenantFromToken(r); ok {
		return id, nil
	}

	if id, ok := tenantFromSubdomain(r.Host); ok {
		return id, nil
	}

	if userID, ok := AuthenticatedUser(r.Context()); ok {
		if u, err := database.GetUserByID(userID); err == nil && u.TenantID != 0 {
			return u.TenantID, nil
		}
	}

	return 0, ErrNoTenantResolved
}

// tenantFromToken pulls the `tid` claim from a Bearer token, verified against
// the configured HMAC secret.
func (inj *Injector) tenantFromToken(r *http.Request) (uint, bool) {
	if len(inj.jwtSecret) == 0 {
		return 0, false
	}
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return 0, false
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return inj.jwtSecret, nil
	})
	if err != nil {
		return 0, false
	}

	tid, ok := claims["tid"].(float64)
	if !ok || tid <= 0 {
		return 0, false
	}
	return uint(tid), true
}

// tenantFromSubdomain resolves the left-most host label against the
// control-plane store. Needs at least subdomain.domain.tld to qualify.
func tenantFromSubdomain(host string) (uint, bool) {
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 3 {
		return 0, false
	}
	sub := parts[0]
	if sub == "" || sub == "www" {
		return 0, false
	}
	t, err := database.GetTenantBySubdomain(sub)
	if err != nil {
		return 0, false
	}
	return t.ID, true
}

// resolveHandle obtains the tenant's handle and stamps the session, retrying
// transient failures with short jittered exponential backoff. Host-unreachable
// failures are surfaced immediately: repeated attempts will not help. A
// stamping failure evicts the cached handle before the retry, since a stale
// pooled connection is the most likely cause.
func (inj *Injector) resolveHandle(ctx context.Context, tenantID uint) (*router.Handle, error) {
	backoff := retry.WithMaxRetries(retryAttempts, retry.WithJitter(retryJitter, retry.NewExponential(retryBase)))

	var handle *router.Handle
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, err := inj.router.Resolve(ctx, tenantID)
		if err != nil {
			return classifyForRetry(err)
		}
		if err := h.StampSession(ctx); err != nil {
			inj.router.Evict(tenantID)
			return classifyForRetry(err)
		}
		handle = h
		return nil
	})
	if err != nil {
		if isTenantError(err) || errors.Is(err, ErrDatabaseUnavailable) {
			return nil, err
		}
		if dbretry.Classify(err).Retryable() {
			// Retries exhausted on a transient class
			return nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
		}
		return nil, err
	}
	return handle, nil
}

// classifyForRetry decides whether an error is worth another attempt.
func classifyForRetry(err error) error {
	if isTenantError(err) {
		return err
	}
	switch class := dbretry.Classify(err); {
	case class.Retryable():
		return retry.RetryableError(err)
	case class == dbretry.ClassHostUnreachable:
		return fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	default:
		return err
	}
}

func isTenantError(err error) bool {
	return errors.Is(err, router.ErrTenantNotFound) ||
		errors.Is(err, router.ErrTenantInactive) ||
		errors.Is(err, router.ErrMissingConnectionInfo)
}

func statusForResolveError(err error) (int, string) {
	switch {
	case errors.Is(err, router.ErrTenantNotFound):
		return http.StatusNotFound, "Tenant not found"
	case errors.Is(err, router.ErrTenantInactive):
		return http.StatusForbidden, "Tenant is inactive"
	case errors.Is(err, ErrDatabaseUnavailable):
		return http.StatusServiceUnavailable, "Database temporarily unavailable"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}

// FromContext returns the request's tenant context, if the injector ran.
func FromContext(ctx context.Context) (*TenantContext, bool) {
	tc, ok := ctx.Value(tenantContextKey).(*TenantContext)
	return tc, ok
}

// WithAuthenticatedUser records the authenticated caller's user id; the auth
// layer calls this so the injector can fall back to the user's own tenant.
func WithAuthenticatedUser(ctx context.Context, userID uint) context.Context {
	return context.WithValue(ctx, authUserKey, userID)
}

// AuthenticatedUser returns the user id recorded by WithAuthenticatedUser.
func AuthenticatedUser(ctx context.Context) (uint, bool) {
	id, ok := ctx.Value(authUserKey).(uint)
	return id, ok
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
