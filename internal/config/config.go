package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":8000"`
	LogPath     string `envconfig:"LOG_PATH" default:"/app/data/tenantplane.log"`

	// Control-plane store (tenants, connection info, migration jobs)
	DatabaseDriver string `envconfig:"DATABASE_DRIVER" default:"sqlite"`
	DatabasePath   string `envconfig:"DATABASE_PATH" default:"/app/data/tenantplane.db"`
	DatabaseDSN    string `envconfig:"DATABASE_DSN" default:""`

	// Shared business database, home of shared_rows and dedicated_schema tenants
	SharedDatabaseDSN string `envconfig:"SHARED_DATABASE_DSN" default:"host=127.0.0.1 port=5432 dbname=schedulo user=schedulo"`

	// Pool sizing per deployment environment
	PoolSizeDev         int           `envconfig:"POOL_SIZE_DEV" default:"5"`
	PoolSizeProd        int           `envconfig:"POOL_SIZE_PROD" default:"25"`
	ConnMaxLifetime     time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	ControlPlaneTimeout time.Duration `envconfig:"CONTROL_PLANE_TIMEOUT" default:"3s"`

	// Router caches and health checking
	StrategyCacheTTL    time.Duration `envconfig:"STRATEGY_CACHE_TTL" default:"1h"`
	HealthCheckInterval time.Duration `envconfig:"HEALTH_CHECK_INTERVAL" default:"5m"`

	// SSH tunnels to remote dedicated databases
	TunnelConnectTimeout time.Duration `envconfig:"TUNNEL_CONNECT_TIMEOUT" default:"30s"`
	TunnelIdleTimeout    time.Duration `envconfig:"TUNNEL_IDLE_TIMEOUT" default:"30m"`
	TunnelMaxReconnects  int           `envconfig:"TUNNEL_MAX_RECONNECTS" default:"5"`

	// Tenant resolution
	TenantHeader     string `envconfig:"TENANT_HEADER" default:"X-Tenant-ID"`
	JWTSecret        string `envconfig:"JWT_SECRET" default:""`
	ExemptRoutesPath string `envconfig:"EXEMPT_ROUTES_PATH" default:""`

	// Migration jobs
	MigrationCopyTimeout time.Duration `envconfig:"MIGRATION_COPY_TIMEOUT" default:"30m"`
}

// IsProduction reports whether the service runs with production pool sizing.
func (s Settings) IsProduction() bool {
	return s.Environment == "production"
}

// PoolSize returns the business-database pool size for the current environment.
func (s Settings) PoolSize() int {
	if s.IsProduction() {
		return s.PoolSizeProd
	}
	return s.PoolSizeDev
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("TENANTPLANE", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
