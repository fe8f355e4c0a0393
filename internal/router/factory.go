package router

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/schedulo/tenantplane/internal/config"
	"github.com/schedulo/tenantplane/internal/crypto"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/sshtunnel"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SearchPathSQL fixes a new dedicated_schema handle's default schema.
// Dialect hook, like StampSQL. The schema name is produced by SchemaName and
// is restricted to [a-z0-9_], so direct interpolation is safe.
var SearchPathSQL = func(schema string) string {
	return fmt.Sprintf("SET search_path TO %s, public", schema)
}

// Factory builds pooled database handles per isolation strategy.
type Factory struct {
	tunnels *sshtunnel.Manager

	// Dialector maps a DSN to a gorm dialector. Defaults to postgres;
	// dialect hook for other targets and for test harnesses.
	Dialector func(dsn string) gorm.Dialector

	decrypt func(string) (string, error)
}

// NewFactory creates a Factory using the given tunnel registry and the
// credential store for secret decryption.
func NewFactory(tunnels *sshtunnel.Manager) *Factory {
	return &Factory{
		tunnels: tunnels,
		decrypt: crypto.Decrypt,
		Dialector: func(dsn string) gorm.Dialector {
			return postgres.Open(dsn)
		},
	}
}

// Build constructs a ready-to-use handle for the tenant under the given
// strategy. info is required for dedicated_database tenants only.
func (f *Factory) Build(ctx context.Context, tenant *database.Tenant, strategy database.Strategy, info *database.ConnectionInfo) (*Handle, error) {
	var db *gorm.DB
	var err error

	switch strategy {
	case database.StrategySharedRows:
		db, err = f.open(EnsureSecureTransport(config.Cfg.SharedDatabaseDSN))

	case database.StrategyDedicatedSchema:
		db, err = f.open(EnsureSecureTransport(config.Cfg.SharedDatabaseDSN))
		if err == nil {
			schema := SchemaName(tenant)
			if execErr := db.WithContext(ctx).Exec(SearchPathSQL(schema)).Error; execErr != nil {
				closePool(db)
				return nil, fmt.Errorf("set search path to %s: %w", schema, execErr)
			}
		}

	case database.StrategyDedicatedDatabase:
		if info == nil {
			return nil, fmt.Errorf("tenant %d: %w", tenant.ID, ErrMissingConnectionInfo)
		}
		var dsn string
		dsn, err = f.dedicatedDSN(ctx, info)
		if err != nil {
			return nil, err
		}
		db, err = f.open(dsn)

	default:
		return nil, fmt.Errorf("unknown isolation strategy %q", strategy)
	}

	if err != nil {
		return nil, fmt.Errorf("build handle for tenant %d (%s): %w", tenant.ID, strategy, err)
	}

	h := &Handle{
		TenantID:  tenant.ID,
		Strategy:  strategy,
		DB:        db,
		CreatedAt: time.Now(),
	}
	h.Touch()
	return h, nil
}

// dedicatedDSN assembles the connection string for a dedicated database,
// routing through an SSH tunnel when the ConnectionInfo declares a relay.
func (f *Factory) dedicatedDSN(ctx context.Context, info *database.ConnectionInfo) (string, error) {
	password, err := f.decrypt(info.EncryptedPassword)
	if err != nil {
		return "", fmt.Errorf("decrypt password: %w", err)
	}

	host := info.Host
	port := info.Port
	sslmode := "disable"
	if info.UseTLS {
		sslmode = "require"
	}

	if info.HasSSHRelay() {
		key, err := f.decrypt(info.EncryptedSSHKey)
		if err != nil {
			return "", fmt.Errorf("decrypt ssh key: %w", err)
		}
		addr, err := f.tunnels.LocalAddr(ctx, sshtunnel.Endpoint{
			SSHHost:    info.SSHHost,
			SSHPort:    info.SSHPort,
			SSHUser:    info.SSHUser,
			PrivateKey: key,
			RemoteHost: info.Host,
			RemotePort: info.Port,
		})
		if err != nil {
			return "", fmt.Errorf("tunnel to %s: %w", info.SSHHost, err)
		}
		host, port, err = splitTunnelAddr(addr)
		if err != nil {
			return "", err
		}
		// TLS terminates at the remote database; the local hop is loopback.
		sslmode = "disable"
	}

	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		host, port, info.DatabaseName, info.Username, password, sslmode), nil
}

// splitTunnelAddr splits a tunnel's host:port local endpoint.
func splitTunnelAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("parse tunnel addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("parse tunnel port %q: %w", portStr, err)
	}
	return host, port, nil
}

// open builds a gorm pool sized for the current deployment environment.
func (f *Factory) open(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(f.Dialector(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	size := config.Cfg.PoolSize()
	if size > 0 {
		sqlDB.SetMaxOpenConns(size)
		sqlDB.SetMaxIdleConns(size/2 + 1)
	}
	if config.Cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(config.Cfg.ConnMaxLifetime)
	}

	return db, nil
}

func closePool(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
}

// SchemaName derives the tenant's dedicated schema name. Deterministic, and
// restricted to lowercase alphanumerics and underscores so it can appear in
// DDL without quoting.
func SchemaName(tenant *database.Tenant) string {
	s := SanitizeIdentifier(tenant.Slug)
	if s == "" {
		return fmt.Sprintf("tenant_%d", tenant.ID)
	}
	return "tenant_" + s
}

// SanitizeIdentifier lowercases s and strips every rune outside [a-z0-9_].
// A leading digit is prefixed with an underscore. Pure function; the only way
// identifiers enter executable statements.
func SanitizeIdentifier(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		}
	}
	out := b.String()
	if out != "" && unicode.IsDigit(rune(out[0])) {
		out = "_" + out
	}
	return out
}

// EnsureSecureTransport appends sslmode=require to a keyword/value DSN whose
// host is not loopback and which does not already pin an sslmode.
func EnsureSecureTransport(dsn string) string {
	if strings.Contains(dsn, "sslmode=") {
		return dsn
	}
	host := ""
	for _, field := range strings.Fields(dsn) {
		if strings.HasPrefix(field, "host=") {
			host = strings.TrimPrefix(field, "host=")
		}
	}
	if host == "" || host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return dsn
	}
	return dsn + " sslmode=require"
}
