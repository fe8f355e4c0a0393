package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/schedulo/tenantplane/internal/crypto"
	"github.com/schedulo/tenantplane/internal/database"
	"gorm.io/gorm"
)

// TenantInfo returns the routing-relevant snapshot of one tenant: strategy,
// status, and masked connection details when a dedicated database exists.
func TenantInfo(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid tenant id")
		return
	}

	tenant, err := database.GetTenantByID(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load tenant")
		return
	}

	resp := map[string]interface{}{
		"id":               tenant.ID,
		"slug":             tenant.Slug,
		"db_strategy":      tenant.DBStrategy,
		"status":           tenant.Status,
		"schema_version":   tenant.SchemaVersion,
		"last_migrated_at": tenant.LastMigratedAt,
	}

	if tenant.DBStrategy == database.StrategyDedicatedDatabase {
		if info, err := database.GetConnectionInfo(tenant.ID); err == nil {
			resp["connection"] = map[string]interface{}{
				"host":     info.Host,
				"port":     info.Port,
				"database": info.DatabaseName,
				"username": info.Username,
				"password": crypto.Mask(info.EncryptedPassword),
				"ssh_host": info.SSHHost,
				"use_tls":  info.UseTLS,
			}
		}
	}

	if _, cached := Router.Cached(tenant.ID); cached {
		resp["handle_cached"] = true
	}

	writeJSON(w, http.StatusOK, resp)
}
