package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/schedulo/tenantplane/internal/database"
	"github.com/schedulo/tenantplane/internal/migration"
	"github.com/schedulo/tenantplane/internal/router"
	"gorm.io/gorm"
)

type startMigrationRequest struct {
	TenantID       uint   `json:"tenant_id"`
	TargetStrategy string `json:"target_strategy"`
}

// StartMigration launches a background migration job and returns its id.
// Failures past this point are observed via job status polling, never here.
func StartMigration(w http.ResponseWriter, r *http.Request) {
	var req startMigrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.TenantID == 0 {
		writeError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	target := database.Strategy(req.TargetStrategy)
	if !target.Valid() {
		writeError(w, http.StatusBadRequest, "Unknown target strategy")
		return
	}

	jobID, err := Orch.Start(r.Context(), req.TenantID, target)
	if err != nil {
		switch {
		case errors.Is(err, router.ErrTenantNotFound):
			writeError(w, http.StatusNotFound, "Tenant not found")
		case errors.Is(err, router.ErrTenantInactive):
			writeError(w, http.StatusForbidden, "Tenant is inactive")
		case errors.Is(err, migration.ErrNoOpMigration):
			writeError(w, http.StatusConflict, "Tenant already on target strategy")
		case errors.Is(err, migration.ErrMigrationAlreadyInProgress):
			writeError(w, http.StatusConflict, "Migration already in progress for tenant")
		default:
			writeError(w, http.StatusInternalServerError, "Failed to start migration")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// MigrationStatus reports the state-machine fields of one migration job.
func MigrationStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := Orch.Status(jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			writeError(w, http.StatusNotFound, "Migration job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "Failed to load migration job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":           job.ID,
		"tenant_id":        job.TenantID,
		"source_strategy":  job.SourceStrategy,
		"target_strategy":  job.TargetStrategy,
		"status":           job.Status,
		"progress_percent": job.Progress,
		"current_step":     job.CurrentStep,
		"error":            job.ErrorLog,
	})
}
