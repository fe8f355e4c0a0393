package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/schedulo/tenantplane/internal/migration"
	"github.com/schedulo/tenantplane/internal/router"
	"github.com/schedulo/tenantplane/internal/sshtunnel"
)

// Shared dependencies, set once by main during startup.
var (
	Orch    *migration.Orchestrator
	Router  *router.Router
	Tunnels *sshtunnel.Manager
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
