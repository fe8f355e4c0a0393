package handlers

import (
	"net/http"
	"strconv"

	"github.com/schedulo/tenantplane/internal/logging"
)

// LogsTail returns the last n lines of the service log (default 200).
func LogsTail(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 5000 {
			lines = n
		}
	}

	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read log")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"log": content})
}

// TunnelList reports every registered SSH tunnel and its state.
func TunnelList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tunnels": Tunnels.Status(),
	})
}
