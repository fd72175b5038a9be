package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/console-gateway/internal/database"
)

// Health reports database reachability and session counts.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	dbStatus := "disconnected"
	if database.DB != nil {
		sqlDB, err := database.DB.DB()
		if err == nil {
			if err := sqlDB.Ping(); err == nil {
				dbStatus = "connected"
			}
		}
	}

	status := "healthy"
	if dbStatus != "connected" {
		status = "unhealthy"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"database": dbStatus,
		"sessions": a.Sessions.Stats(),
	})
}
