package handlers

import (
	"net/http"

	"github.com/gluk-w/claworc/console-gateway/internal/logging"
)

// GetServerLogs returns the tail of the gateway log file. The content is
// empty when file logging is disabled.
func (a *API) GetServerLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := queryInt(r, "lines")
	if err != nil {
		writeError(w, err)
		return
	}
	if lines <= 0 {
		lines = 200
	}
	content, err := logging.ReadTail(lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": content})
}
