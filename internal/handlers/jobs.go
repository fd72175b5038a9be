package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/go-chi/chi/v5"
)

type submitRequest struct {
	Command  string   `json:"command"`
	Commands []string `json:"commands"`
	// WaitTimeout is in seconds. Zero returns a job ID immediately.
	WaitTimeout    float64 `json:"wait_timeout"`
	CommandTimeout float64 `json:"command_timeout"`
}

// SubmitCommand dispatches a command to a command-oriented target. A job
// that finishes within wait_timeout is returned with its output (200);
// otherwise the pending job is returned for polling (202).
func (a *API) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req submitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.WaitTimeout < 0 || req.CommandTimeout < 0 {
		writeError(w, errcodes.New(errcodes.InvalidParameter, "timeouts must not be negative"))
		return
	}
	res, err := a.Jobs.Submit(r.Context(), jobs.SubmitRequest{
		Target:         target,
		Command:        req.Command,
		Commands:       req.Commands,
		WaitTimeout:    time.Duration(req.WaitTimeout * float64(time.Second)),
		CommandTimeout: time.Duration(req.CommandTimeout * float64(time.Second)),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Completed {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// PollJob returns the state of a job.
func (a *API) PollJob(w http.ResponseWriter, r *http.Request) {
	res, err := a.Jobs.Poll(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// History lists a target's jobs, newest first.
func (a *API) History(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, err)
		return
	}
	if limit < 0 {
		writeError(w, errcodes.New(errcodes.InvalidParameter, "limit must not be negative"))
		return
	}
	list, err := a.Jobs.History(target, limit, r.URL.Query().Get("search"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target": target,
		"jobs":   list,
	})
}
