// Package handlers exposes the gateway over HTTP/JSON and WebSocket.
package handlers

import (
	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/jobs"
	"github.com/go-chi/chi/v5"
)

// API holds the components the handlers drive.
type API struct {
	Sessions *console.Manager
	Jobs     *jobs.Runner
	Batch    *batch.Executor
}

// Routes registers the API under r, which is expected to be mounted at
// /api/v1.
func (a *API) Routes(r chi.Router) {
	r.Get("/sessions", a.ListSessions)
	r.Route("/sessions/{target}", func(r chi.Router) {
		r.Get("/", a.GetSession)
		r.Delete("/", a.Disconnect)
		r.Post("/connect", a.Connect)
		r.Post("/send", a.Send)
		r.Post("/send-and-wait", a.SendAndWait)
		r.Post("/wait", a.WaitFor)
		r.Post("/keystroke", a.Keystroke)
		r.Get("/read", a.Read)
		r.Get("/stream", a.Stream)
		r.Post("/commands", a.SubmitCommand)
		r.Get("/history", a.History)
	})
	r.Get("/jobs/{id}", a.PollJob)
	r.Post("/batch", a.ExecuteBatch)
	r.Get("/server-logs", a.GetServerLogs)
}
