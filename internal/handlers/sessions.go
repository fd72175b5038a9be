package handlers

import (
	"net/http"
	"time"

	"github.com/gluk-w/claworc/console-gateway/internal/buffer"
	"github.com/gluk-w/claworc/console-gateway/internal/console"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
	"github.com/gluk-w/claworc/console-gateway/internal/targets"
	"github.com/go-chi/chi/v5"
)

type connectRequest struct {
	Force          bool `json:"force"`
	PreserveBuffer bool `json:"preserve_buffer"`

	// Backend parameters. When Host is set they replace resolution.
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	Protocol   targets.Protocol `json:"protocol"`
	Kind       targets.Kind     `json:"kind"`
	Username   string           `json:"username"`
	Password   string           `json:"password"`
	KeyPath    string           `json:"key_path"`
	DeviceType string           `json:"device_type"`
}

// Connect opens the session for a target, or returns the live one.
func (a *API) Connect(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req connectRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts := console.ConnectOptions{Force: req.Force, PreserveBuffer: req.PreserveBuffer}
	if req.Host != "" {
		opts.Coords = &targets.Coordinates{
			Host:       req.Host,
			Port:       req.Port,
			Protocol:   req.Protocol,
			Kind:       req.Kind,
			Username:   req.Username,
			Password:   req.Password,
			KeyPath:    req.KeyPath,
			DeviceType: req.DeviceType,
		}
	}
	if _, err := a.Sessions.GetOrCreate(r.Context(), target, opts); err != nil {
		writeError(w, err)
		return
	}
	info, err := a.Sessions.Info(target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type sendRequest struct {
	Data string `json:"data"`
	Raw  bool   `json:"raw"`
}

// Send writes data to a target.
func (a *API) Send(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req sendRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Data == "" {
		writeError(w, errcodes.New(errcodes.InvalidParameter, "data is required"))
		return
	}
	if err := a.Sessions.Send(r.Context(), target, req.Data, req.Raw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"target": target, "sent": len(req.Data)})
}

type waitRequest struct {
	Data            string  `json:"data"`
	Pattern         string  `json:"pattern"`
	CaseInsensitive bool    `json:"case_insensitive"`
	Timeout         float64 `json:"timeout"`
	Raw             bool    `json:"raw"`
}

func (req waitRequest) options() (console.WaitOptions, error) {
	if req.Timeout < 0 {
		return console.WaitOptions{}, errcodes.New(errcodes.InvalidParameter, "timeout must not be negative")
	}
	return console.WaitOptions{
		Pattern:         req.Pattern,
		CaseInsensitive: req.CaseInsensitive,
		Timeout:         time.Duration(req.Timeout * float64(time.Second)),
		Raw:             req.Raw,
	}, nil
}

// SendAndWait sends data and waits for a pattern.
func (a *API) SendAndWait(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req waitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.Sessions.SendAndWait(r.Context(), target, req.Data, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// WaitFor waits for a pattern without sending.
func (a *API) WaitFor(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req waitRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Data != "" {
		writeError(w, errcodes.New(errcodes.InvalidParameter, "use send-and-wait to send data"))
		return
	}
	opts, err := req.options()
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.Sessions.WaitFor(r.Context(), target, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Keystroke sends a named key.
func (a *API) Keystroke(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	var req struct {
		Key string `json:"key"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.Sessions.Keystroke(r.Context(), target, req.Key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": target, "key": req.Key})
}

// readOptions builds read options from query parameters.
func readOptions(r *http.Request) (buffer.ReadOptions, error) {
	q := r.URL.Query()
	mode, err := buffer.ParseMode(q.Get("mode"))
	if err != nil {
		return buffer.ReadOptions{}, err
	}
	opts := buffer.ReadOptions{Mode: mode}
	if opts.Pages, err = queryInt(r, "pages"); err != nil {
		return opts, err
	}
	if opts.Lines, err = queryInt(r, "lines"); err != nil {
		return opts, err
	}
	if opts.Raw, err = queryBool(r, "raw"); err != nil {
		return opts, err
	}
	if pattern := q.Get("pattern"); pattern != "" {
		g := &buffer.GrepOptions{Pattern: pattern}
		if g.CaseInsensitive, err = queryBool(r, "case_insensitive"); err != nil {
			return opts, err
		}
		if g.Invert, err = queryBool(r, "invert"); err != nil {
			return opts, err
		}
		if g.Before, err = queryInt(r, "before"); err != nil {
			return opts, err
		}
		if g.After, err = queryInt(r, "after"); err != nil {
			return opts, err
		}
		if g.Context, err = queryInt(r, "context"); err != nil {
			return opts, err
		}
		opts.Grep = g
	}
	return opts, opts.Validate()
}

// Read returns session output.
func (a *API) Read(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	opts, err := readOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := a.Sessions.Read(r.Context(), target, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target": target,
		"mode":   opts.Mode,
		"output": out,
	})
}

// Disconnect closes the session for a target.
func (a *API) Disconnect(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := a.Sessions.Disconnect(target); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"target": target, "status": "disconnected"})
}

// ListSessions lists registered sessions.
func (a *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": a.Sessions.List(),
		"stats":    a.Sessions.Stats(),
	})
}

// maxStatusEvents bounds the events returned by GetSession.
const maxStatusEvents = 20

// GetSession returns a session's state with its recent transitions and
// events. A target with no session but some history still answers, with a
// null session.
func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	transitions := a.Sessions.Transitions(target)
	events := a.Sessions.Events(target)
	if len(events) > maxStatusEvents {
		events = events[len(events)-maxStatusEvents:]
	}

	var session *console.SessionInfo
	if info, err := a.Sessions.Info(target); err == nil {
		session = &info
	} else if len(transitions) == 0 {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":      target,
		"session":     session,
		"transitions": transitions,
		"events":      events,
	})
}
