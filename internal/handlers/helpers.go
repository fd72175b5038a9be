package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code       errcodes.Code `json:"code"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
	Index      *int          `json:"index,omitempty"`
}

// statusFor maps an error code to an HTTP status.
func statusFor(code errcodes.Code) int {
	switch code {
	case errcodes.InvalidParameter, errcodes.PatternSyntaxError, errcodes.ReadRequired:
		return http.StatusBadRequest
	case errcodes.TargetNotFound, errcodes.SessionNotFound, errcodes.JobNotFound:
		return http.StatusNotFound
	case errcodes.Timeout:
		return http.StatusRequestTimeout
	case errcodes.ConnectionTimeout:
		return http.StatusGatewayTimeout
	case errcodes.ConnectionRefused, errcodes.HostUnreachable, errcodes.AuthFailed,
		errcodes.SessionDisconnected, errcodes.UpstreamError:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeError writes err as {"error": {...}} with the status for its code.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: errcodes.Internal, Message: err.Error()}
	var e *errcodes.Error
	if errors.As(err, &e) {
		body.Code, body.Message, body.Suggestion = e.Code, e.Message, e.Suggestion
		if e.Err != nil {
			body.Message += ": " + e.Err.Error()
		}
	}
	var se *batch.StepError
	if errors.As(err, &se) {
		body.Index = &se.Index
		body.Message = se.Error()
	}
	status := statusFor(body.Code)
	if status == http.StatusInternalServerError {
		log.Printf("[http] internal error: %v", err)
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

// decodeBody decodes a JSON request body into v. An empty body leaves v
// unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return errcodes.Wrap(errcodes.InvalidParameter, err, "invalid request body")
	}
	return nil
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errcodes.New(errcodes.InvalidParameter, "%s must be an integer", name)
	}
	return n, nil
}

// queryBool parses an optional boolean query parameter.
func queryBool(r *http.Request, name string) (bool, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errcodes.New(errcodes.InvalidParameter, "%s must be a boolean", name)
	}
	return b, nil
}
