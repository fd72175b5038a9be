package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gluk-w/claworc/console-gateway/internal/batch"
	"github.com/gluk-w/claworc/console-gateway/internal/errcodes"
)

// ExecuteBatch validates and runs a batch. The body is either an array of
// operations or {"operations": [...]}. A batch that fails validation is
// rejected whole with the index of the first bad operation.
func (a *API) ExecuteBatch(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := decodeBody(w, r, &raw); err != nil {
		writeError(w, err)
		return
	}
	if len(raw) == 0 {
		writeError(w, errcodes.New(errcodes.InvalidParameter, "request body is required"))
		return
	}

	var list []map[string]any
	if raw[0] != '[' {
		var wrapped struct {
			Operations []map[string]any `json:"operations"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			writeError(w, errcodes.Wrap(errcodes.InvalidParameter, err, "invalid batch"))
			return
		}
		list = wrapped.Operations
	} else if err := json.Unmarshal(raw, &list); err != nil {
		writeError(w, errcodes.Wrap(errcodes.InvalidParameter, err, "invalid batch"))
		return
	}

	ops, err := batch.Decode(list)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := a.Batch.Execute(r.Context(), ops)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
