package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/sells-group/runsync/internal/ingest"
	"github.com/sells-group/runsync/internal/store"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error   string                  `json:"error"`
	Kind    string                  `json:"kind,omitempty"`
	Details []ingest.FieldViolation `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeIngestError renders an ingestion failure. Internal causes are logged
// and never echoed to the caller.
func writeIngestError(w http.ResponseWriter, r *http.Request, err error) {
	status := ingest.HTTPStatus(err)
	body := errorBody{Kind: string(ingest.KindOf(err))}

	var ie *ingest.Error
	switch {
	case errors.As(err, &ie) && ie.Kind == ingest.KindValidation:
		body.Error = "invalid payload"
		body.Details = ie.Violations
	case errors.As(err, &ie) && ie.Kind == ingest.KindAuth:
		body.Error = "unauthorized"
	case errors.As(err, &ie) && ie.Kind == ingest.KindNotFound:
		body.Error = "run not found"
	case errors.As(err, &ie) && ie.Kind == ingest.KindConfig:
		body.Error = "server configuration error"
	default:
		body.Error = "internal server error"
	}

	if status >= http.StatusInternalServerError {
		logger(r).Error("ingestion failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

// writeStoreError maps store failures to 404 or 500.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	logger(r).Error("store operation failed", zap.String("resource", what), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}
