// Package httptransport carries the session protocol over HTTP.
//
// Requests and responses are JSON, except batch parts, which travel as
// CBOR bodies one part per request. Errors are JSON {code, message}
// bodies rebuilt into *model.SyncError by the Client.
//
// Routes:
//
//	GET    /scopes/{scope}                                   scope handshake
//	PUT    /scopes/{scope}/batches/{batch}/parts/{ordinal}   upload a part
//	POST   /scopes/{scope}/apply                             apply an uploaded batch
//	POST   /scopes/{scope}/changes                           select changes
//	GET    /scopes/{scope}/batches/{batch}/parts/{ordinal}   download a part
//	DELETE /scopes/{scope}/batches/{batch}                   release a served batch
//	GET    /health
package httptransport

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/rowsync/internal/batch"
	"github.com/roach88/rowsync/internal/model"
	"github.com/roach88/rowsync/internal/transport"
)

const (
	contentTypeJSON = "application/json"
	contentTypeCBOR = "application/cbor"

	// maxPartBytes bounds an uploaded part body.
	maxPartBytes = 64 << 20
)

type handler struct {
	server transport.Server
	logger *slog.Logger
}

// NewHandler returns the HTTP API of server.
func NewHandler(server transport.Server, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{server: server, logger: logger}

	router := mux.NewRouter()
	router.Use(h.logRequests)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)

	router.HandleFunc("/scopes/{scope}", h.handleEnsureScope).Methods(http.MethodGet)
	router.HandleFunc("/scopes/{scope}/apply", h.handleApply).Methods(http.MethodPost)
	router.HandleFunc("/scopes/{scope}/changes", h.handleChanges).Methods(http.MethodPost)
	router.HandleFunc("/scopes/{scope}/batches/{batch}", h.handleRelease).Methods(http.MethodDelete)
	router.HandleFunc("/scopes/{scope}/batches/{batch}/parts/{ordinal:[0-9]+}", h.handleUpload).Methods(http.MethodPut)
	router.HandleFunc("/scopes/{scope}/batches/{batch}/parts/{ordinal:[0-9]+}", h.handleDownload).Methods(http.MethodGet)
	return router
}

// statusRecorder captures the status code for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start))
	})
}

func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) handleEnsureScope(w http.ResponseWriter, r *http.Request) {
	resp, err := h.server.EnsureScope(r.Context(), transport.ScopeRequest{Scope: mux.Vars(r)["scope"]})
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ordinal, err := strconv.Atoi(vars["ordinal"])
	if err != nil {
		h.respondError(w, badRequest("invalid part ordinal"))
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPartBytes))
	if err != nil {
		h.respondError(w, badRequest("read part: "+err.Error()))
		return
	}
	part, err := batch.DecodePart(data)
	if err != nil {
		h.respondError(w, badRequest(err.Error()))
		return
	}
	if part.Ordinal != ordinal {
		h.respondError(w, badRequest(fmt.Sprintf("part ordinal %d does not match path ordinal %d", part.Ordinal, ordinal)))
		return
	}
	if err := h.server.UploadPart(r.Context(), vars["scope"], vars["batch"], part); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleApply(w http.ResponseWriter, r *http.Request) {
	var req transport.ApplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, badRequest("invalid request payload"))
		return
	}
	req.Scope = mux.Vars(r)["scope"]
	resp, err := h.server.ApplyChanges(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) handleChanges(w http.ResponseWriter, r *http.Request) {
	var req transport.ChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, badRequest("invalid request payload"))
		return
	}
	req.Scope = mux.Vars(r)["scope"]
	resp, err := h.server.RequestChanges(r.Context(), req)
	if err != nil {
		h.respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (h *handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ordinal, err := strconv.Atoi(vars["ordinal"])
	if err != nil {
		h.respondError(w, badRequest("invalid part ordinal"))
		return
	}
	part, err := h.server.DownloadPart(r.Context(), vars["scope"], vars["batch"], ordinal)
	if err != nil {
		h.respondError(w, err)
		return
	}
	data, err := batch.EncodePart(part)
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentTypeCBOR)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *handler) handleRelease(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.server.ReleaseBatch(r.Context(), vars["scope"], vars["batch"]); err != nil {
		h.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// errorBody is the wire form of a failed request.
type errorBody struct {
	Code      model.ErrorCode `json:"code"`
	Message   string          `json:"message"`
	Table     string          `json:"table,omitempty"`
	Transient bool            `json:"transient,omitempty"`
}

// requestError is a malformed request; it never reaches the server.
type requestError struct {
	message string
}

func (e *requestError) Error() string { return e.message }

func badRequest(message string) error {
	return &requestError{message: message}
}

func (h *handler) respondError(w http.ResponseWriter, err error) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		respondJSON(w, http.StatusBadRequest, errorBody{Code: model.ErrCodeInternal, Message: reqErr.message})
		return
	}

	body := errorBody{Code: model.ErrCodeInternal, Message: err.Error()}
	var se *model.SyncError
	if errors.As(err, &se) {
		msg := se.Message
		if se.Err != nil {
			msg += ": " + se.Err.Error()
		}
		body = errorBody{Code: se.Code, Message: msg, Table: se.Table, Transient: se.Transient}
	}
	status := statusOf(body.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Warn("request failed", "code", body.Code, "error", err)
	}
	respondJSON(w, status, body)
}

func statusOf(code model.ErrorCode) int {
	switch code {
	case model.ErrCodeSchema:
		return http.StatusNotFound
	case model.ErrCodeOutOfDate, model.ErrCodeConflictResolution, model.ErrCodeRollback:
		return http.StatusConflict
	case model.ErrCodeConstraint:
		return http.StatusUnprocessableEntity
	case model.ErrCodeConnection:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_, _ = w.Write(response)
}
