// Package server exposes a remote.Authority over the HTTP sync API.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/chmdznr/edusync/internal/remote"
	"github.com/chmdznr/edusync/pkg/models"
)

const (
	maxRequestSize = 4 << 20
	maxPageSize    = 1000
)

type handler struct {
	authority remote.Authority
	logger    *zap.Logger
}

// NewRouter returns the sync API routes backed by authority.
func NewRouter(authority remote.Authority, logger *zap.Logger) *mux.Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{authority: authority, logger: logger.Named("server")}

	r := mux.NewRouter()
	r.Use(h.logRequests)
	r.HandleFunc("/v1/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/v1/auth/login", h.login).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/refresh", h.refresh).Methods(http.MethodPost)
	r.HandleFunc("/v1/auth/logout", h.logout).Methods(http.MethodPost)
	r.HandleFunc("/v1/mutations", h.push).Methods(http.MethodPost)
	r.HandleFunc("/v1/changes", h.pull).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, remote.ErrorResponse{Error: "not found"})
	})
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (h *handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	status, body := remote.StatusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	body := io.LimitReader(r.Body, maxRequestSize)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return &remote.RejectedError{Code: remote.CodeInvalid, Reason: "malformed request body: " + err.Error()}
	}
	return nil
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if err := h.authority.Probe(r.Context()); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) login(w http.ResponseWriter, r *http.Request) {
	var creds models.Credentials
	if err := decode(r, &creds); err != nil {
		h.writeError(w, err)
		return
	}
	session, err := h.authority.Login(r.Context(), creds)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handler) refresh(w http.ResponseWriter, r *http.Request) {
	var req remote.RefreshRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, err)
		return
	}
	session, err := h.authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *handler) logout(w http.ResponseWriter, r *http.Request) {
	if err := h.authority.Logout(r.Context(), bearer(r)); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) push(w http.ResponseWriter, r *http.Request) {
	var m models.PendingMutation
	if err := decode(r, &m); err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.authority.Push(r.Context(), bearer(r), m)
	if err != nil {
		var rejected *remote.RejectedError
		if errors.As(err, &rejected) {
			h.logger.Info("mutation rejected",
				zap.String("mutation_id", m.MutationID),
				zap.String("code", rejected.Code),
				zap.String("reason", rejected.Reason))
		}
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) pull(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 200
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.writeError(w, &remote.RejectedError{Code: remote.CodeInvalid, Reason: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPageSize)
	}
	page, err := h.authority.Pull(r.Context(), bearer(r), q.Get("since"), limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}
