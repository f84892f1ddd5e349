// Copyright 2025 The Vigil Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server exposes the engine over HTTP: webhook ingress, run and
// change queries, health, Prometheus metrics and the WebSocket event
// fan-out.
package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/vigil-sh/vigil/internal/manager"
	"github.com/vigil-sh/vigil/internal/store"
	"github.com/vigil-sh/vigil/pkg/errors"
)

// maxWebhookBody caps inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Server wires the manager behind an http.ServeMux.
type Server struct {
	manager *manager.Manager
	hub     *Hub
	mux     *http.ServeMux
	logger  *slog.Logger
}

// New creates the HTTP server. metricsHandler may be nil.
func New(m *manager.Manager, metricsHandler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		manager: m,
		hub:     NewHub(m.Bus(), logger),
		mux:     http.NewServeMux(),
		logger:  logger.With(slog.String("component", "http")),
	}

	s.mux.HandleFunc("POST /workflows/webhook/{token}", s.handleWebhook)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /v1/changes", s.handleListChanges)
	s.mux.HandleFunc("POST /v1/changes/{id}/ack", s.handleAckChange)
	s.mux.HandleFunc("POST /v1/workflows/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("GET /v1/workflows/{id}/stats", s.handleStats)
	s.mux.HandleFunc("GET /v1/workflows/{id}/conflicts", s.handleConflicts)
	s.mux.HandleFunc("GET /v1/events", s.hub.HandleWS)
	if metricsHandler != nil {
		s.mux.Handle("GET /metrics", metricsHandler)
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Close stops the WebSocket hub.
func (s *Server) Close() { s.hub.Close() }

// handleWebhook is the public ingress: 202 accepted, 400 invalid token,
// 401 signature mismatch, 429 rate limited.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for name := range r.Header {
		headers[name] = r.Header.Get(name)
	}

	err = s.manager.HandleWebhook(r.Context(), token, body, headers)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	default:
		var sigErr *errors.SignatureError
		var rateErr *errors.RateLimitError
		switch {
		case errors.As(err, &sigErr):
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "signature mismatch"})
		case errors.As(err, &rateErr):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid token"})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		WorkflowID: q.Get("workflow_id"),
		Status:     store.RunStatus(q.Get("status")),
	}

	runs, err := s.manager.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ChangeFilter{
		WorkflowID: q.Get("workflow_id"),
		Kind:       store.ChangeKind(q.Get("kind")),
		Severity:   store.ChangeSeverity(q.Get("severity")),
	}
	if v := q.Get("acknowledged"); v != "" {
		ack := v == "true" || v == "1"
		filter.Acknowledged = &ack
	}

	changes, err := s.manager.ListChanges(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changes": changes})
}

func (s *Server) handleAckChange(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.AcknowledgeChange(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "acknowledged"})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TriggeredBy string         `json:"triggered_by"`
		Data        map[string]any `json:"data"`
	}
	if r.Body != nil {
		json.NewDecoder(io.LimitReader(r.Body, maxWebhookBody)).Decode(&payload)
	}

	run, err := s.manager.Execute(r.Context(), r.PathValue("id"), "manual", payload.TriggeredBy, payload.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Stats(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.manager.DetectConflicts(r.PathValue("id"), time.Time{})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

// writeError maps the error taxonomy to HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.TypeOf(err) {
	case "not_found":
		status = http.StatusNotFound
	case "validation":
		status = http.StatusBadRequest
	case "already_running", "conflict":
		status = http.StatusConflict
	case "rate_limit":
		status = http.StatusTooManyRequests
	case "signature":
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
