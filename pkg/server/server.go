// Package server is the HTTP ingress: the webhook endpoint NapCat pushes
// events to, plus status, health and capture inspection routes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nasbot/nasbot/pkg/capture"
	"github.com/nasbot/nasbot/pkg/config"
	"github.com/nasbot/nasbot/pkg/logger"
	"github.com/nasbot/nasbot/pkg/router"
)

const maxBodyBytes = 4 << 20

type Server struct {
	cfg       *config.Config
	pipeline  *Pipeline
	router    *router.Router
	captures  *capture.Log
	startedAt time.Time
	http      *http.Server
}

func New(cfg *config.Config, pipeline *Pipeline, rt *router.Router, captures *capture.Log) *Server {
	s := &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		router:    rt,
		captures:  captures,
		startedAt: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/", s.handleWebhook)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Get("/captures", s.handleCaptures)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) Start() error {
	logger.InfoCF("server", "HTTP ingress listening", map[string]interface{}{
		"addr": s.http.Addr,
	})
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.WarnCF("server", "Failed to write response", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// authorized enforces the optional inbound access token.
func (s *Server) authorized(r *http.Request) bool {
	token := s.cfg.Server.AccessToken
	if token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+token
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	diag := s.pipeline.Process(r.Context(), r.RemoteAddr, body)
	if diag != nil {
		// The full diagnostic goes back to the operator; this endpoint
		// is not internet-facing.
		writeJSON(w, http.StatusBadRequest, diag)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	counters := s.pipeline.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          "running",
		"timestamp":       time.Now().Format(time.RFC3339),
		"bot_name":        s.cfg.Bot.Name,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"active_games":    s.router.ActiveSessions(),
		"users_total":     s.pipeline.UserCount(),
		"events_total":    counters.EventsTotal,
		"messages_total":  counters.MessagesTotal,
		"replies_sent":    counters.RepliesSent,
		"decode_errors":   counters.DecodeErrors,
		"dispatch_errors": counters.DispatchErrors,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCaptures(w http.ResponseWriter, r *http.Request) {
	if s.captures == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "capture log disabled"})
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	recs, err := s.captures.Recent(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "capture query failed"})
		return
	}
	if recs == nil {
		recs = []capture.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(recs),
		"dropped":  s.captures.Dropped(),
		"captures": recs,
	})
}
