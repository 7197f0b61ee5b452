package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promobot/internal/delivery"
	"promobot/internal/task/queue"
	logx "promobot/pkg/logx"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func actor(r *http.Request) delivery.Actor {
	id := middleware.GetReqID(r.Context())
	if id == "" {
		id = r.RemoteAddr
	}
	return delivery.Actor{ID: id, Source: "http"}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, delivery.ErrCampaignNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "campaign_not_found"})
	case errors.Is(err, delivery.ErrNotRunning):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "campaign_not_running"})
	default:
		s.log.Error("http command failed", logx.String("path", r.URL.Path), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
}

func (s *Server) deliverOne(w http.ResponseWriter, r *http.Request) {
	t, err := s.ops.StartOne(r.Context(), actor(r), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t)
}

func (s *Server) deliverAll(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ops.StartAll(r.Context(), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rep)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	n, err := s.ops.Sweep(r.Context(), actor(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

const maxTaskList = 500

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	status := queue.Status(r.URL.Query().Get("status"))
	switch status {
	case "", queue.StatusPending, queue.StatusRunning, queue.StatusDone, queue.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_status"})
		return
	}
	limit, ok := parseLimit(w, r, 100)
	if !ok {
		return
	}
	tasks, err := s.tsk.List(r.Context(), status, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []queue.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type auditJSON struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Source string    `json:"source"`
	Action string    `json:"action"`
	Target string    `json:"target,omitempty"`
	OK     int       `json:"ok"`
	Fail   int       `json:"fail"`
	Error  string    `json:"error,omitempty"`
	TookMS int64     `json:"took_ms"`
}

const defaultAuditList = 50

func (s *Server) listAudit(w http.ResponseWriter, r *http.Request) {
	if s.aud == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit_not_available"})
		return
	}
	limit, ok := parseLimit(w, r, defaultAuditList)
	if !ok {
		return
	}
	entries, err := s.aud.ListAudit(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]auditJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditJSON(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// parseLimit reads ?limit, capped at maxTaskList. It writes the 400 itself.
func parseLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_limit"})
		return 0, false
	}
	return min(n, maxTaskList), true
}

const probeTimeout = 3 * time.Second

func (s *Server) connectivity(w http.ResponseWriter, r *http.Request) {
	if s.cfg.ProbeHost == "" || s.cfg.ProbePort <= 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "probe_not_configured"})
		return
	}
	start := time.Now()
	ok := s.probe(r.Context(), s.cfg.ProbeHost, s.cfg.ProbePort, probeTimeout)
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"host":      s.cfg.ProbeHost,
		"port":      s.cfg.ProbePort,
		"reachable": ok,
		"took_ms":   time.Since(start).Milliseconds(),
	})
}

// /readyz pings the store with a short timeout.
func (s *Server) mountHealth(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if s.db != nil {
			if err := s.db.Ping(ctx); err != nil {
				http.Error(w, "store not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}
