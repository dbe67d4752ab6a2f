package main

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"sessionhost/internal/event"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
	"sessionhost/internal/session"
	"sessionhost/internal/version"
)

const (
	defaultLogLimit   = 200
	defaultEventLimit = 100
)

// newControlMux serves the operator surface: metrics, recent logs, session
// listings, lifecycle events and the terminal websocket.
func newControlMux(router *session.Router, registry *metrics.Registry, logs *logging.LogBuffer, logger *logging.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", registry.Handler())
	mux.Handle("/ws/terminal", router.TerminalHandler())
	mux.Handle("/ws/events", router.EventsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, logger, version.GetVersionInfo())
	})
	mux.HandleFunc("GET /sessions", func(w http.ResponseWriter, r *http.Request) {
		sessions := router.Sessions()
		statuses := make([]session.Status, 0, len(sessions))
		for _, s := range sessions {
			statuses = append(statuses, s.Status())
		}
		sort.Slice(statuses, func(i, j int) bool {
			return statuses[i].StartedAt.Before(statuses[j].StartedAt)
		})
		writeJSON(w, logger, statuses)
	})
	mux.HandleFunc("GET /logs", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		var level logging.Level
		if raw := query.Get("level"); raw != "" {
			parsed, ok := logging.ParseLevel(raw)
			if !ok {
				http.Error(w, "unknown level", http.StatusBadRequest)
				return
			}
			level = parsed
		}
		limit := defaultLogLimit
		if raw := query.Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		writeJSON(w, logger, logs.Query(level, query.Get("component"), limit))
	})
	mux.HandleFunc("GET /events", func(w http.ResponseWriter, r *http.Request) {
		limit := defaultEventLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 0 {
				http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
				return
			}
			limit = parsed
		}
		events := router.Events().History(limit)
		if events == nil {
			events = []event.SessionEvent{}
		}
		writeJSON(w, logger, events)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, logger *logging.Logger, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Warn("control response failed", logging.Fields{"error": err.Error()})
	}
}
