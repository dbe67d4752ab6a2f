//go:build !windows

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"sessionhost/internal/event"
	"sessionhost/internal/logging"
	"sessionhost/internal/metrics"
	"sessionhost/internal/process"
	"sessionhost/internal/session"
)

func TestControlMux(t *testing.T) {
	logs := logging.NewLogBuffer(16)
	logger := logging.NewLoggerWithOutput(logs, logging.LevelDebug, nil)
	registry := metrics.New()
	router, err := session.NewRouter(session.Options{
		StateDir:    t.TempDir(),
		Interpreter: process.LaunchSpec{Command: "cat"},
		Logger:      logger,
		Metrics:     registry,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = router.Shutdown(ctx)
	})
	logger.Named("control").Warn("test entry", nil)

	server := httptest.NewServer(newControlMux(router, registry, logs, logger))
	defer server.Close()

	get := func(path string, status int) string {
		t.Helper()
		resp, err := http.Get(server.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		defer resp.Body.Close()
		var body strings.Builder
		if _, err := io.Copy(&body, resp.Body); err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		if resp.StatusCode != status {
			t.Fatalf("get %s: expected %d, got %d: %s", path, status, resp.StatusCode, body.String())
		}
		return body.String()
	}

	if body := get("/healthz", http.StatusOK); body != "ok\n" {
		t.Fatalf("unexpected health body %q", body)
	}
	if body := get("/metrics", http.StatusOK); !strings.Contains(body, "sessionhost_router_sessions_active") {
		t.Fatalf("expected session metrics in output")
	}

	var entries []logging.LogEntry
	if err := json.Unmarshal([]byte(get("/logs?level=warning&component=control", http.StatusOK)), &entries); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "test entry" {
		t.Fatalf("unexpected log entries %+v", entries)
	}
	get("/logs?level=shouting", http.StatusBadRequest)

	var sessions []session.Status
	if err := json.Unmarshal([]byte(get("/sessions", http.StatusOK)), &sessions); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(sessions))
	}
	get("/ws/terminal", http.StatusUnauthorized)

	if body := get("/events", http.StatusOK); strings.TrimSpace(body) != "[]" {
		t.Fatalf("expected empty event history, got %q", body)
	}
	get("/events?limit=-1", http.StatusBadRequest)
}

func TestControlEventsStream(t *testing.T) {
	router, err := session.NewRouter(session.Options{
		StateDir:    t.TempDir(),
		Interpreter: process.LaunchSpec{Command: "cat"},
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = router.Shutdown(ctx)
	})
	alice, bob := session.SessionID("alice"), session.SessionID("bob")
	router.Events().Publish(event.NewSessionEvent(event.SessionBusy, alice))
	router.Events().Publish(event.NewSessionEvent(event.SessionBusy, bob))

	server := httptest.NewServer(newControlMux(router, nil, logging.NewLogBuffer(4), nil))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/events?replay=5"
	header := http.Header{"Authorization": []string{"Bearer bob"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial events: %v", err)
	}
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var replayed event.SessionEvent
	if err := conn.ReadJSON(&replayed); err != nil {
		t.Fatalf("read replay: %v", err)
	}
	if replayed.SessionID != bob || replayed.EventType != event.SessionBusy {
		t.Fatalf("unexpected replayed event %+v", replayed)
	}

	// Wait for the live subscription before publishing.
	deadline := time.Now().Add(5 * time.Second)
	for router.Events().SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("events subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	router.Events().Publish(event.NewSessionEvent(event.UploadStored, alice))
	router.Events().Publish(event.NewSessionEvent(event.UploadStored, bob))

	var live event.SessionEvent
	if err := conn.ReadJSON(&live); err != nil {
		t.Fatalf("read live: %v", err)
	}
	if live.SessionID != bob || live.EventType != event.UploadStored {
		t.Fatalf("expected only bob's events, got %+v", live)
	}
}
