package session

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"sessionhost/internal/logging"
	"sessionhost/internal/terminal"
)

const (
	wsReadBufferSize  = 1024
	wsWriteBufferSize = 1024
	wsWriteTimeout    = 10 * time.Second
	wsMaxMessageSize  = 1 << 20
)

// TerminalHandler attaches a websocket to the caller's running session.
// Text frames carry wire items or resize control messages; binary frames
// are raw unordered input. Output is streamed as binary frames.
type TerminalHandler struct {
	router         *Router
	allowedOrigins []string
	logger         *logging.Logger
}

type controlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

func (r *Router) TerminalHandler() *TerminalHandler {
	return &TerminalHandler{
		router:         r,
		allowedOrigins: r.allowedOrigins,
		logger:         r.logger.Named("ws"),
	}
}

func (h *TerminalHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, ok := identifyHTTP(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	s, ok := h.router.Session(id)
	if !ok || s.State() != StateRunning {
		http.Error(w, "session not running", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", logging.Fields{"session": id, "error": err.Error()})
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsMaxMessageSize)

	output, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case chunk, ok := <-output:
				if !ok {
					// Session ended; closing unblocks the read loop.
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session exited"),
						time.Now().Add(wsWriteTimeout))
					_ = conn.Close()
					return
				}
				if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		switch msgType {
		case websocket.TextMessage:
			if control, ok := parseControlMessage(msg); ok {
				if err := s.Resize(control.Cols, control.Rows); err != nil {
					h.logger.Debug("resize rejected", logging.Fields{"session": id, "error": err.Error()})
				}
				continue
			}
			items, err := terminal.DecodeItems(msg)
			if err != nil {
				items = []terminal.Item{{Sequence: terminal.Unordered, Text: string(msg)}}
			}
			if err := s.Input(items); err != nil {
				return
			}
		case websocket.BinaryMessage:
			if err := s.Input([]terminal.Item{{Sequence: terminal.Unordered, Text: string(msg)}}); err != nil {
				return
			}
		}
	}
}

func parseControlMessage(data []byte) (controlMessage, bool) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return controlMessage{}, false
	}
	if msg.Type != "resize" || msg.Cols == 0 || msg.Rows == 0 {
		return msg, false
	}
	return msg, true
}

func isOriginAllowed(r *http.Request, allowed []string) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	originHost := parsed.Hostname()
	if originHost == "" {
		return false
	}

	if len(allowed) > 0 {
		for _, allowedOrigin := range allowed {
			if strings.EqualFold(origin, allowedOrigin) || strings.EqualFold(originHost, allowedOrigin) {
				return true
			}
		}
		return false
	}
	return strings.EqualFold(originHost, hostOnly(r.Host))
}

func hostOnly(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return strings.Trim(host, "[]")
	}
	return strings.Trim(hostport, "[]")
}
