package session

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"sessionhost/internal/event"
	"sessionhost/internal/logging"
)

// EventsHandler streams session lifecycle events as JSON text frames. A
// caller presenting an identity token only sees its own session; replay=N
// first sends the N most recent matching events.
func (r *Router) EventsHandler() http.Handler {
	logger := r.logger.Named("ws")
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		sessionID, filtered := identifyHTTP(req)
		replay := 0
		if raw := req.URL.Query().Get("replay"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				http.Error(w, "replay must be a non-negative integer", http.StatusBadRequest)
				return
			}
			replay = n
		}

		upgrader := websocket.Upgrader{
			ReadBufferSize:  wsReadBufferSize,
			WriteBufferSize: wsWriteBufferSize,
			CheckOrigin: func(req *http.Request) bool {
				return isOriginAllowed(req, r.allowedOrigins)
			},
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Debug("events upgrade failed", logging.Fields{"error": err.Error()})
			return
		}
		defer conn.Close()

		matches := func(ev event.SessionEvent) bool {
			return !filtered || ev.SessionID == sessionID
		}
		events, cancel := r.events.SubscribeFiltered(matches)
		defer cancel()

		send := func(ev event.SessionEvent) bool {
			if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return false
			}
			return conn.WriteJSON(ev) == nil
		}
		if replay > 0 {
			var past []event.SessionEvent
			for _, ev := range r.events.History(0) {
				if matches(ev) {
					past = append(past, ev)
				}
			}
			if len(past) > replay {
				past = past[len(past)-replay:]
			}
			for _, ev := range past {
				if !send(ev) {
					return
				}
			}
		}

		// The read loop only notices the peer going away.
		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(wsWriteTimeout))
					return
				}
				if !send(ev) {
					return
				}
			case <-closed:
				return
			}
		}
	})
}
