package event

import "time"

// Event is anything a Bus can carry.
type Event interface {
	Type() string
	Timestamp() time.Time
}

const (
	SessionStarted  = "session_started"
	SessionExited   = "session_exited"
	SessionBusy     = "session_busy"
	SessionLockLost = "session_lock_lost"
	UploadStored    = "upload_stored"
)

// SessionEvent records a session lifecycle change.
type SessionEvent struct {
	EventType  string    `json:"type"`
	SessionID  string    `json:"session"`
	PID        int       `json:"pid,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewSessionEvent(eventType, sessionID string) SessionEvent {
	return SessionEvent{
		EventType:  eventType,
		SessionID:  sessionID,
		OccurredAt: time.Now().UTC(),
	}
}

func (e SessionEvent) Type() string         { return e.EventType }
func (e SessionEvent) Timestamp() time.Time { return e.OccurredAt }
