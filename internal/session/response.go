package session

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"sessionhost/internal/httpparse"
)

type apiError struct {
	Status     int
	Message    string
	Code       string
	RetryAfter int
	// Close forces the connection closed after the response.
	Close bool
}

func (e *apiError) Error() string {
	return e.Message
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Session string `json:"session,omitempty"`
}

// response is built by a handler and written once by the connection loop.
type response struct {
	status int
	header http.Header
	body   []byte
}

func newResponse() *response {
	return &response{status: http.StatusOK, header: make(http.Header)}
}

func (r *response) writeJSON(status int, payload any) {
	r.header.Set("Content-Type", "application/json; charset=utf-8")
	r.status = status
	body, err := json.Marshal(payload)
	if err != nil {
		r.status = http.StatusInternalServerError
		body = []byte(`{"error":"encode response"}`)
	}
	r.body = append(body, '\n')
}

func (r *response) writeText(status int, text string) {
	r.header.Set("Content-Type", "text/plain; charset=utf-8")
	r.status = status
	r.body = []byte(text)
}

func (r *response) writeError(err *apiError, sessionID string) {
	if err.RetryAfter > 0 {
		r.header.Set("Retry-After", strconv.Itoa(err.RetryAfter))
	}
	code := err.Code
	if code == "" {
		code = errorCodeForStatus(err.Status)
	}
	r.writeJSON(err.Status, errorResponse{Error: err.Message, Code: code, Session: sessionID})
}

// writeTo serialises the response for req's protocol version.
func (r *response) writeTo(w io.Writer, req *httpparse.Request, keepAlive bool) error {
	major, minor := 1, 1
	if req != nil && req.VersionMajor == 1 && req.VersionMinor == 0 {
		minor = 0
	}
	r.header.Set("X-Content-Type-Options", "nosniff")
	if keepAlive && minor == 0 {
		r.header.Set("Connection", "keep-alive")
	}
	resp := &http.Response{
		StatusCode:    r.status,
		ProtoMajor:    major,
		ProtoMinor:    minor,
		Header:        r.header,
		Body:          io.NopCloser(bytes.NewReader(r.body)),
		ContentLength: int64(len(r.body)),
		Close:         !keepAlive,
	}
	return resp.Write(w)
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusRequestHeaderFieldsTooLarge:
		return "header_too_large"
	case http.StatusNotImplemented:
		return "not_implemented"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}
