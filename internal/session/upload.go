package session

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"sessionhost/internal/httpparse"
	"sessionhost/internal/logging"
)

const DefaultUploadQueue = 8

var errUploadClosed = errors.New("session: upload closed")

// uploadSink writes a streamed request body to disk on its own goroutine.
// The parser hands it chunks; when the queue is full the parser pauses until
// the writer catches up.
type uploadSink struct {
	name    string
	path    string
	tmp     string
	file    *os.File
	queue   chan []byte
	space   chan struct{}
	done    chan struct{}
	closed  bool
	written int64
	err     error
}

func validUploadName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}

func openUpload(dir, name string, queue int) (*uploadSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)
	file, err := os.CreateTemp(dir, "."+name+".*.partial")
	if err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = DefaultUploadQueue
	}
	sink := &uploadSink{
		name:  name,
		path:  path,
		tmp:   file.Name(),
		file:  file,
		queue: make(chan []byte, queue),
		space: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go sink.run()
	return sink, nil
}

func (u *uploadSink) run() {
	defer close(u.done)
	for chunk := range u.queue {
		if u.err == nil {
			n, err := u.file.Write(chunk)
			u.written += int64(n)
			u.err = err
		}
		select {
		case u.space <- struct{}{}:
		default:
		}
	}
}

// handle is the parser's body handler. The chunk is copied because it
// aliases the connection's read buffer.
func (u *uploadSink) handle(chunk []byte, _, _ int64) httpparse.BodyAction {
	if u.closed {
		return httpparse.BodyAbort
	}
	u.queue <- append([]byte(nil), chunk...)
	if u.full() {
		return httpparse.BodyPause
	}
	return httpparse.BodyContinue
}

func (u *uploadSink) full() bool {
	return len(u.queue) == cap(u.queue)
}

// Space is signalled whenever the writer frees a queue slot.
func (u *uploadSink) Space() <-chan struct{} {
	return u.space
}

// finish flushes the queue and moves the file into place.
func (u *uploadSink) finish() (int64, error) {
	u.stop()
	err := u.err
	if closeErr := u.file.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(u.tmp, u.path)
	}
	if err != nil {
		_ = os.Remove(u.tmp)
		return u.written, err
	}
	return u.written, nil
}

// abort discards everything written so far.
func (u *uploadSink) abort() {
	u.stop()
	_ = u.file.Close()
	_ = os.Remove(u.tmp)
}

func (u *uploadSink) stop() {
	if !u.closed {
		u.closed = true
		close(u.queue)
	}
	<-u.done
}

// openUploadFor is the headers hook decision for PUT /session/upload. It
// returns either a sink or the error to answer with once the parser stops.
func (r *Router) openUploadFor(req *httpparse.Request) (*uploadSink, *apiError) {
	id, apiErr := identify(req)
	if apiErr != nil {
		return nil, apiErr
	}
	name := req.Query().Get("name")
	if !validUploadName(name) {
		return nil, &apiError{Status: http.StatusBadRequest, Message: "invalid upload name"}
	}
	if r.maxUpload > 0 && req.ContentLength > r.maxUpload {
		return nil, &apiError{
			Status:  http.StatusRequestEntityTooLarge,
			Message: fmt.Sprintf("upload exceeds %d bytes", r.maxUpload),
			Close:   true,
		}
	}
	sink, err := openUpload(filepath.Join(r.stateDir, "uploads", id), name, r.uploadQueue)
	if err != nil {
		r.logger.Error("open upload failed", logging.Fields{
			"session": id,
			"name":    name,
			"error":   err.Error(),
		})
		return nil, &apiError{Status: http.StatusInternalServerError, Message: "could not store upload"}
	}
	return sink, nil
}
