package session

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"sessionhost/internal/httpparse"
	"sessionhost/internal/logging"
)

const (
	readBufferSize = 32 << 10
	writeTimeout   = 30 * time.Second
)

// connState is one client connection. The parser is reused across
// keep-alive requests; upload and rejection belong to the request being
// parsed.
type connState struct {
	router    *Router
	nc        net.Conn
	w         *bufio.Writer
	parser    *httpparse.Parser
	upload    *uploadSink
	rejection *apiError
	logger    *logging.Logger
}

func (r *Router) serveConn(nc net.Conn) {
	defer r.forgetConn(nc)
	defer nc.Close()

	c := &connState{
		router: r,
		nc:     nc,
		w:      bufio.NewWriter(nc),
		parser: httpparse.NewParser(r.parserOpts),
		logger: r.logger.With(logging.Fields{"remote": nc.RemoteAddr().String()}),
	}
	c.parser.SetHeadersHook(c.headersHook)
	defer c.discardUpload()

	buf := make([]byte, readBufferSize)
	var pending []byte
	for {
		if len(pending) == 0 {
			if r.closed.Load() {
				return
			}
			if r.idleTimeout > 0 {
				_ = nc.SetReadDeadline(time.Now().Add(r.idleTimeout))
			}
			n, err := nc.Read(buf)
			if n == 0 {
				if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					c.logger.Debug("connection read ended", logging.Fields{"error": err.Error()})
				}
				return
			}
			pending = buf[:n]
		}

		status, used := c.parser.Parse(pending)
		pending = pending[used:]
		switch status {
		case httpparse.StatusIncomplete:
		case httpparse.StatusPaused:
			if !c.waitForSpace() {
				return
			}
		case httpparse.StatusError:
			c.respondParseError()
			return
		case httpparse.StatusComplete:
			if !c.dispatch(c.parser.Request()) {
				return
			}
			c.parser.Reset()
		}
	}
}

func (c *connState) headersHook(req *httpparse.Request) httpparse.BodyHandler {
	c.discardUpload()
	c.rejection = nil
	if req.Method != http.MethodPut || req.Path() != uploadPath {
		return nil
	}
	sink, apiErr := c.router.openUploadFor(req)
	if apiErr != nil {
		c.rejection = apiErr
		if apiErr.Close {
			return abortBody
		}
		return discardBody
	}
	c.upload = sink
	return sink.handle
}

func discardBody([]byte, int64, int64) httpparse.BodyAction { return httpparse.BodyContinue }
func abortBody([]byte, int64, int64) httpparse.BodyAction   { return httpparse.BodyAbort }

// waitForSpace blocks a paused parse until the upload writer drains.
func (c *connState) waitForSpace() bool {
	sink := c.upload
	if sink == nil {
		return false
	}
	for sink.full() {
		select {
		case <-sink.Space():
		case <-c.router.closing:
			return false
		}
	}
	return true
}

func (c *connState) discardUpload() {
	if c.upload != nil {
		c.upload.abort()
		c.upload = nil
	}
}

func (c *connState) respondParseError() {
	err := c.parser.Err()
	apiErr, reason := parseErrorResponse(err)
	if errors.Is(err, httpparse.ErrBodyAborted) && c.rejection != nil {
		apiErr, reason = c.rejection, "rejected"
	}
	c.router.metrics.ParseError(reason)
	c.logger.Debug("request rejected", logging.Fields{"reason": reason, "error": logging.Err(err)})

	resp := newResponse()
	resp.writeError(apiErr, "")
	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if resp.writeTo(c.w, nil, false) == nil {
		_ = c.w.Flush()
	}
	c.router.metrics.Request("parse_error", resp.status, 0)
}

func parseErrorResponse(err error) (*apiError, string) {
	switch {
	case errors.Is(err, httpparse.ErrHeaderTooLarge), errors.Is(err, httpparse.ErrTooManyHeaders):
		return &apiError{Status: http.StatusRequestHeaderFieldsTooLarge, Message: "request head too large"}, "head_too_large"
	case errors.Is(err, httpparse.ErrBodyTooLarge):
		return &apiError{Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}, "body_too_large"
	case errors.Is(err, httpparse.ErrBadContentLength):
		return &apiError{Status: http.StatusBadRequest, Message: "invalid content-length"}, "content_length"
	default:
		return &apiError{Status: http.StatusBadRequest, Message: "malformed request"}, "malformed"
	}
}

// dispatch routes a complete request and writes the response. It reports
// whether the connection should stay open.
func (c *connState) dispatch(req *httpparse.Request) bool {
	r := c.router
	start := time.Now()
	resp := newResponse()
	keepAlive := req.KeepAlive() && !r.closed.Load()
	name := "unknown"
	var sessionID string

	apiErr := func() *apiError {
		if _, chunked := req.Header("Transfer-Encoding"); chunked {
			keepAlive = false
			return &apiError{Status: http.StatusNotImplemented, Message: "transfer-encoding is not supported"}
		}
		rt, apiErr := r.match(req)
		name = rt.name
		if apiErr != nil {
			return apiErr
		}
		cl := &call{req: req, resp: resp, conn: c}
		if !rt.public {
			id, apiErr := identify(req)
			if apiErr != nil {
				return apiErr
			}
			cl.session = id
			sessionID = id
		}
		return rt.handler(cl)
	}()
	if apiErr != nil {
		resp.writeError(apiErr, sessionID)
		if apiErr.Close {
			keepAlive = false
		}
	}
	c.discardUpload()
	c.rejection = nil

	_ = c.nc.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := resp.writeTo(c.w, req, keepAlive); err != nil {
		keepAlive = false
	} else if err := c.w.Flush(); err != nil {
		keepAlive = false
	}

	elapsed := time.Since(start)
	r.metrics.Request(name, resp.status, elapsed)
	c.logger.Debug("request", logging.Fields{
		"method":  req.Method,
		"path":    req.Path(),
		"status":  http.StatusText(resp.status),
		"session": sessionID,
		"elapsed": elapsed.String(),
	})
	return keepAlive
}
