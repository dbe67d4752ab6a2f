// Package httpparse decodes HTTP/1.x requests incrementally, one byte at a
// time, so a connection's read loop can feed it arbitrarily split chunks and
// stream large bodies without buffering them.
package httpparse

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultMaxBodySize    int64 = 100 << 20
	DefaultMaxChunkSize         = 1 << 20
	DefaultMaxHeaderBytes       = 64 << 10
	DefaultMaxHeaders           = 256

	maxVersionPart = 999
)

var (
	ErrBadMethod         = errors.New("httpparse: malformed method")
	ErrBadURI            = errors.New("httpparse: malformed uri")
	ErrBadVersion        = errors.New("httpparse: malformed http version")
	ErrBadHeader         = errors.New("httpparse: malformed header")
	ErrBadContentLength  = errors.New("httpparse: invalid content-length")
	ErrHeaderTooLarge    = errors.New("httpparse: request head too large")
	ErrTooManyHeaders    = errors.New("httpparse: too many headers")
	ErrBodyTooLarge      = errors.New("httpparse: body exceeds limit")
	ErrBodyAborted       = errors.New("httpparse: body handler aborted")
	ErrUnexpectedPayload = errors.New("httpparse: parser already finished")
)

type Status int

const (
	StatusIncomplete Status = iota
	StatusComplete
	StatusError
	// StatusPaused means a streaming body handler asked for backpressure.
	// Parse can be called again with the unconsumed bytes to resume.
	StatusPaused
)

func (s Status) String() string {
	switch s {
	case StatusIncomplete:
		return "incomplete"
	case StatusComplete:
		return "complete"
	case StatusError:
		return "error"
	case StatusPaused:
		return "paused"
	default:
		return "unknown"
	}
}

type BodyAction int

const (
	BodyContinue BodyAction = iota
	BodyPause
	BodyAbort
)

// BodyHandler receives a streamed body. chunk aliases the caller's input and
// is only valid for the duration of the call. read is the cumulative number
// of body bytes delivered including chunk; total is the declared length.
type BodyHandler func(chunk []byte, read, total int64) BodyAction

// HeadersHook runs once the request head is complete, before any body byte
// is consumed. Returning a non-nil handler switches the body to streaming.
type HeadersHook func(req *Request) BodyHandler

type Options struct {
	MaxBodySize    int64
	MaxChunkSize   int
	MaxHeaderBytes int
	MaxHeaders     int
}

func (o Options) withDefaults() Options {
	if o.MaxBodySize <= 0 {
		o.MaxBodySize = DefaultMaxBodySize
	}
	if o.MaxChunkSize <= 0 {
		o.MaxChunkSize = DefaultMaxChunkSize
	}
	if o.MaxHeaderBytes <= 0 {
		o.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	if o.MaxHeaders <= 0 {
		o.MaxHeaders = DefaultMaxHeaders
	}
	return o
}

type state int

const (
	stateMethodStart state = iota
	stateMethod
	stateURI
	stateVersionH
	stateVersionT1
	stateVersionT2
	stateVersionP
	stateVersionSlash
	stateVersionMajorStart
	stateVersionMajor
	stateVersionMinorStart
	stateVersionMinor
	stateExpectingNewline1
	stateHeaderLineStart
	stateHeaderLWS
	stateHeaderName
	stateSpaceBeforeHeaderValue
	stateHeaderValue
	stateExpectingNewline2
	stateExpectingNewline3
	stateBody
	stateDone
)

// Parser is a reusable request decoder. It is not safe for concurrent use;
// the goroutine owning the connection drives it.
type Parser struct {
	opts Options

	state     state
	status    Status
	err       error
	req       *Request
	method    []byte
	uri       []byte
	name      []byte
	value     []byte
	headBytes int
	bodyRead  int64

	hook    HeadersHook
	handler BodyHandler
}

func NewParser(opts Options) *Parser {
	parser := &Parser{opts: opts.withDefaults()}
	parser.Reset()
	return parser
}

// Reset forgets all accumulated state, including any body handler that was
// registered for the previous request. The headers hook survives.
func (p *Parser) Reset() {
	p.state = stateMethodStart
	p.status = StatusIncomplete
	p.err = nil
	p.req = &Request{}
	p.method = p.method[:0]
	p.uri = p.uri[:0]
	p.name = p.name[:0]
	p.value = p.value[:0]
	p.headBytes = 0
	p.bodyRead = 0
	p.handler = nil
}

// Request returns the request being decoded. After Reset a new Request is
// allocated, so previously returned pointers stay valid.
func (p *Parser) Request() *Request {
	return p.req
}

// Err explains a StatusError result.
func (p *Parser) Err() error {
	return p.err
}

// Status reports the last status produced by Parse.
func (p *Parser) Status() Status {
	return p.status
}

// BodyRead is the number of body bytes consumed so far.
func (p *Parser) BodyRead() int64 {
	return p.bodyRead
}

func (p *Parser) SetHeadersHook(hook HeadersHook) {
	p.hook = hook
}

// SetBodyHandler registers a streaming handler for the current request. It
// must be called before the body starts; the HeadersHook is usually the
// better place to decide.
func (p *Parser) SetBodyHandler(handler BodyHandler) {
	p.handler = handler
}

// Consume feeds a single byte.
func (p *Parser) Consume(b byte) Status {
	status, _ := p.Parse([]byte{b})
	return status
}

// Parse feeds data and returns the resulting status together with the number
// of bytes consumed. Bytes past a complete request are left for the next one;
// after a pause the unconsumed tail must be passed again to resume.
func (p *Parser) Parse(data []byte) (Status, int) {
	switch p.status {
	case StatusComplete:
		return StatusComplete, 0
	case StatusError:
		return StatusError, 0
	}

	consumed := 0
	for consumed < len(data) {
		if p.state == stateBody {
			status, used := p.consumeBody(data[consumed:])
			consumed += used
			p.status = status
			if status != StatusIncomplete {
				return status, consumed
			}
			continue
		}

		status := p.step(data[consumed])
		consumed++
		switch status {
		case StatusError:
			return StatusError, consumed
		case StatusComplete:
			if next := p.beginBody(); next != StatusIncomplete {
				return next, consumed
			}
		}
	}
	p.status = StatusIncomplete
	return StatusIncomplete, consumed
}

func (p *Parser) fail(err error) Status {
	p.state = stateDone
	p.status = StatusError
	p.err = err
	return StatusError
}

func (p *Parser) complete() Status {
	p.state = stateDone
	p.status = StatusComplete
	return StatusComplete
}

// step advances the head state machine by one byte. StatusComplete means the
// blank line terminating the head has been read.
func (p *Parser) step(b byte) Status {
	p.headBytes++
	if p.headBytes > p.opts.MaxHeaderBytes {
		return p.fail(ErrHeaderTooLarge)
	}

	switch p.state {
	case stateMethodStart:
		if !isToken(b) {
			return p.fail(ErrBadMethod)
		}
		p.method = append(p.method, b)
		p.state = stateMethod
	case stateMethod:
		if b == ' ' {
			p.req.Method = string(p.method)
			p.state = stateURI
			return StatusIncomplete
		}
		if !isToken(b) {
			return p.fail(ErrBadMethod)
		}
		p.method = append(p.method, b)
	case stateURI:
		if b == ' ' {
			if len(p.uri) == 0 {
				return p.fail(ErrBadURI)
			}
			p.req.URI = string(p.uri)
			p.state = stateVersionH
			return StatusIncomplete
		}
		if isCtl(b) {
			return p.fail(ErrBadURI)
		}
		p.uri = append(p.uri, b)
	case stateVersionH:
		return p.expect(b, 'H', stateVersionT1)
	case stateVersionT1:
		return p.expect(b, 'T', stateVersionT2)
	case stateVersionT2:
		return p.expect(b, 'T', stateVersionP)
	case stateVersionP:
		return p.expect(b, 'P', stateVersionSlash)
	case stateVersionSlash:
		return p.expect(b, '/', stateVersionMajorStart)
	case stateVersionMajorStart:
		if !isDigit(b) {
			return p.fail(ErrBadVersion)
		}
		p.req.VersionMajor = int(b - '0')
		p.state = stateVersionMajor
	case stateVersionMajor:
		if b == '.' {
			p.state = stateVersionMinorStart
			return StatusIncomplete
		}
		if !isDigit(b) {
			return p.fail(ErrBadVersion)
		}
		p.req.VersionMajor = p.req.VersionMajor*10 + int(b-'0')
		if p.req.VersionMajor > maxVersionPart {
			return p.fail(ErrBadVersion)
		}
	case stateVersionMinorStart:
		if !isDigit(b) {
			return p.fail(ErrBadVersion)
		}
		p.req.VersionMinor = int(b - '0')
		p.state = stateVersionMinor
	case stateVersionMinor:
		if b == '\r' {
			p.state = stateExpectingNewline1
			return StatusIncomplete
		}
		if !isDigit(b) {
			return p.fail(ErrBadVersion)
		}
		p.req.VersionMinor = p.req.VersionMinor*10 + int(b-'0')
		if p.req.VersionMinor > maxVersionPart {
			return p.fail(ErrBadVersion)
		}
	case stateExpectingNewline1:
		if b != '\n' {
			return p.fail(ErrBadVersion)
		}
		p.state = stateHeaderLineStart
	case stateHeaderLineStart:
		switch {
		case b == '\r':
			p.state = stateExpectingNewline3
		case len(p.req.Headers) > 0 && (b == ' ' || b == '\t'):
			p.state = stateHeaderLWS
		case isToken(b):
			p.name = append(p.name[:0], b)
			p.value = p.value[:0]
			p.state = stateHeaderName
		default:
			return p.fail(ErrBadHeader)
		}
	case stateHeaderLWS:
		switch {
		case b == '\r':
			p.state = stateExpectingNewline2
		case b == ' ' || b == '\t':
		case isCtl(b):
			return p.fail(ErrBadHeader)
		default:
			// Folded continuation: reopen the previous header and keep appending.
			last := p.req.Headers[len(p.req.Headers)-1]
			p.req.Headers = p.req.Headers[:len(p.req.Headers)-1]
			p.name = append(p.name[:0], last.Name...)
			p.value = append(p.value[:0], last.Value...)
			if len(p.value) > 0 {
				p.value = append(p.value, ' ')
			}
			p.value = append(p.value, b)
			p.state = stateHeaderValue
		}
	case stateHeaderName:
		if b == ':' {
			p.state = stateSpaceBeforeHeaderValue
			return StatusIncomplete
		}
		if !isToken(b) {
			return p.fail(ErrBadHeader)
		}
		p.name = append(p.name, b)
	case stateSpaceBeforeHeaderValue:
		switch {
		case b == ' ' || b == '\t':
		case b == '\r':
			if status := p.commitHeader(); status == StatusError {
				return status
			}
			p.state = stateExpectingNewline2
		case isCtl(b):
			return p.fail(ErrBadHeader)
		default:
			p.value = append(p.value, b)
			p.state = stateHeaderValue
		}
	case stateHeaderValue:
		if b == '\r' {
			if status := p.commitHeader(); status == StatusError {
				return status
			}
			p.state = stateExpectingNewline2
			return StatusIncomplete
		}
		if isCtl(b) && b != '\t' {
			return p.fail(ErrBadHeader)
		}
		p.value = append(p.value, b)
	case stateExpectingNewline2:
		if b != '\n' {
			return p.fail(ErrBadHeader)
		}
		p.state = stateHeaderLineStart
	case stateExpectingNewline3:
		if b != '\n' {
			return p.fail(ErrBadHeader)
		}
		return StatusComplete
	default:
		return p.fail(ErrUnexpectedPayload)
	}
	return StatusIncomplete
}

func (p *Parser) expect(b, want byte, next state) Status {
	if b != want {
		return p.fail(ErrBadVersion)
	}
	p.state = next
	return StatusIncomplete
}

func (p *Parser) commitHeader() Status {
	if len(p.req.Headers) >= p.opts.MaxHeaders {
		return p.fail(ErrTooManyHeaders)
	}
	p.req.Headers = append(p.req.Headers, Header{
		Name:  string(p.name),
		Value: strings.TrimRight(string(p.value), " \t"),
	})
	p.name = p.name[:0]
	p.value = p.value[:0]
	return StatusIncomplete
}

// beginBody decides how the body will be read once the head is known.
func (p *Parser) beginBody() Status {
	length, err := declaredLength(p.req)
	if err != nil {
		return p.fail(err)
	}
	p.req.ContentLength = length

	if p.hook != nil {
		if handler := p.hook(p.req); handler != nil {
			p.handler = handler
		}
	}
	if length == 0 {
		return p.complete()
	}
	if p.handler == nil {
		if length > p.opts.MaxBodySize {
			return p.fail(fmt.Errorf("%w: %d > %d", ErrBodyTooLarge, length, p.opts.MaxBodySize))
		}
		p.req.Body = make([]byte, 0, min(length, int64(p.opts.MaxChunkSize)))
	}
	p.state = stateBody
	p.status = StatusIncomplete
	return StatusIncomplete
}

func (p *Parser) consumeBody(data []byte) (Status, int) {
	total := p.req.ContentLength
	take := len(data)
	if remaining := total - p.bodyRead; int64(take) > remaining {
		take = int(remaining)
	}

	if p.handler == nil {
		p.req.Body = append(p.req.Body, data[:take]...)
		p.bodyRead += int64(take)
		if p.bodyRead == total {
			return p.complete(), take
		}
		return StatusIncomplete, take
	}

	used := 0
	for used < take {
		n := min(take-used, p.opts.MaxChunkSize)
		chunk := data[used : used+n]
		used += n
		p.bodyRead += int64(n)
		action := p.handler(chunk, p.bodyRead, total)
		if action == BodyAbort {
			return p.fail(ErrBodyAborted), used
		}
		if p.bodyRead == total {
			return p.complete(), used
		}
		if action == BodyPause {
			return StatusPaused, used
		}
	}
	return StatusIncomplete, used
}

// declaredLength reads Content-Length. Repeated headers must agree.
func declaredLength(req *Request) (int64, error) {
	values := req.Values("Content-Length")
	if len(values) == 0 {
		return 0, nil
	}
	var length int64 = -1
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return 0, ErrBadContentLength
		}
		for i := 0; i < len(raw); i++ {
			if !isDigit(raw[i]) {
				return 0, ErrBadContentLength
			}
		}
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrBadContentLength, err)
		}
		if length >= 0 && parsed != length {
			return 0, ErrBadContentLength
		}
		length = parsed
	}
	return length, nil
}

func isChar(b byte) bool {
	return b <= 127
}

func isCtl(b byte) bool {
	return b <= 31 || b == 127
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

func isTSpecial(b byte) bool {
	switch b {
	case '(', ')', '<', '>', '@', ',', ';', ':', '\\', '"', '/', '[', ']', '?', '=', '{', '}', ' ', '\t':
		return true
	default:
		return false
	}
}

func isToken(b byte) bool {
	return isChar(b) && !isCtl(b) && !isTSpecial(b)
}
