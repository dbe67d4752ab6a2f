package httpparse

import (
	"net/url"
	"strconv"
	"strings"
)

// Header is a single request header as it appeared on the wire.
type Header struct {
	Name  string
	Value string
}

// Request is the decoded form of one HTTP/1.x request. The parser owns it
// until Parse reports a terminal status; after that it is not modified.
type Request struct {
	Method        string
	URI           string
	VersionMajor  int
	VersionMinor  int
	Headers       []Header
	Body          []byte
	ContentLength int64
}

// Header returns the value of the first header matching name, ignoring case.
func (r *Request) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	for _, header := range r.Headers {
		if strings.EqualFold(header.Name, name) {
			return header.Value, true
		}
	}
	return "", false
}

// Values returns every value of headers matching name, in wire order.
func (r *Request) Values(name string) []string {
	if r == nil {
		return nil
	}
	var values []string
	for _, header := range r.Headers {
		if strings.EqualFold(header.Name, name) {
			values = append(values, header.Value)
		}
	}
	return values
}

func (r *Request) Path() string {
	if r == nil {
		return ""
	}
	path, _, _ := strings.Cut(r.URI, "?")
	return path
}

// Query parses the query string. Malformed pairs are dropped.
func (r *Request) Query() url.Values {
	if r == nil {
		return url.Values{}
	}
	_, raw, found := strings.Cut(r.URI, "?")
	if !found {
		return url.Values{}
	}
	values, _ := url.ParseQuery(raw)
	if values == nil {
		values = url.Values{}
	}
	return values
}

func (r *Request) Proto() string {
	return "HTTP/" + strconv.Itoa(r.VersionMajor) + "." + strconv.Itoa(r.VersionMinor)
}

// KeepAlive reports whether the connection may carry another request.
func (r *Request) KeepAlive() bool {
	if r == nil {
		return false
	}
	connection, _ := r.Header("Connection")
	tokens := strings.Split(strings.ToLower(connection), ",")
	has := func(want string) bool {
		for _, token := range tokens {
			if strings.TrimSpace(token) == want {
				return true
			}
		}
		return false
	}
	if r.VersionMajor > 1 || (r.VersionMajor == 1 && r.VersionMinor >= 1) {
		return !has("close")
	}
	return has("keep-alive")
}
