package http1

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kfcemployee/reactorhttp/reactor"
)

// serverIdent is the value synthesized into the Server header when a
// handler hasn't already set one, mirroring the original's "server:
// TZZeroHTTP/1.0" default.
const serverIdent = "TZGoHTTP/1.0"

var statusText = map[int]string{
	200: "OK",
	201: "Created",
	204: "No Content",
	301: "Moved Permanently",
	302: "Found",
	304: "Not Modified",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Payload Too Large",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	503: "Service Unavailable",
}

// StatusText returns the standard reason phrase for code, or "Unknown" if
// code isn't one the server has a phrase for.
func StatusText(code int) string {
	if text, ok := statusText[code]; ok {
		return text
	}
	return "Unknown"
}

// Response is an outgoing HTTP/1.x response under construction.
type Response struct {
	StatusCode int
	Version    string
	Headers    Header
	Body       []byte

	keepAlive bool
}

// NewResponse returns a 200 OK response with an empty body and no headers,
// defaulting to the version and keep-alive policy of req.
func NewResponse(req *Request) *Response {
	return &Response{
		StatusCode: 200,
		Version:    req.Version,
		Headers:    NewHeader(),
		keepAlive:  req.KeepAlive(),
	}
}

// SetKeepAlive overrides the keep-alive decision made from the request.
func (r *Response) SetKeepAlive(on bool) { r.keepAlive = on }

// KeepAlive reports the connection-persistence decision for this response.
func (r *Response) KeepAlive() bool { return r.keepAlive }

// SetBody sets the response body, and a Content-Length header matching it
// if no Content-Length header is set yet.
func (r *Response) SetBody(body []byte) {
	r.Body = body
	if !r.Headers.Has("Content-Length") {
		r.Headers.Set("Content-Length", strconv.Itoa(len(body)))
	}
}

// WriteTo serializes the response into buf, in the order: status line, the
// caller's headers (any Connection header among them is skipped), a
// Content-Length matching the body if the caller set none, Connection from
// the keep-alive decision, Server and Date if the caller set none, a blank
// line, body.
func (r *Response) WriteTo(buf *reactor.Buffer) {
	version := r.Version
	if version == "" {
		version = "HTTP/1.1"
	}
	buf.AppendString(fmt.Sprintf("%s %d %s\r\n", version, r.StatusCode, StatusText(r.StatusCode)))

	for key, value := range r.Headers {
		if key == "connection" {
			continue
		}
		buf.AppendString(fmt.Sprintf("%s: %s\r\n", headerDisplayName(key), value))
	}

	if !r.Headers.Has("Content-Length") {
		buf.AppendString(fmt.Sprintf("Content-Length: %d\r\n", len(r.Body)))
	}

	connValue := "close"
	if r.keepAlive {
		connValue = "keep-alive"
	}
	buf.AppendString(fmt.Sprintf("Connection: %s\r\n", connValue))

	if !r.Headers.Has("Server") {
		buf.AppendString(fmt.Sprintf("Server: %s\r\n", serverIdent))
	}
	if !r.Headers.Has("Date") {
		buf.AppendString(fmt.Sprintf("Date: %s\r\n", time.Now().UTC().Format(http.TimeFormat)))
	}

	buf.AppendString("\r\n")
	if len(r.Body) > 0 {
		buf.Append(r.Body)
	}
}

// headerDisplayName restores a conventional Title-Case rendering for a
// canonicalized (lowercase) header key, purely for wire aesthetics.
func headerDisplayName(key string) string {
	out := []byte(key)
	upperNext := true
	for i, c := range out {
		if upperNext && c >= 'a' && c <= 'z' {
			out[i] = c - 'a' + 'A'
		}
		upperNext = c == '-'
	}
	return string(out)
}
