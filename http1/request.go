package http1

// Method is the set of HTTP methods the parser accepts, mirroring the
// original's fixed method table.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodPatch   Method = "PATCH"
	MethodDelete  Method = "DELETE"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

var validMethods = map[Method]bool{
	MethodGet:     true,
	MethodPost:    true,
	MethodPut:     true,
	MethodPatch:   true,
	MethodDelete:  true,
	MethodHead:    true,
	MethodOptions: true,
	MethodConnect: true,
	MethodTrace:   true,
}

// Request is a fully parsed HTTP/1.x request.
type Request struct {
	Method  Method
	Path    string
	Query   string
	Version string // "HTTP/1.0" or "HTTP/1.1", matched strictly
	Headers Header
	Body    []byte
}

// KeepAlive reports whether this request's connection should remain open
// after the response is sent, applying HTTP/1.1's default-keepalive and
// HTTP/1.0's default-close policy, each overridable by an explicit
// Connection header.
func (r *Request) KeepAlive() bool {
	conn := r.Headers.Get("Connection")
	switch r.Version {
	case "HTTP/1.1":
		return conn != "close"
	case "HTTP/1.0":
		return conn == "keep-alive"
	default:
		return false
	}
}
