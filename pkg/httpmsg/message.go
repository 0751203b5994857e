// Package httpmsg implements the streaming HTTP/1.1 message framer: parsing
// requests/responses off a byte stream and serializing them back to the
// wire, including chunked transfer, trailers, and gzip/brotli content
// coding.
package httpmsg

// Request is a parsed HTTP/1.1 request. Host/Port are always populated from
// the Host header when present, even for CONNECT, since the tunnel target
// is the CONNECT authority rather than anything in the request path.
type Request struct {
	Method  string
	Path    string
	Proto   string
	Host    string
	Port    int
	Headers *Headers
	Content []byte
}

// Response is a parsed HTTP/1.1 response.
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Headers    *Headers
	Content    []byte
}

// IsConnect reports whether the request is a CONNECT tunneling request.
func (r *Request) IsConnect() bool {
	return r.Method == "CONNECT"
}

// DelProxyHeaders strips proxy-connection and proxy-authorization before the
// request is forwarded to the origin; those headers are meaningful only
// between client and proxy, never past it.
func (r *Request) DelProxyHeaders() {
	r.Headers.Del("proxy-connection")
	r.Headers.Del("proxy-authorization")
}

// Equal reports structural equality: same method/path/proto, same header
// set, same decoded body. Used to check that parse and serialize round-trip.
func (r *Request) Equal(other *Request) bool {
	if r.Method != other.Method || r.Path != other.Path || r.Proto != other.Proto {
		return false
	}
	if !r.Headers.Equal(other.Headers) {
		return false
	}
	return string(r.Content) == string(other.Content)
}

// Equal reports structural equality between two responses.
func (resp *Response) Equal(other *Response) bool {
	if resp.Proto != other.Proto || resp.StatusCode != other.StatusCode || resp.Reason != other.Reason {
		return false
	}
	if !resp.Headers.Equal(other.Headers) {
		return false
	}
	return string(resp.Content) == string(other.Content)
}

// ConnectionEstablished is the literal response the engine writes back to
// the client once a CONNECT tunnel's upstream leg is up.
const ConnectionEstablished = "HTTP/1.1 200 Connection established\r\n\r\n"
