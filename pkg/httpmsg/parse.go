package httpmsg

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/webproxy/webproxy/pkg/buffer"
	"github.com/webproxy/webproxy/pkg/proxyerrors"
)

// maxStartLine and maxHeaderLine cap the length of a single line read off
// the wire: a longer line is rejected as a ParseError. The check runs after
// the line has been read, so the read itself is not bounded; a peer that
// never sends '\n' keeps growing the line until the stream ends.
const (
	maxStartLine  = 64 * 1024
	maxHeaderLine = 64 * 1024
)

// readLine reads up to and including the terminating "\r\n", returning the
// line with the terminator stripped.
func readLine(r *bufio.Reader, op string) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", proxyerrors.NewParseError(op, err)
	}
	if len(line) > maxStartLine {
		return "", proxyerrors.NewParseError(op, nil)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// splitStartLine splits a start line into exactly three tokens. The third
// token (the reason phrase of a status line, or the HTTP version of a
// request line followed by nothing) may itself contain spaces, so only the
// first two separators are significant.
func splitStartLine(line string) (string, string, string, error) {
	first := strings.IndexByte(line, ' ')
	if first < 0 {
		return "", "", "", proxyerrors.NewParseError("split-start-line", nil)
	}
	rest := line[first+1:]
	second := strings.IndexByte(rest, ' ')
	if second < 0 {
		return "", "", "", proxyerrors.NewParseError("split-start-line", nil)
	}
	return line[:first], rest[:second], rest[second+1:], nil
}

// readHeaders reads header lines until the blank-line terminator. Malformed
// lines (no ": " separator) are dropped rather than aborting the parse,
// matching how browsers and most intermediaries tolerate stray garbage.
func readHeaders(r *bufio.Reader) (*Headers, error) {
	h := NewHeaders()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, proxyerrors.NewParseError("read-headers", err)
		}
		if len(line) > maxHeaderLine {
			return nil, proxyerrors.NewParseError("read-headers", nil)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return h, nil
		}
		sep := strings.Index(line, ": ")
		if sep < 0 {
			continue
		}
		h.Set(line[:sep], line[sep+2:])
	}
}

// readChunkedBody reads a chunked transfer-coded body, consuming the final
// zero-length chunk and any trailer headers, then folds the trailers into
// headers and replaces transfer-encoding with a concrete content-length.
// bufferLimit bounds how much of the body buffer.Buffer holds in memory
// before spilling to disk; zero selects buffer.DefaultMemoryLimit.
func readChunkedBody(r *bufio.Reader, headers *Headers, bufferLimit int64) ([]byte, error) {
	if bufferLimit <= 0 {
		bufferLimit = buffer.DefaultMemoryLimit
	}
	acc := buffer.New(bufferLimit)
	defer acc.Close()

	for {
		sizeLine, err := readLine(r, "read-chunk-size")
		if err != nil {
			return nil, err
		}
		sizeLine = strings.TrimSpace(strings.SplitN(sizeLine, ";", 2)[0])
		size, err := strconv.ParseInt(sizeLine, 16, 64)
		if err != nil {
			return nil, proxyerrors.NewParseError("parse-chunk-size", err)
		}
		if size == 0 {
			break
		}
		chunk := make([]byte, size)
		if _, err := readFull(r, chunk); err != nil {
			return nil, proxyerrors.NewParseError("read-chunk-data", err)
		}
		if _, err := acc.Write(chunk); err != nil {
			return nil, err
		}
		if _, err := readLine(r, "read-chunk-crlf"); err != nil {
			return nil, err
		}
	}

	trailers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	for _, k := range trailers.Keys() {
		headers.Set(k, trailers.Value(k))
	}
	headers.Del("transfer-encoding")
	headers.Del("trailer")

	body, err := acc.ReadAll()
	if err != nil {
		return nil, err
	}
	headers.Set("content-length", strconv.Itoa(len(body)))
	return decodeContent(headers, body)
}

// readFull fills buf completely or returns the underlying read error.
func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// readFixedBody reads exactly the number of bytes named by content-length.
func readFixedBody(r *bufio.Reader, headers *Headers) ([]byte, error) {
	n, err := strconv.Atoi(headers.Value("content-length"))
	if err != nil || n < 0 {
		return nil, proxyerrors.NewParseError("parse-content-length", err)
	}
	if n == 0 {
		return nil, nil
	}
	raw := make([]byte, n)
	if _, err := readFull(r, raw); err != nil {
		return nil, proxyerrors.NewParseError("read-fixed-body", err)
	}
	return decodeContent(headers, raw)
}

// readBody dispatches on transfer-encoding/content-length to frame the
// message body, or returns nil when the message declares none.
func readBody(r *bufio.Reader, headers *Headers, bufferLimit int64) ([]byte, error) {
	if te := headers.Value("transfer-encoding"); strings.Contains(strings.ToLower(te), "chunked") {
		return readChunkedBody(r, headers, bufferLimit)
	}
	if headers.Has("content-length") {
		return readFixedBody(r, headers)
	}
	return nil, nil
}

// splitHostPort splits a Host header value into hostname and port, defaulting
// to port 80 when no port is present. IPv6 literals in brackets are left
// intact in the hostname.
func splitHostPort(hostHeader string) (string, int) {
	if hostHeader == "" {
		return "", 80
	}
	if strings.HasPrefix(hostHeader, "[") {
		if end := strings.IndexByte(hostHeader, ']'); end >= 0 {
			host := hostHeader[:end+1]
			rest := hostHeader[end+1:]
			if strings.HasPrefix(rest, ":") {
				if p, err := strconv.Atoi(rest[1:]); err == nil {
					return host, p
				}
			}
			return host, 80
		}
	}
	idx := strings.LastIndexByte(hostHeader, ':')
	if idx < 0 {
		return hostHeader, 80
	}
	port, err := strconv.Atoi(hostHeader[idx+1:])
	if err != nil {
		return hostHeader, 80
	}
	return hostHeader[:idx], port
}

// ParseRequest reads one HTTP/1.1 request off r, including its body, using
// buffer.DefaultMemoryLimit to bound in-memory chunked-body accumulation.
func ParseRequest(r *bufio.Reader) (*Request, error) {
	return ParseRequestWithLimit(r, 0)
}

// ParseRequestWithLimit is ParseRequest with an explicit chunked-body
// memory limit before buffer.Buffer spills to disk; the engine uses this to
// honor a session's configured buffer size.
func ParseRequestWithLimit(r *bufio.Reader, bufferLimit int64) (*Request, error) {
	line, err := readLine(r, "read-request-line")
	if err != nil {
		return nil, err
	}
	method, path, proto, err := splitStartLine(line)
	if err != nil {
		return nil, err
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	content, err := readBody(r, headers, bufferLimit)
	if err != nil {
		return nil, err
	}
	host, port := splitHostPort(headers.Value("host"))
	return &Request{
		Method:  method,
		Path:    path,
		Proto:   proto,
		Host:    host,
		Port:    port,
		Headers: headers,
		Content: content,
	}, nil
}

// ParseResponse reads one HTTP/1.1 response off r, including its body,
// using buffer.DefaultMemoryLimit to bound in-memory chunked-body
// accumulation.
func ParseResponse(r *bufio.Reader) (*Response, error) {
	return ParseResponseWithLimit(r, 0)
}

// ParseResponseWithLimit is ParseResponse with an explicit chunked-body
// memory limit; see ParseRequestWithLimit.
func ParseResponseWithLimit(r *bufio.Reader, bufferLimit int64) (*Response, error) {
	line, err := readLine(r, "read-status-line")
	if err != nil {
		return nil, err
	}
	proto, codeStr, reason, err := splitStartLine(line)
	if err != nil {
		return nil, err
	}
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return nil, proxyerrors.NewParseError("parse-status-code", err)
	}
	headers, err := readHeaders(r)
	if err != nil {
		return nil, err
	}
	content, err := readBody(r, headers, bufferLimit)
	if err != nil {
		return nil, err
	}
	return &Response{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
		Content:    content,
	}, nil
}
