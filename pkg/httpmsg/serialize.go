package httpmsg

import (
	"bytes"
	"strconv"
)

// Bytes serializes the request back to wire form. The body is never
// re-chunked on the way out: whatever content-encoding was declared is
// reapplied and content-length is recomputed from the result.
func (r *Request) Bytes() []byte {
	if r.Method == "" {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString(r.Method)
	buf.WriteByte(' ')
	buf.WriteString(r.Path)
	buf.WriteByte(' ')
	buf.WriteString(r.Proto)
	buf.WriteString("\r\n")
	writeBody(&buf, r.Headers, r.Content)
	return buf.Bytes()
}

// Bytes serializes the response back to wire form, recomputing
// content-length the same way Request.Bytes does.
func (resp *Response) Bytes() []byte {
	if resp.Proto == "" {
		return nil
	}
	var buf bytes.Buffer
	buf.WriteString(resp.Proto)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(resp.Reason)
	buf.WriteString("\r\n")
	writeBody(&buf, resp.Headers, resp.Content)
	return buf.Bytes()
}

// writeBody re-encodes content per the headers' content-encoding, sets a
// fresh content-length, writes the header block, and appends the body.
func writeBody(buf *bytes.Buffer, headers *Headers, content []byte) {
	wire := encodeContent(headers, content)
	headers.Del("transfer-encoding")
	headers.Set("content-length", strconv.Itoa(len(wire)))
	for _, k := range headers.Keys() {
		buf.WriteString(k)
		buf.WriteString(": ")
		buf.WriteString(headers.Value(k))
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(wire)
}
