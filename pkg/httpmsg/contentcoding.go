package httpmsg

import (
	"bytes"
	"compress/gzip"
	"io"

	"github.com/andybalholm/brotli"

	"github.com/webproxy/webproxy/pkg/proxyerrors"
)

// decodeContent reverses the coding named by the content-encoding header.
// Unknown or absent codings are left untouched.
func decodeContent(headers *Headers, raw []byte) ([]byte, error) {
	encoding, ok := headers.Get("content-encoding")
	if !ok {
		return raw, nil
	}
	switch encoding {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, proxyerrors.NewParseError("gzip-decode", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, proxyerrors.NewParseError("gzip-decode", err)
		}
		return out, nil
	case "br":
		out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(raw)))
		if err != nil {
			return nil, proxyerrors.NewParseError("brotli-decode", err)
		}
		return out, nil
	default:
		return raw, nil
	}
}

// encodeContent re-applies the coding named by the content-encoding header
// before serialization, matching whatever decodeContent reversed.
func encodeContent(headers *Headers, content []byte) []byte {
	encoding, ok := headers.Get("content-encoding")
	if !ok {
		return content
	}
	switch encoding {
	case "gzip":
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, _ = zw.Write(content)
		_ = zw.Close()
		return buf.Bytes()
	case "br":
		var buf bytes.Buffer
		bw := brotli.NewWriter(&buf)
		_, _ = bw.Write(content)
		_ = bw.Close()
		return buf.Bytes()
	default:
		return content
	}
}
