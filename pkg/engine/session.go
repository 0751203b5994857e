// Package engine drives one client connection through the proxy's session
// state machine: parse the first request, establish a plain or MITM'd
// tunnel to the origin, then forward messages in both directions until
// either side closes.
package engine

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/webproxy/webproxy/pkg/httpmsg"
	"github.com/webproxy/webproxy/pkg/mitmca"
	"github.com/webproxy/webproxy/pkg/proxyerrors"
	"github.com/webproxy/webproxy/pkg/sniffer"
)

// Engine holds the dependencies every Session needs and assigns each
// session its monotonically increasing id.
type Engine struct {
	ca          *mitmca.CA
	sniffer     *sniffer.Sniffer
	log         *zap.Logger
	bufferLimit int64

	nextID atomic.Uint64
}

// New builds an Engine. ca and sniffer may both be nil in configurations
// that only need plain HTTP forwarding (tests, mostly); a nil sniffer
// simply means nothing is recorded, and a CONNECT request without a CA
// fails with a ContextError. bufferLimit bounds how much of a chunked body
// a session holds in memory before spilling to disk; zero selects
// buffer.DefaultMemoryLimit.
func New(ca *mitmca.CA, snf *sniffer.Sniffer, log *zap.Logger, bufferLimit int64) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{ca: ca, sniffer: snf, log: log, bufferLimit: bufferLimit}
}

// Session is one accepted client connection, tracked through
// AcceptedRaw -> FirstRequestParsed -> {HttpForwarding |
// TlsEstablishingUpstream -> TlsEstablishingDownstream -> TlsForwarding} ->
// Closing -> Closed.
type Session struct {
	id     uint64
	engine *Engine
	log    *zap.Logger

	clientConn   net.Conn
	clientReader *bufio.Reader
	upstreamConn net.Conn
	upstream     *bufio.Reader

	https bool

	mu     sync.Mutex
	closed bool
}

// NewSession wraps an accepted connection. The caller is responsible for
// calling Run, which owns the connection's lifetime from here on.
func (e *Engine) NewSession(conn net.Conn) *Session {
	id := e.nextID.Add(1)
	return &Session{
		id:           id,
		engine:       e,
		log:          e.log.With(zap.Uint64("session", id)),
		clientConn:   conn,
		clientReader: bufio.NewReader(conn),
	}
}

// ID returns the session's monotonically assigned identifier.
func (s *Session) ID() uint64 { return s.id }

// Run drives the session to completion: establishing the tunnel, then
// forwarding until one side closes or an error of one of the closed set of
// kinds terminates it. It always closes the session's connections before
// returning, so callers never need a separate cleanup step.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	addr := "unknown"
	if s.clientConn != nil {
		addr = s.clientConn.RemoteAddr().String()
	}
	s.log.Info("accepted client", zap.String("addr", addr))

	if err := s.establish(ctx); err != nil {
		return err
	}

	for {
		ok, err := s.exchangeOnce()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
}

// establish parses the client's first request and, depending on its method,
// either forwards it directly and opens a plain path, or performs both legs
// of the MITM TLS handshake so the forwarding loop can read the real first
// request once the tunnel is up.
func (s *Session) establish(ctx context.Context) error {
	req, err := httpmsg.ParseRequestWithLimit(s.clientReader, s.engine.bufferLimit)
	if err != nil {
		return err
	}
	if req.Method == "" && req.Path == "" {
		return proxyerrors.NewUnresolvedRequest("empty method and path")
	}
	s.log.Info("first request", zap.String("method", req.Method), zap.String("host", req.Host))

	dialer := &net.Dialer{}
	upstream, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", req.Host, req.Port))
	if err != nil {
		return proxyerrors.NewUnresolvedRequest(fmt.Sprintf("dial upstream %s:%d: %v", req.Host, req.Port, err))
	}
	s.upstreamConn = upstream
	s.upstream = bufio.NewReader(upstream)
	s.log.Info("opened upstream connection", zap.String("host", req.Host), zap.Int("port", req.Port))

	if !req.IsConnect() {
		s.https = false
		req.DelProxyHeaders()
		if _, err := s.upstreamConn.Write(req.Bytes()); err != nil {
			return proxyerrors.NewIOError("write-first-request", err)
		}
		return nil
	}

	s.https = true
	return s.establishTLS(req.Host)
}

// establishTLS performs the two TLS handshakes a CONNECT tunnel requires:
// upstream first (client role, real verification, to learn the origin's
// certificate), then downstream (server role, presenting a freshly minted
// leaf for hostname), with the "200 Connection established" response
// written to the client in between.
func (s *Session) establishTLS(hostname string) error {
	upstreamTLS := tls.Client(s.upstreamConn, &tls.Config{ServerName: hostname})
	if err := upstreamTLS.Handshake(); err != nil {
		if isCertVerificationError(err) {
			return proxyerrors.NewIllegalCertificate(err.Error())
		}
		return proxyerrors.NewTLSHandshakeError("upstream-handshake", err)
	}
	s.upstreamConn = upstreamTLS
	s.upstream = bufio.NewReader(upstreamTLS)

	state := upstreamTLS.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return proxyerrors.NewIllegalCertificate("upstream certificate missing or empty")
	}
	peerCert := state.PeerCertificates[0]

	if _, err := s.clientConn.Write([]byte(httpmsg.ConnectionEstablished)); err != nil {
		return proxyerrors.NewIOError("write-connect-ack", err)
	}
	s.log.Info("sent CONNECT acknowledgement", zap.String("host", hostname))

	if s.engine.ca == nil {
		return proxyerrors.NewContextError(hostname, fmt.Errorf("no CA configured"))
	}
	serverCfg, err := s.engine.ca.TLSConfigFor(hostname, peerCert.DNSNames)
	if err != nil {
		return err
	}

	downstreamTLS := tls.Server(s.clientConn, serverCfg)
	if err := downstreamTLS.Handshake(); err != nil {
		return proxyerrors.NewTLSHandshakeError("downstream-handshake", err)
	}
	s.clientConn = downstreamTLS
	s.clientReader = bufio.NewReader(downstreamTLS)
	return nil
}

// isCertVerificationError reports whether the TLS handshake failed
// specifically because certificate verification rejected the origin's
// chain, as opposed to a lower-level protocol failure.
func isCertVerificationError(err error) bool {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	var invalidErr x509.CertificateInvalidError
	return errors.As(err, &invalidErr)
}

// exchangeOnce runs one round of the forwarding loop: a client->origin
// request and an origin->client response, concurrently, each framed,
// sniffed (request side only), header-scrubbed, and re-serialized. It
// reports whether forwarding should continue.
func (s *Session) exchangeOnce() (bool, error) {
	var wg sync.WaitGroup
	results := make([]error, 2)
	continues := make([]bool, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		ok, err := s.forwardRequest()
		continues[0], results[0] = ok, err
	}()
	go func() {
		defer wg.Done()
		ok, err := s.forwardResponse()
		continues[1], results[1] = ok, err
	}()
	wg.Wait()

	for _, err := range results {
		if err != nil {
			return false, err
		}
	}
	return continues[0] || continues[1], nil
}

// sourceClosed reports whether r has nothing left to offer, the way
// connection.py's target.is_closing() guards _http_exchange before it ever
// attempts to read a new message. It must only be consulted between
// messages: once a message has started, any read failure is a genuine
// framing error, not a clean close, and must propagate.
func sourceClosed(r *bufio.Reader) bool {
	_, err := r.Peek(1)
	return err != nil
}

// forwardRequest reads one request from the client, records it with the
// sniffer, scrubs proxy headers, and forwards it upstream. A client that
// closes between messages ends the loop cleanly; a client that closes or
// sends malformed data mid-message is a genuine ParseError that aborts the
// session.
func (s *Session) forwardRequest() (bool, error) {
	if sourceClosed(s.clientReader) {
		return false, nil
	}
	req, err := httpmsg.ParseRequestWithLimit(s.clientReader, s.engine.bufferLimit)
	if err != nil {
		return false, err
	}
	if s.engine.sniffer != nil {
		addr := "unknown"
		if s.clientConn != nil {
			addr = s.clientConn.RemoteAddr().String()
		}
		if err := s.engine.sniffer.Observe(addr, req); err != nil {
			s.log.Warn("credential capture failed", zap.Error(err))
		}
	}
	req.DelProxyHeaders()
	if _, err := s.upstreamConn.Write(req.Bytes()); err != nil {
		return false, proxyerrors.NewIOError("write-request", err)
	}
	return true, nil
}

// forwardResponse reads one response from the origin and forwards it to the
// client, re-serialized but neither sniffed nor header-scrubbed. An origin that closes between messages ends the
// loop cleanly; an origin that closes or sends malformed data mid-message is
// a genuine ParseError that aborts the session.
func (s *Session) forwardResponse() (bool, error) {
	if sourceClosed(s.upstream) {
		return false, nil
	}
	resp, err := httpmsg.ParseResponseWithLimit(s.upstream, s.engine.bufferLimit)
	if err != nil {
		return false, err
	}
	if _, err := s.clientConn.Write(resp.Bytes()); err != nil {
		return false, proxyerrors.NewIOError("write-response", err)
	}
	return true, nil
}

// Close closes both legs of the session exactly once and is safe to call
// concurrently or multiple times.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if s.clientConn != nil {
		if err := s.clientConn.Close(); err != nil {
			firstErr = err
		}
	}
	if s.upstreamConn != nil {
		if err := s.upstreamConn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.log.Info("session closed")
	return firstErr
}
