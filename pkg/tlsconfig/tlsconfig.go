// Package tlsconfig builds the crypto/tls.Config the connection engine
// presents to clients once it has minted a leaf certificate for the
// requested hostname. It carries no message-framing or CA logic of its own;
// it only picks a secure, stable version/cipher profile.
package tlsconfig

import "crypto/tls"

// secureCipherSuites lists ECDHE+AEAD suites, preferred order, for hosts
// negotiating below TLS 1.3 (TLS 1.3 selects its own suites and ignores
// this list).
var secureCipherSuites = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
}

// ServerProfile returns a tls.Config template (MinVersion, CipherSuites) for
// the downstream (client-facing) handshake. GetCertificate is left nil for
// the caller to fill in — it is chosen per-SNI by the CA minter.
func ServerProfile() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: secureCipherSuites,
		NextProtos:   []string{"http/1.1"},
	}
}
