// Package mitmca mints per-hostname TLS leaf certificates signed by a
// locally trusted root, on demand, so the connection engine can terminate
// a client's HTTPS handshake without ever touching the real origin's key.
package mitmca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/webproxy/webproxy/pkg/proxyerrors"
	"github.com/webproxy/webproxy/pkg/tlsconfig"
)

const leafValidity = 10 * 365 * 24 * time.Hour

// CA loads a root certificate/key pair and mints leaf certificates for
// hostnames the engine has terminated TLS for. Leaves are written to disk
// keyed by serial, and the hostname-to-serial cache lives in memory only,
// so after a restart every host gets a freshly minted leaf and the files
// from the previous run are not reused.
type CA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
	dir  string
	log  *zap.Logger

	mu     sync.RWMutex
	serial map[string]string // hostname -> serial (filename stem)
}

// LoadCA reads the CA certificate and private key from PEM files. Either
// file missing or malformed is a CryptoLoadError: there is nothing sensible
// to fall back to since every leaf this process mints must chain to this
// root.
func LoadCA(certFile, keyFile, certDir string, log *zap.Logger) (*CA, error) {
	if log == nil {
		log = zap.NewNop()
	}
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, proxyerrors.NewCryptoLoadError("read-ca-cert", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, proxyerrors.NewCryptoLoadError("read-ca-key", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, proxyerrors.NewCryptoLoadError("decode-ca-cert", fmt.Errorf("no PEM block in %s", certFile))
	}
	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, proxyerrors.NewCryptoLoadError("parse-ca-cert", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, proxyerrors.NewCryptoLoadError("decode-ca-key", fmt.Errorf("no PEM block in %s", keyFile))
	}
	caKey, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, proxyerrors.NewCryptoLoadError("parse-ca-key", err)
	}

	sslDir := filepath.Join(certDir, "ssl")
	if err := os.MkdirAll(sslDir, 0o755); err != nil {
		return nil, proxyerrors.NewCryptoLoadError("create-cert-dir", err)
	}

	return &CA{
		cert:   caCert,
		key:    caKey,
		dir:    sslDir,
		log:    log,
		serial: make(map[string]string),
	}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("CA key is not RSA")
	}
	return key, nil
}

// TLSConfigFor returns a server-side tls.Config that presents a leaf
// certificate for hostname, minted or reused as needed. upstreamSANs are
// folded into the leaf's SAN list when the engine has already observed the
// real origin certificate's alternate names during the upstream handshake.
func (ca *CA) TLSConfigFor(hostname string, upstreamSANs []string) (*tls.Config, error) {
	cfg := tlsconfig.ServerProfile()
	cfg.GetCertificate = func(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
		return ca.leafFor(hostname, upstreamSANs)
	}
	return cfg, nil
}

func (ca *CA) leafFor(hostname string, upstreamSANs []string) (*tls.Certificate, error) {
	if serial, ok := ca.cachedSerial(hostname); ok {
		if leaf, err := ca.loadLeaf(serial); err == nil {
			return leaf, nil
		}
		ca.log.Debug("cached leaf missing on disk, regenerating", zap.String("host", hostname))
	}

	serial, leaf, err := ca.mintLeaf(hostname, upstreamSANs)
	if err != nil {
		return nil, proxyerrors.NewContextError(hostname, err)
	}

	ca.mu.Lock()
	ca.serial[hostname] = serial
	ca.mu.Unlock()

	return leaf, nil
}

func (ca *CA) cachedSerial(hostname string) (string, bool) {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	s, ok := ca.serial[hostname]
	return s, ok
}

func (ca *CA) crtPath(serial string) string { return filepath.Join(ca.dir, serial+".crt") }
func (ca *CA) keyPath(serial string) string { return filepath.Join(ca.dir, serial+".key") }

// loadLeaf reads a previously minted cert/key pair back off disk, failing if
// either half is missing so the caller falls back to minting a fresh one.
func (ca *CA) loadLeaf(serial string) (*tls.Certificate, error) {
	certPEM, err := os.ReadFile(ca.crtPath(serial))
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(ca.keyPath(serial))
	if err != nil {
		return nil, err
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &cert, nil
}

// mintLeaf generates a fresh RSA-2048 key, signs a leaf certificate for
// hostname under the loaded root, and persists both halves to disk keyed by
// the certificate's own serial number.
func (ca *CA) mintLeaf(hostname string, upstreamSANs []string) (string, *tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serialNum, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return "", nil, fmt.Errorf("generate serial: %w", err)
	}

	sans := unionSANs(upstreamSANs, hostname)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serialNum,
		Subject:               pkix.Name{CommonName: hostname},
		Issuer:                ca.cert.Subject,
		DNSNames:              sans,
		NotBefore:             now,
		NotAfter:              now.Add(leafValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SignatureAlgorithm:    x509.SHA256WithRSA,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &leafKey.PublicKey, ca.key)
	if err != nil {
		return "", nil, fmt.Errorf("sign leaf cert: %w", err)
	}

	serial := serialNum.String()
	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(leafKey)})

	if err := os.WriteFile(ca.crtPath(serial), certPEMBytes, 0o644); err != nil {
		return "", nil, fmt.Errorf("write leaf cert: %w", err)
	}
	if err := os.WriteFile(ca.keyPath(serial), keyPEMBytes, 0o600); err != nil {
		return "", nil, fmt.Errorf("write leaf key: %w", err)
	}

	leaf, err := tls.X509KeyPair(certPEMBytes, keyPEMBytes)
	if err != nil {
		return "", nil, fmt.Errorf("reload signed leaf: %w", err)
	}

	ca.log.Info("minted leaf certificate",
		zap.String("mint_id", uuid.NewString()),
		zap.String("host", hostname),
		zap.String("serial", serial),
		zap.Strings("sans", sans),
	)
	return serial, &leaf, nil
}

// unionSANs merges the origin's observed SANs with the requested hostname,
// deduplicated, hostname last-resort if it was not already present.
func unionSANs(upstreamSANs []string, hostname string) []string {
	seen := make(map[string]bool, len(upstreamSANs)+1)
	out := make([]string, 0, len(upstreamSANs)+1)
	for _, s := range upstreamSANs {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if !seen[hostname] {
		out = append(out, hostname)
	}
	return out
}

// CertCount reports how many leaves are currently cached in memory; used by
// tests and diagnostics.
func (ca *CA) CertCount() int {
	ca.mu.RLock()
	defer ca.mu.RUnlock()
	return len(ca.serial)
}
