package mitmca_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webproxy/webproxy/pkg/mitmca"
)

// writeTestCA generates a throwaway root CA and writes its PEM cert/key to
// dir, returning their paths.
func writeTestCA(t *testing.T, dir string) (string, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Root CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	certPath := filepath.Join(dir, "ca.crt")
	keyPath := filepath.Join(dir, "ca.key")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}), 0o600))
	return certPath, keyPath
}

func TestLoadCAMissingFilesFails(t *testing.T) {
	_, err := mitmca.LoadCA("/nonexistent/ca.crt", "/nonexistent/ca.key", t.TempDir(), nil)
	require.Error(t, err)
}

func TestMintAndReuseLeaf(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	ca, err := mitmca.LoadCA(certPath, keyPath, dir, nil)
	require.NoError(t, err)

	cfg, err := ca.TLSConfigFor("example.com", []string{"www.example.com"})
	require.NoError(t, err)
	require.NotNil(t, cfg.GetCertificate)

	leaf1, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	require.Equal(t, 1, ca.CertCount())

	leaf2, err := cfg.GetCertificate(nil)
	require.NoError(t, err)
	require.Equal(t, leaf1.Leaf.SerialNumber, leaf2.Leaf.SerialNumber)
}

func TestMintedLeafHasRequestedSANs(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeTestCA(t, dir)

	ca, err := mitmca.LoadCA(certPath, keyPath, dir, nil)
	require.NoError(t, err)

	cfg, err := ca.TLSConfigFor("example.com", []string{"www.example.com", "example.com"})
	require.NoError(t, err)
	leaf, err := cfg.GetCertificate(nil)
	require.NoError(t, err)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Contains(t, parsed.DNSNames, "example.com")
	require.Contains(t, parsed.DNSNames, "www.example.com")
	require.False(t, parsed.IsCA)
}
