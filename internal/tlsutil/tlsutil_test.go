package tlsutil_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jutuon/app-manager/internal/tlsutil"
)

func writeSelfSignedCert(t *testing.T, path string, count int) {
	t.Helper()
	var buf []byte
	for i := 0; i < count; i++ {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)

		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(int64(i + 1)),
			Subject:      pkix.Name{CommonName: "test"},
			NotBefore:    time.Now().Add(-time.Hour),
			NotAfter:     time.Now().Add(time.Hour),
		}
		der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
		require.NoError(t, err)

		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	require.NoError(t, os.WriteFile(path, buf, 0o644))
}

func TestNewClientConfigRejectsMultipleCerts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bundle.pem")
	writeSelfSignedCert(t, path, 2)

	_, err := tlsutil.NewClientConfig(path)
	require.Error(t, err)
}

func TestNewClientConfigAcceptsSingleCert(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.pem")
	writeSelfSignedCert(t, path, 1)

	cfg, err := tlsutil.NewClientConfig(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.RootCAs)
}

func TestNewClientConfigDefaultsWithoutRoot(t *testing.T) {
	cfg, err := tlsutil.NewClientConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
}
