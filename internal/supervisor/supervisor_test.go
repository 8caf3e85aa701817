package supervisor_test

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

	"github.com/jutuon/app-manager/internal/config"
	"github.com/jutuon/app-manager/internal/supervisor"
)

const passScript = "#!/bin/sh\nexit 0\n"

func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

// selfSignedCert writes a throwaway cert/key PEM pair to dir, enough to
// satisfy tlsutil.NewServerConfig's file-based loading.
func selfSignedCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "supervisor-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o644))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	scriptDir := t.TempDir()
	certDir := t.TempDir()
	storageDir := t.TempDir()

	certFile, keyFile := selfSignedCert(t, certDir)
	availability := filepath.Join(t.TempDir(), "absent-marker")

	return &config.Config{
		StorageDir: storageDir,
		APIKey:     "test-key",
		TLS:        config.TLSConfig{PublicAPICert: certFile, PublicAPIKey: keyFile},
		PublicListenAddr: "127.0.0.1:0",
		ScriptLocations: config.ScriptLocations{
			OpenEncryption:           writeExecutable(t, scriptDir, "open.sh", passScript),
			CloseEncryption:          writeExecutable(t, scriptDir, "close.sh", passScript),
			IsDefaultPassword:        writeExecutable(t, scriptDir, "is-default.sh", passScript),
			ChangeEncryptionPassword: writeExecutable(t, scriptDir, "change.sh", passScript),
			StartBackend:             writeExecutable(t, scriptDir, "start.sh", passScript),
			StopBackend:              writeExecutable(t, scriptDir, "stop.sh", passScript),
			PrintLogs:                writeExecutable(t, scriptDir, "print-logs.sh", passScript),
		},
		SecureStorage: config.SecureStorageConfig{AvailabilityCheckPath: availability},
		RebootTime:    "03:30",
	}
}

func TestNewWiresConsumerNodeWithoutBuilder(t *testing.T) {
	cfg := baseConfig(t)

	s, err := supervisor.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewWiresBuildNode(t *testing.T) {
	cfg := baseConfig(t)
	cfg.SoftwareBuilder = &config.SoftwareBuilderConfig{
		Manager: config.RepoConfig{CloneURL: "https://example.invalid/app-manager.git", Branch: "main", BinaryName: "app-manager"},
		Backend: config.RepoConfig{CloneURL: "https://example.invalid/app-backend.git", Branch: "main", BinaryName: "app-backend"},
		GPGKeyID: "test-key-id",
	}

	s, err := supervisor.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
}

func TestNewWiresPeerAndKeyProvider(t *testing.T) {
	cfg := baseConfig(t)
	cfg.Peers = map[string]config.PeerConfig{
		"manager-a": {BaseURL: "https://peer.invalid", APIKey: "peer-key"},
	}
	cfg.KeyProviderPeerName = "manager-a"

	s, err := supervisor.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, s)
}
