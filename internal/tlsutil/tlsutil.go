// Package tlsutil builds the server- and client-side tls.Config values
// used for the control API, using github.com/docker/go-connections/tlsconfig
// for the listener/dial configuration and github.com/cloudflare/cfssl/helpers
// for parsing the single pinned root certificate.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"os"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/jutuon/app-manager/internal/apperr"
)

// NewServerConfig builds the TLS configuration for the public control API
// listener from a PEM certificate chain and a private key PEM file.
func NewServerConfig(certFile, keyFile string) (*tls.Config, error) {
	cfg, err := tlsconfig.Server(tlsconfig.Options{
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfigMissing, "building server tls config")
	}
	return cfg, nil
}

// NewClientConfig builds the TLS configuration used when this node calls a
// peer. rootCertFile, if non-empty, must be a PEM file containing exactly
// one certificate; system roots are disabled in that case, matching
// tlsconfig.Options.ExclusiveRootPools.
func NewClientConfig(rootCertFile string) (*tls.Config, error) {
	if rootCertFile == "" {
		cfg := tlsconfig.ClientDefault()
		return cfg, nil
	}

	root, err := loadSingleCert(rootCertFile)
	if err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	pool.AddCert(root)

	cfg, err := tlsconfig.Client(tlsconfig.Options{
		ExclusiveRootPools: true,
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfigMissing, "building client tls config")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// loadSingleCert reads a PEM file and requires it to contain exactly one
// certificate. cfssl/helpers.ParseCertificatesPEM parses a PEM bundle
// into a []*x509.Certificate without reimplementing that by hand over
// encoding/pem + crypto/x509.
func loadSingleCert(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.KindConfigMissing, "reading root certificate %s", path)
	}

	certs, err := helpers.ParseCertificatesPEM(data)
	if err != nil {
		return nil, apperr.Wrapf(err, apperr.KindDecode, "parsing root certificate %s", path)
	}
	if len(certs) != 1 {
		return nil, apperr.New(apperr.KindDecode, "root certificate file must contain exactly one certificate")
	}
	return certs[0], nil
}
