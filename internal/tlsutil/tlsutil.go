package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// VerificationMode is the closed set of TLS peer-verification behaviors
// the manager protocol supports.
type VerificationMode string

const (
	// ModeNone accepts any certificate, including self-signed ones.
	ModeNone VerificationMode = "none"

	// ModeCertificate verifies the trust chain against the platform trust
	// store but ignores hostname/SAN matching.
	ModeCertificate VerificationMode = "certificate"

	// ModeFull verifies the trust chain and the hostname against the
	// certificate's SAN entries. The Common Name is not consulted when no
	// SAN matches (crypto/x509 ignores it).
	ModeFull VerificationMode = "full"
)

// ParseMode coerces an arbitrary string into a VerificationMode, falling
// back to ModeFull (with a caller-supplied warning) for unknown values.
func ParseMode(s string, logger *zap.Logger) VerificationMode {
	switch VerificationMode(strings.ToLower(s)) {
	case ModeNone:
		return ModeNone
	case ModeCertificate:
		return ModeCertificate
	case ModeFull, "":
		return ModeFull
	default:
		if logger != nil {
			logger.Warn("unknown tls verification mode, defaulting to full", zap.String("mode", s))
		}
		return ModeFull
	}
}

// baseTLSConfig returns the hardened baseline shared by every mode:
// TLS 1.2+, AEAD-only cipher suites.
func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// Config builds a *tls.Config implementing mode for connections to host.
// ModeCertificate and ModeFull use the platform trust store (x509's
// SystemCertPool, which is OS-native on macOS/Windows and the distro
// default elsewhere); ModeNone disables verification entirely.
func Config(mode VerificationMode, host string) *tls.Config {
	cfg := baseTLSConfig()
	cfg.ServerName = host

	switch mode {
	case ModeNone:
		cfg.InsecureSkipVerify = true
	case ModeCertificate:
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = verifyChainOnly
	default: // ModeFull
		// Default behavior: verify chain and hostname against the
		// platform trust store via ServerName.
	}
	return cfg
}

// verifyChainOnly re-implements chain validation without hostname
// checking, for ModeCertificate. Go's tls package ties chain validation
// to ServerName when InsecureSkipVerify is false, so certificate mode
// sets InsecureSkipVerify and performs the chain check manually here.
func verifyChainOnly(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	certs := make([]*x509.Certificate, len(rawCerts))
	for i, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return err
		}
		certs[i] = cert
	}
	if len(certs) == 0 {
		return nil
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certs[1:] {
		intermediates.AddCert(cert)
	}

	_, err = certs[0].Verify(x509.VerifyOptions{
		Roots:         pool,
		Intermediates: intermediates,
	})
	return err
}

// Transport returns an *http.Transport for host under the given
// verification mode. The transport's connection pool is meant to be
// reused across polling iterations (see agent/transport), not rebuilt
// per request.
func Transport(mode VerificationMode, host string) *http.Transport {
	return &http.Transport{
		TLSClientConfig: Config(mode, host),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
