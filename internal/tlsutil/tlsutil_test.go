package tlsutil

import (
	"crypto/tls"
	"testing"

	"go.uber.org/zap"
)

func TestParseMode(t *testing.T) {
	logger := zap.NewNop()
	cases := map[string]VerificationMode{
		"none":        ModeNone,
		"certificate": ModeCertificate,
		"full":        ModeFull,
		"":            ModeFull,
		"bogus":       ModeFull,
		"FULL":        ModeFull,
	}
	for in, want := range cases {
		if got := ParseMode(in, logger); got != want {
			t.Errorf("ParseMode(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestConfigHardening(t *testing.T) {
	cfg := Config(ModeFull, "manager.example.com")
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want %d", cfg.MinVersion, tls.VersionTLS12)
	}
	if len(cfg.CipherSuites) == 0 {
		t.Error("CipherSuites should not be empty")
	}
	if cfg.InsecureSkipVerify {
		t.Error("full mode must not skip verification")
	}
	if cfg.ServerName != "manager.example.com" {
		t.Errorf("ServerName = %q, want manager.example.com", cfg.ServerName)
	}
}

func TestConfigNoneSkipsVerification(t *testing.T) {
	cfg := Config(ModeNone, "manager.example.com")
	if !cfg.InsecureSkipVerify {
		t.Error("none mode must skip verification")
	}
}

func TestConfigCertificateUsesCustomVerifier(t *testing.T) {
	cfg := Config(ModeCertificate, "manager.example.com")
	if !cfg.InsecureSkipVerify {
		t.Error("certificate mode disables stdlib hostname check via InsecureSkipVerify")
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Error("certificate mode must install a chain-only verifier")
	}
}

func TestTransport(t *testing.T) {
	tr := Transport(ModeFull, "manager.example.com")
	if tr.TLSClientConfig == nil {
		t.Fatal("TLSClientConfig should not be nil")
	}
	if !tr.ForceAttemptHTTP2 {
		t.Error("ForceAttemptHTTP2 should be true")
	}
}
