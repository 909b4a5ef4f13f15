package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/devrelay/internal/config"
)

type staticCertificate struct {
	cert tls.Certificate
	leaf *x509.Certificate
}

// tlsSetup is the listener configuration for one TLS mode. challenge is
// only set in auto mode and serves ACME HTTP-01 challenges.
type tlsSetup struct {
	config    *tls.Config
	challenge http.Handler
}

func (s *Server) configureTLS() (*tlsSetup, error) {
	switch s.cfg.TLSMode {
	case config.TLSModeOff, "":
		return nil, nil
	case config.TLSModeStatic:
		cert, err := loadStaticCertificate(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		subject := ""
		if cert.leaf != nil {
			subject = cert.leaf.Subject.String()
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", subject)
		return &tlsSetup{config: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert.cert},
		}}, nil
	case config.TLSModeAuto:
		manager := s.autocertManager()
		cfg := manager.TLSConfig()
		cfg.MinVersion = tls.VersionTLS12
		return &tlsSetup{config: cfg, challenge: manager.HTTPHandler(http.NotFoundHandler())}, nil
	default:
		return nil, fmt.Errorf("unsupported tls mode %q", s.cfg.TLSMode)
	}
}

func (s *Server) autocertManager() *autocert.Manager {
	domain := normalizeHost(s.cfg.Domain)
	return &autocert.Manager{
		Cache:  autocert.DirCache(s.cfg.CertCacheDir),
		Prompt: autocert.AcceptTOS,
		HostPolicy: func(_ context.Context, host string) error {
			if normalizeHost(host) == domain {
				return nil
			}
			return errors.New("host not allowed")
		},
		RenewBefore: 30 * 24 * time.Hour,
	}
}

func loadStaticCertificate(certFile, keyFile string) (*staticCertificate, error) {
	certFile = strings.TrimSpace(certFile)
	keyFile = strings.TrimSpace(keyFile)
	if certFile == "" || keyFile == "" {
		return nil, errors.New("static TLS requires both a certificate and a key file")
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load TLS key pair: %w", err)
	}
	var leaf *x509.Certificate
	if len(cert.Certificate) > 0 {
		leaf, _ = x509.ParseCertificate(cert.Certificate[0])
	}
	if leaf != nil && time.Now().After(leaf.NotAfter) {
		return nil, fmt.Errorf("TLS certificate %s expired at %s", certFile, leaf.NotAfter.UTC().Format(time.RFC3339))
	}
	return &staticCertificate{cert: cert, leaf: leaf}, nil
}

func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, found := strings.Cut(host, ":"); found {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

// tlsErrorLogWriter routes net/http server errors into slog and demotes
// scanner noise on the TLS listener to debug.
type tlsErrorLogWriter struct {
	log                  *slog.Logger
	acme                 bool
	provisioningHintOnce sync.Once
}

func newTLSErrorLogWriter(logger *slog.Logger, acme bool) *tlsErrorLogWriter {
	return &tlsErrorLogWriter{log: logger, acme: acme}
}

func (w *tlsErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		w.log.Warn("http server error", "err", line)
		return len(p), nil
	}
	addr, reason, ok := strings.Cut(line[idx+len(marker):], ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", line)
		return len(p), nil
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)
	switch {
	case isLikelyScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case w.acme && isLikelyTLSProvisioningReason(reason):
		w.provisioningHintOnce.Do(func() {
			w.log.Info("TLS certificate provisioning in progress; initial handshake retries are expected")
		})
		w.log.Info("tls handshake retried during certificate provisioning", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return len(p), nil
}

func isLikelyTLSProvisioningReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isLikelyScannerTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	return reason == "eof" ||
		strings.Contains(reason, "missing server name") ||
		strings.Contains(reason, "offered only unsupported versions") ||
		strings.Contains(reason, "no cipher suite supported by both client and server") ||
		strings.Contains(reason, "host not allowed") ||
		strings.Contains(reason, "connection reset by peer") ||
		strings.Contains(reason, "i/o timeout") ||
		strings.Contains(reason, "first record does not look like a tls handshake") ||
		strings.Contains(reason, "http request to an https server")
}
