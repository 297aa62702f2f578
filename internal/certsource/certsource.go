// Package certsource resolves the TLS certificate the listener
// presents, either from a static cert/key pair or from ACME (spec
// §4.A tls block, §6 YAML schema). Grounded on golang.org/x/crypto,
// a direct dependency of Eleven-am-webhook-router in the corpus
// (there used for bcrypt hashing rather than ACME, but the same
// module — see DESIGN.md); autocert is the standard Go ACME client.
package certsource

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/fabian4/gatewayproxy/internal/config"
)

// Source produces a *tls.Config suitable for http.Server.TLSConfig.
type Source interface {
	TLSConfig() *tls.Config
}

// New builds the configured cert source: ACME-backed when
// tls.acme.enabled is set, otherwise a static file pair.
func New(cfg *config.TLSConfig) (Source, error) {
	if cfg == nil {
		return nil, fmt.Errorf("certsource: tls config is required")
	}
	if cfg.ACME != nil && cfg.ACME.Enabled {
		return newACMESource(cfg.ACME), nil
	}
	return newStaticSource(cfg.CertPath, cfg.KeyPath)
}

// staticSource re-reads its cert/key files on every handshake, so a
// certificate rotated on disk (the same path, new bytes) takes effect
// on the next client connection without a gateway restart.
type staticSource struct {
	certPath, keyPath string

	mu   sync.RWMutex
	cert tls.Certificate
}

func newStaticSource(certPath, keyPath string) (*staticSource, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load cert/key pair: %w", err)
	}
	return &staticSource{certPath: certPath, keyPath: keyPath, cert: cert}, nil
}

func (s *staticSource) TLSConfig() *tls.Config {
	return &tls.Config{GetCertificate: s.getCertificate}
}

// getCertificate reloads the cert/key pair from disk on every call. If
// the reload fails (e.g. mid-rewrite by a rotation process) it falls
// back to the last successfully loaded certificate rather than
// failing the handshake.
func (s *staticSource) getCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(s.certPath, s.keyPath)
	if err != nil {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return &s.cert, nil
	}
	s.mu.Lock()
	s.cert = cert
	s.mu.Unlock()
	return &cert, nil
}

type acmeSource struct {
	manager *autocert.Manager
}

func newACMESource(cfg *config.ACMEConfig) *acmeSource {
	client := &acme.Client{}
	if cfg.CAURL != "" {
		client.DirectoryURL = cfg.CAURL
	} else if cfg.Staging {
		client.DirectoryURL = "https://acme-staging-v02.api.letsencrypt.org/directory"
	}

	mgr := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domains...),
		Cache:      autocert.DirCache(cfg.StoragePath),
		Client:     client,
		Email:      cfg.Email,
	}
	if cfg.RenewalDaysBeforeExpiry > 0 {
		mgr.RenewBefore = time.Duration(cfg.RenewalDaysBeforeExpiry) * 24 * time.Hour
	}
	return &acmeSource{manager: mgr}
}

func (s *acmeSource) TLSConfig() *tls.Config {
	return s.manager.TLSConfig()
}
