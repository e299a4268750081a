// Package certagent mints per-SNI leaf certificates for TLS interception,
// signed by an operator-supplied CA, the way inspect/tls's Splicer needs
// one minted on every intercepted handshake. Issued leaves are cached by
// SNI so repeat connections to the same host reuse a certificate instead
// of paying an RSA/ECDSA signature on every handshake.
package certagent

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// Agent mints and caches leaf certificates signed by a loaded CA key pair.
// It satisfies inspect/tls.CertAgent.
type Agent struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey

	validity time.Duration

	mu    sync.Mutex
	cache *lru.Cache

	fallback *tls.Certificate
}

// Config configures a certificate agent.
type Config struct {
	// CACertPEM/CAKeyPEM are the signing CA's certificate and EC private key,
	// PEM encoded.
	CACertPEM []byte
	CAKeyPEM  []byte
	// Validity is how long minted leaves remain valid; defaults to 24h,
	// matching the short-lived MITM-leaf convention.
	Validity int64 // seconds, 0 = default
	// CacheSize bounds the number of cached SNI->certificate entries.
	CacheSize int
	// Fallback is served for every SNI when no CA is configured.
	Fallback *tls.Certificate
}

func New(cfg Config) (*Agent, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("certagent: cache init failed: %w", err)
	}

	a := &Agent{cache: c, fallback: cfg.Fallback}

	validity := time.Duration(cfg.Validity) * time.Second
	if validity <= 0 {
		validity = 24 * time.Hour
	}
	a.validity = validity

	if len(cfg.CACertPEM) == 0 || len(cfg.CAKeyPEM) == 0 {
		return a, nil
	}

	caCert, caKey, err := parseCA(cfg.CACertPEM, cfg.CAKeyPEM)
	if err != nil {
		return nil, err
	}
	a.caCert = caCert
	a.caKey = caKey
	return a, nil
}

// GetCertFor returns a leaf certificate valid for sni, minting and caching
// a fresh one if none is cached. alpnHint is offered in the leaf so the
// TLS handshake can negotiate the same protocol the client offered.
func (a *Agent) GetCertFor(sni string, alpnHint []string) (*tls.Certificate, error) {
	if a.caCert == nil || a.caKey == nil {
		if a.fallback != nil {
			return a.fallback, nil
		}
		return nil, fmt.Errorf("certagent: no CA configured and no fallback for SNI %q", sni)
	}

	key := cacheKey(sni, alpnHint)

	a.mu.Lock()
	defer a.mu.Unlock()

	if v, ok := a.cache.Get(key); ok {
		cert := v.(*tls.Certificate)
		if leafStillValid(cert, time.Now()) {
			return cert, nil
		}
		a.cache.Remove(key)
	}

	cert, err := a.mint(sni, alpnHint)
	if err != nil {
		return nil, err
	}
	a.cache.Add(key, cert)
	return cert, nil
}

func cacheKey(sni string, alpnHint []string) string {
	key := sni
	for _, p := range alpnHint {
		key += "|" + p
	}
	return key
}

func leafStillValid(cert *tls.Certificate, now time.Time) bool {
	if cert.Leaf == nil {
		return false
	}
	return now.Before(cert.Leaf.NotAfter.Add(-1 * time.Minute))
}

func (a *Agent) mint(sni string, alpnHint []string) (*tls.Certificate, error) {
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("certagent: leaf key generation failed: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("certagent: serial generation failed: %w", err)
	}

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: sni},
		NotBefore:    now.Add(-5 * time.Minute),
		NotAfter:     now.Add(a.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(sni); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else if sni != "" {
		tmpl.DNSNames = []string{sni}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, a.caCert, &leafKey.PublicKey, a.caKey)
	if err != nil {
		return nil, fmt.Errorf("certagent: leaf signing failed: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certagent: leaf parse failed: %w", err)
	}

	cert := &tls.Certificate{
		Certificate: [][]byte{der, a.caCert.Raw},
		PrivateKey:  leafKey,
		Leaf:        leaf,
	}
	return cert, nil
}
