// Package testca generates throwaway self-signed certificates for tests
// that need a real TLS 1.3 handshake. It is not a CertificateSource
// implementation any production caller should use; it exists only so
// connection and transport tests can exercise quic-go's handshake path
// without an external CA. No library in the retrieval pack covers
// ephemeral self-signed cert generation, so this stays on crypto/x509.
package testca

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

	"github.com/hypermesh-online/stoq"
)

// Generate returns a self-signed TLS certificate valid for loopback IPv6
// addresses, suitable for quic.Config.TLSConfig in tests.
func Generate() (tls.Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return tls.Certificate{}, err
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "stoq-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		IsCA:         true,
		IPAddresses:  []net.IP{net.ParseIP("::1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}

// staticSource is a fixed, never-rotating CertificateSource wrapping one
// generated chain.
type staticSource struct {
	chain tls.Certificate
}

// NewStaticSource builds a stoq.CertificateSource around a freshly
// generated certificate that never rotates.
func NewStaticSource() (stoq.CertificateSource, error) {
	chain, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("testca: %w", err)
	}
	return &staticSource{chain: chain}, nil
}

// CurrentChain implements stoq.CertificateSource.
func (s *staticSource) CurrentChain() (tls.Certificate, error) { return s.chain, nil }

// Watch implements stoq.CertificateSource; this source never rotates, so it
// returns a channel that is never written to.
func (s *staticSource) Watch() <-chan stoq.RotationEvent {
	return make(chan stoq.RotationEvent)
}

// RotatingSource is a stoq.CertificateSource whose chain can be swapped at
// runtime, for tests exercising certificate rotation end to end.
type RotatingSource struct {
	mu    sync.Mutex
	chain tls.Certificate
	ch    chan stoq.RotationEvent
}

// NewRotatingSource builds a RotatingSource starting on a freshly generated
// certificate.
func NewRotatingSource() (*RotatingSource, error) {
	chain, err := Generate()
	if err != nil {
		return nil, fmt.Errorf("testca: %w", err)
	}
	return &RotatingSource{chain: chain, ch: make(chan stoq.RotationEvent, 1)}, nil
}

// CurrentChain implements stoq.CertificateSource.
func (s *RotatingSource) CurrentChain() (tls.Certificate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chain, nil
}

// Watch implements stoq.CertificateSource.
func (s *RotatingSource) Watch() <-chan stoq.RotationEvent { return s.ch }

// Rotate swaps in a freshly generated certificate and emits a
// RotationEvent, simulating a certificate renewal.
func (s *RotatingSource) Rotate() (tls.Certificate, error) {
	chain, err := Generate()
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("testca: %w", err)
	}
	s.mu.Lock()
	s.chain = chain
	s.mu.Unlock()
	s.ch <- stoq.RotationEvent{At: time.Now()}
	return chain, nil
}
