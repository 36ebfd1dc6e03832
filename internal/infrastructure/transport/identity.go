// Package transport binds registry identities to TLS. A peer presents a
// self-signed certificate over its ed25519 key; the public key is the
// identity, the TLS handshake proves possession of the private key.
package transport

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"math/big"
	"time"

	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/peer"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

var (
	ErrNoPeerCertificate = errors.New("transport: peer presented no certificate")
	ErrNotEd25519        = errors.New("transport: peer key is not ed25519")
	ErrUnexpectedPeer    = errors.New("transport: unexpected peer identity")
)

const certValidity = 10 * 365 * 24 * time.Hour

// Certificate issues a self-signed certificate for kp.
func Certificate(kp id.KeyPair) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: serial: %w", err)
	}
	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: kp.Public.String()},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, kp.Private.Public(), kp.Private)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("transport: certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: kp.Private}, nil
}

// KeyFromRaw extracts the identity from the leaf of a raw certificate chain.
func KeyFromRaw(rawCerts [][]byte) (id.Key, error) {
	if len(rawCerts) == 0 {
		return id.Zero, ErrNoPeerCertificate
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return id.Zero, fmt.Errorf("transport: parse certificate: %w", err)
	}
	return KeyFromCertificate(cert)
}

// KeyFromCertificate returns the ed25519 public key of cert as an identity.
func KeyFromCertificate(cert *x509.Certificate) (id.Key, error) {
	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return id.Zero, ErrNotEd25519
	}
	return id.FromBytes(pub)
}

// PeerKey returns the identity of the gRPC peer on ctx.
func PeerKey(ctx context.Context) (id.Key, error) {
	p, ok := peer.FromContext(ctx)
	if !ok {
		return id.Zero, ErrNoPeerCertificate
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return id.Zero, ErrNoPeerCertificate
	}
	return KeyFromCertificate(info.State.PeerCertificates[0])
}

// ServerTLS requires every client to present an identity and runs admit on
// it during the handshake, so a rejected peer never gets a session.
func ServerTLS(kp id.KeyPair, admit func(id.Key) error) (*tls.Config, error) {
	cert, err := Certificate(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			key, err := KeyFromRaw(rawCerts)
			if err != nil {
				return err
			}
			if admit == nil {
				return nil
			}
			return admit(key)
		},
	}, nil
}

// ClientTLS presents kp and, when expected is set, accepts only a server
// holding that identity. Certificates are self-signed, so chain
// verification is replaced by the identity check.
func ClientTLS(kp id.KeyPair, expected *id.Key) (*tls.Config, error) {
	cert, err := Certificate(kp)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{"h2"},
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			key, err := KeyFromRaw(rawCerts)
			if err != nil {
				return err
			}
			if expected != nil && key != *expected {
				return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedPeer, key.Short(), expected.Short())
			}
			return nil
		},
	}, nil
}
