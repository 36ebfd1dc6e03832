package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func keyPair(t *testing.T) id.KeyPair {
	t.Helper()
	seed, err := id.NewSeed()
	require.NoError(t, err)
	kp, err := id.KeyPairFromSeed(seed)
	require.NoError(t, err)
	return kp
}

func TestCertificateCarriesIdentity(t *testing.T) {
	kp := keyPair(t)
	cert, err := Certificate(kp)
	require.NoError(t, err)

	key, err := KeyFromRaw(cert.Certificate)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, key)

	_, err = KeyFromRaw(nil)
	assert.ErrorIs(t, err, ErrNoPeerCertificate)
}

// listen serves TLS with the given config and completes handshakes.
func listen(t *testing.T, cfg *tls.Config) (string, <-chan id.Key) {
	t.Helper()
	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	peers := make(chan id.Key, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				tc := conn.(*tls.Conn)
				if err := tc.Handshake(); err != nil {
					return
				}
				if k, err := KeyFromCertificate(tc.ConnectionState().PeerCertificates[0]); err == nil {
					peers <- k
				}
				_, _ = conn.Read(make([]byte, 1))
			}()
		}
	}()
	return ln.Addr().String(), peers
}

func TestDialerVerifiesBothEnds(t *testing.T) {
	server, client := keyPair(t), keyPair(t)

	cfg, err := ServerTLS(server, allowOnly(client.Public))
	require.NoError(t, err)
	addr, peers := listen(t, cfg)

	book := NewAddressBook(map[id.Key]string{server.Public: addr})
	d := NewDialer(client, book, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := d.Dial(ctx, server.Public)
	require.NoError(t, err)
	defer conn.Close()

	select {
	case k := <-peers:
		assert.Equal(t, client.Public, k)
	case <-ctx.Done():
		t.Fatal("server never saw the client identity")
	}
}

func TestDialerRejectsWrongIdentity(t *testing.T) {
	server, client, impostor := keyPair(t), keyPair(t), keyPair(t)

	cfg, err := ServerTLS(impostor, nil)
	require.NoError(t, err)
	addr, _ := listen(t, cfg)

	d := NewDialer(client, NewAddressBook(map[id.Key]string{server.Public: addr}), nil)
	_, err = d.Dial(context.Background(), server.Public)
	assert.ErrorIs(t, err, ErrUnexpectedPeer)
}

func TestServerRejectsUnknownClient(t *testing.T) {
	server, client := keyPair(t), keyPair(t)

	errDenied := errors.New("denied")
	cfg, err := ServerTLS(server, func(id.Key) error { return errDenied })
	require.NoError(t, err)
	addr, peers := listen(t, cfg)

	d := NewDialer(client, NewAddressBook(map[id.Key]string{server.Public: addr}), nil)
	conn, err := d.Dial(context.Background(), server.Public)
	if err == nil {
		// TLS 1.3 reports the server's verdict on the first read
		nc := conn.(net.Conn)
		_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = nc.Read(make([]byte, 1))
		conn.Close()
	}
	assert.Error(t, err)
	assert.Empty(t, peers)
}

func TestDialUnknownAddress(t *testing.T) {
	d := NewDialer(keyPair(t), NewAddressBook(nil), nil)
	_, err := d.Dial(context.Background(), keyPair(t).Public)
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestAddressBook(t *testing.T) {
	k := keyPair(t).Public
	b := NewAddressBook(nil)

	b.Set(k, "127.0.0.1:9000")
	addr, err := b.Resolve(k)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", addr)
	assert.Equal(t, 1, b.Len())

	b.Set(k, "")
	_, err = b.Resolve(k)
	assert.ErrorIs(t, err, ErrNoAddress)
}

// allowOnly admits exactly keys.
func allowOnly(keys ...id.Key) func(id.Key) error {
	return func(k id.Key) error {
		for _, a := range keys {
			if a == k {
				return nil
			}
		}
		return errors.New("not allowed")
	}
}
