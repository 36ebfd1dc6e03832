package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// ErrNoAddress is returned when an identity has no known address.
var ErrNoAddress = errors.New("transport: no address for identity")

// AddressBook maps identities to network addresses.
type AddressBook struct {
	mu    sync.RWMutex
	addrs map[id.Key]string
}

// NewAddressBook creates a book from entries.
func NewAddressBook(entries map[id.Key]string) *AddressBook {
	b := &AddressBook{addrs: make(map[id.Key]string, len(entries))}
	for k, a := range entries {
		b.addrs[k] = a
	}
	return b
}

// Set records addr for key; an empty addr forgets it.
func (b *AddressBook) Set(key id.Key, addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if addr == "" {
		delete(b.addrs, key)
		return
	}
	b.addrs[key] = addr
}

// Resolve returns the address of key.
func (b *AddressBook) Resolve(key id.Key) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addrs[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoAddress, key.Short())
	}
	return addr, nil
}

// Len returns the number of known identities.
func (b *AddressBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.addrs)
}

// Dialer opens TLS connections to identities and checks that the remote end
// holds the identity it was dialed for.
type Dialer struct {
	local  id.KeyPair
	book   *AddressBook
	logger *zap.Logger
	// KeepAlive configures the underlying TCP dialer.
	KeepAlive time.Duration
}

// NewDialer creates a dialer presenting local.
func NewDialer(local id.KeyPair, book *AddressBook, logger *zap.Logger) *Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{
		local:     local,
		book:      book,
		logger:    logger.Named("dialer"),
		KeepAlive: 30 * time.Second,
	}
}

// Dial connects to key. The handshake completes before Dial returns.
func (d *Dialer) Dial(ctx context.Context, key id.Key) (io.Closer, error) {
	addr, err := d.book.Resolve(key)
	if err != nil {
		return nil, err
	}
	cfg, err := ClientTLS(d.local, &key)
	if err != nil {
		return nil, err
	}

	td := &tls.Dialer{
		NetDialer: &net.Dialer{KeepAlive: d.KeepAlive},
		Config:    cfg,
	}
	conn, err := td.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s at %s: %w", key.Short(), addr, err)
	}
	d.logger.Debug("Connected", zap.String("key", key.Short()), zap.String("addr", addr))
	return conn, nil
}
