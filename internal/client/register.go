package client

import (
	"context"
	"fmt"

	"github.com/GriffinCanCode/rpc-discovery/internal/api/rpc"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Register publishes and withdraws registrations over RPC. The access seed
// decides the identity it presents; the server only admits identities in its
// allow-set.
type Register struct {
	identity id.KeyPair
	rpc      *rpc.Client
}

// NewRegister dials the registry at addr. server pins the registry's RPC
// public key; a nil server accepts any.
func NewRegister(addr, accessSeed string, server *id.Key) (*Register, error) {
	kp, err := id.DecodeSeed(accessSeed)
	if err != nil {
		return nil, err
	}
	c, err := rpc.Dial(addr, kp, server)
	if err != nil {
		return nil, fmt.Errorf("dial registry: %w", err)
	}
	return &Register{identity: kp, rpc: c}, nil
}

// PublicKey is the identity this client presents.
func (r *Register) PublicKey() id.Key {
	return r.identity.Public
}

// PutService registers key under service.
func (r *Register) PutService(ctx context.Context, key id.Key, service string) error {
	return r.rpc.PutService(ctx, key, service)
}

// DeleteService withdraws the registration of key.
func (r *Register) DeleteService(ctx context.Context, key id.Key) error {
	return r.rpc.DeleteService(ctx, key)
}

// Close releases the connection.
func (r *Register) Close() error {
	return r.rpc.Close()
}
