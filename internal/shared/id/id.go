// Package id provides the fixed-size peer identities used across the registry.
//
// Every participant (log writer, registered service, RPC caller) is named by a
// 32-byte ed25519 public key. Textual forms are decoded and normalized here,
// at the edges of the system, so the core only ever handles Key values.
//
// Design Principles:
//   - Fixed size: Key is a comparable array, usable as a map key
//   - Boundary decoding: hex strings never travel past the API layer
//   - Deterministic derivation: seeds map to the same key pair everywhere
package id

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Size is the byte length of every identity.
const Size = 32

var (
	ErrInvalidKey  = errors.New("invalid identity key")
	ErrInvalidSeed = errors.New("invalid identity seed")
)

// ============================================================================
// Identity Keys
// ============================================================================

// Key identifies a peer, a log writer or a registered service.
type Key [Size]byte

// Zero is the absent key.
var Zero Key

// FromBytes copies b into a Key.
func FromBytes(b []byte) (Key, error) {
	var k Key
	if len(b) != Size {
		return k, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Decode parses a hex encoded key. Surrounding whitespace and case are ignored.
func Decode(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if len(s) != Size*2 {
		return Zero, fmt.Errorf("%w: want %d hex characters, got %d", ErrInvalidKey, Size*2, len(s))
	}
	raw, err := hex.DecodeString(strings.ToLower(s))
	if err != nil {
		return Zero, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return FromBytes(raw)
}

// MustDecode is Decode for constants and tests.
func MustDecode(s string) Key {
	k, err := Decode(s)
	if err != nil {
		panic(err)
	}
	return k
}

// Normalize returns the canonical lowercase hex form of s.
func Normalize(s string) (string, error) {
	k, err := Decode(s)
	if err != nil {
		return "", err
	}
	return k.String(), nil
}

// String returns the canonical hex form
func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Short returns an abbreviated form for log lines.
func (k Key) Short() string { return hex.EncodeToString(k[:4]) }

// Bytes returns a copy of the key bytes.
func (k Key) Bytes() []byte {
	b := make([]byte, Size)
	copy(b, k[:])
	return b
}

// IsZero reports whether k is the absent key.
func (k Key) IsZero() bool { return k == Zero }

// MarshalText implements encoding.TextMarshaler.
func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Key) UnmarshalText(text []byte) error {
	parsed, err := Decode(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ============================================================================
// Key Pairs and Derived Keys
// ============================================================================

// KeyPair is an ed25519 signing identity.
type KeyPair struct {
	Public  Key
	Private ed25519.PrivateKey
}

// KeyPairFromSeed deterministically derives a key pair. The same seed always
// yields the same public identity, which is how access seeds grant RPC rights.
func KeyPairFromSeed(seed []byte) (KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return KeyPair{}, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSeed, ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, _ := FromBytes(priv.Public().(ed25519.PublicKey))
	return KeyPair{Public: pub, Private: priv}, nil
}

// DecodeSeed parses a hex encoded seed and derives its key pair.
func DecodeSeed(s string) (KeyPair, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidSeed, err)
	}
	return KeyPairFromSeed(raw)
}

// NewSeed returns a fresh random seed.
func NewSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return seed, nil
}

// Random returns a random key. Used for storage identities that only need
// to be unique.
func Random() (Key, error) {
	var k Key
	if _, err := rand.Read(k[:]); err != nil {
		return Zero, err
	}
	return k, nil
}

var discoveryNamespace = []byte("rpc-discovery")

// DiscoveryKey derives the public topic under which k is announced. Peers can
// find a log or view through it without learning k itself.
func DiscoveryKey(k Key) Key {
	h, _ := blake2b.New256(k[:])
	h.Write(discoveryNamespace)
	var out Key
	copy(out[:], h.Sum(nil))
	return out
}
