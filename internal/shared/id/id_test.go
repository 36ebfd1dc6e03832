package id

import (
	"bytes"
	"crypto/ed25519"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "lowercase hex", input: strings.Repeat("a", 64)},
		{name: "uppercase hex", input: strings.Repeat("B", 64)},
		{name: "surrounding whitespace", input: "  " + strings.Repeat("c", 64) + "\n"},
		{name: "too short", input: strings.Repeat("a", 62), wantErr: true},
		{name: "too long", input: strings.Repeat("a", 66), wantErr: true},
		{name: "not hex", input: strings.Repeat("z", 64), wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Decode(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidKey)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strings.ToLower(strings.TrimSpace(tt.input)), k.String())
		})
	}
}

func TestNormalize(t *testing.T) {
	got, err := Normalize(strings.Repeat("AB", 32))
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("ab", 32), got)
}

func TestFromBytes(t *testing.T) {
	_, err := FromBytes(make([]byte, 31))
	assert.ErrorIs(t, err, ErrInvalidKey)

	raw := bytes.Repeat([]byte{7}, Size)
	k, err := FromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, k.Bytes())

	// Bytes must not alias the key
	b := k.Bytes()
	b[0] = 0
	assert.Equal(t, byte(7), k[0])
}

func TestTextRoundTrip(t *testing.T) {
	k := MustDecode(strings.Repeat("0f", 32))

	text, err := k.MarshalText()
	require.NoError(t, err)

	var back Key
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, k, back)
	assert.False(t, back.IsZero())
	assert.True(t, Zero.IsZero())
}

func TestKeyPairFromSeed(t *testing.T) {
	seed := bytes.Repeat([]byte{0xbb}, 32)

	a, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeyPairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.Public, b.Public, "same seed must give the same identity")
	assert.Equal(t, []byte(a.Private.Public().(ed25519.PublicKey)), a.Public.Bytes())

	_, err = KeyPairFromSeed(seed[:16])
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDecodeSeed(t *testing.T) {
	kp, err := DecodeSeed(strings.Repeat("bb", 32))
	require.NoError(t, err)

	direct, err := KeyPairFromSeed(bytes.Repeat([]byte{0xbb}, 32))
	require.NoError(t, err)
	assert.Equal(t, direct.Public, kp.Public)

	_, err = DecodeSeed("nothex")
	assert.ErrorIs(t, err, ErrInvalidSeed)
}

func TestDiscoveryKey(t *testing.T) {
	a := MustDecode(strings.Repeat("a", 64))
	b := MustDecode(strings.Repeat("b", 64))

	assert.Equal(t, DiscoveryKey(a), DiscoveryKey(a))
	assert.NotEqual(t, DiscoveryKey(a), DiscoveryKey(b))
	assert.NotEqual(t, a, DiscoveryKey(a))
}
