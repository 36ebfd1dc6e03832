package op

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// MaxNameLength bounds service names in bytes.
const MaxNameLength = 256

// presence flags, written right after the kind
const (
	flagWriterKey   = 1 << 0
	flagServiceKey  = 1 << 1
	flagServiceName = 1 << 2
)

var (
	ErrMalformed   = errors.New("malformed operation")
	ErrInvalidName = errors.New("invalid service name")
)

// ValidateName checks a service name before it is appended to the log.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty", ErrInvalidName)
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, MaxNameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: not utf-8", ErrInvalidName)
	}
	return nil
}

// Marshal encodes o as varint kind, varint flags, then the present fields in
// flag order. Keys are written as raw 32 bytes, the name length-prefixed.
func Marshal(o Operation) []byte {
	var flags uint64
	if o.WriterKey != nil {
		flags |= flagWriterKey
	}
	if o.ServiceKey != nil {
		flags |= flagServiceKey
	}
	if o.ServiceName != nil {
		flags |= flagServiceName
	}

	b := make([]byte, 0, 2+2*id.Size+8)
	b = protowire.AppendVarint(b, uint64(o.Kind))
	b = protowire.AppendVarint(b, flags)
	if o.WriterKey != nil {
		b = append(b, o.WriterKey[:]...)
	}
	if o.ServiceKey != nil {
		b = append(b, o.ServiceKey[:]...)
	}
	if o.ServiceName != nil {
		b = protowire.AppendString(b, *o.ServiceName)
	}
	return b
}

// Unmarshal decodes a record produced by Marshal. Unknown kinds are accepted;
// unknown flag bits, truncation and trailing bytes are not.
func Unmarshal(b []byte) (Operation, error) {
	var o Operation

	kind, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return o, fmt.Errorf("%w: kind: %v", ErrMalformed, protowire.ParseError(n))
	}
	b = b[n:]
	o.Kind = Kind(kind)

	flags, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return o, fmt.Errorf("%w: flags: %v", ErrMalformed, protowire.ParseError(n))
	}
	b = b[n:]
	if flags&^uint64(flagWriterKey|flagServiceKey|flagServiceName) != 0 {
		return o, fmt.Errorf("%w: unknown flags %#x", ErrMalformed, flags)
	}

	if flags&flagWriterKey != 0 {
		k, rest, err := consumeKey(b)
		if err != nil {
			return o, fmt.Errorf("%w: writer key: %v", ErrMalformed, err)
		}
		o.WriterKey, b = &k, rest
	}
	if flags&flagServiceKey != 0 {
		k, rest, err := consumeKey(b)
		if err != nil {
			return o, fmt.Errorf("%w: service key: %v", ErrMalformed, err)
		}
		o.ServiceKey, b = &k, rest
	}
	if flags&flagServiceName != 0 {
		name, n := protowire.ConsumeString(b)
		if n < 0 {
			return o, fmt.Errorf("%w: service name: %v", ErrMalformed, protowire.ParseError(n))
		}
		if len(name) > MaxNameLength {
			return o, fmt.Errorf("%w: service name longer than %d bytes", ErrMalformed, MaxNameLength)
		}
		o.ServiceName, b = &name, b[n:]
	}

	if len(b) != 0 {
		return o, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(b))
	}
	return o, nil
}

func consumeKey(b []byte) (id.Key, []byte, error) {
	if len(b) < id.Size {
		return id.Zero, nil, fmt.Errorf("need %d bytes, have %d", id.Size, len(b))
	}
	k, err := id.FromBytes(b[:id.Size])
	return k, b[id.Size:], err
}
