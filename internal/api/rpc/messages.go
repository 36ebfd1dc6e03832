package rpc

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// ErrBadRequest marks requests that do not decode.
var ErrBadRequest = errors.New("rpc: bad request")

// Encoding converts a message to and from its wire bytes.
type Encoding[T any] struct {
	Encode func(T) []byte
	Decode func([]byte) (T, error)
}

// PutServiceRequest registers PublicKey under ServiceName.
type PutServiceRequest struct {
	PublicKey   id.Key
	ServiceName string
}

// DeleteServiceRequest removes the registration of PublicKey.
type DeleteServiceRequest struct {
	PublicKey id.Key
}

// Empty is the response of every mutation.
type Empty struct{}

const (
	fieldPublicKey   protowire.Number = 1
	fieldServiceName protowire.Number = 2
)

var PutServiceEncoding = Encoding[PutServiceRequest]{
	Encode: func(r PutServiceRequest) []byte {
		b := protowire.AppendTag(nil, fieldPublicKey, protowire.BytesType)
		b = protowire.AppendBytes(b, r.PublicKey[:])
		b = protowire.AppendTag(b, fieldServiceName, protowire.BytesType)
		return protowire.AppendString(b, r.ServiceName)
	},
	Decode: func(b []byte) (PutServiceRequest, error) {
		var r PutServiceRequest
		var hasKey bool
		err := walk(b, func(num protowire.Number, v []byte) error {
			switch num {
			case fieldPublicKey:
				k, err := id.FromBytes(v)
				if err != nil {
					return err
				}
				r.PublicKey, hasKey = k, true
			case fieldServiceName:
				r.ServiceName = string(v)
			}
			return nil
		})
		if err != nil {
			return r, err
		}
		if !hasKey {
			return r, fmt.Errorf("%w: missing publicKey", ErrBadRequest)
		}
		return r, nil
	},
}

var DeleteServiceEncoding = Encoding[DeleteServiceRequest]{
	Encode: func(r DeleteServiceRequest) []byte {
		b := protowire.AppendTag(nil, fieldPublicKey, protowire.BytesType)
		return protowire.AppendBytes(b, r.PublicKey[:])
	},
	Decode: func(b []byte) (DeleteServiceRequest, error) {
		var r DeleteServiceRequest
		var hasKey bool
		err := walk(b, func(num protowire.Number, v []byte) error {
			if num == fieldPublicKey {
				k, err := id.FromBytes(v)
				if err != nil {
					return err
				}
				r.PublicKey, hasKey = k, true
			}
			return nil
		})
		if err != nil {
			return r, err
		}
		if !hasKey {
			return r, fmt.Errorf("%w: missing publicKey", ErrBadRequest)
		}
		return r, nil
	},
}

var EmptyEncoding = Encoding[Empty]{
	Encode: func(Empty) []byte { return nil },
	Decode: func([]byte) (Empty, error) { return Empty{}, nil },
}

// walk calls fn for every length-delimited field of b and skips the rest.
func walk(b []byte, fn func(protowire.Number, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadRequest, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrBadRequest, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadRequest, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, v); err != nil {
			return fmt.Errorf("%w: field %d: %v", ErrBadRequest, num, err)
		}
	}
	return nil
}
