package rpc

import "fmt"

// Frame carries an already encoded message through gRPC.
type Frame struct {
	Data []byte
}

// rawCodec passes frames through untouched; messages are encoded by the
// method's Encoding, not by gRPC.
type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*Frame)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", v)
	}
	return f.Data, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*Frame)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", v)
	}
	f.Data = append(f.Data[:0], data...)
	return nil
}

func (rawCodec) Name() string { return "raw" }
