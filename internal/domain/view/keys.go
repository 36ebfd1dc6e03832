package view

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Key families. One byte each so collections never interleave.
const (
	prefixEntry = 'e' // e + publicKey -> entry value
	prefixIndex = 's' // s + uvarint(len(name)) + name + seq + publicKey -> nil
	prefixMeta  = 'm'
)

var (
	metaViewKey = []byte{prefixMeta, 'k', 'e', 'y'}
	metaSeqKey  = []byte{prefixMeta, 's', 'e', 'q'}
)

func entryKey(k id.Key) []byte {
	key := make([]byte, 0, 1+id.Size)
	key = append(key, prefixEntry)
	return append(key, k[:]...)
}

// indexPrefix is length-prefixed so that no name is a key prefix of another.
func indexPrefix(name string) []byte {
	key := make([]byte, 0, 1+binary.MaxVarintLen64+len(name)+id.Size)
	key = append(key, prefixIndex)
	key = binary.AppendUvarint(key, uint64(len(name)))
	return append(key, name...)
}

// indexKey orders entries of one service by insertion sequence.
func indexKey(name string, seq uint64, k id.Key) []byte {
	key := binary.BigEndian.AppendUint64(indexPrefix(name), seq)
	return append(key, k[:]...)
}

func keyFromIndex(key []byte) (id.Key, error) {
	if len(key) < id.Size {
		return id.Zero, fmt.Errorf("view: short index key")
	}
	return id.FromBytes(key[len(key)-id.Size:])
}

// upperBound returns the smallest key greater than every key with prefix p.
func upperBound(p []byte) []byte {
	end := append([]byte(nil), p...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Stored entry value: field 1 = service name, field 2 = insertion sequence.
const (
	fieldServiceName protowire.Number = 1
	fieldSeq         protowire.Number = 2
)

type storedEntry struct {
	ServiceEntry
	seq uint64
}

func marshalEntry(e storedEntry) []byte {
	b := protowire.AppendTag(nil, fieldServiceName, protowire.BytesType)
	b = protowire.AppendString(b, e.ServiceName)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	return protowire.AppendVarint(b, e.seq)
}

func unmarshalEntry(k id.Key, b []byte) (storedEntry, error) {
	e := storedEntry{ServiceEntry: ServiceEntry{PublicKey: k}}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return e, fmt.Errorf("view: corrupt entry %s: %w", k.Short(), protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldServiceName && typ == protowire.BytesType {
			name, n := protowire.ConsumeString(b)
			if n < 0 {
				return e, fmt.Errorf("view: corrupt entry %s: %w", k.Short(), protowire.ParseError(n))
			}
			e.ServiceName = name
			b = b[n:]
			continue
		}
		if num == fieldSeq && typ == protowire.VarintType {
			seq, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return e, fmt.Errorf("view: corrupt entry %s: %w", k.Short(), protowire.ParseError(n))
			}
			e.seq = seq
			b = b[n:]
			continue
		}
		// fields written by newer versions
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return e, fmt.Errorf("view: corrupt entry %s: %w", k.Short(), protowire.ParseError(n))
		}
		b = b[n:]
	}
	return e, nil
}
