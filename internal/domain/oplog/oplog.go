// Package oplog defines the ordered operation log the registry replicates
// through, and a single-writer durable implementation of it.
//
// A log accepts appends from its writers and delivers every appended record,
// in one order identical on all replicas, to a single ApplyFunc. Delivery is
// at-least-once: after a crash the records past the last successful apply are
// delivered again, so the ApplyFunc must be idempotent.
package oplog

import (
	"context"
	"errors"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

var (
	ErrClosed     = errors.New("oplog: closed")
	ErrNotWriter  = errors.New("oplog: local key is not a writer")
	ErrStarted    = errors.New("oplog: already started")
	ErrNotStarted = errors.New("oplog: not started")
)

// Node is one delivered record.
type Node struct {
	Seq   uint64
	From  id.Key
	Value []byte
}

// WriterOptions describe a writer's role.
type WriterOptions struct {
	// Indexer writers take part in ordering the log.
	Indexer bool
}

// Writer is a member of the writer set.
type Writer struct {
	Key     id.Key `json:"key"`
	Indexer bool   `json:"indexer"`
}

// Host is the membership surface handed to an ApplyFunc.
type Host interface {
	AddWriter(ctx context.Context, key id.Key, opts WriterOptions) error
	RemoveWriter(ctx context.Context, key id.Key) error
}

// ApplyFunc consumes the next batch of records in log order. An error leaves
// the batch undelivered; it is offered again later.
type ApplyFunc func(ctx context.Context, nodes []Node, host Host) error

// Log is the ordered log contract the registry depends on.
type Log interface {
	// Append adds o to the log and returns its sequence number.
	Append(ctx context.Context, o op.Operation) (uint64, error)
	// Start begins delivery to fn. It may be called once.
	Start(ctx context.Context, fn ApplyFunc) error
	// Applied returns the highest sequence fn has applied.
	Applied() uint64
	// WaitApplied blocks until seq has been applied.
	WaitApplied(ctx context.Context, seq uint64) error
	Writers() ([]Writer, error)
	Key() id.Key
	DiscoveryKey() id.Key
	Close() error
}
