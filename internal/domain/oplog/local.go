package oplog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const (
	// DefaultBatchSize bounds the records handed to one ApplyFunc call.
	DefaultBatchSize = 64

	retryMin = 50 * time.Millisecond
	retryMax = 5 * time.Second
)

// key families
const (
	prefixRecord = 'l' // l + seq -> writer key + encoded operation
	prefixWriter = 'w' // w + key -> flags
)

var (
	metaLogKey  = []byte("m/key")
	metaApplied = []byte("m/applied")
)

const writerIndexer = 1

// LocalOptions configures a Local log.
type LocalOptions struct {
	// Local is the key appends are attributed to. It becomes the first
	// writer of a new log.
	Local     id.Key
	BatchSize int
	Logger    *zap.Logger
}

// Local is a durable log with a single local writer. Records are stored in
// pebble and delivered by one goroutine, so every ApplyFunc call sees
// records strictly in sequence order.
type Local struct {
	db     *pebble.DB
	key    id.Key
	local  id.Key
	batch  int
	logger *zap.Logger

	appendMu sync.Mutex
	length   uint64 // guarded by appendMu

	applied atomic.Uint64
	wake    chan struct{}

	waitMu   sync.Mutex
	advanced chan struct{}

	lifeMu  sync.Mutex
	started atomic.Bool
	closed  atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// OpenLocal opens (or creates) the log stored in dir.
func OpenLocal(dir string, opts LocalOptions) (*Local, error) {
	if opts.Local.IsZero() {
		return nil, errors.New("oplog: local key required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("oplog")
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	db, err := pebble.Open(dir, &pebble.Options{Logger: logger.Sugar()})
	if err != nil {
		return nil, fmt.Errorf("oplog: open %s: %w", dir, err)
	}

	l := &Local{
		db:       db,
		local:    opts.Local,
		batch:    opts.BatchSize,
		logger:   logger,
		wake:     make(chan struct{}, 1),
		advanced: make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := l.load(); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Log opened",
		zap.String("dir", dir),
		zap.String("key", l.key.String()),
		zap.Uint64("length", l.length),
		zap.Uint64("applied", l.applied.Load()))
	return l, nil
}

// load restores the log key, length and applied cursor, bootstrapping a new
// log with the local key as its first writer.
func (l *Local) load() error {
	val, closer, err := l.db.Get(metaLogKey)
	switch {
	case err == nil:
		l.key, err = id.FromBytes(val)
		closer.Close()
		if err != nil {
			return fmt.Errorf("oplog: stored key: %w", err)
		}
	case errors.Is(err, pebble.ErrNotFound):
		if l.key, err = id.Random(); err != nil {
			return err
		}
		b := l.db.NewBatch()
		defer b.Close()
		if err := b.Set(metaLogKey, l.key[:], nil); err != nil {
			return err
		}
		if err := b.Set(writerKey(l.local), []byte{writerIndexer}, nil); err != nil {
			return err
		}
		if err := b.Commit(pebble.Sync); err != nil {
			return fmt.Errorf("oplog: bootstrap: %w", err)
		}
	default:
		return fmt.Errorf("oplog: read key: %w", err)
	}

	val, closer, err = l.db.Get(metaApplied)
	switch {
	case err == nil:
		if len(val) == 8 {
			l.applied.Store(binary.BigEndian.Uint64(val))
		}
		closer.Close()
	case !errors.Is(err, pebble.ErrNotFound):
		return fmt.Errorf("oplog: read cursor: %w", err)
	}

	lower := []byte{prefixRecord}
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: []byte{prefixRecord + 1}})
	if err != nil {
		return fmt.Errorf("oplog: scan: %w", err)
	}
	defer it.Close()
	if it.Last() {
		l.length = binary.BigEndian.Uint64(it.Key()[1:])
	}
	return it.Error()
}

func recordKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixRecord}, seq)
}

func writerKey(k id.Key) []byte {
	return append([]byte{prefixWriter}, k[:]...)
}

// Key identifies the log.
func (l *Local) Key() id.Key { return l.key }

// DiscoveryKey is the topic under which the log is announced.
func (l *Local) DiscoveryKey() id.Key { return id.DiscoveryKey(l.key) }

// Length returns the number of appended records.
func (l *Local) Length() uint64 {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	return l.length
}

// Append durably stores o and wakes the delivery loop.
func (l *Local) Append(ctx context.Context, o op.Operation) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if l.closed.Load() {
		return 0, ErrClosed
	}

	ok, err := l.isWriter(l.local)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, ErrNotWriter
	}

	seq := l.length + 1
	val := append(l.local.Bytes(), op.Marshal(o)...)
	if err := l.db.Set(recordKey(seq), val, pebble.Sync); err != nil {
		return 0, fmt.Errorf("oplog: append: %w", err)
	}
	l.length = seq

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return seq, nil
}

// Start launches the delivery goroutine. Records appended before the last
// shutdown but not yet applied are delivered first.
func (l *Local) Start(ctx context.Context, fn ApplyFunc) error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.closed.Load() {
		return ErrClosed
	}
	if !l.started.CompareAndSwap(false, true) {
		return ErrStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	select {
	case l.wake <- struct{}{}:
	default:
	}

	go func() {
		defer close(l.done)
		l.run(runCtx, fn)
	}()
	return nil
}

func (l *Local) run(ctx context.Context, fn ApplyFunc) {
	backoff := retryMin
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}

		for {
			n, err := l.deliver(ctx, fn)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.logger.Error("Apply failed, retrying",
					zap.Error(err),
					zap.Uint64("applied", l.applied.Load()),
					zap.Duration("backoff", backoff))
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, retryMax)
				continue
			}
			backoff = retryMin
			if n == 0 {
				break
			}
		}
	}
}

// deliver hands the next batch to fn and advances the cursor.
func (l *Local) deliver(ctx context.Context, fn ApplyFunc) (int, error) {
	from := l.applied.Load() + 1
	nodes, err := l.read(from, l.batch)
	if err != nil || len(nodes) == 0 {
		return 0, err
	}

	if err := fn(ctx, nodes, l); err != nil {
		return 0, err
	}

	last := nodes[len(nodes)-1].Seq
	if err := l.db.Set(metaApplied, binary.BigEndian.AppendUint64(nil, last), pebble.Sync); err != nil {
		return 0, fmt.Errorf("oplog: advance cursor: %w", err)
	}
	l.applied.Store(last)

	l.waitMu.Lock()
	close(l.advanced)
	l.advanced = make(chan struct{})
	l.waitMu.Unlock()

	return len(nodes), nil
}

func (l *Local) read(from uint64, limit int) ([]Node, error) {
	it, err := l.db.NewIter(&pebble.IterOptions{
		LowerBound: recordKey(from),
		UpperBound: []byte{prefixRecord + 1},
	})
	if err != nil {
		return nil, fmt.Errorf("oplog: read: %w", err)
	}
	defer it.Close()

	var nodes []Node
	for it.First(); it.Valid() && len(nodes) < limit; it.Next() {
		val := it.Value()
		if len(val) < id.Size {
			return nil, fmt.Errorf("oplog: short record %x", it.Key())
		}
		from, _ := id.FromBytes(val[:id.Size])
		nodes = append(nodes, Node{
			Seq:   binary.BigEndian.Uint64(it.Key()[1:]),
			From:  from,
			Value: append([]byte(nil), val[id.Size:]...),
		})
	}
	return nodes, it.Error()
}

// Applied returns the highest applied sequence.
func (l *Local) Applied() uint64 { return l.applied.Load() }

// WaitApplied blocks until seq has been applied or ctx is done.
func (l *Local) WaitApplied(ctx context.Context, seq uint64) error {
	if !l.started.Load() {
		return ErrNotStarted
	}
	for {
		l.waitMu.Lock()
		advanced := l.advanced
		l.waitMu.Unlock()

		if l.applied.Load() >= seq {
			return nil
		}
		select {
		case <-advanced:
		case <-l.done:
			if l.applied.Load() >= seq {
				return nil
			}
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ============================================================================
// Writers
// ============================================================================

// AddWriter admits key to the writer set. Adding an existing writer updates
// its options.
func (l *Local) AddWriter(_ context.Context, key id.Key, opts WriterOptions) error {
	var flags byte
	if opts.Indexer {
		flags |= writerIndexer
	}
	if err := l.db.Set(writerKey(key), []byte{flags}, pebble.Sync); err != nil {
		return fmt.Errorf("oplog: add writer %s: %w", key.Short(), err)
	}
	l.logger.Info("Writer added", zap.String("key", key.String()), zap.Bool("indexer", opts.Indexer))
	return nil
}

// RemoveWriter revokes key. Removing a non-writer is a no-op.
func (l *Local) RemoveWriter(_ context.Context, key id.Key) error {
	if err := l.db.Delete(writerKey(key), pebble.Sync); err != nil {
		return fmt.Errorf("oplog: remove writer %s: %w", key.Short(), err)
	}
	l.logger.Info("Writer removed", zap.String("key", key.String()))
	return nil
}

// Writers lists the writer set in key order.
func (l *Local) Writers() ([]Writer, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	lower := []byte{prefixWriter}
	it, err := l.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: []byte{prefixWriter + 1}})
	if err != nil {
		return nil, fmt.Errorf("oplog: writers: %w", err)
	}
	defer it.Close()

	var out []Writer
	for it.First(); it.Valid(); it.Next() {
		k, err := id.FromBytes(it.Key()[1:])
		if err != nil {
			return nil, err
		}
		v := it.Value()
		out = append(out, Writer{Key: k, Indexer: len(v) > 0 && v[0]&writerIndexer != 0})
	}
	return out, it.Error()
}

func (l *Local) isWriter(key id.Key) (bool, error) {
	_, closer, err := l.db.Get(writerKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("oplog: lookup writer: %w", err)
	}
	closer.Close()
	return true, nil
}

// Close stops delivery, waits for the in-progress batch and closes the
// database.
func (l *Local) Close() error {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if l.started.Load() {
		l.cancel()
		<-l.done
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	if err := l.db.Close(); err != nil {
		return fmt.Errorf("oplog: close: %w", err)
	}
	return nil
}

var _ Log = (*Local)(nil)
var _ Host = (*Local)(nil)
