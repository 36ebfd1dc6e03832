// Package view is the materialized registry directory. Entries live in a
// primary collection keyed by public key, with a non-unique secondary index
// on (service name, insertion order).
package view

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const (
	// DefaultMaxParallel bounds the transactions opened between two flushes.
	DefaultMaxParallel = 256
	// DefaultLimit applies to range queries called with limit <= 0.
	DefaultLimit = 100
)

// ServiceEntry is one published registration.
type ServiceEntry struct {
	PublicKey   id.Key `json:"publicKey"`
	ServiceName string `json:"serviceName"`
}

// ChangeType tells inserts from deletes in the change feed.
type ChangeType int

const (
	ChangeInsert ChangeType = iota
	ChangeDelete
)

func (c ChangeType) String() string {
	if c == ChangeDelete {
		return "delete"
	}
	return "insert"
}

// Change is a committed mutation of the view.
type Change struct {
	Type  ChangeType
	Entry ServiceEntry
}

// Options configures a Store.
type Options struct {
	MaxParallel int
	Logger      *zap.Logger
	// OnFlush is called after every flush attempt with the number of
	// changes committed.
	OnFlush func(changes int, err error)
}

// Store is the pebble backed view.
type Store struct {
	db     *pebble.DB
	lock   *TxLock
	key    id.Key
	logger *zap.Logger
	opts   Options

	watchMu  sync.RWMutex
	watchers map[uint64]func(Change)
	nextID   uint64

	closeOnce sync.Once
	closeErr  error
}

// Open opens (or creates) the view stored in dir.
func Open(dir string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("view")

	db, err := pebble.Open(dir, &pebble.Options{Logger: logger.Sugar()})
	if err != nil {
		return nil, fmt.Errorf("view: open %s: %w", dir, err)
	}

	s := &Store{
		db:       db,
		logger:   logger,
		opts:     opts,
		watchers: make(map[uint64]func(Change)),
	}
	if s.key, err = loadOrCreateKey(db); err != nil {
		db.Close()
		return nil, err
	}
	s.lock = NewTxLock(opts.MaxParallel, s.begin, s.commit)

	logger.Info("View opened",
		zap.String("dir", dir),
		zap.String("key", s.key.String()))
	return s, nil
}

func loadOrCreateKey(db *pebble.DB) (id.Key, error) {
	val, closer, err := db.Get(metaViewKey)
	if err == nil {
		defer closer.Close()
		k, err := id.FromBytes(val)
		if err != nil {
			return id.Zero, fmt.Errorf("view: stored key: %w", err)
		}
		return k, nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return id.Zero, fmt.Errorf("view: read key: %w", err)
	}

	k, err := id.Random()
	if err != nil {
		return id.Zero, err
	}
	if err := db.Set(metaViewKey, k[:], pebble.Sync); err != nil {
		return id.Zero, fmt.Errorf("view: write key: %w", err)
	}
	return k, nil
}

// Close waits for the pending transaction to flush and closes the database.
func (s *Store) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		if err := s.lock.Close(ctx); err != nil {
			s.closeErr = fmt.Errorf("view: waiting for flush: %w", err)
			return
		}
		if err := s.db.Close(); err != nil {
			s.closeErr = fmt.Errorf("view: close: %w", err)
		}
	})
	return s.closeErr
}

// Key identifies this view.
func (s *Store) Key() id.Key { return s.key }

// DiscoveryKey is the topic under which the view is announced.
func (s *Store) DiscoveryKey() id.Key { return id.DiscoveryKey(s.key) }

// ============================================================================
// Transactions
// ============================================================================

// Transaction joins the pending transaction, opening a new one if needed.
// Every Transaction must be matched by Release or Abort.
func (s *Store) Transaction(ctx context.Context) (*Tx, error) {
	return s.lock.Enter(ctx)
}

// Release leaves tx. The last holder flushes it.
func (s *Store) Release(tx *Tx) error {
	return s.lock.Exit(tx)
}

// Abort leaves tx and marks it for discard; nothing it wrote is flushed.
// The returned error is cause unless the release itself failed.
func (s *Store) Abort(tx *Tx, cause error) error {
	if cause == nil {
		cause = errors.New("view: transaction aborted")
	}
	tx.abort(cause)
	if err := s.lock.Exit(tx); err != nil && !errors.Is(err, cause) {
		return err
	}
	return cause
}

// Pending reports how many holders share the open transaction.
func (s *Store) Pending() int { return s.lock.Pending() }

func (s *Store) begin() (*Tx, error) {
	return newTx(s.db), nil
}

func (s *Store) commit(tx *Tx) error {
	changes, err := tx.flush()
	if s.opts.OnFlush != nil {
		s.opts.OnFlush(len(changes), err)
	}
	if err != nil {
		s.logger.Error("Flush failed", zap.Error(err))
		return err
	}
	if len(changes) > 0 {
		s.logger.Debug("Flushed", zap.Int("changes", len(changes)))
	}
	s.publish(changes)
	return nil
}

// ============================================================================
// Queries
// ============================================================================

// Get returns the committed entry under k, or nil.
func (s *Store) Get(k id.Key) (*ServiceEntry, error) {
	val, closer, err := s.db.Get(entryKey(k))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("view: get %s: %w", k.Short(), err)
	}
	defer closer.Close()

	e, err := unmarshalEntry(k, val)
	if err != nil {
		return nil, err
	}
	return &e.ServiceEntry, nil
}

// Has reports whether a committed entry exists under k.
func (s *Store) Has(k id.Key) (bool, error) {
	e, err := s.Get(k)
	return e != nil, err
}

// FindByService lazily yields the entries registered under name in
// insertion order, at most limit of them. Each range over the result runs a
// fresh query.
func (s *Store) FindByService(name string, limit int) iter.Seq2[ServiceEntry, error] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	prefix := indexPrefix(name)

	return func(yield func(ServiceEntry, error) bool) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: prefix,
			UpperBound: upperBound(prefix),
		})
		if err != nil {
			yield(ServiceEntry{}, fmt.Errorf("view: find %q: %w", name, err))
			return
		}
		defer it.Close()

		n := 0
		for it.First(); it.Valid() && n < limit; it.Next() {
			k, err := keyFromIndex(it.Key())
			if err != nil {
				yield(ServiceEntry{}, err)
				return
			}
			n++
			if !yield(ServiceEntry{PublicKey: k, ServiceName: name}, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(ServiceEntry{}, fmt.Errorf("view: find %q: %w", name, err))
		}
	}
}

// List yields every entry in public key order, at most limit of them.
func (s *Store) List(limit int) iter.Seq2[ServiceEntry, error] {
	if limit <= 0 {
		limit = DefaultLimit
	}
	lower := []byte{prefixEntry}

	return func(yield func(ServiceEntry, error) bool) {
		it, err := s.db.NewIter(&pebble.IterOptions{
			LowerBound: lower,
			UpperBound: upperBound(lower),
		})
		if err != nil {
			yield(ServiceEntry{}, fmt.Errorf("view: list: %w", err))
			return
		}
		defer it.Close()

		n := 0
		for it.First(); it.Valid() && n < limit; it.Next() {
			k, err := id.FromBytes(it.Key()[1:])
			if err != nil {
				yield(ServiceEntry{}, err)
				return
			}
			e, err := unmarshalEntry(k, it.Value())
			if err != nil {
				yield(ServiceEntry{}, err)
				return
			}
			n++
			if !yield(e.ServiceEntry, nil) {
				return
			}
		}
		if err := it.Error(); err != nil {
			yield(ServiceEntry{}, fmt.Errorf("view: list: %w", err))
		}
	}
}

// Count returns the number of committed entries.
func (s *Store) Count() (int, error) {
	lower := []byte{prefixEntry}
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(lower),
	})
	if err != nil {
		return 0, fmt.Errorf("view: count: %w", err)
	}
	defer it.Close()

	n := 0
	for it.First(); it.Valid(); it.Next() {
		n++
	}
	return n, it.Error()
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[ServiceEntry, error]) ([]ServiceEntry, error) {
	var out []ServiceEntry
	for e, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ============================================================================
// Change feed
// ============================================================================

// Watch registers fn for every committed change, delivered after each flush
// in application order. The returned func unregisters it.
func (s *Store) Watch(fn func(Change)) (cancel func()) {
	s.watchMu.Lock()
	s.nextID++
	wid := s.nextID
	s.watchers[wid] = fn
	s.watchMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, wid)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.watchMu.RLock()
	fns := make([]func(Change), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	s.watchMu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			s.notify(fn, c)
		}
	}
}

// notify isolates the store from a panicking watcher.
func (s *Store) notify(fn func(Change), c Change) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("Watcher panicked",
				zap.Any("panic", r),
				zap.String("change", c.Type.String()),
				zap.String("key", c.Entry.PublicKey.Short()))
		}
	}()
	fn(c)
}
