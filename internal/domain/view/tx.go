package view

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Tx is a write transaction over the view. Reads observe the transaction's
// own pending writes. A Tx may be shared by several holders of the TxLock,
// so every method is serialized.
type Tx struct {
	mu      sync.Mutex
	batch   *pebble.Batch
	changes []Change
	aborted error
}

func newTx(db *pebble.DB) *Tx {
	return &Tx{batch: db.NewIndexedBatch()}
}

// Get returns the entry stored under k, or nil.
func (tx *Tx) Get(k id.Key) (*ServiceEntry, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	e, err := tx.get(k)
	if e == nil {
		return nil, err
	}
	return &e.ServiceEntry, nil
}

// Has reports whether an entry exists under k.
func (tx *Tx) Has(k id.Key) (bool, error) {
	e, err := tx.Get(k)
	return e != nil, err
}

// Insert adds e unless an entry already exists under its key. It reports
// whether the view changed.
func (tx *Tx) Insert(e ServiceEntry) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	existing, err := tx.get(e.PublicKey)
	if err != nil || existing != nil {
		return false, err
	}
	seq, err := tx.nextSeq()
	if err != nil {
		return false, err
	}
	stored := storedEntry{ServiceEntry: e, seq: seq}
	if err := tx.batch.Set(entryKey(e.PublicKey), marshalEntry(stored), nil); err != nil {
		return false, fmt.Errorf("view: insert %s: %w", e.PublicKey.Short(), err)
	}
	if err := tx.batch.Set(indexKey(e.ServiceName, seq, e.PublicKey), nil, nil); err != nil {
		return false, fmt.Errorf("view: index %s: %w", e.PublicKey.Short(), err)
	}
	tx.changes = append(tx.changes, Change{Type: ChangeInsert, Entry: e})
	return true, nil
}

// Delete removes the entry under k together with its index record. Deleting
// an absent key is a no-op. It reports whether the view changed.
func (tx *Tx) Delete(k id.Key) (bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	existing, err := tx.get(k)
	if err != nil || existing == nil {
		return false, err
	}
	if err := tx.batch.Delete(entryKey(k), nil); err != nil {
		return false, fmt.Errorf("view: delete %s: %w", k.Short(), err)
	}
	if err := tx.batch.Delete(indexKey(existing.ServiceName, existing.seq, k), nil); err != nil {
		return false, fmt.Errorf("view: unindex %s: %w", k.Short(), err)
	}
	tx.changes = append(tx.changes, Change{Type: ChangeDelete, Entry: existing.ServiceEntry})
	return true, nil
}

// Len returns the number of changes recorded so far.
func (tx *Tx) Len() int {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return len(tx.changes)
}

func (tx *Tx) get(k id.Key) (*storedEntry, error) {
	val, closer, err := tx.batch.Get(entryKey(k))
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
	return &e, nil
}

func (tx *Tx) nextSeq() (uint64, error) {
	var seq uint64
	val, closer, err := tx.batch.Get(metaSeqKey)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("view: read sequence: %w", err)
	default:
		if len(val) == 8 {
			seq = binary.BigEndian.Uint64(val)
		}
		closer.Close()
	}
	seq++
	if err := tx.batch.Set(metaSeqKey, binary.BigEndian.AppendUint64(nil, seq), nil); err != nil {
		return 0, fmt.Errorf("view: write sequence: %w", err)
	}
	return seq, nil
}

func (tx *Tx) abort(cause error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.aborted == nil {
		tx.aborted = cause
	}
}

func (tx *Tx) abortCause() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.aborted
}

func (tx *Tx) discard() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.changes = nil
	_ = tx.batch.Close()
}

// flush commits the batch durably and hands back the committed changes.
func (tx *Tx) flush() ([]Change, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	defer tx.batch.Close()

	if tx.batch.Empty() {
		return nil, nil
	}
	if err := tx.batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("view: flush: %w", err)
	}
	changes := tx.changes
	tx.changes = nil
	return changes, nil
}
