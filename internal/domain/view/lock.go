package view

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once the store (or its lock) has been closed.
var ErrClosed = errors.New("view: store closed")

// TxLock hands out a shared transaction to concurrent writers and flushes it
// when the last holder releases it.
//
// MaxParallel bounds how many Enter calls may join one transaction. Once the
// bound is hit, later callers wait for the flush, so a flush is guaranteed at
// least every MaxParallel enters even if holders keep overlapping.
type TxLock struct {
	maxParallel int
	begin       func() (*Tx, error)
	commit      func(*Tx) error

	mu      sync.Mutex
	tx      *Tx
	entered int
	active  int
	flushed chan struct{}
	closed  bool
}

// NewTxLock creates a lock. begin opens a transaction, commit flushes it.
func NewTxLock(maxParallel int, begin func() (*Tx, error), commit func(*Tx) error) *TxLock {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &TxLock{
		maxParallel: maxParallel,
		begin:       begin,
		commit:      commit,
	}
}

// Enter joins the current transaction, opening one if none is pending.
func (l *TxLock) Enter(ctx context.Context) (*Tx, error) {
	for {
		l.mu.Lock()
		if l.closed {
			l.mu.Unlock()
			return nil, ErrClosed
		}
		if l.entered < l.maxParallel {
			if l.tx == nil {
				tx, err := l.begin()
				if err != nil {
					l.mu.Unlock()
					return nil, err
				}
				l.tx = tx
				l.flushed = make(chan struct{})
			}
			l.entered++
			l.active++
			tx := l.tx
			l.mu.Unlock()
			return tx, nil
		}
		wait := l.flushed
		l.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Exit releases tx. The last holder flushes it, or discards it when any
// holder aborted; in that case the abort cause is returned.
func (l *TxLock) Exit(tx *Tx) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if tx == nil || tx != l.tx {
		return errors.New("view: release of a transaction not held")
	}
	l.active--
	if l.active > 0 {
		return nil
	}

	done := l.flushed
	l.tx = nil
	l.entered = 0
	l.flushed = nil
	defer close(done)

	if cause := tx.abortCause(); cause != nil {
		tx.discard()
		return cause
	}
	return l.commit(tx)
}

// Pending reports how many holders share the current transaction.
func (l *TxLock) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Close refuses new enters and waits until the pending transaction, if any,
// has been flushed or discarded.
func (l *TxLock) Close(ctx context.Context) error {
	l.mu.Lock()
	l.closed = true
	wait := l.flushed
	l.mu.Unlock()

	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
