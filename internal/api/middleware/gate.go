package middleware

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// ErrUnauthorized is returned for peers outside the allow-set.
var ErrUnauthorized = errors.New("peer not in allow set")

// AllowSet is the set of identities admitted to the mutation surface. An
// empty set admits nobody.
type AllowSet struct {
	mu   sync.RWMutex
	keys map[id.Key]struct{}
}

// NewAllowSet creates a set holding keys.
func NewAllowSet(keys ...id.Key) *AllowSet {
	a := &AllowSet{keys: make(map[id.Key]struct{}, len(keys))}
	for _, k := range keys {
		a.keys[k] = struct{}{}
	}
	return a
}

// Add admits k.
func (a *AllowSet) Add(k id.Key) {
	a.mu.Lock()
	a.keys[k] = struct{}{}
	a.mu.Unlock()
}

// Remove revokes k.
func (a *AllowSet) Remove(k id.Key) {
	a.mu.Lock()
	delete(a.keys, k)
	a.mu.Unlock()
}

// Allowed reports whether k is in the set.
func (a *AllowSet) Allowed(k id.Key) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.keys[k]
	return ok
}

// Admit returns ErrUnauthorized unless k is in the set.
func (a *AllowSet) Admit(k id.Key) error {
	if !a.Allowed(k) {
		return fmt.Errorf("%w: %s", ErrUnauthorized, k.Short())
	}
	return nil
}

// Len returns the number of admitted identities.
func (a *AllowSet) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.keys)
}

// Keys lists the set in key order.
func (a *AllowSet) Keys() []id.Key {
	a.mu.RLock()
	out := make([]id.Key, 0, len(a.keys))
	for k := range a.keys {
		out = append(out, k)
	}
	a.mu.RUnlock()

	slices.SortFunc(out, func(x, y id.Key) int { return bytes.Compare(x[:], y[:]) })
	return out
}
