package health

import (
	"context"
	"sync"
	"time"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// target holds the probe state of one identity.
//
// slot admits one probe into the transport at a time. A newer probe cancels
// the pending one and then queues on slot, so the older attempt's connection
// is always released before the newer one dials.
type target struct {
	key  id.Key
	slot chan struct{}

	mu          sync.Mutex
	health      Health
	gen         uint64
	cancel      context.CancelFunc
	inFlight    bool
	removed     bool
	lastChecked time.Time
}

func newTarget(key id.Key) *target {
	return &target{
		key:  key,
		slot: make(chan struct{}, 1),
	}
}

// supersede starts a new probe generation and cancels the previous one.
func (t *target) supersede(parent context.Context) (context.Context, context.CancelFunc, uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed {
		return nil, nil, 0, false
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.gen++
	ctx, cancel := context.WithCancelCause(parent)
	stop := func() { cancel(ErrSuperseded) }
	t.cancel = stop
	return ctx, stop, t.gen, true
}

func (t *target) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.removed && t.gen == gen
}

func (t *target) setInFlight(gen uint64, v bool) {
	t.mu.Lock()
	if t.gen == gen {
		t.inFlight = v
	}
	t.mu.Unlock()
}

// settle records the verdict of probe gen unless a newer probe or a removal
// superseded it. It returns the previous state and whether h was recorded.
func (t *target) settle(gen uint64, h Health, at time.Time) (Health, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.removed || t.gen != gen {
		return t.health, false
	}
	prev := t.health
	t.health = h
	t.inFlight = false
	t.lastChecked = at
	t.cancel = nil
	return prev, true
}

// remove marks the target gone and aborts any probe.
func (t *target) remove() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
	t.inFlight = false
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *target) snapshot() Target {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Target{
		Key:           t.key,
		Health:        t.health,
		ProbeInFlight: t.inFlight,
		LastChecked:   t.lastChecked,
	}
}
