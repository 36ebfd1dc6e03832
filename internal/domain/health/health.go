// Package health tracks whether registered identities are reachable.
//
// A Monitor probes every target once per Frequency window, spreading the
// probes evenly across the window. A probe opens a transport connection to
// the target through a Dialer; success means healthy, any error or a probe
// running past MaxTime means unhealthy. Subscribers hear about transitions
// only.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Health is the tri-state liveness of a target.
type Health int

const (
	Unknown Health = iota
	Healthy
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its name.
func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText parses a state name.
func (h *Health) UnmarshalText(text []byte) error {
	switch string(text) {
	case "healthy":
		*h = Healthy
	case "unhealthy":
		*h = Unhealthy
	case "unknown":
		*h = Unknown
	default:
		return fmt.Errorf("health: unknown state %q", text)
	}
	return nil
}

const (
	DefaultFrequency = 15 * time.Minute
	DefaultMaxTime   = 10 * time.Second
)

var (
	ErrMaxTime        = errors.New("health: probe exceeded max time")
	ErrUnknownTarget  = errors.New("health: unknown target")
	ErrSuperseded     = errors.New("health: probe superseded")
	ErrInvalidOptions = errors.New("health: max time must be below frequency")
	ErrClosed         = errors.New("health: monitor closed")
)

// Dialer opens a transport connection to the identity key. The returned
// closer releases it.
type Dialer interface {
	Dial(ctx context.Context, key id.Key) (io.Closer, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, key id.Key) (io.Closer, error)

func (f DialerFunc) Dial(ctx context.Context, key id.Key) (io.Closer, error) {
	return f(ctx, key)
}

// Change is a health transition of one target.
type Change struct {
	Key      id.Key    `json:"key"`
	Previous Health    `json:"previous"`
	Current  Health    `json:"current"`
	At       time.Time `json:"at"`
}

// Target is a point-in-time view of one tracked identity.
type Target struct {
	Key           id.Key    `json:"key"`
	Health        Health    `json:"health"`
	ProbeInFlight bool      `json:"probeInFlight"`
	LastChecked   time.Time `json:"lastChecked,omitzero"`
}

// Recorder observes probe results and the health distribution.
type Recorder interface {
	RecordProbe(result string, duration time.Duration)
	SetTargets(healthy, unhealthy, unknown int)
}

type nopRecorder struct{}

func (nopRecorder) RecordProbe(string, time.Duration) {}
func (nopRecorder) SetTargets(int, int, int)          {}
