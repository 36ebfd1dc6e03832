package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/applier"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/oplog"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/view"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/paths"
)

var (
	ErrNotOpen        = errors.New("registry not open")
	ErrClosed         = errors.New("registry closed")
	ErrHealthDisabled = errors.New("health monitoring disabled")
)

// Recorder receives the metrics of every component the registry owns.
type Recorder interface {
	applier.Recorder
	health.Recorder
	RecordFlush(changes int, err error)
	SetEntries(n int)
	AddEntries(delta int)
}

type nopRecorder struct{}

func (nopRecorder) RecordOperation(string, string)     {}
func (nopRecorder) RecordProbe(string, time.Duration) {}
func (nopRecorder) SetTargets(int, int, int)          {}
func (nopRecorder) RecordFlush(int, error)            {}
func (nopRecorder) SetEntries(int)                    {}
func (nopRecorder) AddEntries(int)                    {}

// Options configures a Registry.
type Options struct {
	// Dir holds the log and the view.
	Dir string
	// Local is the key appends are attributed to.
	Local       id.Key
	MaxParallel int

	// Dialer enables health monitoring when set.
	Dialer health.Dialer
	Health health.Options

	Breaker  resilience.Settings
	Recorder Recorder
	Logger   *zap.Logger
}

// Entry is a registration with its current health.
type Entry struct {
	view.ServiceEntry
	Health health.Health `json:"health"`
}

// Info describes a running registry.
type Info struct {
	LogKey           id.Key         `json:"logKey"`
	LogDiscoveryKey  id.Key         `json:"logDiscoveryKey"`
	ViewKey          id.Key         `json:"viewKey"`
	ViewDiscoveryKey id.Key         `json:"viewDiscoveryKey"`
	Applied          uint64         `json:"applied"`
	Writers          []oplog.Writer `json:"writers"`
	Entries          int            `json:"entries"`
	Targets          int            `json:"targets"`
}

// Registry wires the ordered log, the applier, the view and the health
// monitor together.
type Registry struct {
	opts     Options
	logger   *zap.Logger
	recorder Recorder
	breaker  *resilience.Breaker

	store   *view.Store
	log     oplog.Log
	applier *applier.Applier
	monitor *health.Monitor
	unwatch func()

	lastSeq atomic.Uint64

	mu     sync.RWMutex
	opened bool
	closed bool
}

// New validates opts. Nothing is opened until Open.
func New(opts Options) (*Registry, error) {
	if err := paths.Validate(opts.Dir); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	if opts.Local.IsZero() {
		return nil, errors.New("registry: local key required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Breaker.ReadyToTrip == nil {
		opts.Breaker = defaultBreaker()
	}
	return &Registry{
		opts:     opts,
		logger:   opts.Logger.Named("registry"),
		recorder: opts.Recorder,
		breaker:  resilience.New("oplog", opts.Breaker),
	}, nil
}

func defaultBreaker() resilience.Settings {
	return resilience.Settings{
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts resilience.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures >= 5 || (counts.Requests >= 10 && failureRatio >= 0.5)
		},
		// caller mistakes say nothing about the log's health
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, oplog.ErrNotWriter)
		},
	}
}

// Open opens the view and the log, rebuilds the health targets from the
// view, then starts delivery. A registry that failed to open is closed.
func (r *Registry) Open(ctx context.Context) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.opened {
		return nil
	}
	defer func() {
		if err != nil {
			_ = r.release()
			r.closed = true
		}
	}()

	layout := paths.New(r.opts.Dir)
	r.store, err = view.Open(layout.View(), view.Options{
		MaxParallel: r.opts.MaxParallel,
		Logger:      r.opts.Logger,
		OnFlush:     r.recorder.RecordFlush,
	})
	if err != nil {
		return err
	}

	if r.opts.Dialer != nil {
		hopts := r.opts.Health
		hopts.Logger = r.opts.Logger
		hopts.Recorder = r.recorder
		if r.monitor, err = health.New(r.opts.Dialer, hopts); err != nil {
			return err
		}
	}

	// targets follow the feed; the log has not started, so nothing
	// commits between the scan and the subscription
	r.unwatch = r.store.Watch(r.onChange)
	n, err := r.rebuildTargets()
	if err != nil {
		return err
	}
	r.recorder.SetEntries(n)

	lg, err := oplog.OpenLocal(layout.Log(), oplog.LocalOptions{
		Local:  r.opts.Local,
		Logger: r.opts.Logger,
	})
	if err != nil {
		return err
	}
	r.log = lg
	r.applier = applier.New(r.store, r.opts.Logger, r.recorder)

	if r.monitor != nil {
		if err := r.monitor.Start(); err != nil {
			return err
		}
	}
	if err := r.log.Start(context.WithoutCancel(ctx), r.applier.Func()); err != nil {
		return err
	}

	r.opened = true
	r.logger.Info("Registry opened",
		zap.String("log_key", r.log.Key().String()),
		zap.String("view_key", r.store.Key().String()),
		zap.Int("entries", n),
		zap.Bool("health", r.monitor != nil))
	return nil
}

func (r *Registry) rebuildTargets() (int, error) {
	n, err := r.store.Count()
	if err != nil || n == 0 {
		return n, err
	}
	if r.monitor == nil {
		return n, nil
	}
	for e, err := range r.store.List(n) {
		if err != nil {
			return 0, err
		}
		r.monitor.AddTarget(e.PublicKey)
	}
	return n, nil
}

func (r *Registry) onChange(c view.Change) {
	switch c.Type {
	case view.ChangeInsert:
		r.recorder.AddEntries(1)
		if r.monitor != nil {
			r.monitor.AddTarget(c.Entry.PublicKey)
		}
	case view.ChangeDelete:
		r.recorder.AddEntries(-1)
		if r.monitor != nil {
			r.monitor.DeleteTarget(c.Entry.PublicKey)
		}
	}
}

// Close stops delivery, the monitor and the view in that order.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.release()
	r.logger.Info("Registry closed")
	return err
}

// release tears down whatever Open got to.
func (r *Registry) release() error {
	var errs []error
	if r.log != nil {
		errs = append(errs, r.log.Close())
	}
	if r.monitor != nil {
		errs = append(errs, r.monitor.Close())
	}
	if r.unwatch != nil {
		r.unwatch()
	}
	if r.store != nil {
		errs = append(errs, r.store.Close(context.Background()))
	}
	return errors.Join(errs...)
}

// ============================================================================
// Commands
// ============================================================================

// AddService appends an AddService operation.
func (r *Registry) AddService(ctx context.Context, key id.Key, name string) error {
	if err := op.ValidateName(name); err != nil {
		return err
	}
	return r.append(ctx, op.AddService(key, name))
}

// DeleteService appends a DeleteService operation.
func (r *Registry) DeleteService(ctx context.Context, key id.Key) error {
	return r.append(ctx, op.DeleteService(key))
}

// AddWriter appends an AddWriter operation.
func (r *Registry) AddWriter(ctx context.Context, key id.Key) error {
	return r.append(ctx, op.AddWriter(key))
}

// RemoveWriter appends a RemoveWriter operation.
func (r *Registry) RemoveWriter(ctx context.Context, key id.Key) error {
	return r.append(ctx, op.RemoveWriter(key))
}

func (r *Registry) append(ctx context.Context, o op.Operation) error {
	lg, err := r.openLog()
	if err != nil {
		return err
	}
	seq, err := resilience.Execute(r.breaker, func() (uint64, error) {
		return lg.Append(ctx, o)
	})
	if err != nil {
		return fmt.Errorf("append %s: %w", o.Kind, err)
	}
	for {
		last := r.lastSeq.Load()
		if seq <= last || r.lastSeq.CompareAndSwap(last, seq) {
			break
		}
	}
	r.logger.Debug("Appended", zap.Stringer("op", o), zap.Uint64("seq", seq))
	return nil
}

// Sync waits until every operation appended through r has been applied.
func (r *Registry) Sync(ctx context.Context) error {
	lg, err := r.openLog()
	if err != nil {
		return err
	}
	return lg.WaitApplied(ctx, r.lastSeq.Load())
}

func (r *Registry) openLog() (oplog.Log, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.closed:
		return nil, ErrClosed
	case !r.opened:
		return nil, ErrNotOpen
	}
	return r.log, nil
}

// ============================================================================
// Queries
// ============================================================================

// Lookup returns up to limit entries registered under name, in insertion
// order.
func (r *Registry) Lookup(name string, limit int) ([]Entry, error) {
	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	entries, err := view.Collect(store.FindByService(name, limit))
	if err != nil {
		return nil, err
	}
	return r.withHealth(entries), nil
}

// List returns up to limit entries across all services, in key order.
func (r *Registry) List(limit int) ([]Entry, error) {
	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	entries, err := view.Collect(store.List(limit))
	if err != nil {
		return nil, err
	}
	return r.withHealth(entries), nil
}

// Get returns the entry of key, or nil.
func (r *Registry) Get(key id.Key) (*Entry, error) {
	store, err := r.openStore()
	if err != nil {
		return nil, err
	}
	e, err := store.Get(key)
	if err != nil || e == nil {
		return nil, err
	}
	return &r.withHealth([]view.ServiceEntry{*e})[0], nil
}

func (r *Registry) withHealth(entries []view.ServiceEntry) []Entry {
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{ServiceEntry: e, Health: health.Unknown}
		if r.monitor != nil {
			out[i].Health, _ = r.monitor.Health(e.PublicKey)
		}
	}
	return out
}

func (r *Registry) openStore() (*view.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch {
	case r.closed:
		return nil, ErrClosed
	case !r.opened:
		return nil, ErrNotOpen
	}
	return r.store, nil
}

// HealthOverview lists every monitored target.
func (r *Registry) HealthOverview() []health.Target {
	if r.monitor == nil {
		return []health.Target{}
	}
	return r.monitor.Overview()
}

// Check probes key now.
func (r *Registry) Check(ctx context.Context, key id.Key) (health.Health, error) {
	if r.monitor == nil {
		return health.Unknown, ErrHealthDisabled
	}
	return r.monitor.Check(ctx, key)
}

// SubscribeHealth registers fn for health transitions.
func (r *Registry) SubscribeHealth(fn func(health.Change)) (cancel func()) {
	if r.monitor == nil {
		return func() {}
	}
	return r.monitor.Subscribe(fn)
}

// HealthEnabled reports whether targets are being probed.
func (r *Registry) HealthEnabled() bool { return r.monitor != nil }

// Key identifies the log.
func (r *Registry) Key() id.Key {
	if lg, err := r.openLog(); err == nil {
		return lg.Key()
	}
	return id.Zero
}

// DiscoveryKey is the topic the log is announced under.
func (r *Registry) DiscoveryKey() id.Key {
	if lg, err := r.openLog(); err == nil {
		return lg.DiscoveryKey()
	}
	return id.Zero
}

// Info summarizes the registry.
func (r *Registry) Info() (Info, error) {
	lg, err := r.openLog()
	if err != nil {
		return Info{}, err
	}
	store, err := r.openStore()
	if err != nil {
		return Info{}, err
	}
	writers, err := lg.Writers()
	if err != nil {
		return Info{}, err
	}
	n, err := store.Count()
	if err != nil {
		return Info{}, err
	}
	info := Info{
		LogKey:           lg.Key(),
		LogDiscoveryKey:  lg.DiscoveryKey(),
		ViewKey:          store.Key(),
		ViewDiscoveryKey: store.DiscoveryKey(),
		Applied:          lg.Applied(),
		Writers:          writers,
		Entries:          n,
	}
	if r.monitor != nil {
		info.Targets = r.monitor.Len()
	}
	return info, nil
}
