package health

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Options configures a Monitor.
type Options struct {
	Frequency time.Duration
	MaxTime   time.Duration
	Logger    *zap.Logger
	Recorder  Recorder
	// Now is the clock used for timestamps.
	Now func() time.Time
}

// Monitor probes a dynamic set of targets.
type Monitor struct {
	dialer   Dialer
	opts     Options
	logger   *zap.Logger
	recorder Recorder

	targets *xsync.MapOf[id.Key, *target]
	wake    chan struct{}

	subMu  sync.RWMutex
	subs   map[uint64]func(Change)
	nextID uint64

	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	loop    chan struct{}
	probes  sync.WaitGroup
	started bool
	closed  bool
}

// New creates a monitor. Zero durations take the defaults; MaxTime must be
// strictly below Frequency.
func New(dialer Dialer, opts Options) (*Monitor, error) {
	if opts.Frequency <= 0 {
		opts.Frequency = DefaultFrequency
	}
	if opts.MaxTime <= 0 {
		opts.MaxTime = min(DefaultMaxTime, opts.Frequency/2)
	}
	if opts.MaxTime >= opts.Frequency {
		return nil, fmt.Errorf("%w: max time %s, frequency %s", ErrInvalidOptions, opts.MaxTime, opts.Frequency)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		dialer:   dialer,
		opts:     opts,
		logger:   opts.Logger.Named("health"),
		recorder: opts.Recorder,
		targets:  xsync.NewMapOf[id.Key, *target](),
		wake:     make(chan struct{}, 1),
		subs:     make(map[uint64]func(Change)),
		ctx:      ctx,
		cancel:   cancel,
		loop:     make(chan struct{}),
	}, nil
}

// Start launches the scheduling loop.
func (m *Monitor) Start() error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.started {
		return nil
	}
	m.started = true
	m.targets.Range(func(_ id.Key, t *target) bool {
		m.launch(t, m.ProbeTimeout(m.targets.Size()))
		return true
	})
	go func() {
		defer close(m.loop)
		m.run()
	}()
	m.logger.Info("Health monitor started",
		zap.Duration("frequency", m.opts.Frequency),
		zap.Duration("max_time", m.opts.MaxTime))
	return nil
}

// Close stops the loop and waits for it, then aborts every probe and waits
// until their connections are released.
func (m *Monitor) Close() error {
	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return nil
	}
	m.closed = true
	started := m.started
	m.lifeMu.Unlock()

	m.cancel()
	if started {
		<-m.loop
	}
	m.targets.Range(func(_ id.Key, t *target) bool {
		t.remove()
		return true
	})
	m.probes.Wait()

	m.logger.Info("Health monitor stopped")
	return nil
}

// ============================================================================
// Targets
// ============================================================================

// AddTarget starts tracking key in the unknown state and, once the monitor
// runs, probes it right away. It reports false if key was already tracked.
func (m *Monitor) AddTarget(key id.Key) bool {
	wasEmpty := m.targets.Size() == 0
	t, loaded := m.targets.LoadOrStore(key, newTarget(key))
	if loaded {
		return false
	}
	m.logger.Debug("Target added", zap.String("key", key.String()))
	m.updateGauges()

	m.lifeMu.Lock()
	if m.started && !m.closed {
		m.launch(t, m.ProbeTimeout(m.targets.Size()))
	}
	m.lifeMu.Unlock()

	if wasEmpty {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// DeleteTarget stops tracking key and aborts its probe. It reports false if
// key was not tracked.
func (m *Monitor) DeleteTarget(key id.Key) bool {
	t, ok := m.targets.LoadAndDelete(key)
	if !ok {
		return false
	}
	t.remove()
	m.logger.Debug("Target removed", zap.String("key", key.String()))
	m.updateGauges()
	return true
}

// Health returns the state of key.
func (m *Monitor) Health(key id.Key) (Health, bool) {
	t, ok := m.targets.Load(key)
	if !ok {
		return Unknown, false
	}
	return t.snapshot().Health, true
}

// Overview lists every target in key order.
func (m *Monitor) Overview() []Target {
	out := make([]Target, 0, m.targets.Size())
	m.targets.Range(func(_ id.Key, t *target) bool {
		out = append(out, t.snapshot())
		return true
	})
	slices.SortFunc(out, func(a, b Target) int { return bytes.Compare(a.Key[:], b.Key[:]) })
	return out
}

// Len returns the number of targets.
func (m *Monitor) Len() int { return m.targets.Size() }

// Subscribe registers fn for every transition. The returned func
// unregisters it.
func (m *Monitor) Subscribe(fn func(Change)) (cancel func()) {
	m.subMu.Lock()
	m.nextID++
	sid := m.nextID
	m.subs[sid] = fn
	m.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.subMu.Lock()
			delete(m.subs, sid)
			m.subMu.Unlock()
		})
	}
}

// ============================================================================
// Scheduling
// ============================================================================

// Interval is the gap between two consecutive probes for n targets.
func (m *Monitor) Interval(n int) time.Duration {
	if n <= 0 {
		return m.opts.Frequency
	}
	return m.opts.Frequency / time.Duration(n)
}

// ProbeTimeout is MaxTime, halved down to fit when the interval for n
// targets is not longer than it.
func (m *Monitor) ProbeTimeout(n int) time.Duration {
	interval := m.Interval(n)
	if m.opts.MaxTime < interval {
		return m.opts.MaxTime
	}
	return interval / 2
}

// run probes one target per interval, round robin. New targets get their
// first probe from AddTarget or Start, so the loop waits before probing.
func (m *Monitor) run() {
	var last *id.Key
	for {
		timer := time.NewTimer(m.Interval(m.targets.Size()))
		select {
		case <-m.ctx.Done():
			timer.Stop()
			return
		case <-m.wake:
			// the set was empty; restart the wait at the new interval
			timer.Stop()
			continue
		case <-timer.C:
		}

		keys := m.keys()
		if len(keys) == 0 {
			continue
		}
		next := nextKey(keys, last)
		last = &next
		if t, ok := m.targets.Load(next); ok {
			m.launch(t, m.ProbeTimeout(len(keys)))
		}
	}
}

func (m *Monitor) keys() []id.Key {
	keys := make([]id.Key, 0, m.targets.Size())
	m.targets.Range(func(k id.Key, _ *target) bool {
		keys = append(keys, k)
		return true
	})
	slices.SortFunc(keys, func(a, b id.Key) int { return bytes.Compare(a[:], b[:]) })
	return keys
}

// nextKey walks the sorted key set round robin, resuming after last.
func nextKey(keys []id.Key, last *id.Key) id.Key {
	if last == nil {
		return keys[0]
	}
	i, found := slices.BinarySearchFunc(keys, *last, func(a, b id.Key) int { return bytes.Compare(a[:], b[:]) })
	if found {
		i++
	}
	return keys[i%len(keys)]
}

func (m *Monitor) launch(t *target, timeout time.Duration) {
	m.probes.Add(1)
	go func() {
		defer m.probes.Done()
		_, _ = m.probe(m.ctx, t, timeout)
	}()
}

// Check probes key now, superseding any probe in flight for it, and returns
// the verdict.
func (m *Monitor) Check(ctx context.Context, key id.Key) (Health, error) {
	t, ok := m.targets.Load(key)
	if !ok {
		return Unknown, ErrUnknownTarget
	}

	m.lifeMu.Lock()
	if m.closed {
		m.lifeMu.Unlock()
		return Unknown, ErrClosed
	}
	m.probes.Add(1)
	m.lifeMu.Unlock()
	defer m.probes.Done()

	parent, cancel := context.WithCancel(m.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	h, err := m.probe(parent, t, m.ProbeTimeout(m.targets.Size()))
	if err != nil && ctx.Err() != nil {
		return h, ctx.Err()
	}
	return h, err
}

// probe runs one probe of t. When parent ends first (the probe was
// superseded, the target removed or the monitor closed) no verdict is
// recorded and the cause is returned.
func (m *Monitor) probe(parent context.Context, t *target, timeout time.Duration) (Health, error) {
	ctx, cancel, gen, ok := t.supersede(parent)
	if !ok {
		return Unknown, ErrUnknownTarget
	}
	defer cancel()

	// wait for the previous attempt to release its connection
	select {
	case t.slot <- struct{}{}:
	case <-ctx.Done():
		return t.snapshot().Health, context.Cause(ctx)
	}
	if !t.current(gen) {
		<-t.slot
		return t.snapshot().Health, ErrSuperseded
	}
	t.setInFlight(gen, true)

	start := m.opts.Now()
	pctx, pcancel := context.WithTimeoutCause(ctx, timeout, ErrMaxTime)
	result := make(chan error, 1)
	m.probes.Add(1)
	go func() {
		defer m.probes.Done()
		defer func() { <-t.slot }()
		defer pcancel()
		result <- m.dial(pctx, t.key)
	}()

	var err error
	select {
	case err = <-result:
	case <-pctx.Done():
		// the dial goroutine keeps the slot until its connection is gone
		err = context.Cause(pctx)
	}

	if ctx.Err() != nil {
		t.setInFlight(gen, false)
		m.recorder.RecordProbe("aborted", time.Since(start))
		return t.snapshot().Health, context.Cause(ctx)
	}

	verdict := Healthy
	if err != nil {
		verdict = Unhealthy
	}
	at := m.opts.Now()
	prev, recorded := t.settle(gen, verdict, at)
	if !recorded {
		m.recorder.RecordProbe("aborted", time.Since(start))
		return prev, ErrSuperseded
	}
	m.recorder.RecordProbe(verdict.String(), time.Since(start))

	if err != nil {
		m.logger.Debug("Probe failed", zap.String("key", t.key.Short()), zap.Error(err))
	}
	if prev != verdict {
		m.logger.Info("Health changed",
			zap.String("key", t.key.String()),
			zap.Stringer("from", prev),
			zap.Stringer("to", verdict))
		m.updateGauges()
		m.publish(Change{Key: t.key, Previous: prev, Current: verdict, At: at})
	}
	return verdict, nil
}

func (m *Monitor) dial(ctx context.Context, key id.Key) error {
	conn, err := m.dialer.Dial(ctx, key)
	if err != nil {
		return err
	}
	if err := conn.Close(); err != nil {
		m.logger.Warn("Closing probe connection failed", zap.String("key", key.Short()), zap.Error(err))
	}
	return nil
}

func (m *Monitor) publish(c Change) {
	m.subMu.RLock()
	fns := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Warn("Subscriber panicked", zap.Any("panic", r))
				}
			}()
			fn(c)
		}()
	}
}

func (m *Monitor) updateGauges() {
	var healthy, unhealthy, unknown int
	m.targets.Range(func(_ id.Key, t *target) bool {
		switch t.snapshot().Health {
		case Healthy:
			healthy++
		case Unhealthy:
			unhealthy++
		default:
			unknown++
		}
		return true
	})
	m.recorder.SetTargets(healthy, unhealthy, unknown)
}
