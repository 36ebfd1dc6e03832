package middleware

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrThrottled is the sentinel every ThrottleError unwraps to.
var ErrThrottled = errors.New("request throttled")

// Reason names the check that rejected a request.
type Reason string

const (
	ReasonConnections Reason = "connections"
	ReasonGlobalRate  Reason = "global_rate"
	ReasonMethodRate  Reason = "method_rate"
	ReasonConcurrency Reason = "concurrency"
)

// ThrottleError reports which limit rejected a request.
type ThrottleError struct {
	Reason Reason
	Method string
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("request throttled: %s limit reached for %s", e.Reason, e.Method)
}

func (e *ThrottleError) Unwrap() error { return ErrThrottled }

// Limit is a token bucket. A non-positive Rate disables it.
type Limit struct {
	Rate  float64
	Burst int
}

func (l Limit) enabled() bool { return l.Rate > 0 }

func (l Limit) limiter() *rate.Limiter {
	burst := l.Burst
	if burst <= 0 {
		burst = max(1, int(l.Rate))
	}
	return rate.NewLimiter(rate.Limit(l.Rate), burst)
}

// Limits configures a Throttle. Zero values disable the matching check.
type Limits struct {
	MaxConnections int
	Global         Limit
	// Methods holds per-method overrides keyed by method name.
	Methods       map[string]Limit
	MaxConcurrent int
}

// Observer records throttle decisions.
type Observer interface {
	RequestAdmitted(method string)
	RequestThrottled(method string, reason string)
	RequestDone(method string, outcome string, duration time.Duration)
	SetInFlight(n int)
	SetConnections(n int)
}

type nopObserver struct{}

func (nopObserver) RequestAdmitted(string)                    {}
func (nopObserver) RequestThrottled(string, string)           {}
func (nopObserver) RequestDone(string, string, time.Duration) {}
func (nopObserver) SetInFlight(int)                           {}
func (nopObserver) SetConnections(int)                        {}

// Request is an admitted request, handed back to OnRequestDone.
type Request struct {
	ID       uuid.UUID
	Method   string
	Started  time.Time
	slot     bool
	finished atomic.Bool
}

// Stats is a snapshot of throttle state.
type Stats struct {
	Connections int64             `json:"connections"`
	InFlight    int64             `json:"inFlight"`
	Admitted    uint64            `json:"admitted"`
	Throttled   map[Reason]uint64 `json:"throttled"`
}

// Throttle bounds load on the RPC surface. Checks never block: a request
// either passes every check at once or is rejected.
type Throttle struct {
	limits   Limits
	global   *rate.Limiter
	sem      *semaphore.Weighted
	logger   *zap.Logger
	observer Observer

	methodMu sync.RWMutex
	methods  map[string]*rate.Limiter

	conns         atomic.Int64
	admittedConns atomic.Int64
	inFlight  atomic.Int64
	admitted  atomic.Uint64
	throttled [4]atomic.Uint64
}

var reasons = [...]Reason{ReasonConnections, ReasonGlobalRate, ReasonMethodRate, ReasonConcurrency}

// NewThrottle creates a throttle. logger and observer may be nil.
func NewThrottle(limits Limits, logger *zap.Logger, observer Observer) *Throttle {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	t := &Throttle{
		limits:   limits,
		logger:   logger.Named("throttle"),
		observer: observer,
		methods:  make(map[string]*rate.Limiter),
	}
	if limits.Global.enabled() {
		t.global = limits.Global.limiter()
	}
	if limits.MaxConcurrent > 0 {
		t.sem = semaphore.NewWeighted(int64(limits.MaxConcurrent))
	}
	for name, l := range limits.Methods {
		t.SetMethodLimit(name, l)
	}
	return t
}

// SetMethodLimit attaches, replaces or (with a disabled Limit) removes the
// per-method bucket of method.
func (t *Throttle) SetMethodLimit(method string, l Limit) {
	t.methodMu.Lock()
	defer t.methodMu.Unlock()
	if !l.enabled() {
		delete(t.methods, method)
		return
	}
	t.methods[method] = l.limiter()
}

// Conn is one counted connection, returned by ConnOpened.
type Conn struct {
	over   bool
	closed atomic.Bool
}

// OverLimit reports whether the connection was opened while MaxConnections
// connections were already admitted.
func (c *Conn) OverLimit() bool { return c != nil && c.over }

// ConnOpened counts a new connection. Once MaxConnections connections are
// admitted, further ones are over the limit until they close, even if an
// admitted one closes first.
func (t *Throttle) ConnOpened() *Conn {
	t.observer.SetConnections(int(t.conns.Add(1)))
	c := &Conn{}
	limit := int64(t.limits.MaxConnections)
	if limit <= 0 {
		return c
	}
	for {
		n := t.admittedConns.Load()
		if n >= limit {
			c.over = true
			t.logger.Debug("Connection over limit", zap.Int64("max_connections", limit))
			return c
		}
		if t.admittedConns.CompareAndSwap(n, n+1) {
			return c
		}
	}
}

// ConnClosed uncounts c. A second call for the same connection is ignored.
func (t *Throttle) ConnClosed(c *Conn) {
	if c == nil || !c.closed.CompareAndSwap(false, true) {
		return
	}
	if !c.over && t.limits.MaxConnections > 0 {
		t.admittedConns.Add(-1)
	}
	t.observer.SetConnections(int(t.conns.Add(-1)))
}

// OnRequest runs the admission checks for a request of method arriving on
// conn, in order: connection limit, global rate, method rate, concurrency.
// A nil conn skips the connection check. Buckets are only drawn from once
// every check has passed, so a rejected request costs no tokens.
func (t *Throttle) OnRequest(conn *Conn, method string) (*Request, error) {
	if conn.OverLimit() {
		return nil, t.reject(method, ReasonConnections)
	}
	if t.global != nil && t.global.Tokens() < 1 {
		return nil, t.reject(method, ReasonGlobalRate)
	}

	t.methodMu.RLock()
	ml := t.methods[method]
	t.methodMu.RUnlock()
	if ml != nil && ml.Tokens() < 1 {
		return nil, t.reject(method, ReasonMethodRate)
	}

	req := &Request{ID: uuid.New(), Method: method, Started: time.Now()}
	if t.sem != nil {
		if !t.sem.TryAcquire(1) {
			return nil, t.reject(method, ReasonConcurrency)
		}
		req.slot = true
	}

	// a concurrent request may have drained a bucket since the peek
	reason := Reason("")
	switch {
	case t.global != nil && !t.global.Allow():
		reason = ReasonGlobalRate
	case ml != nil && !ml.Allow():
		reason = ReasonMethodRate
	}
	if reason != "" {
		if req.slot {
			t.sem.Release(1)
		}
		return nil, t.reject(method, reason)
	}

	t.admitted.Add(1)
	t.observer.RequestAdmitted(method)
	t.observer.SetInFlight(int(t.inFlight.Add(1)))
	return req, nil
}

func (t *Throttle) reject(method string, reason Reason) error {
	for i, r := range reasons {
		if r == reason {
			t.throttled[i].Add(1)
		}
	}
	t.observer.RequestThrottled(method, string(reason))
	t.logger.Debug("Request throttled", zap.String("method", method), zap.String("reason", string(reason)))
	return &ThrottleError{Reason: reason, Method: method}
}

// OnRequestDone completes req whatever the handler returned. It releases
// the concurrency slot and records the outcome. It never fails; a second
// call for the same request is ignored.
func (t *Throttle) OnRequestDone(req *Request, err error) {
	if req == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("Request completion failed",
				zap.String("request_id", req.ID.String()),
				zap.String("method", req.Method),
				zap.Any("panic", r))
		}
	}()
	if !req.finished.CompareAndSwap(false, true) {
		return
	}

	if req.slot {
		t.sem.Release(1)
	}
	t.observer.SetInFlight(int(t.inFlight.Add(-1)))

	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	d := time.Since(req.Started)
	t.observer.RequestDone(req.Method, outcome, d)
	t.logger.Debug("Request done",
		zap.String("request_id", req.ID.String()),
		zap.String("method", req.Method),
		zap.String("outcome", outcome),
		zap.Duration("duration", d),
		zap.Error(err))
}

// Stats returns current counters.
func (t *Throttle) Stats() Stats {
	s := Stats{
		Connections: t.conns.Load(),
		InFlight:    t.inFlight.Load(),
		Admitted:    t.admitted.Load(),
		Throttled:   make(map[Reason]uint64, len(reasons)),
	}
	for i, r := range reasons {
		s.Throttled[r] = t.throttled[i].Load()
	}
	return s
}
