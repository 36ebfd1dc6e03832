package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

type fakeSource struct {
	enabled bool
	targets []health.Target

	mu   sync.Mutex
	subs []func(health.Change)
	sub  chan struct{}
}

func newFakeSource(enabled bool, targets ...health.Target) *fakeSource {
	return &fakeSource{enabled: enabled, targets: targets, sub: make(chan struct{}, 1)}
}

func (f *fakeSource) HealthEnabled() bool             { return f.enabled }
func (f *fakeSource) HealthOverview() []health.Target { return f.targets }

func (f *fakeSource) SubscribeHealth(fn func(health.Change)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	f.sub <- struct{}{}
	return func() {}
}

func (f *fakeSource) emit(c health.Change) {
	f.mu.Lock()
	subs := append([]func(health.Change){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(c)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	conns    int
	messages int
}

func (o *countingObserver) IncWSConnections() { o.mu.Lock(); o.conns++; o.mu.Unlock() }
func (o *countingObserver) DecWSConnections() { o.mu.Lock(); o.conns--; o.mu.Unlock() }
func (o *countingObserver) RecordWSMessage()  { o.mu.Lock(); o.messages++; o.mu.Unlock() }

func (o *countingObserver) snapshot() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conns, o.messages
}

func serve(t *testing.T, h *Handler) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/stream", h.HandleConnection)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/health/stream"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestStreamSnapshotAndTransitions(t *testing.T) {
	var a, b id.Key
	a[0], b[0] = 1, 2
	src := newFakeSource(true, health.Target{Key: a, Health: health.Healthy})
	obs := &countingObserver{}

	conn := dial(t, serve(t, NewHandler(src, obs, nil)))

	var snap Message
	require.NoError(t, conn.ReadJSON(&snap))
	assert.Equal(t, TypeSnapshot, snap.Type)
	require.Len(t, snap.Targets, 1)
	assert.Equal(t, a, snap.Targets[0].Key)
	<-src.sub

	src.emit(health.Change{Key: b, Previous: health.Unknown, Current: health.Unhealthy, At: time.Now()})

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypeTransition, msg.Type)
	require.NotNil(t, msg.Change)
	assert.Equal(t, b, msg.Change.Key)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, TypePong, msg.Type)

	conns, messages := obs.snapshot()
	assert.Equal(t, 1, conns)
	assert.Equal(t, 1, messages)

	conn.Close()
	assert.Eventually(t, func() bool {
		c, _ := obs.snapshot()
		return c == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStreamRejectedWhenHealthDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health/stream", NewHandler(newFakeSource(false), nil, nil).HandleConnection)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/stream", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
}
