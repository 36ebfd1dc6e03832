package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/rpc-discovery/internal/domain/health"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/view"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

type mockRegistry struct {
	mock.Mock
}

func (m *mockRegistry) Info() (service.Info, error) {
	args := m.Called()
	return args.Get(0).(service.Info), args.Error(1)
}

func (m *mockRegistry) Lookup(name string, limit int) ([]service.Entry, error) {
	args := m.Called(name, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.Entry), args.Error(1)
}

func (m *mockRegistry) List(limit int) ([]service.Entry, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]service.Entry), args.Error(1)
}

func (m *mockRegistry) Get(key id.Key) (*service.Entry, error) {
	args := m.Called(key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.Entry), args.Error(1)
}

func (m *mockRegistry) HealthOverview() []health.Target {
	return m.Called().Get(0).([]health.Target)
}

func (m *mockRegistry) HealthEnabled() bool {
	return m.Called().Bool(0)
}

func (m *mockRegistry) Check(ctx context.Context, key id.Key) (health.Health, error) {
	args := m.Called(ctx, key)
	return args.Get(0).(health.Health), args.Error(1)
}

type entryJSON struct {
	PublicKey   id.Key `json:"publicKey"`
	ServiceName string `json:"serviceName"`
	Health      string `json:"health"`
}

type entriesJSON struct {
	Service string      `json:"service"`
	Entries []entryJSON `json:"entries"`
	Count   int         `json:"count"`
}

func key(b byte) id.Key {
	var k id.Key
	k[0] = b
	return k
}

func newRouter(reg Registry, metrics *monitoring.Metrics) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandlers(reg, metrics, nil, nil).Register(router)
	return router
}

func get(t *testing.T, router *gin.Engine, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLookupService(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("Lookup", "svc1", 2).Return([]service.Entry{
		{ServiceEntry: view.ServiceEntry{PublicKey: key(1), ServiceName: "svc1"}, Health: health.Healthy},
		{ServiceEntry: view.ServiceEntry{PublicKey: key(2), ServiceName: "svc1"}},
	}, nil)

	w := get(t, newRouter(reg, nil), "/services/svc1?limit=2")
	require.Equal(t, http.StatusOK, w.Code)

	var body entriesJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "svc1", body.Service)
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, []entryJSON{
		{PublicKey: key(1), ServiceName: "svc1", Health: "healthy"},
		{PublicKey: key(2), ServiceName: "svc1", Health: "unknown"},
	}, body.Entries)
	reg.AssertExpectations(t)
}

func TestLimitParsing(t *testing.T) {
	tests := []struct {
		query string
		limit int
		code  int
	}{
		{"", 0, http.StatusOK},
		{"?limit=5", 5, http.StatusOK},
		{"?limit=0", 0, http.StatusOK},
		{fmt.Sprintf("?limit=%d", MaxLimit), MaxLimit, http.StatusOK},
		{fmt.Sprintf("?limit=%d", MaxLimit+1), 0, http.StatusBadRequest},
		{"?limit=-1", 0, http.StatusBadRequest},
		{"?limit=many", 0, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			reg := new(mockRegistry)
			reg.On("List", tt.limit).Return([]service.Entry{}, nil).Maybe()

			w := get(t, newRouter(reg, nil), "/services"+tt.query)
			assert.Equal(t, tt.code, w.Code)
			if tt.code != http.StatusOK {
				reg.AssertNotCalled(t, "List", mock.Anything)
			}
		})
	}
}

func TestGetEntry(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("Get", key(1)).Return(&service.Entry{
		ServiceEntry: view.ServiceEntry{PublicKey: key(1), ServiceName: "svc"},
	}, nil)
	reg.On("Get", key(2)).Return(nil, nil)
	router := newRouter(reg, nil)

	w := get(t, router, "/entries/"+key(1).String())
	require.Equal(t, http.StatusOK, w.Code)
	var entry entryJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entry))
	assert.Equal(t, entryJSON{PublicKey: key(1), ServiceName: "svc", Health: "unknown"}, entry)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/entries/"+key(2).String()).Code)
	assert.Equal(t, http.StatusBadRequest, get(t, router, "/entries/xyz").Code)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"not open", service.ErrNotOpen, http.StatusServiceUnavailable},
		{"closed", fmt.Errorf("lookup: %w", service.ErrClosed), http.StatusServiceUnavailable},
		{"other", assert.AnError, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := new(mockRegistry)
			reg.On("Lookup", "svc", 0).Return(nil, tt.err)
			assert.Equal(t, tt.code, get(t, newRouter(reg, nil), "/services/svc").Code)
		})
	}
}

func TestHealthTargets(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("HealthEnabled").Return(true)
	reg.On("HealthOverview").Return([]health.Target{
		{Key: key(1), Health: health.Unhealthy},
	})
	reg.On("Check", mock.Anything, key(1)).Return(health.Healthy, nil)
	reg.On("Check", mock.Anything, key(3)).Return(health.Unknown, health.ErrUnknownTarget)
	router := newRouter(reg, nil)

	w := get(t, router, "/health/targets")
	require.Equal(t, http.StatusOK, w.Code)
	var overview struct {
		Enabled bool `json:"enabled"`
		Count   int  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &overview))
	assert.True(t, overview.Enabled)
	assert.Equal(t, 1, overview.Count)

	w = get(t, router, "/health/targets/"+key(1).String())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"health":"unhealthy"`)

	w = get(t, router, "/health/targets/"+key(1).String()+"?probe=true")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"health":"healthy"`)

	assert.Equal(t, http.StatusNotFound, get(t, router, "/health/targets/"+key(2).String()).Code)
	assert.Equal(t, http.StatusNotFound, get(t, router, "/health/targets/"+key(3).String()+"?probe=1").Code)
}

func TestHealthDisabledProbe(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("Check", mock.Anything, key(1)).Return(health.Unknown, service.ErrHealthDisabled)

	w := get(t, newRouter(reg, nil), "/health/targets/"+key(1).String()+"?probe=true")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestRootAndHealth(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("Info").Return(service.Info{LogKey: key(7), Entries: 3, Applied: 4}, nil)
	reg.On("HealthEnabled").Return(false)
	router := newRouter(reg, monitoring.NewMetrics(nil))

	w := get(t, router, "/")
	require.Equal(t, http.StatusOK, w.Code)
	var root struct {
		Service string       `json:"service"`
		Info    service.Info `json:"info"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &root))
	assert.Equal(t, "rpc-discovery", root.Service)
	assert.Equal(t, key(7), root.Info.LogKey)

	w = get(t, router, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	var status struct {
		Status  string `json:"status"`
		Entries int    `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, 3, status.Entries)
}

func TestHealthUnavailable(t *testing.T) {
	reg := new(mockRegistry)
	reg.On("Info").Return(service.Info{}, service.ErrClosed)
	reg.On("HealthEnabled").Return(true)

	w := get(t, newRouter(reg, nil), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"unavailable"`)
}
