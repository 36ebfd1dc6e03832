package client

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/GriffinCanCode/rpc-discovery/internal/api/http"
	"github.com/GriffinCanCode/rpc-discovery/internal/api/middleware"
	"github.com/GriffinCanCode/rpc-discovery/internal/api/rpc"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/service"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

func seed(t *testing.T) (string, id.KeyPair) {
	t.Helper()
	raw, err := id.NewSeed()
	require.NoError(t, err)
	kp, err := id.KeyPairFromSeed(raw)
	require.NoError(t, err)
	return hex.EncodeToString(raw), kp
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

type daemon struct {
	registry *service.Registry
	rpcAddr  string
	rpcKey   id.Key
	httpURL  string
}

// startDaemon runs a registry with both surfaces on loopback.
func startDaemon(t *testing.T, allowed ...id.Key) *daemon {
	t.Helper()
	_, serverKP := seed(t)

	reg, err := service.New(service.Options{Dir: t.TempDir(), Local: serverKP.Public})
	require.NoError(t, err)
	require.NoError(t, reg.Open(testCtx(t)))
	t.Cleanup(func() { reg.Close() })

	srv := rpc.NewServer(rpc.ServerOptions{Identity: serverKP, Allow: middleware.NewAllowSet(allowed...)})
	rpc.RegisterRegistry(srv, reg)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(srv.Stop)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	apihttp.NewHandlers(reg, nil, nil, nil).Register(router)
	web := httptest.NewServer(router)
	t.Cleanup(web.Close)

	return &daemon{registry: reg, rpcAddr: ln.Addr().String(), rpcKey: serverKP.Public, httpURL: web.URL}
}

func TestRegisterAndLookup(t *testing.T) {
	accessSeed, access := seed(t)
	d := startDaemon(t, access.Public)
	ctx := testCtx(t)

	reg, err := NewRegister(d.rpcAddr, accessSeed, &d.rpcKey)
	require.NoError(t, err)
	defer reg.Close()
	assert.Equal(t, access.Public, reg.PublicKey())

	lookup, err := NewLookup(d.httpURL, LookupOptions{Expected: d.registry.Key()})
	require.NoError(t, err)

	var keys []id.Key
	for range 4 {
		_, kp := seed(t)
		keys = append(keys, kp.Public)
		require.NoError(t, reg.PutService(ctx, kp.Public, "svc"))
	}
	require.NoError(t, d.registry.Sync(ctx))

	entries, err := lookup.Lookup(ctx, "svc", 0)
	require.NoError(t, err)
	require.Len(t, entries, DefaultLimit)
	for i, e := range entries {
		assert.Equal(t, keys[i], e.PublicKey)
		assert.Equal(t, "svc", e.ServiceName)
	}

	require.NoError(t, reg.DeleteService(ctx, keys[0]))
	require.NoError(t, d.registry.Sync(ctx))

	entries, err = lookup.Lookup(ctx, "svc", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	all, err := lookup.List(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	entry, err := lookup.Get(ctx, keys[1])
	require.NoError(t, err)
	assert.Equal(t, "svc", entry.ServiceName)

	_, err = lookup.Get(ctx, keys[0])
	assert.ErrorIs(t, err, ErrNotFound)

	info, err := lookup.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Entries)
}

func TestRegisterRejectedWithoutAccess(t *testing.T) {
	_, allowed := seed(t)
	d := startDaemon(t, allowed.Public)

	strangerSeed, _ := seed(t)
	reg, err := NewRegister(d.rpcAddr, strangerSeed, &d.rpcKey)
	require.NoError(t, err)
	defer reg.Close()

	_, kp := seed(t)
	assert.Error(t, reg.PutService(testCtx(t), kp.Public, "svc"))
}

func TestNewRegisterBadSeed(t *testing.T) {
	_, err := NewRegister("127.0.0.1:1", "zz", nil)
	assert.ErrorIs(t, err, id.ErrInvalidSeed)
}

func TestLookupWrongRegistry(t *testing.T) {
	d := startDaemon(t)
	_, other := seed(t)

	lookup, err := NewLookup(d.httpURL, LookupOptions{Expected: other.Public})
	require.NoError(t, err)
	_, err = lookup.Info(testCtx(t))
	assert.ErrorIs(t, err, ErrWrongRegistry)
}

func TestLookupRetriesTransientFailures(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"service":"svc","entries":[],"count":0}`))
	}))
	defer srv.Close()

	lookup, err := NewLookup(srv.URL, LookupOptions{MinWait: time.Millisecond, MaxWait: 5 * time.Millisecond})
	require.NoError(t, err)

	entries, err := lookup.Lookup(testCtx(t), "svc", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, int32(3), attempts.Load())
}

func TestLookupAPIErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"limit must be an integer"}`))
	}))
	defer srv.Close()

	lookup, err := NewLookup(srv.URL, LookupOptions{MinWait: time.Millisecond, MaxWait: time.Millisecond})
	require.NoError(t, err)

	_, err = lookup.List(testCtx(t), 5)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.Status)
	assert.Equal(t, "limit must be an integer", apiErr.Message)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestNewLookupBadURL(t *testing.T) {
	_, err := NewLookup("not a url", LookupOptions{})
	assert.Error(t, err)
}
