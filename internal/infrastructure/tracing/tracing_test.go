package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func observed(t *testing.T) (*Tracer, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	return New("test", zap.New(core)), logs
}

func TestStartSpanInheritsTrace(t *testing.T) {
	tracer, _ := observed(t)
	defer tracer.Close()

	parent, ctx := tracer.StartSpan(context.Background(), "parent")
	child, _ := tracer.StartSpan(ctx, "child")

	assert.NotEmpty(t, parent.TraceID)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.SpanID, child.ParentID)
	assert.NotEqual(t, parent.SpanID, child.SpanID)
}

func TestHTTPMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tracer, logs := observed(t)

	router := gin.New()
	router.Use(HTTPMiddleware(tracer))
	var seen TraceID
	router.GET("/services/:name", func(c *gin.Context) {
		seen = TraceIDFrom(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/services/svc", nil)
	req.Header.Set(HeaderRequestID, "req-1")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-1", w.Header().Get(HeaderRequestID))
	assert.Equal(t, TraceID("req-1"), seen)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/services/svc", nil))
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.NotEqual(t, "req-1", w.Header().Get(HeaderRequestID))

	tracer.Close()
	spans := logs.FilterMessage("Span completed").All()
	require.Len(t, spans, 2)
	assert.Equal(t, "GET /services/:name", spans[0].ContextMap()["operation"])
	assert.Equal(t, "200", spans[0].ContextMap()["status"])
}

func TestGRPCInterceptors(t *testing.T) {
	tracer, logs := observed(t)

	// client side puts the id into outgoing metadata
	ctx := WithTraceID(context.Background(), "rpc-1")
	var out metadata.MD
	err := GRPCClientInterceptor()(ctx, "/m", nil, nil, nil,
		func(ctx context.Context, _ string, _, _ any, _ *grpc.ClientConn, _ ...grpc.CallOption) error {
			out, _ = metadata.FromOutgoingContext(ctx)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"rpc-1"}, out.Get(MetadataRequestID))

	// server side picks it up
	in := metadata.NewIncomingContext(context.Background(), out)
	info := &grpc.UnaryServerInfo{FullMethod: "/discovery.Registry/put-service"}
	_, err = GRPCUnaryInterceptor(tracer)(in, nil, info, func(ctx context.Context, _ any) (any, error) {
		assert.Equal(t, TraceID("rpc-1"), TraceIDFrom(ctx))
		return nil, status.Error(codes.InvalidArgument, "bad")
	})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	tracer.Close()
	failed := logs.FilterMessage("Span completed with error").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "InvalidArgument", failed[0].ContextMap()["status"])
}

func TestSubmitAfterClose(t *testing.T) {
	tracer, _ := observed(t)
	tracer.Close()
	span, _ := tracer.StartSpan(context.Background(), "late")
	tracer.Submit(span)
	tracer.Close()
}
