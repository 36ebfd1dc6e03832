package tracing

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	// HeaderRequestID carries the trace id over HTTP.
	HeaderRequestID = "X-Request-ID"
	// MetadataRequestID carries the trace id over gRPC.
	MetadataRequestID = "x-request-id"

	// ids longer than this from callers are replaced
	maxRequestIDLen = 128
)

func accept(id string) TraceID {
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	return TraceID(id)
}

// HTTPMiddleware creates Gin middleware for HTTP tracing. The trace id is
// taken from X-Request-ID when the caller sends one and echoed back.
func HTTPMiddleware(tracer *Tracer) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if id := accept(c.GetHeader(HeaderRequestID)); id != "" {
			ctx = WithTraceID(ctx, id)
		}

		name := c.FullPath()
		if name == "" {
			name = "unmatched"
		}
		span, ctx := tracer.StartSpan(ctx, c.Request.Method+" "+name)
		span.SetTag("http.path", c.Request.URL.Path)

		c.Request = c.Request.WithContext(ctx)
		c.Header(HeaderRequestID, string(span.TraceID))

		c.Next()

		span.Status = strconv.Itoa(c.Writer.Status())
		if len(c.Errors) > 0 {
			span.SetError(c.Errors.Last())
		}
		span.Finish()
		tracer.Submit(span)
	}
}

// GRPCUnaryInterceptor creates a gRPC unary interceptor for tracing
func GRPCUnaryInterceptor(tracer *Tracer) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get(MetadataRequestID); len(vals) > 0 {
				if id := accept(vals[0]); id != "" {
					ctx = WithTraceID(ctx, id)
				}
			}
		}

		span, ctx := tracer.StartSpan(ctx, info.FullMethod)
		span.SetTag("rpc.system", "grpc")

		resp, err := handler(ctx, req)

		span.Status = status.Code(err).String()
		if err != nil {
			span.SetError(err)
		}
		span.Finish()
		tracer.Submit(span)
		return resp, err
	}
}

// GRPCClientInterceptor forwards the trace id of ctx, if any, to the server.
func GRPCClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := TraceIDFrom(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, MetadataRequestID, string(id))
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}
