/*
Package tracing correlates log lines of one request.

Every HTTP request and RPC gets a span. The trace id comes from the caller
(X-Request-ID header, x-request-id metadata) or is generated, and HTTP
responses echo it back. Finished spans are logged through zap.

# Usage

	tracer := tracing.New("rpc-discovery", logger)
	defer tracer.Close()

	router.Use(tracing.HTTPMiddleware(tracer))

	grpc.NewServer(grpc.ChainUnaryInterceptor(tracing.GRPCUnaryInterceptor(tracer)))
*/
package tracing
