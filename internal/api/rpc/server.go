// Package rpc exposes the registry mutations over gRPC. Messages travel as
// raw frames; each method decodes its own request with an Encoding, so no
// generated stubs are involved.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/stats"
	"google.golang.org/grpc/status"

	"github.com/GriffinCanCode/rpc-discovery/internal/api/middleware"
	"github.com/GriffinCanCode/rpc-discovery/internal/domain/op"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/transport"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

const (
	ServiceName = "discovery.Registry"

	MethodPutService    = "put-service"
	MethodDeleteService = "delete-service"

	maxMessageSize = 1 << 20
)

var ErrServing = errors.New("rpc: server already serving")

// MethodFunc handles one encoded request.
type MethodFunc func(ctx context.Context, req []byte) ([]byte, error)

// FullMethod returns the gRPC path of method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ServerOptions configures a Server.
type ServerOptions struct {
	Identity id.KeyPair
	Allow    *middleware.AllowSet
	Throttle *middleware.Throttle
	// Tracer, when set, opens a span per call.
	Tracer *tracing.Tracer
	Logger *zap.Logger
}

// Server is the mutation endpoint of the registry.
type Server struct {
	identity id.KeyPair
	allow    *middleware.AllowSet
	throttle *middleware.Throttle
	tracer   *tracing.Tracer
	logger   *zap.Logger

	mu      sync.Mutex
	methods map[string]MethodFunc
	grpc    *grpc.Server
}

// NewServer creates a server. A nil Allow set admits nobody.
func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allow := opts.Allow
	if allow == nil {
		allow = middleware.NewAllowSet()
	}
	throttle := opts.Throttle
	if throttle == nil {
		throttle = middleware.NewThrottle(middleware.Limits{}, logger, nil)
	}
	return &Server{
		identity: opts.Identity,
		allow:    allow,
		throttle: throttle,
		tracer:   opts.Tracer,
		logger:   logger.Named("rpc"),
		methods:  make(map[string]MethodFunc),
	}
}

// Handle registers fn under name. Methods must be registered before Serve.
func (s *Server) Handle(name string, fn MethodFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[name] = fn
}

// Register adds a typed method to s.
func Register[Req, Resp any](s *Server, name string, req Encoding[Req], resp Encoding[Resp], fn func(context.Context, Req) (Resp, error)) {
	s.Handle(name, func(ctx context.Context, b []byte) ([]byte, error) {
		in, err := req.Decode(b)
		if err != nil {
			return nil, err
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return resp.Encode(out), nil
	})
}

// Registry is what the mutation methods drive.
type Registry interface {
	AddService(ctx context.Context, key id.Key, name string) error
	DeleteService(ctx context.Context, key id.Key) error
}

// RegisterRegistry adds put-service and delete-service backed by r.
func RegisterRegistry(s *Server, r Registry) {
	Register(s, MethodPutService, PutServiceEncoding, EmptyEncoding,
		func(ctx context.Context, req PutServiceRequest) (Empty, error) {
			return Empty{}, r.AddService(ctx, req.PublicKey, req.ServiceName)
		})
	Register(s, MethodDeleteService, DeleteServiceEncoding, EmptyEncoding,
		func(ctx context.Context, req DeleteServiceRequest) (Empty, error) {
			return Empty{}, r.DeleteService(ctx, req.PublicKey)
		})
}

// Serve accepts connections on lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	gs, err := s.build()
	if err != nil {
		return err
	}
	s.logger.Info("Serving", zap.String("addr", lis.Addr().String()), zap.String("key", s.identity.Public.String()))
	return gs.Serve(lis)
}

func (s *Server) build() (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.grpc != nil {
		return nil, ErrServing
	}

	tlsCfg, err := transport.ServerTLS(s.identity, s.allow.Admit)
	if err != nil {
		return nil, err
	}

	var interceptors []grpc.UnaryServerInterceptor
	if s.tracer != nil {
		interceptors = append(interceptors, tracing.GRPCUnaryInterceptor(s.tracer))
	}
	interceptors = append(interceptors, s.intercept)

	gs := grpc.NewServer(
		grpc.Creds(credentials.NewTLS(tlsCfg)),
		grpc.ForceServerCodec(rawCodec{}),
		grpc.ChainUnaryInterceptor(interceptors...),
		grpc.StatsHandler(&connStats{throttle: s.throttle, logger: s.logger}),
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: false,
		}),
	)

	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
	}
	for name, fn := range s.methods {
		desc.Methods = append(desc.Methods, s.methodDesc(name, fn))
	}
	gs.RegisterService(&desc, s)
	s.grpc = gs
	return gs, nil
}

func (s *Server) methodDesc(name string, fn MethodFunc) grpc.MethodDesc {
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: FullMethod(name)}
	handler := func(ctx context.Context, req any) (any, error) {
		out, err := fn(ctx, req.(*Frame).Data)
		if err != nil {
			return nil, err
		}
		return &Frame{Data: out}, nil
	}
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(_ any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Frame)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// intercept admits the caller and brackets the handler with the throttle.
func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	method := path.Base(info.FullMethod)

	key, err := transport.PeerKey(ctx)
	if err == nil {
		err = s.allow.Admit(key)
	}
	if err != nil {
		s.logger.Warn("Unauthorized request", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.PermissionDenied, err.Error())
	}

	r, err := s.throttle.OnRequest(connFrom(ctx), method)
	if err != nil {
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}
	defer func() { s.throttle.OnRequestDone(r, err) }()

	resp, err = handler(ctx, req)
	if err != nil {
		err = toStatus(err)
	}
	return resp, err
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrBadRequest), errors.Is(err, id.ErrInvalidKey), errors.Is(err, op.ErrInvalidName):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, middleware.ErrThrottled):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen), errors.Is(err, resilience.ErrTooManyRequests):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, fmt.Sprintf("rpc: %v", err))
	}
}

// GracefulStop waits for in-flight calls before stopping.
func (s *Server) GracefulStop() {
	s.mu.Lock()
	gs := s.grpc
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpc
	s.mu.Unlock()
	if gs != nil {
		gs.Stop()
	}
}

// connStats counts open connections into the throttle and tags each
// connection's context with its throttle slot.
type connStats struct {
	throttle *middleware.Throttle
	logger   *zap.Logger
}

type connKey struct{}

// connSlot is filled on ConnBegin; requests on the connection read it.
type connSlot struct {
	conn atomic.Pointer[middleware.Conn]
}

func connFrom(ctx context.Context) *middleware.Conn {
	if slot, ok := ctx.Value(connKey{}).(*connSlot); ok {
		return slot.conn.Load()
	}
	return nil
}

func (c *connStats) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context { return ctx }
func (c *connStats) HandleRPC(context.Context, stats.RPCStats)                       {}

func (c *connStats) TagConn(ctx context.Context, info *stats.ConnTagInfo) context.Context {
	c.logger.Debug("Connection opened", zap.Stringer("remote", info.RemoteAddr))
	return context.WithValue(ctx, connKey{}, &connSlot{})
}

func (c *connStats) HandleConn(ctx context.Context, s stats.ConnStats) {
	slot, ok := ctx.Value(connKey{}).(*connSlot)
	if !ok {
		return
	}
	switch s.(type) {
	case *stats.ConnBegin:
		conn := c.throttle.ConnOpened()
		slot.conn.Store(conn)
		if conn.OverLimit() {
			c.logger.Warn("Connection over limit; its requests will be throttled")
		}
	case *stats.ConnEnd:
		c.throttle.ConnClosed(slot.conn.Load())
		c.logger.Debug("Connection closed")
	}
}
