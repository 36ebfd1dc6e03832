package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/keepalive"

	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/rpc-discovery/internal/infrastructure/transport"
	"github.com/GriffinCanCode/rpc-discovery/internal/shared/id"
)

// Client calls registry methods on a remote server.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to addr presenting identity. When server is set, only a
// peer holding that key is accepted.
func Dial(addr string, identity id.KeyPair, server *id.Key) (*Client, error) {
	tlsCfg, err := transport.ClientTLS(identity, server)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(credentials.NewTLS(tlsCfg)),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                60 * time.Second,
			Timeout:             20 * time.Second,
			PermitWithoutStream: false,
		}),
		grpc.WithUnaryInterceptor(tracing.GRPCClientInterceptor()),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(rawCodec{}),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Invoke sends an encoded request and returns the encoded response.
func (c *Client) Invoke(ctx context.Context, method string, req []byte) ([]byte, error) {
	out := new(Frame)
	if err := c.conn.Invoke(ctx, FullMethod(method), &Frame{Data: req}, out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Call invokes a typed method through c.
func Call[Req, Resp any](ctx context.Context, c *Client, method string, req Encoding[Req], resp Encoding[Resp], in Req) (Resp, error) {
	b, err := c.Invoke(ctx, method, req.Encode(in))
	if err != nil {
		var zero Resp
		return zero, err
	}
	return resp.Decode(b)
}

// PutService registers key under name.
func (c *Client) PutService(ctx context.Context, key id.Key, name string) error {
	_, err := Call(ctx, c, MethodPutService, PutServiceEncoding, EmptyEncoding,
		PutServiceRequest{PublicKey: key, ServiceName: name})
	return err
}

// DeleteService removes the registration of key.
func (c *Client) DeleteService(ctx context.Context, key id.Key) error {
	_, err := Call(ctx, c, MethodDeleteService, DeleteServiceEncoding, EmptyEncoding,
		DeleteServiceRequest{PublicKey: key})
	return err
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
