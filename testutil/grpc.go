package testutil

import (
	"context"
	"net"
	"testing"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufferSize = 1024 * 1024

// Server is an in-process gRPC server reachable through a bufconn listener.
type Server struct {
	lis               *bufconn.Listener
	clientInterceptor []grpc.UnaryClientInterceptor
}

// StartGRPCServer serves the registered services until the test finishes.
// Panics in handlers are recovered before any configured interceptor runs.
func StartGRPCServer(t *testing.T, opts ...ServerOption) *Server {
	o := serverOpts{
		unaryServerInterceptors: []grpc.UnaryServerInterceptor{
			grpc_recovery.UnaryServerInterceptor(),
		},
	}
	for _, opt := range opts {
		opt(&o)
	}

	lis := bufconn.Listen(bufferSize)
	serv := grpc.NewServer(
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(o.unaryServerInterceptors...)),
	)
	for _, r := range o.registrants {
		r(serv)
	}

	log := zap.Must(zap.NewDevelopment())
	go func() {
		if err := serv.Serve(lis); err != nil {
			log.Warn("Failed to shutdown test server", zap.Error(err))
		}
	}()

	t.Cleanup(func() {
		serv.Stop()
		if err := lis.Close(); err != nil {
			log.Warn("Failed to shutdown test listener", zap.Error(err))
		}
	})

	return &Server{lis: lis, clientInterceptor: o.unaryClientInterceptors}
}

// RunGRPCServer starts a server and returns a client connection to it that is
// closed with the test.
func RunGRPCServer(t *testing.T, opts ...ServerOption) grpc.ClientConnInterface {
	s := StartGRPCServer(t, opts...)

	cc, err := grpc.NewClient(s.Target(), s.DialOptions()...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
	})

	return cc
}

// Target is the dial target to pair with DialOptions.
func (s *Server) Target() string {
	return "localhost:0"
}

func (s *Server) DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return s.lis.DialContext(ctx)
		}),
		grpc.WithChainUnaryInterceptor(s.clientInterceptor...),
	}
}

type serverOpts struct {
	registrants []func(*grpc.Server)

	unaryClientInterceptors []grpc.UnaryClientInterceptor
	unaryServerInterceptors []grpc.UnaryServerInterceptor
}

// ServerOption configures the settings when creating a test server.
type ServerOption func(o *serverOpts)

// WithUnaryClientInterceptor adds a unary client interceptor to the dial options.
func WithUnaryClientInterceptor(i grpc.UnaryClientInterceptor) ServerOption {
	return func(o *serverOpts) {
		o.unaryClientInterceptors = append(o.unaryClientInterceptors, i)
	}
}

// WithUnaryServerInterceptor adds a unary server interceptor to the test server.
func WithUnaryServerInterceptor(i grpc.UnaryServerInterceptor) ServerOption {
	return func(o *serverOpts) {
		o.unaryServerInterceptors = append(o.unaryServerInterceptors, i)
	}
}

// WithService registers a function to be called in order to bind a service.
func WithService(f func(*grpc.Server)) ServerOption {
	return func(o *serverOpts) {
		o.registrants = append(o.registrants, f)
	}
}
