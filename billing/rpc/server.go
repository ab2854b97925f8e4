package rpc

import (
	"context"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_zap "github.com/grpc-ecosystem/go-grpc-middleware/logging/zap"
	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/recovery"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/code-payments/flipchat-billing/billing"
)

// Server exposes a billing.RemoteService over gRPC.
type Server struct {
	log *zap.Logger
	svc billing.RemoteService
}

func NewServer(log *zap.Logger, svc billing.RemoteService) *Server {
	return &Server{
		log: log,
		svc: svc,
	}
}

// NewGRPCServer creates a gRPC server with the logging and recovery
// interceptors and svc registered.
func NewGRPCServer(log *zap.Logger, svc billing.RemoteService, opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts,
		grpc.UnaryInterceptor(grpc_middleware.ChainUnaryServer(UnaryServerInterceptors(log)...)),
	)
	s := grpc.NewServer(opts...)
	NewServer(log, svc).Register(s)
	return s
}

func UnaryServerInterceptors(log *zap.Logger) []grpc.UnaryServerInterceptor {
	return []grpc.UnaryServerInterceptor{
		grpc_zap.UnaryServerInterceptor(log),
		grpc_recovery.UnaryServerInterceptor(grpc_recovery.WithRecoveryHandler(func(p interface{}) error {
			log.Error("Recovered from panic in billing handler", zap.Any("panic", p))
			return status.Error(codes.Internal, "internal error")
		})),
	}
}

func (s *Server) Register(r grpc.ServiceRegistrar) {
	r.RegisterService(&serviceDesc, s)
}

func (s *Server) isBillingSupported(ctx context.Context, req request) (*structpb.Struct, error) {
	code, err := s.svc.IsBillingSupported(ctx, req.int(fieldAPIVersion), req.string(fieldPackageName), req.string(fieldItemType))
	if err != nil {
		return nil, s.unavailable(methodIsBillingSupported, err)
	}
	return codeStruct(code), nil
}

func (s *Server) getBuyIntent(ctx context.Context, req request) (*structpb.Struct, error) {
	b, err := s.svc.GetBuyIntent(ctx,
		req.int(fieldAPIVersion),
		req.string(fieldPackageName),
		req.string(fieldSku),
		req.string(fieldItemType),
		req.string(fieldDeveloperPayload),
	)
	if err != nil {
		return nil, s.unavailable(methodGetBuyIntent, err)
	}
	return s.bundle(methodGetBuyIntent, b)
}

func (s *Server) getPurchases(ctx context.Context, req request) (*structpb.Struct, error) {
	b, err := s.svc.GetPurchases(ctx,
		req.int(fieldAPIVersion),
		req.string(fieldPackageName),
		req.string(fieldItemType),
		req.string(fieldContinuationToken),
	)
	if err != nil {
		return nil, s.unavailable(methodGetPurchases, err)
	}
	return s.bundle(methodGetPurchases, b)
}

func (s *Server) getSkuDetails(ctx context.Context, req request) (*structpb.Struct, error) {
	b, err := s.svc.GetSkuDetails(ctx,
		req.int(fieldAPIVersion),
		req.string(fieldPackageName),
		req.string(fieldItemType),
		req.strings(fieldSkus),
	)
	if err != nil {
		return nil, s.unavailable(methodGetSkuDetails, err)
	}
	return s.bundle(methodGetSkuDetails, b)
}

func (s *Server) consumePurchase(ctx context.Context, req request) (*structpb.Struct, error) {
	code, err := s.svc.ConsumePurchase(ctx, req.int(fieldAPIVersion), req.string(fieldPackageName), req.string(fieldToken))
	if err != nil {
		return nil, s.unavailable(methodConsumePurchase, err)
	}
	return codeStruct(code), nil
}

func (s *Server) bundle(method string, b billing.Bundle) (*structpb.Struct, error) {
	resp, err := toStruct(b)
	if err != nil {
		s.log.Warn("Failed to encode bundle", zap.String("method", method), zap.Error(err))
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return resp, nil
}

func (s *Server) unavailable(method string, err error) error {
	if st, ok := status.FromError(err); ok {
		return st.Err()
	}
	s.log.Warn("Billing service call failed", zap.String("method", method), zap.Error(err))
	return status.Error(codes.Unavailable, err.Error())
}

type handlerFunc func(s *Server, ctx context.Context, req request) (*structpb.Struct, error)

func unaryHandler(method string, h handlerFunc) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}

			call := func(ctx context.Context, req any) (any, error) {
				return h(srv.(*Server), ctx, request{fields: req.(*structpb.Struct).GetFields()})
			}
			if interceptor == nil {
				return call(ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: fullMethod(method),
			}
			return interceptor(ctx, in, info, call)
		},
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(methodIsBillingSupported, (*Server).isBillingSupported),
		unaryHandler(methodGetBuyIntent, (*Server).getBuyIntent),
		unaryHandler(methodGetPurchases, (*Server).getPurchases),
		unaryHandler(methodGetSkuDetails, (*Server).getSkuDetails),
		unaryHandler(methodConsumePurchase, (*Server).consumePurchase),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "billing/v1/billing.proto",
}
