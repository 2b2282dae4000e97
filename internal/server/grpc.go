package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"EscrowLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name
const ServiceName = "escrow.v1.MarketplaceService"

// unary builds the method descriptor for one MarketplaceService method
func unary[Req, Resp any](name string, call func(MarketplaceService, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + ServiceName + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(MarketplaceService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			})
		},
	}
}

// ServiceDesc describes MarketplaceService for grpc.Server.RegisterService
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MarketplaceService)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitAction", MarketplaceService.SubmitAction),
		unary("GiveRuling", MarketplaceService.GiveRuling),
		unary("ListDisputes", MarketplaceService.ListDisputes),
		unary("GetWallet", MarketplaceService.GetWallet),
		unary("GetAllowance", MarketplaceService.GetAllowance),
		unary("GetDelegate", MarketplaceService.GetDelegate),
		unary("GetListing", MarketplaceService.GetListing),
		unary("ListListings", MarketplaceService.ListListings),
		unary("GetOffer", MarketplaceService.GetOffer),
		unary("ListOffers", MarketplaceService.ListOffers),
		unary("ListRecords", MarketplaceService.ListRecords),
		unary("ListJournals", MarketplaceService.ListJournals),
		unary("GetLedgerStatus", MarketplaceService.GetLedgerStatus),
		unary("VerifyIntegrity", MarketplaceService.VerifyIntegrity),
	},
	Metadata: "escrow/v1/marketplace",
}

// GRPCServer wraps the gRPC server and the HTTP gateway
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	grpcAddr      string
	httpAddr      string
	service       MarketplaceService
	healthChecker *observability.HealthChecker
	metrics       *observability.Metrics
	logger        zerolog.Logger
}

// ServerDeps holds everything the servers need
type ServerDeps struct {
	Service       MarketplaceService
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	// MetricsHandler serves /metrics on the HTTP port when set
	MetricsHandler http.Handler
	Logger         zerolog.Logger
}

// NewGRPCServer creates the gRPC server with the marketplace and health
// services registered, and the HTTP gateway routed onto the same service.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		healthChecker: deps.HealthChecker,
		metrics:       deps.Metrics,
		logger:        deps.Logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.unaryInterceptor))
	s.grpcServer.RegisterService(&ServiceDesc, deps.Service)

	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl
	reflection.Register(s.grpcServer)

	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.httpHandler(deps.MetricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// SetServing flips the gRPC health status, mirroring readiness
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// Server exposes the underlying gRPC server for in-process listeners
func (s *GRPCServer) Server() *grpc.Server {
	return s.grpcServer
}

// StartGRPC serves gRPC until ctx is cancelled
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON API until ctx is cancelled
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// unaryInterceptor maps ledger errors to status codes and records the call
func (s *GRPCServer) unaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	err = ToStatus(err)
	s.observe(info.FullMethod, err, start)
	return resp, err
}

func (s *GRPCServer) observe(method string, err error, start time.Time) {
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.RPCRequests.WithLabelValues(method, code.String()).Inc()
	}
	ev := s.logger.Debug()
	switch code {
	case codes.Internal, codes.Unknown, codes.Unavailable:
		ev = s.logger.Error()
	}
	ev.Str("method", method).
		Str("code", code.String()).
		Dur("took", time.Since(start)).
		Err(err).
		Msg("rpc")
}
