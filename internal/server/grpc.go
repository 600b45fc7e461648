package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"SecuritiesVenue/internal/observability"

	"github.com/goccy/go-json"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service of the venue API.
const ServiceName = "venue.v1.VenueService"

// endpoint binds one Service method to its gRPC method and, when path is
// set, to an HTTP/JSON route on the gateway mux.
type endpoint struct {
	name string
	verb string
	path string
	grpc grpc.MethodDesc
	http func(s *Service, m *observability.Metrics) runtime.HandlerFunc
}

// queryBinder is implemented by requests that read URL query parameters.
type queryBinder interface {
	bindQuery(values map[string][]string) error
}

func bind[Req, Resp any](name, verb, path string, call func(*Service, context.Context, *Req) (*Resp, error)) endpoint {
	return endpoint{
		name: name,
		verb: verb,
		path: path,
		grpc: grpc.MethodDesc{
			MethodName: name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(Req)
				if err := dec(req); err != nil {
					return nil, err
				}
				handler := func(ctx context.Context, r any) (any, error) {
					resp, err := call(srv.(*Service), ctx, r.(*Req))
					if err != nil {
						return nil, toStatus(err)
					}
					return resp, nil
				}
				if interceptor == nil {
					return handler(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
				return interceptor(ctx, req, info, handler)
			},
		},
		http: func(s *Service, m *observability.Metrics) runtime.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
				start := time.Now()
				resp, err := serveHTTP(r, params, func(ctx context.Context, req *Req) (*Resp, error) {
					return call(s, ctx, req)
				})
				observe(m, name, err, start)
				writeHTTP(w, resp, err)
			}
		},
	}
}

// serveHTTP decodes the body, overlays path and query parameters and calls
// the method.
func serveHTTP[Req, Resp any](r *http.Request, params map[string]string, call func(context.Context, *Req) (*Resp, error)) (*Resp, error) {
	req := new(Req)
	if r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, req); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
			}
		}
	}
	if len(params) > 0 {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "path parameters: %v", err)
		}
	}
	if qb, ok := any(req).(queryBinder); ok {
		if err := qb.bindQuery(r.URL.Query()); err != nil {
			return nil, err
		}
	}
	return call(r.Context(), req)
}

func writeHTTP(w http.ResponseWriter, resp any, err error) {
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		st := status.Convert(toStatus(err))
		w.WriteHeader(runtime.HTTPStatusFromCode(st.Code()))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    st.Code().String(),
			"message": st.Message(),
		})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func observe(m *observability.Metrics, method string, err error, start time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, Code(err).String()).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

var endpoints = []endpoint{
	// Markets
	bind("CreateMarket", http.MethodPost, "/v1/markets", (*Service).CreateMarket),
	bind("ListMarkets", http.MethodGet, "/v1/markets", (*Service).ListMarkets),
	bind("GetMarket", http.MethodGet, "/v1/markets/{market_id}", (*Service).GetMarket),
	bind("PauseMarket", http.MethodPost, "/v1/markets/{market_id}/pause", (*Service).PauseMarket),
	bind("ResumeMarket", http.MethodPost, "/v1/markets/{market_id}/resume", (*Service).ResumeMarket),
	bind("BeginSettlement", http.MethodPost, "/v1/markets/{market_id}/settlement", (*Service).BeginSettlement),
	bind("CloseMarket", http.MethodPost, "/v1/markets/{market_id}/close", (*Service).CloseMarket),
	bind("SetMarketActive", http.MethodPost, "/v1/markets/{market_id}/active", (*Service).SetMarketActive),
	bind("UpdateFees", http.MethodPost, "/v1/markets/{market_id}/fees", (*Service).UpdateFees),

	// Pools
	bind("InitializePool", http.MethodPost, "/v1/markets/{market_id}/pool", (*Service).InitializePool),
	bind("GetPool", http.MethodGet, "/v1/markets/{market_id}/pool", (*Service).GetPool),
	bind("SetPoolActive", http.MethodPost, "/v1/markets/{market_id}/pool/active", (*Service).SetPoolActive),
	bind("AddLiquidity", http.MethodPost, "/v1/markets/{market_id}/pool/liquidity", (*Service).AddLiquidity),
	bind("RemoveLiquidity", http.MethodPost, "/v1/markets/{market_id}/pool/withdraw", (*Service).RemoveLiquidity),
	bind("Swap", http.MethodPost, "/v1/markets/{market_id}/swap", (*Service).Swap),
	bind("Quote", http.MethodPost, "/v1/markets/{market_id}/quote", (*Service).Quote),
	bind("GetBook", http.MethodGet, "/v1/markets/{market_id}/book", (*Service).GetBook),

	// Positions
	bind("OpenPosition", http.MethodPost, "/v1/markets/{market_id}/positions", (*Service).OpenPosition),
	bind("ListPositions", http.MethodGet, "/v1/markets/{market_id}/positions", (*Service).ListPositions),
	bind("OpenVarianceSwap", http.MethodPost, "/v1/markets/{market_id}/variance-swaps", (*Service).OpenVarianceSwap),
	bind("ApplyMarketFunding", http.MethodPost, "/v1/markets/{market_id}/funding", (*Service).ApplyMarketFunding),
	bind("PreviewFunding", http.MethodGet, "/v1/markets/{market_id}/funding", (*Service).PreviewFunding),
	bind("GetPosition", http.MethodGet, "/v1/positions/{position_id}", (*Service).GetPosition),
	bind("ClosePosition", http.MethodPost, "/v1/positions/{position_id}/close", (*Service).ClosePosition),
	bind("LiquidatePosition", http.MethodPost, "/v1/positions/{position_id}/liquidate", (*Service).LiquidatePosition),
	bind("ApplyFunding", http.MethodPost, "/v1/positions/{position_id}/funding", (*Service).ApplyFunding),
	bind("ObserveVariance", http.MethodPost, "/v1/positions/{position_id}/variance", (*Service).ObserveVariance),
	bind("SettleVarianceSwap", http.MethodPost, "/v1/positions/{position_id}/settle", (*Service).SettleVarianceSwap),

	// Orders
	bind("SubmitOrder", http.MethodPost, "/v1/markets/{market_id}/orders", (*Service).SubmitOrder),
	bind("ListOrders", http.MethodGet, "/v1/markets/{market_id}/orders", (*Service).ListOrders),
	bind("ExpireOrders", http.MethodPost, "/v1/markets/{market_id}/orders/expire", (*Service).ExpireOrders),
	bind("GetOrder", http.MethodGet, "/v1/orders/{order_id}", (*Service).GetOrder),
	bind("FillOrder", http.MethodPost, "/v1/orders/{order_id}/fill", (*Service).FillOrder),
	bind("CancelOrder", http.MethodPost, "/v1/orders/{order_id}/cancel", (*Service).CancelOrder),
	bind("ExpireOrder", http.MethodPost, "/v1/orders/{order_id}/expire", (*Service).ExpireOrder),

	// Admin
	bind("InjectOracle", http.MethodPost, "/v1/admin/oracle", (*Service).InjectOracle),
	bind("GetSystemStatus", http.MethodGet, "/v1/admin/status", (*Service).GetSystemStatus),
}

// ServiceDesc describes the venue API for grpc.Server.RegisterService.
func ServiceDesc() *grpc.ServiceDesc {
	methods := make([]grpc.MethodDesc, 0, len(endpoints))
	for _, ep := range endpoints {
		methods = append(methods, ep.grpc)
	}
	return &grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*any)(nil),
		Methods:     methods,
		Streams:     []grpc.StreamDesc{},
		Metadata:    "venue/v1/venue.proto",
	}
}

// NewGatewayMux serves every endpoint with an HTTP route, calling the
// service in process.
func NewGatewayMux(svc *Service, metrics *observability.Metrics) (*runtime.ServeMux, error) {
	mux := runtime.NewServeMux()
	for _, ep := range endpoints {
		if ep.path == "" {
			continue
		}
		if err := mux.HandlePath(ep.verb, ep.path, ep.http(svc, metrics)); err != nil {
			return nil, fmt.Errorf("route %s %s: %w", ep.verb, ep.path, err)
		}
	}
	return mux, nil
}

// metricsInterceptor records request counts and latency per method.
func metricsInterceptor(m *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		method := info.FullMethod[strings.LastIndex(info.FullMethod, "/")+1:]
		observe(m, method, err, start)
		if err != nil {
			logger.Debug().Err(err).Str("method", method).Msg("request failed")
		}
		return resp, err
	}
}

// GRPCServer wraps the gRPC server and the gateway HTTP server.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	service       *Service
	metrics       *observability.Metrics
	healthServer  *health.Server
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// ServerDeps holds all dependencies needed by the servers.
type ServerDeps struct {
	Service       *Service
	Metrics       *observability.Metrics
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

// NewGRPCServer creates a gRPC server with the venue, health and
// reflection services registered.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(metricsInterceptor(deps.Metrics, deps.Logger)))
	grpcServer.RegisterService(ServiceDesc(), deps.Service)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		service:       deps.Service,
		metrics:       deps.Metrics,
		healthServer:  healthServer,
		healthChecker: deps.HealthChecker,
		logger:        deps.Logger,
	}
}

// SetServing flips the gRPC health status once recovery has finished.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
	s.healthServer.SetServingStatus(ServiceName, st)
}

// StartGRPC serves gRPC until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.ServeGRPC(ctx, lis)
}

// ServeGRPC serves on lis until ctx is cancelled.
func (s *GRPCServer) ServeGRPC(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP/JSON routes plus /healthz and /readyz
// until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	mux, err := NewGatewayMux(s.service, s.metrics)
	if err != nil {
		return err
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)

	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           httpMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
