package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"CollarLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPCServer serves the Ledger service over gRPC (JSON codec) and the
// same methods as HTTP/JSON routes.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	grpcAddr      string
	httpAddr      string
	ledger        *Ledger
	auth          *Authenticator
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// NewGRPCServer registers the Ledger service and the standard health
// service. Clients select the codec with grpc.CallContentSubtype("json").
func NewGRPCServer(grpcAddr, httpAddr string, ledger *Ledger, auth *Authenticator,
	healthChecker *observability.HealthChecker, logger zerolog.Logger,
) *GRPCServer {
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(auth.UnaryInterceptor()))
	grpcServer.RegisterService(&ServiceDesc, ledger)

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)

	return &GRPCServer{
		grpcServer:    grpcServer,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		ledger:        ledger,
		auth:          auth,
		healthChecker: healthChecker,
		logger:        logger,
	}
}

// StartGRPC serves until ctx is cancelled.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP routes until ctx is cancelled.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	handler, err := s.HTTPHandler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// HTTPHandler builds the HTTP mux: API routes plus /healthz and /readyz.
func (s *GRPCServer) HTTPHandler() (http.Handler, error) {
	mux := runtime.NewServeMux()

	routes := []struct {
		method, pattern, endpoint string
		call                      httpCall
	}{
		{"POST", "/v1/commands", "SubmitCommand", s.submitCommand},
		{"POST", "/v1/quotes", "SubmitQuote", s.submitQuote},
		{"GET", "/v1/loans", "ListLoans", s.listLoans},
		{"GET", "/v1/loans/{loan_id}", "GetLoan", s.getLoan},
		{"GET", "/v1/loans/{loan_id}/history", "GetLoanHistory", s.getLoanHistory},
		{"GET", "/v1/wallets/{owner}", "GetWallet", s.getWallet},
		{"GET", "/v1/wallets/{owner}/journals", "ListJournals", s.listJournals},
		{"GET", "/v1/pool", "GetPool", s.getPool},
		{"POST", "/v1/admin/verify", "VerifyIntegrity", s.verifyIntegrity},
		{"POST", "/v1/admin/rebuild", "RebuildProjections", s.rebuildProjections},
		{"GET", "/v1/admin/eventlog", "GetEventLogInfo", s.eventLogInfo},
		{"POST", "/v1/admin/transfers/{transfer_id}/delivered", "MarkTransferDelivered", s.markTransferDelivered},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.handle(rt.endpoint, rt.call)); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	}
	httpMux.Handle("/", mux)
	return httpMux, nil
}

type httpCall func(ctx context.Context, r *http.Request, params map[string]string) (any, error)

func (s *GRPCServer) handle(endpoint string, call httpCall) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx, err := s.auth.authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, err)
			return
		}
		resp, err := s.ledger.observe(endpoint, func() (any, error) { return call(ctx, r, params) })
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ============================================================================
// Route bindings
// ============================================================================

func (s *GRPCServer) submitCommand(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	var req SubmitCommandRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.ledger.SubmitCommand(ctx, &req)
}

func (s *GRPCServer) submitQuote(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	var req SubmitQuoteRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.ledger.SubmitQuote(ctx, &req)
}

func (s *GRPCServer) listLoans(ctx context.Context, r *http.Request, _ map[string]string) (any, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		return nil, err
	}
	req := ListLoansRequest{Borrower: q.Get("borrower"), Limit: limit}
	if v := q.Get("after"); v != "" {
		after, err := parseLoanID(v)
		if err != nil {
			return nil, err
		}
		req.AfterLoanID = &after
	}
	return s.ledger.ListLoans(ctx, &req)
}

func (s *GRPCServer) getLoan(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	id, err := parseLoanID(params["loan_id"])
	if err != nil {
		return nil, err
	}
	return s.ledger.GetLoan(ctx, &GetLoanRequest{LoanID: id})
}

func (s *GRPCServer) getLoanHistory(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	id, err := parseLoanID(params["loan_id"])
	if err != nil {
		return nil, err
	}
	return s.ledger.GetLoanHistory(ctx, &GetLoanRequest{LoanID: id})
}

func (s *GRPCServer) getWallet(ctx context.Context, _ *http.Request, params map[string]string) (any, error) {
	return s.ledger.GetWallet(ctx, &GetWalletRequest{Owner: params["owner"]})
}

func (s *GRPCServer) listJournals(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		return nil, err
	}
	req := ListJournalsRequest{Owner: params["owner"], Limit: limit}
	if v := q.Get("after"); v != "" {
		after, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: after %q", errBadArgument, v)
		}
		req.AfterSequence = &after
	}
	return s.ledger.ListJournals(ctx, &req)
}

func (s *GRPCServer) getPool(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return s.ledger.GetPool(ctx, &Empty{})
}

func (s *GRPCServer) verifyIntegrity(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return s.ledger.VerifyIntegrity(ctx, &Empty{})
}

func (s *GRPCServer) rebuildProjections(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return s.ledger.RebuildProjections(ctx, &Empty{})
}

func (s *GRPCServer) eventLogInfo(ctx context.Context, _ *http.Request, _ map[string]string) (any, error) {
	return s.ledger.GetEventLogInfo(ctx, &Empty{})
}

func (s *GRPCServer) markTransferDelivered(ctx context.Context, r *http.Request, params map[string]string) (any, error) {
	var req MarkTransferDeliveredRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	req.TransferID = params["transfer_id"]
	return s.ledger.MarkTransferDelivered(ctx, &req)
}

// ============================================================================
// Helpers
// ============================================================================

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: body: %v", errBadArgument, err)
	}
	return nil
}

func parseLoanID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: loan id %q", errBadArgument, s)
	}
	return id, nil
}

func queryInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q", errBadArgument, field, s)
	}
	return n, nil
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	st := status.Convert(toStatus(err))
	writeJSON(w, runtime.HTTPStatusFromCode(st.Code()), errorBody{Code: st.Code().String(), Message: st.Message()})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
