package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CollarLedger/internal/access"
	"CollarLedger/internal/command"
	"CollarLedger/internal/core"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ingestion"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/observability"
	"CollarLedger/internal/query"
	"CollarLedger/internal/quote"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const serviceName = "collar.v1.Ledger"

var errBadArgument = fault.Validation("server: bad argument")

// Sequencer is the command path into the settlement core.
type Sequencer interface {
	Submit(ctx context.Context, cmd command.Command) error
	View(ctx context.Context, fn func(*core.SettlementCore)) error
}

// Reader serves the projected read model.
type Reader interface {
	GetLoan(ctx context.Context, loanID uint64) (*query.LoanResponse, error)
	ListLoans(ctx context.Context, borrower common.Address, limit int, afterLoanID *uint64) ([]query.LoanResponse, error)
	GetLoanHistory(ctx context.Context, loanID uint64) ([]query.LifecycleEntry, error)
	GetWallet(ctx context.Context, owner common.Address) (*query.WalletResponse, error)
	GetJournalHistory(ctx context.Context, owner common.Address, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

// FeeEstimator quotes the bridge fee charged on a deposit.
type FeeEstimator interface {
	FeeEstimate(ctx context.Context, asset ledger.AssetID, receiver common.Address, amount int64) (int64, error)
}

// Deliveries records that a bridge transfer landed on its destination
// domain.
type Deliveries interface {
	MarkDelivered(ctx context.Context, transferID, txHash common.Hash) error
}

// EventLog reports how far the durable log has been written.
type EventLog interface {
	LatestSequence(ctx context.Context) (int64, error)
}

// Deps wires the Ledger service.
type Deps struct {
	Sequencer       Sequencer
	Reader          Reader
	Quotes          quote.Store
	Verifier        *quote.Verifier
	Fees            FeeEstimator
	Authorizer      *access.Authorizer
	CustodyReceiver common.Address
	Deliveries      Deliveries
	EventLog        EventLog
	Rebuild         func(ctx context.Context) error
	Metrics         *observability.Metrics
	Logger          zerolog.Logger
	Now             func() time.Time
}

// Ledger is the API surface: command submission, quote intake, read-model
// queries and admin tooling.
type Ledger struct {
	deps    Deps
	started time.Time
}

func NewLedger(deps Deps) *Ledger {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Ledger{deps: deps, started: deps.Now()}
}

// ============================================================================
// Wire types
// ============================================================================

type SubmitCommandRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitCommandResponse struct {
	CommandID string `json:"command_id"`
	Type      string `json:"type"`
}

type SubmitQuoteRequest struct {
	Quote     quote.Quote   `json:"quote"`
	Signature hexutil.Bytes `json:"signature"`
}

type SubmitQuoteResponse struct {
	Hash string `json:"hash"`
}

type GetLoanRequest struct {
	LoanID uint64 `json:"loan_id"`
}

type ListLoansRequest struct {
	Borrower    string  `json:"borrower"`
	Limit       int     `json:"limit"`
	AfterLoanID *uint64 `json:"after_loan_id,omitempty"`
}

type ListLoansResponse struct {
	Loans []query.LoanResponse `json:"loans"`
}

type LoanHistoryResponse struct {
	LoanID  uint64                 `json:"loan_id"`
	Entries []query.LifecycleEntry `json:"entries"`
}

type GetWalletRequest struct {
	Owner string `json:"owner"`
}

type ListJournalsRequest struct {
	Owner         string `json:"owner"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type ListJournalsResponse struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type Empty struct{}

type MarkTransferDeliveredRequest struct {
	TransferID string `json:"transfer_id"`
	TxHash     string `json:"tx_hash"`
}

type MarkTransferDeliveredResponse struct {
	TransferID string `json:"transfer_id"`
	TxHash     string `json:"tx_hash"`
}

// PoolResponse is read from live core state rather than the projection.
type PoolResponse struct {
	Liquidity       int64  `json:"liquidity"`
	Outstanding     int64  `json:"outstanding"`
	WrittenOff      int64  `json:"written_off"`
	Income          int64  `json:"income"`
	Treasury        int64  `json:"treasury"`
	ActiveLoans     int    `json:"active_loans"`
	PendingDeposits int    `json:"pending_deposits"`
	Sequence        int64  `json:"sequence"`
	StateHash       string `json:"state_hash"`
}

type RebuildResponse struct {
	Rebuilt bool   `json:"rebuilt"`
	Took    string `json:"took"`
}

type EventLogInfoResponse struct {
	LastPersisted int64  `json:"last_persisted"`
	CoreSequence  int64  `json:"core_sequence"`
	Uptime        string `json:"uptime"`
}

// ============================================================================
// Commands
// ============================================================================

// SubmitCommand parses and applies one command under the caller's
// address. Deposits get their bridge fee from the live estimate; the
// borrower's MaxBridgeFee bounds it.
func (l *Ledger) SubmitCommand(ctx context.Context, req *SubmitCommandRequest) (*SubmitCommandResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	cmd, err := ingestion.ParseCommand(req.Type, caller, l.deps.Now(), req.Payload)
	if err != nil {
		return nil, err
	}
	if dep, ok := cmd.(*command.InitiateDeposit); ok && l.deps.Fees != nil {
		fee, err := l.deps.Fees.FeeEstimate(ctx, dep.CollateralAsset, l.deps.CustodyReceiver, dep.CollateralAmount)
		if err != nil {
			return nil, fmt.Errorf("bridge fee estimate: %w", err)
		}
		dep.BridgeFee = fee
	}
	if err := l.deps.Sequencer.Submit(ctx, cmd); err != nil {
		return nil, err
	}
	return &SubmitCommandResponse{CommandID: cmd.IdempotencyKey(), Type: cmd.CommandType().String()}, nil
}

// SubmitQuote accepts a quote from a trusted quoter and stores it for the
// keeper.
func (l *Ledger) SubmitQuote(ctx context.Context, req *SubmitQuoteRequest) (*SubmitQuoteResponse, error) {
	if _, err := requireCaller(ctx); err != nil {
		return nil, err
	}
	if err := l.deps.Verifier.Verify(req.Quote, req.Signature); err != nil {
		return nil, err
	}
	if err := l.deps.Quotes.Put(ctx, quote.Signed{Quote: req.Quote, Signature: req.Signature}); err != nil {
		return nil, fmt.Errorf("store quote: %w", err)
	}
	return &SubmitQuoteResponse{Hash: req.Quote.Hash().Hex()}, nil
}

// ============================================================================
// Queries
// ============================================================================

func (l *Ledger) GetLoan(ctx context.Context, req *GetLoanRequest) (*query.LoanResponse, error) {
	if req.LoanID == 0 {
		return nil, fmt.Errorf("%w: loan_id is required", errBadArgument)
	}
	return l.deps.Reader.GetLoan(ctx, req.LoanID)
}

func (l *Ledger) ListLoans(ctx context.Context, req *ListLoansRequest) (*ListLoansResponse, error) {
	borrower, err := addressOrCaller(ctx, req.Borrower, "borrower")
	if err != nil {
		return nil, err
	}
	loans, err := l.deps.Reader.ListLoans(ctx, borrower, req.Limit, req.AfterLoanID)
	if err != nil {
		return nil, err
	}
	return &ListLoansResponse{Loans: loans}, nil
}

func (l *Ledger) GetLoanHistory(ctx context.Context, req *GetLoanRequest) (*LoanHistoryResponse, error) {
	if req.LoanID == 0 {
		return nil, fmt.Errorf("%w: loan_id is required", errBadArgument)
	}
	entries, err := l.deps.Reader.GetLoanHistory(ctx, req.LoanID)
	if err != nil {
		return nil, err
	}
	return &LoanHistoryResponse{LoanID: req.LoanID, Entries: entries}, nil
}

func (l *Ledger) GetWallet(ctx context.Context, req *GetWalletRequest) (*query.WalletResponse, error) {
	owner, err := addressOrCaller(ctx, req.Owner, "owner")
	if err != nil {
		return nil, err
	}
	return l.deps.Reader.GetWallet(ctx, owner)
}

func (l *Ledger) ListJournals(ctx context.Context, req *ListJournalsRequest) (*ListJournalsResponse, error) {
	owner, err := addressOrCaller(ctx, req.Owner, "owner")
	if err != nil {
		return nil, err
	}
	entries, err := l.deps.Reader.GetJournalHistory(ctx, owner, req.Limit, req.AfterSequence)
	if err != nil {
		return nil, err
	}
	return &ListJournalsResponse{Journals: entries}, nil
}

func (l *Ledger) GetPool(ctx context.Context, _ *Empty) (*PoolResponse, error) {
	var resp PoolResponse
	err := l.deps.Sequencer.View(ctx, func(c *core.SettlementCore) {
		ps := c.PoolState()
		hash := c.StateHash()
		resp = PoolResponse{
			Liquidity:       ps.Liquidity,
			Outstanding:     ps.Outstanding,
			WrittenOff:      ps.WrittenOff,
			Income:          ps.Income,
			Treasury:        c.Treasury(),
			ActiveLoans:     len(c.Loans()),
			PendingDeposits: len(c.PendingDeposits()),
			Sequence:        c.Sequence() - 1,
			StateHash:       hexutil.Encode(hash[:]),
		}
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ============================================================================
// Admin
// ============================================================================

func (l *Ledger) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if err := l.requireAdmin(ctx); err != nil {
		return nil, err
	}
	return l.deps.Reader.VerifyIntegrity(ctx)
}

func (l *Ledger) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if err := l.requireAdmin(ctx); err != nil {
		return nil, err
	}
	if l.deps.Rebuild == nil {
		return nil, status.Error(codes.Unimplemented, "rebuild not configured")
	}
	start := l.deps.Now()
	if err := l.deps.Rebuild(ctx); err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	l.deps.Logger.Info().Dur("took", l.deps.Now().Sub(start)).Msg("projections rebuilt")
	return &RebuildResponse{Rebuilt: true, Took: l.deps.Now().Sub(start).String()}, nil
}

func (l *Ledger) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	if err := l.requireAdmin(ctx); err != nil {
		return nil, err
	}
	var resp EventLogInfoResponse
	if l.deps.EventLog != nil {
		seq, err := l.deps.EventLog.LatestSequence(ctx)
		if err != nil {
			return nil, fmt.Errorf("latest sequence: %w", err)
		}
		resp.LastPersisted = seq
	}
	if err := l.deps.Sequencer.View(ctx, func(c *core.SettlementCore) {
		resp.CoreSequence = c.Sequence() - 1
	}); err != nil {
		return nil, err
	}
	resp.Uptime = l.deps.Now().Sub(l.started).Round(time.Second).String()
	return &resp, nil
}

// MarkTransferDelivered is how the bridge relayer reports the destination
// transaction of a transfer. Both daemons see the delivery through the
// shared transfer records.
func (l *Ledger) MarkTransferDelivered(ctx context.Context, req *MarkTransferDeliveredRequest) (*MarkTransferDeliveredResponse, error) {
	caller, err := requireCaller(ctx)
	if err != nil {
		return nil, err
	}
	if err := l.deps.Authorizer.Require(caller, access.RoleRelayer); err != nil {
		return nil, err
	}
	if l.deps.Deliveries == nil {
		return nil, status.Error(codes.Unimplemented, "transfer deliveries not configured")
	}
	id, err := parseHash(req.TransferID, "transfer_id")
	if err != nil {
		return nil, err
	}
	tx, err := parseHash(req.TxHash, "tx_hash")
	if err != nil {
		return nil, err
	}
	if err := l.deps.Deliveries.MarkDelivered(ctx, id, tx); err != nil {
		return nil, err
	}
	l.deps.Logger.Info().Str("transfer_id", id.Hex()).Str("tx_hash", tx.Hex()).
		Str("relayer", caller.Hex()).Msg("bridge transfer delivered")
	return &MarkTransferDeliveredResponse{TransferID: id.Hex(), TxHash: tx.Hex()}, nil
}

func (l *Ledger) requireAdmin(ctx context.Context) error {
	caller, err := requireCaller(ctx)
	if err != nil {
		return err
	}
	return l.deps.Authorizer.Require(caller, access.RoleAdmin)
}

func requireCaller(ctx context.Context) (common.Address, error) {
	caller, ok := CallerFrom(ctx)
	if !ok {
		return common.Address{}, status.Error(codes.Unauthenticated, "no caller")
	}
	return caller, nil
}

func parseHash(s, field string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("%w: %s %q", errBadArgument, field, s)
	}
	return common.BytesToHash(b), nil
}

// addressOrCaller parses s, defaulting to the caller when s is empty.
func addressOrCaller(ctx context.Context, s, field string) (common.Address, error) {
	if s == "" {
		return requireCaller(ctx)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %s %q", errBadArgument, field, s)
	}
	return common.HexToAddress(s), nil
}

// ============================================================================
// Service descriptor
// ============================================================================

// ledgerService lists the methods the descriptor dispatches to.
type ledgerService interface {
	SubmitCommand(context.Context, *SubmitCommandRequest) (*SubmitCommandResponse, error)
	SubmitQuote(context.Context, *SubmitQuoteRequest) (*SubmitQuoteResponse, error)
	GetLoan(context.Context, *GetLoanRequest) (*query.LoanResponse, error)
	ListLoans(context.Context, *ListLoansRequest) (*ListLoansResponse, error)
	GetLoanHistory(context.Context, *GetLoanRequest) (*LoanHistoryResponse, error)
	GetWallet(context.Context, *GetWalletRequest) (*query.WalletResponse, error)
	ListJournals(context.Context, *ListJournalsRequest) (*ListJournalsResponse, error)
	GetPool(context.Context, *Empty) (*PoolResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	RebuildProjections(context.Context, *Empty) (*RebuildResponse, error)
	GetEventLogInfo(context.Context, *Empty) (*EventLogInfoResponse, error)
	MarkTransferDelivered(context.Context, *MarkTransferDeliveredRequest) (*MarkTransferDeliveredResponse, error)
}

var _ ledgerService = (*Ledger)(nil)

// ServiceDesc registers Ledger on a grpc.Server using the JSON codec.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ledgerService)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitCommand", (*Ledger).SubmitCommand),
		unary("SubmitQuote", (*Ledger).SubmitQuote),
		unary("GetLoan", (*Ledger).GetLoan),
		unary("ListLoans", (*Ledger).ListLoans),
		unary("GetLoanHistory", (*Ledger).GetLoanHistory),
		unary("GetWallet", (*Ledger).GetWallet),
		unary("ListJournals", (*Ledger).ListJournals),
		unary("GetPool", (*Ledger).GetPool),
		unary("VerifyIntegrity", (*Ledger).VerifyIntegrity),
		unary("RebuildProjections", (*Ledger).RebuildProjections),
		unary("GetEventLogInfo", (*Ledger).GetEventLogInfo),
		unary("MarkTransferDelivered", (*Ledger).MarkTransferDelivered),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collar/v1/ledger",
}

func unary[Req, Resp any](name string, call func(*Ledger, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "decode: %v", err)
			}
			l := srv.(*Ledger)
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return l.observe(name, func() (any, error) { return call(l, ctx, req.(*Req)) })
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// observe records metrics for one call and maps its error to a status.
func (l *Ledger) observe(endpoint string, fn func() (any, error)) (any, error) {
	start := time.Now()
	resp, err := fn()
	err = toStatus(err)
	if m := l.deps.Metrics; m != nil {
		m.QueryRequests.WithLabelValues(endpoint, status.Code(err).String()).Inc()
		m.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
	if status.Code(err) == codes.Internal {
		l.deps.Logger.Error().Err(err).Str("endpoint", endpoint).Msg("request failed")
	}
	return resp, err
}
