package ingestion_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"CollarLedger/internal/command"
	"CollarLedger/internal/ingestion"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
)

var (
	caller = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	at     = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	msgID  = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

func payload(t *testing.T, v map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParseInitiateDeposit(t *testing.T) {
	data := payload(t, map[string]any{
		"collateral_asset":   "wbtc",
		"collateral_amount":  int64(100_000_000),
		"maturity":           int64(1_769_904_000),
		"custody_account_id": uint64(7),
		"max_bridge_fee":     int64(50_000),
	})

	cmd, err := ingestion.ParseCommand("InitiateDeposit", caller, at, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	dep, ok := cmd.(*command.InitiateDeposit)
	if !ok {
		t.Fatalf("expected *command.InitiateDeposit, got %T", cmd)
	}
	if dep.CollateralAsset != ledger.AssetWBTC {
		t.Errorf("asset: got %s, want WBTC", dep.CollateralAsset)
	}
	if dep.CollateralAmount != 100_000_000 || dep.CustodyAccountID != 7 || dep.MaxBridgeFee != 50_000 {
		t.Errorf("fields: %+v", dep)
	}
	if dep.BridgeFee != 0 {
		t.Errorf("bridge fee is filled by the API, got %d", dep.BridgeFee)
	}
	if dep.Caller() != caller || !dep.Time().Equal(at) {
		t.Errorf("meta: caller=%s time=%s", dep.Caller().Hex(), dep.Time())
	}
	if dep.IdempotencyKey() == "" {
		t.Error("command id not stamped")
	}
}

func TestParseSettle(t *testing.T) {
	data := payload(t, map[string]any{"loan_id": 3, "outcome": "profit", "message_id": msgID})

	cmd, err := ingestion.ParseCommand("Settle", caller, at, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	s := cmd.(*command.Settle)
	if s.LoanID != 3 || s.Outcome != settlement.OutcomeProfit {
		t.Errorf("got loan=%d outcome=%s", s.LoanID, s.Outcome)
	}
	if s.MessageID != common.HexToHash(msgID) {
		t.Errorf("message id: got %s", s.MessageID.Hex())
	}
}

func TestParseFinalizeLoan(t *testing.T) {
	data := payload(t, map[string]any{
		"loan_id":            1,
		"deposit_message_id": msgID,
		"trade_message_id":   "0x2222222222222222222222222222222222222222222222222222222222222222",
		"quote":              map[string]any{"loanId": 1, "principal": 20_000_000_000, "takerNonce": 9},
		"quote_signature":    "0xabcd",
	})

	cmd, err := ingestion.ParseCommand("FinalizeLoan", caller, at, data)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	f := cmd.(*command.FinalizeLoan)
	if f.Quote.Principal != 20_000_000_000 || f.Quote.TakerNonce != 9 {
		t.Errorf("quote: %+v", f.Quote)
	}
	if len(f.QuoteSignature) != 2 {
		t.Errorf("signature: %x", f.QuoteSignature)
	}
	if f.DepositMessageID == f.TradeMessageID {
		t.Error("message ids swapped or collapsed")
	}
}

func TestParseSimpleCommands(t *testing.T) {
	tests := []struct {
		commandType string
		body        map[string]any
		want        command.CommandType
	}{
		{"FundPool", map[string]any{"lender": caller.Hex(), "amount": 10}, command.CommandTypeFundPool},
		{"RequestReturn", map[string]any{"loan_id": 2}, command.CommandTypeRequestReturn},
		{"RequestCancel", map[string]any{"loan_id": 2}, command.CommandTypeRequestCancel},
		{"FinalizeReturn", map[string]any{"loan_id": 2, "message_id": msgID}, command.CommandTypeFinalizeReturn},
		{"ConvertToVariable", map[string]any{"loan_id": 2, "message_id": msgID}, command.CommandTypeConvertToVariable},
		{"RepayVariable", map[string]any{"loan_id": 2, "amount": 5}, command.CommandTypeRepayVariable},
	}
	for _, tc := range tests {
		t.Run(tc.commandType, func(t *testing.T) {
			cmd, err := ingestion.ParseCommand(tc.commandType, caller, at, payload(t, tc.body))
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			if cmd.CommandType() != tc.want {
				t.Errorf("type: got %s, want %s", cmd.CommandType(), tc.want)
			}
			if tc.want != command.CommandTypeFundPool && cmd.LoanRef() != 2 {
				t.Errorf("loan ref: got %d", cmd.LoanRef())
			}
		})
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name        string
		commandType string
		data        string
	}{
		{"unknown type", "Liquidate", `{}`},
		{"relay only", "DeliverMessage", `{}`},
		{"bad json", "RequestReturn", `{"loan_id":`},
		{"unknown asset", "InitiateDeposit", `{"collateral_asset":"DOGE"}`},
		{"bad outcome", "Settle", `{"loan_id":1,"outcome":"sideways","message_id":"` + msgID + `"}`},
		{"short message id", "FinalizeReturn", `{"loan_id":1,"message_id":"0x1234"}`},
		{"bad lender", "FundPool", `{"lender":"bob","amount":1}`},
		{"missing signature", "FinalizeLoan", `{"loan_id":1,"deposit_message_id":"` + msgID + `","trade_message_id":"` + msgID + `"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ingestion.ParseCommand(tc.commandType, caller, at, []byte(tc.data))
			if !errors.Is(err, ingestion.ErrBadRequest) {
				t.Fatalf("expected ErrBadRequest, got %v", err)
			}
		})
	}
}
