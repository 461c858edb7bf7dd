package ingestion_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"CollarLedger/internal/access"
	"CollarLedger/internal/command"
	"CollarLedger/internal/core"
	"CollarLedger/internal/fault"
	"CollarLedger/internal/ingestion"
	"CollarLedger/internal/ledger"
	"CollarLedger/internal/message"
	"CollarLedger/internal/pool"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

var (
	adminAddr   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayerAddr = common.HexToAddress("0x00000000000000000000000000000000000000a3")
	selfAddr    = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func startSequencer(t *testing.T) (*ingestion.Sequencer, context.CancelFunc, <-chan error) {
	t.Helper()
	auth := access.NewAuthorizer()
	auth.Grant(access.RoleAdmin, adminAddr)
	auth.Grant(access.RoleRelayer, relayerAddr)

	c := core.NewSettlementCore(
		core.Params{Self: selfAddr, CustodyReceiver: common.HexToAddress("0xc2"), CollateralAllowlist: []ledger.AssetID{ledger.AssetWBTC}},
		core.Deps{Authorizer: auth},
		nil, nil, nil, nil,
	)
	seq := ingestion.NewSequencer(c, 8, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- seq.Run(ctx) }()
	t.Cleanup(cancel)
	return seq, cancel, done
}

func TestSequencer_SubmitAndView(t *testing.T) {
	seq, _, _ := startSequencer(t)
	ctx := context.Background()

	err := seq.Submit(ctx, &command.FundPool{Meta: command.NewMeta(adminAddr, at), Lender: adminAddr, Amount: 500})
	if err != nil {
		t.Fatalf("fund pool: %v", err)
	}

	var st pool.State
	var seqNo int64
	if err := seq.View(ctx, func(c *core.SettlementCore) {
		st = c.PoolState()
		seqNo = c.Sequence()
	}); err != nil {
		t.Fatal(err)
	}
	if st.Liquidity != 500 {
		t.Errorf("liquidity: got %d, want 500", st.Liquidity)
	}
	if seqNo != 1 {
		t.Errorf("sequence: got %d, want 1", seqNo)
	}
}

func TestSequencer_ReturnsCoreVerdict(t *testing.T) {
	seq, _, _ := startSequencer(t)

	err := seq.Submit(context.Background(), &command.FundPool{Meta: command.NewMeta(caller, at), Lender: caller, Amount: 500})
	if fault.KindOf(err) != fault.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestSequencer_DelivererDeduplicatesRedelivery(t *testing.T) {
	seq, _, _ := startSequencer(t)
	ctx := context.Background()

	out := message.NewOutbox(message.DomainExecution)
	env, err := out.Send(message.Message{
		Kind:             message.KindDepositConfirmed,
		LoanID:           1,
		Asset:            ledger.AssetWBTC,
		Amount:           100_000_000,
		Recipient:        selfAddr,
		CustodyAccountID: 7,
	})
	if err != nil {
		t.Fatal(err)
	}

	deliver := seq.Deliverer(relayerAddr, func() time.Time { return at })
	for i := 0; i < 2; i++ {
		if err := deliver(ctx, env); err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
	}

	var status message.Status
	var seqNo int64
	_ = seq.View(ctx, func(c *core.SettlementCore) {
		status = c.Registry().Status(env.ID)
		seqNo = c.Sequence()
	})
	if status != message.StatusPending {
		t.Errorf("status: got %s, want pending", status)
	}
	if seqNo != 1 {
		t.Errorf("redelivery applied twice: sequence %d", seqNo)
	}
}

func TestSequencer_StopRejectsNewWork(t *testing.T) {
	seq, cancel, done := startSequencer(t)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	err := seq.Submit(context.Background(), &command.RequestReturn{Meta: command.NewMeta(caller, at), LoanID: 1})
	if !errors.Is(err, ingestion.ErrSequencerStopped) {
		t.Fatalf("expected ErrSequencerStopped, got %v", err)
	}
}
