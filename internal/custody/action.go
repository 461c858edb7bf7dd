package custody

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const actionDomain = "collar-custody-action-v1"

// ActionKind is the closed set of things the agent can authorize against a
// custody account.
type ActionKind uint8

const (
	ActionDeposit ActionKind = iota + 1
	ActionWithdraw
	ActionTrade
	ActionTransfer
)

func (k ActionKind) String() string {
	switch k {
	case ActionDeposit:
		return "deposit"
	case ActionWithdraw:
		return "withdraw"
	case ActionTrade:
		return "trade"
	case ActionTransfer:
		return "transfer"
	default:
		return fmt.Sprintf("action(%d)", uint8(k))
	}
}

// Action is one authorized change to a custody account.
//
//	Deposit:  Base[Asset] += Amount
//	Withdraw: Base[Asset] -= Amount, bridged to Counterparty
//	Trade:    expire the loan's positions if CloseLoan, Base[Asset] -= Amount,
//	          Cash += CashDelta, open Open
//	Transfer: Cash -= Amount, bridged to Counterparty
type Action struct {
	Kind             ActionKind     `json:"kind"`
	Seq              uint64         `json:"seq"`
	LoanID           uint64         `json:"loanId"`
	CustodyAccountID uint64         `json:"custodyAccountId"`
	Asset            ledger.AssetID `json:"asset"`
	Amount           int64          `json:"amount"`
	CashDelta        int64          `json:"cashDelta,omitempty"`
	Open             []Position     `json:"open,omitempty"`
	CloseLoan        bool           `json:"closeLoan,omitempty"`
	Counterparty     common.Address `json:"counterparty,omitempty"`
	BridgeTransferID common.Hash    `json:"bridgeTransferId,omitempty"`
}

// Hash returns the keccak256 digest the agent key signs.
func (a Action) Hash() common.Hash {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|kind=%d|seq=%d|loan=%d|account=%d|asset=%d|amount=%d|cash=%d|close=%t|to=%s|transfer=%s",
		actionDomain,
		a.Kind,
		a.Seq,
		a.LoanID,
		a.CustodyAccountID,
		a.Asset,
		a.Amount,
		a.CashDelta,
		a.CloseLoan,
		strings.ToLower(a.Counterparty.Hex()),
		a.BridgeTransferID.Hex(),
	)
	for _, p := range a.Open {
		fmt.Fprintf(&b, "|pos=%d:%s:%t:%d:%d:%d:%d", p.LoanID, p.Type, p.Short, p.Asset, p.Size, p.Strike, p.Expiry)
	}
	return ethcrypto.Keccak256Hash([]byte(b.String()))
}

// SignedAction is an action together with the agent's signature over its hash.
type SignedAction struct {
	Action    Action         `json:"action"`
	Hash      common.Hash    `json:"hash"`
	Signature []byte         `json:"signature"`
	Signer    common.Address `json:"signer"`
}

func signAction(a Action, key *ecdsa.PrivateKey) (SignedAction, error) {
	hash := a.Hash()
	sig, err := ethcrypto.Sign(hash.Bytes(), key)
	if err != nil {
		return SignedAction{}, fmt.Errorf("sign %s action: %w", a.Kind, err)
	}
	return SignedAction{
		Action:    a,
		Hash:      hash,
		Signature: sig,
		Signer:    ethcrypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Verify checks that the signature matches the action and the claimed signer.
func (s SignedAction) Verify() error {
	if s.Action.Hash() != s.Hash {
		return fmt.Errorf("signed action hash does not match content")
	}
	if len(s.Signature) != ethcrypto.SignatureLength {
		return fmt.Errorf("signed action: signature length %d", len(s.Signature))
	}
	pub, err := ethcrypto.SigToPub(s.Hash.Bytes(), s.Signature)
	if err != nil {
		return fmt.Errorf("signed action: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != s.Signer {
		return fmt.Errorf("signed action: recovered %s, claimed %s", got.Hex(), s.Signer.Hex())
	}
	return nil
}
