package quote

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"CollarLedger/internal/fault"
	"CollarLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

const Domain = "collar-quote-v1"

var (
	ErrQuoteExpired     = fault.Validation("quote: expired")
	ErrBadSignature     = fault.Validation("quote: signature invalid")
	ErrUntrustedQuoter  = fault.Validation("quote: signer is not a trusted quoter")
	ErrMalformedQuote   = fault.Validation("quote: malformed")
	ErrQuoteTermsDiffer = fault.Validation("quote: terms do not match the deposit")
)

// Quote is the signed output of the order-matching service. It binds a
// loan to its collateral, strikes, principal and fee rate. The core never
// prices options; it only checks the hash and the taker nonce.
type Quote struct {
	LoanID           uint64         `json:"loanId"`
	Borrower         common.Address `json:"borrower"`
	CollateralAsset  ledger.AssetID `json:"collateralAsset"`
	CollateralAmount int64          `json:"collateralAmount"`
	CustodyAccountID uint64         `json:"custodyAccountId"`
	Maturity         int64          `json:"maturity"`
	PutStrike        int64          `json:"putStrike"`
	CallStrike       int64          `json:"callStrike"`
	Principal        int64          `json:"principal"`
	FeeRateWad       uint64         `json:"feeRateWad"`
	IssuedAt         int64          `json:"issuedAt"`
	Expiry           int64          `json:"expiry"`
	TakerNonce       uint64         `json:"takerNonce"`
}

func (q Quote) Validate() error {
	switch {
	case q.LoanID == 0:
		return fmt.Errorf("%w: loan id required", ErrMalformedQuote)
	case q.CollateralAmount <= 0 || q.Principal <= 0:
		return fmt.Errorf("%w: amounts must be positive", ErrMalformedQuote)
	case q.PutStrike <= 0 || q.CallStrike <= q.PutStrike:
		return fmt.Errorf("%w: strikes must satisfy 0 < put < call", ErrMalformedQuote)
	case q.Maturity <= q.IssuedAt:
		return fmt.Errorf("%w: maturity must follow issuance", ErrMalformedQuote)
	case q.Expiry < q.IssuedAt:
		return fmt.Errorf("%w: expiry precedes issuance", ErrMalformedQuote)
	}
	return nil
}

// Hash returns the keccak256 digest the quoter signs.
func (q Quote) Hash() common.Hash {
	payload := fmt.Sprintf("%s|loan=%d|borrower=%s|asset=%d|collateral=%d|custody=%d|maturity=%d|put=%d|call=%d|principal=%d|rate=%d|issued=%d|exp=%d|nonce=%d",
		Domain,
		q.LoanID,
		strings.ToLower(q.Borrower.Hex()),
		q.CollateralAsset,
		q.CollateralAmount,
		q.CustodyAccountID,
		q.Maturity,
		q.PutStrike,
		q.CallStrike,
		q.Principal,
		q.FeeRateWad,
		q.IssuedAt,
		q.Expiry,
		q.TakerNonce,
	)
	return ethcrypto.Keccak256Hash([]byte(payload))
}

// Duration is the fee accrual window in seconds.
func (q Quote) Duration() int64 {
	return q.Maturity - q.IssuedAt
}

func Sign(q Quote, key *ecdsa.PrivateKey) ([]byte, error) {
	hash := q.Hash()
	sig, err := ethcrypto.Sign(hash.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign quote: %w", err)
	}
	return sig, nil
}

// RecoverSigner returns the address that produced sig over q.
func RecoverSigner(q Quote, sig []byte) (common.Address, error) {
	if len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d", ErrBadSignature, len(sig))
	}
	pub, err := ethcrypto.SigToPub(q.Hash().Bytes(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verifier checks quotes against a fixed set of trusted quoter addresses.
type Verifier struct {
	trusted map[common.Address]struct{}
}

func NewVerifier(quoters ...common.Address) *Verifier {
	v := &Verifier{trusted: make(map[common.Address]struct{}, len(quoters))}
	for _, q := range quoters {
		v.trusted[q] = struct{}{}
	}
	return v
}

// Verify checks structure and signer. Expiry is checked separately with
// CheckExpiry because only the executing side sees the fill time.
func (v *Verifier) Verify(q Quote, sig []byte) error {
	if err := q.Validate(); err != nil {
		return err
	}
	signer, err := RecoverSigner(q, sig)
	if err != nil {
		return err
	}
	if _, ok := v.trusted[signer]; !ok {
		return fmt.Errorf("%w: %s", ErrUntrustedQuoter, signer.Hex())
	}
	return nil
}

// CheckExpiry fails once now (unix seconds) is past the quote expiry.
func CheckExpiry(q Quote, now int64) error {
	if now > q.Expiry {
		return fmt.Errorf("%w: expiry %d, now %d", ErrQuoteExpired, q.Expiry, now)
	}
	return nil
}
