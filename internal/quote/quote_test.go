package quote_test

import (
	"errors"
	"testing"

	"CollarLedger/internal/ledger"
	"CollarLedger/internal/quote"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func sampleQuote() quote.Quote {
	return quote.Quote{
		LoanID:           1,
		Borrower:         common.HexToAddress("0x1111111111111111111111111111111111111111"),
		CollateralAsset:  ledger.AssetWBTC,
		CollateralAmount: 100_000_000,
		CustodyAccountID: 7,
		Maturity:         1_700_000_000 + 30*86_400,
		PutStrike:        20_000_000_000,
		CallStrike:       25_000_000_000,
		Principal:        20_000_000_000,
		FeeRateWad:       50_000_000_000_000_000,
		IssuedAt:         1_700_000_000,
		Expiry:           1_700_000_600,
		TakerNonce:       42,
	}
}

func TestSignAndVerify(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	q := sampleQuote()
	sig, err := quote.Sign(q, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := quote.NewVerifier(ethcrypto.PubkeyToAddress(key.PublicKey))
	if err := v.Verify(q, sig); err != nil {
		t.Fatalf("verify: %v", err)
	}

	// Any change to the terms changes the hash and breaks the signature
	q.TakerNonce++
	if err := v.Verify(q, sig); !errors.Is(err, quote.ErrUntrustedQuoter) {
		t.Fatalf("expected untrusted signer after tamper, got %v", err)
	}
}

func TestVerify_UntrustedSigner(t *testing.T) {
	trusted, _ := ethcrypto.GenerateKey()
	rogue, _ := ethcrypto.GenerateKey()
	q := sampleQuote()
	sig, _ := quote.Sign(q, rogue)

	v := quote.NewVerifier(ethcrypto.PubkeyToAddress(trusted.PublicKey))
	if err := v.Verify(q, sig); !errors.Is(err, quote.ErrUntrustedQuoter) {
		t.Fatalf("expected ErrUntrustedQuoter, got %v", err)
	}
}

func TestVerify_BadSignatureLength(t *testing.T) {
	v := quote.NewVerifier()
	if err := v.Verify(sampleQuote(), []byte{1, 2, 3}); !errors.Is(err, quote.ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
}

func TestValidate_Strikes(t *testing.T) {
	q := sampleQuote()
	q.CallStrike = q.PutStrike
	if err := q.Validate(); !errors.Is(err, quote.ErrMalformedQuote) {
		t.Fatalf("expected ErrMalformedQuote, got %v", err)
	}
}

func TestCheckExpiry(t *testing.T) {
	q := sampleQuote()
	if err := quote.CheckExpiry(q, q.Expiry); err != nil {
		t.Errorf("quote must be usable at its expiry second: %v", err)
	}
	if err := quote.CheckExpiry(q, q.Expiry+1); !errors.Is(err, quote.ErrQuoteExpired) {
		t.Errorf("expected ErrQuoteExpired, got %v", err)
	}
}

func TestHashIsStable(t *testing.T) {
	if sampleQuote().Hash() != sampleQuote().Hash() {
		t.Fatal("hash must be deterministic")
	}
	if sampleQuote().Duration() != 30*86_400 {
		t.Errorf("unexpected duration %d", sampleQuote().Duration())
	}
}
