package access_test

import (
	"errors"
	"testing"

	"CollarLedger/internal/access"
	"CollarLedger/internal/fault"

	"github.com/ethereum/go-ethereum/common"
)

func TestAuthorizer_RequireAndRevoke(t *testing.T) {
	keeper := common.HexToAddress("0x0b")
	a := access.NewAuthorizer()
	a.Grant(access.RoleKeeper, keeper)

	if err := a.Require(keeper, access.RoleKeeper); err != nil {
		t.Fatalf("granted role rejected: %v", err)
	}
	err := a.Require(keeper, access.RoleAdmin)
	if !errors.Is(err, access.ErrUnauthorized) || fault.KindOf(err) != fault.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	a.Revoke(access.RoleKeeper, keeper)
	if a.Has(keeper, access.RoleKeeper) {
		t.Fatal("revoked role still present")
	}
}

func TestRequireBorrower(t *testing.T) {
	b := common.HexToAddress("0x01")
	if err := access.RequireBorrower(b, b); err != nil {
		t.Fatal(err)
	}
	if err := access.RequireBorrower(common.HexToAddress("0x02"), b); !errors.Is(err, access.ErrNotBorrower) {
		t.Fatalf("expected ErrNotBorrower, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	if r, err := access.ParseRole(" Keeper "); err != nil || r != access.RoleKeeper {
		t.Fatalf("got %q, %v", r, err)
	}
	if _, err := access.ParseRole("root"); !errors.Is(err, access.ErrUnknownRole) {
		t.Fatalf("expected ErrUnknownRole, got %v", err)
	}
}
