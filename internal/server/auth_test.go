package server_test

import (
	"testing"
	"time"

	"CollarLedger/internal/server"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

var caller = common.HexToAddress("0x00000000000000000000000000000000000000b1")

func TestAuthenticator_IssueThenParse(t *testing.T) {
	auth, err := server.NewAuthenticator(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	tok, err := auth.Issue(caller, []string{"keeper"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	addr, claims, err := auth.Parse(tok)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if addr != caller {
		t.Errorf("address = %s, want %s", addr.Hex(), caller.Hex())
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "keeper" {
		t.Errorf("roles = %v", claims.Roles)
	}
}

func TestAuthenticator_Rejects(t *testing.T) {
	auth, _ := server.NewAuthenticator(testSecret)
	sign := func(secret string, c server.Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	valid := func() server.Claims {
		return server.Claims{
			Address: caller.Hex(),
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    "collarledger",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong secret", sign("other-secret", valid())},
		{"expired", func() string {
			c := valid()
			c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
			return sign(testSecret, c)
		}()},
		{"no expiry", func() string {
			c := valid()
			c.ExpiresAt = nil
			return sign(testSecret, c)
		}()},
		{"foreign issuer", func() string {
			c := valid()
			c.Issuer = "someone-else"
			return sign(testSecret, c)
		}()},
		{"bad address", func() string {
			c := valid()
			c.Address = "0xnope"
			return sign(testSecret, c)
		}()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := auth.Parse(tt.token); err == nil {
				t.Fatal("expected rejection")
			}
		})
	}
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	if _, err := server.NewAuthenticator("  "); err == nil {
		t.Fatal("expected error for blank secret")
	}
}
