package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const issuer = "collarledger"

// Claims identify the caller. Roles are informational; capability checks
// run against the core's role table.
type Claims struct {
	Address string   `json:"address"`
	Roles   []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer tokens and resolves the caller
// address every command is issued under.
type Authenticator struct {
	secret    []byte
	clockSkew time.Duration
	now       func() time.Time
}

func NewAuthenticator(secret string) (*Authenticator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("jwt secret required")
	}
	return &Authenticator{secret: []byte(secret), clockSkew: time.Minute, now: time.Now}, nil
}

// Issue signs a token for addr valid for ttl.
func (a *Authenticator) Issue(addr common.Address, roles []string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := a.now()
	claims := Claims{
		Address: addr.Hex(),
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   addr.Hex(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse validates a token and returns the caller address.
func (a *Authenticator) Parse(tokenStr string) (common.Address, *Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return common.Address{}, nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return common.Address{}, nil, fmt.Errorf("invalid token")
	}
	if !common.IsHexAddress(claims.Address) {
		return common.Address{}, nil, fmt.Errorf("token address %q", claims.Address)
	}
	return common.HexToAddress(claims.Address), claims, nil
}

type callerKey struct{}

func withCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the authenticated caller stored on ctx.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// authenticate resolves the caller from an Authorization header value.
func (a *Authenticator) authenticate(ctx context.Context, header string) (context.Context, error) {
	raw := extractBearer(header)
	if raw == "" {
		return ctx, status.Error(codes.Unauthenticated, "missing bearer token")
	}
	addr, _, err := a.Parse(raw)
	if err != nil {
		return ctx, status.Errorf(codes.Unauthenticated, "invalid token: %v", err)
	}
	return withCaller(ctx, addr), nil
}

// UnaryInterceptor authenticates every RPC except health probes from the
// authorization metadata.
func (a *Authenticator) UnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				header = vals[0]
			}
		}
		ctx, err := a.authenticate(ctx, header)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}
