package access

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"CollarLedger/internal/fault"

	"github.com/ethereum/go-ethereum/common"
)

// Role is a capability granted to an address.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleKeeper    Role = "keeper"
	RoleRelayer   Role = "relayer"
	RoleSigner    Role = "signer"
	RoleSubmitter Role = "submitter"
)

var knownRoles = map[Role]struct{}{
	RoleAdmin: {}, RoleKeeper: {}, RoleRelayer: {}, RoleSigner: {}, RoleSubmitter: {},
}

var (
	ErrUnauthorized = fault.Unauthorized("access: caller lacks required role")
	ErrNotBorrower  = fault.Unauthorized("access: caller is not the borrower")
	ErrUnknownRole  = fault.Validation("access: unknown role")
)

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := knownRoles[r]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
	}
	return r, nil
}

// Authorizer holds role grants. Checks run at operation entry and stay out
// of business logic.
type Authorizer struct {
	mu     sync.RWMutex
	grants map[Role]map[common.Address]struct{}
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{grants: make(map[Role]map[common.Address]struct{})}
}

func (a *Authorizer) Grant(role Role, addrs ...common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.grants[role]
	if !ok {
		set = make(map[common.Address]struct{})
		a.grants[role] = set
	}
	for _, addr := range addrs {
		set[addr] = struct{}{}
	}
}

func (a *Authorizer) Revoke(role Role, addr common.Address) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[role], addr)
}

func (a *Authorizer) Has(caller common.Address, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.grants[role][caller]
	return ok
}

// Require fails unless caller holds role. Admin does not imply other roles.
func (a *Authorizer) Require(caller common.Address, role Role) error {
	if !a.Has(caller, role) {
		return fmt.Errorf("%w: %s needs %s", ErrUnauthorized, caller.Hex(), role)
	}
	return nil
}

// RequireBorrower fails unless caller is the loan's borrower.
func RequireBorrower(caller, borrower common.Address) error {
	if caller != borrower {
		return fmt.Errorf("%w: %s", ErrNotBorrower, caller.Hex())
	}
	return nil
}

// Roles lists the roles held by caller, sorted.
func (a *Authorizer) Roles(caller common.Address) []Role {
	a.mu.RLock()
	defer a.mu.RUnlock()
	var out []Role
	for role, set := range a.grants {
		if _, ok := set[caller]; ok {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
