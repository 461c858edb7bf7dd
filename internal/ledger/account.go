package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeCustody
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypePoolLiquidity
	SubTypeTreasury

	// Custody sub-types (execution side)
	SubTypeCustodyHoldings

	// External sub-types
	SubTypeExternalLenderDeposits
	SubTypeExternalBridgeOutbound
	SubTypeExternalBridgeInbound
	SubTypeExternalBridgeFees
	SubTypeExternalYieldMarket
	SubTypeExternalVenue
)

// AssetID maps asset symbols to numeric IDs
type AssetID uint16

const (
	AssetUnknown AssetID = 0
	AssetUSDC    AssetID = 1
	AssetWBTC    AssetID = 2
	AssetWETH    AssetID = 3
	AssetUSDT    AssetID = 4
)

var (
	assetToID = map[string]AssetID{
		"USDC": AssetUSDC,
		"WBTC": AssetWBTC,
		"WETH": AssetWETH,
		"USDT": AssetUSDT,
	}
	idToAsset = map[AssetID]string{
		AssetUSDC: "USDC",
		AssetWBTC: "WBTC",
		AssetWETH: "WETH",
		AssetUSDT: "USDT",
	}
)

func GetAssetID(asset string) (AssetID, bool) {
	id, ok := assetToID[strings.ToUpper(strings.TrimSpace(asset))]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	name, ok := idToAsset[id]
	return name, ok
}

func (a AssetID) String() string {
	if name, ok := idToAsset[a]; ok {
		return name
	}
	return fmt.Sprintf("ASSET(%d)", uint16(a))
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [20]byte // address for users, big-endian id for custody accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for an address-owned account
func NewUserAccountKey(owner common.Address, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: owner,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewWalletKey is shorthand for a user's wallet account.
func NewWalletKey(owner common.Address, assetID AssetID) AccountKey {
	return NewUserAccountKey(owner, SubTypeWallet, assetID)
}

// NewSystemAccountKey creates a key for protocol-owned accounts
func NewSystemAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		AssetID: assetID,
	}
}

// NewCustodyAccountKey creates a key for a shared custody account on the execution side
func NewCustodyAccountKey(custodyAccountID uint64, assetID AssetID) AccountKey {
	var entityID [20]byte
	binary.BigEndian.PutUint64(entityID[12:], custodyAccountID)
	return AccountKey{
		Scope:    AccountScopeCustody,
		EntityID: entityID,
		SubType:  SubTypeCustodyHoldings,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// CustodyAccountID decodes the custody account id from a custody-scoped key.
func (k AccountKey) CustodyAccountID() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[12:])
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName := k.AssetID.String()

	switch k.Scope {
	case AccountScopeUser:
		return fmt.Sprintf("user:%s:%s:%s", common.Address(k.EntityID).Hex(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), assetName)
	case AccountScopeCustody:
		return fmt.Sprintf("custody:%d:%s:%s", k.CustodyAccountID(), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePoolLiquidity:
		return "pool_liquidity"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeCustodyHoldings:
		return "holdings"
	case SubTypeExternalLenderDeposits:
		return "lender_deposits"
	case SubTypeExternalBridgeOutbound:
		return "bridge_outbound"
	case SubTypeExternalBridgeInbound:
		return "bridge_inbound"
	case SubTypeExternalBridgeFees:
		return "bridge_fees"
	case SubTypeExternalYieldMarket:
		return "yield_market"
	case SubTypeExternalVenue:
		return "venue"
	default:
		return "unknown"
	}
}

// ParseAccountPath is the inverse of AccountPath. Snapshots key balances by
// path because AccountKey is not a valid JSON map key.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	bad := fmt.Errorf("invalid account path %q", path)

	var key AccountKey
	var sub, asset string
	switch {
	case len(parts) == 4 && parts[0] == "user":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, bad
		}
		key = AccountKey{Scope: AccountScopeUser, EntityID: common.HexToAddress(parts[1])}
		sub, asset = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "system":
		key = AccountKey{Scope: AccountScopeSystem}
		sub, asset = parts[1], parts[2]
	case len(parts) == 4 && parts[0] == "custody":
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return AccountKey{}, bad
		}
		key = NewCustodyAccountKey(id, AssetUnknown)
		sub, asset = parts[2], parts[3]
	case len(parts) == 3 && parts[0] == "external":
		key = AccountKey{Scope: AccountScopeExternal}
		sub, asset = parts[1], parts[2]
	default:
		return AccountKey{}, bad
	}

	st, ok := subTypeByName[sub]
	if !ok {
		return AccountKey{}, bad
	}
	id, ok := GetAssetID(asset)
	if !ok {
		return AccountKey{}, bad
	}
	key.SubType = st
	key.AssetID = id
	return key, nil
}

var subTypeByName = map[string]AccountSubType{
	"wallet":          SubTypeWallet,
	"pool_liquidity":  SubTypePoolLiquidity,
	"treasury":        SubTypeTreasury,
	"holdings":        SubTypeCustodyHoldings,
	"lender_deposits": SubTypeExternalLenderDeposits,
	"bridge_outbound": SubTypeExternalBridgeOutbound,
	"bridge_inbound":  SubTypeExternalBridgeInbound,
	"bridge_fees":     SubTypeExternalBridgeFees,
	"yield_market":    SubTypeExternalYieldMarket,
	"venue":           SubTypeExternalVenue,
}
