package message

import "fmt"

// Kind is the closed set of cross-domain message types.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDepositIntent
	KindReturnRequest
	KindSettlementReport
	KindDepositConfirmed
	KindCollateralReturned
	KindTradeConfirmed
	KindMandateCreated
	KindCancelRequest
)

func (k Kind) String() string {
	switch k {
	case KindDepositIntent:
		return "DepositIntent"
	case KindReturnRequest:
		return "ReturnRequest"
	case KindSettlementReport:
		return "SettlementReport"
	case KindDepositConfirmed:
		return "DepositConfirmed"
	case KindCollateralReturned:
		return "CollateralReturned"
	case KindTradeConfirmed:
		return "TradeConfirmed"
	case KindMandateCreated:
		return "MandateCreated"
	case KindCancelRequest:
		return "CancelRequest"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of String.
func ParseKind(s string) (Kind, bool) {
	for k := KindDepositIntent; k <= KindCancelRequest; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindUnknown, false
}

// Domain identifies which side of the system produced a message.
type Domain uint8

const (
	DomainUnknown Domain = iota
	DomainSettlement
	DomainExecution
)

func (d Domain) String() string {
	switch d {
	case DomainSettlement:
		return "settlement"
	case DomainExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Origin reports the domain that is allowed to send this kind.
func (k Kind) Origin() Domain {
	switch k {
	case KindDepositIntent, KindReturnRequest, KindCancelRequest, KindMandateCreated:
		return DomainSettlement
	case KindDepositConfirmed, KindCollateralReturned, KindTradeConfirmed, KindSettlementReport:
		return DomainExecution
	default:
		return DomainUnknown
	}
}
