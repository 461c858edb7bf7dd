package settlement

import "fmt"

// Outcome classifies a loan at maturity.
type Outcome uint8

const (
	OutcomeUnknown    Outcome = 0
	OutcomeUnderwater Outcome = 1 // put in-the-money
	OutcomeNeutral    Outcome = 2 // both options out-of-the-money
	OutcomeProfit     Outcome = 3 // call in-the-money
)

func (o Outcome) String() string {
	switch o {
	case OutcomeUnderwater:
		return "underwater"
	case OutcomeNeutral:
		return "neutral"
	case OutcomeProfit:
		return "profit"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

func ParseOutcome(s string) (Outcome, bool) {
	switch s {
	case "underwater", "UNDERWATER":
		return OutcomeUnderwater, true
	case "neutral", "NEUTRAL":
		return OutcomeNeutral, true
	case "profit", "PROFIT":
		return OutcomeProfit, true
	}
	return OutcomeUnknown, false
}

// Code is the value carried in a settlement report's aux amount.
func (o Outcome) Code() int64 { return int64(o) }

// OutcomeFromCode is the inverse of Code.
func OutcomeFromCode(code int64) (Outcome, bool) {
	if code < int64(OutcomeUnderwater) || code > int64(OutcomeProfit) {
		return OutcomeUnknown, false
	}
	return Outcome(code), true
}
