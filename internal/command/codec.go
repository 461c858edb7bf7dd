package command

import (
	"encoding/json"
	"fmt"
)

// Encode serializes a command for the event log.
func Encode(cmd Command) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", cmd.CommandType(), err)
	}
	return data, nil
}

// Decode rebuilds a typed command from its event-log payload.
func Decode(ct CommandType, payload []byte) (Command, error) {
	var cmd Command
	switch ct {
	case CommandTypeFundPool:
		cmd = &FundPool{}
	case CommandTypeDeliverMessage:
		cmd = &DeliverMessage{}
	case CommandTypeInitiateDeposit:
		cmd = &InitiateDeposit{}
	case CommandTypeFinalizeLoan:
		cmd = &FinalizeLoan{}
	case CommandTypeRequestReturn:
		cmd = &RequestReturn{}
	case CommandTypeRequestCancel:
		cmd = &RequestCancel{}
	case CommandTypeFinalizeReturn:
		cmd = &FinalizeReturn{}
	case CommandTypeSettle:
		cmd = &Settle{}
	case CommandTypeConvertToVariable:
		cmd = &ConvertToVariable{}
	case CommandTypeRepayVariable:
		cmd = &RepayVariable{}
	default:
		return nil, fmt.Errorf("unknown command type: %d", ct)
	}
	if err := json.Unmarshal(payload, cmd); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ct, err)
	}
	return cmd, nil
}
