package event

import (
	"encoding/json"
	"fmt"
)

// CommandTypeFromString maps a stored discriminator back to its CommandType.
// Unrecognized names map to CommandTypeUnknown.
func CommandTypeFromString(s string) CommandType {
	switch s {
	case "DepositRequested":
		return CommandTypeDepositRequested
	case "WithdrawQueueRequested":
		return CommandTypeWithdrawQueueRequested
	case "WithdrawCompleteRequested":
		return CommandTypeWithdrawCompleteRequested
	case "RoundCloseRequested":
		return CommandTypeRoundCloseRequested
	case "ValuationReported":
		return CommandTypeValuationReported
	default:
		return CommandTypeUnknown
	}
}

// UnmarshalCommand decodes an operation-log payload back into its typed
// command. Used during startup replay.
func UnmarshalCommand(ct CommandType, data []byte) (Command, error) {
	var cmd Command
	switch ct {
	case CommandTypeDepositRequested:
		cmd = &DepositRequested{}
	case CommandTypeWithdrawQueueRequested:
		cmd = &WithdrawQueueRequested{}
	case CommandTypeWithdrawCompleteRequested:
		cmd = &WithdrawCompleteRequested{}
	case CommandTypeRoundCloseRequested:
		cmd = &RoundCloseRequested{}
	case CommandTypeValuationReported:
		cmd = &ValuationReported{}
	default:
		return nil, fmt.Errorf("unknown command type %d", ct)
	}
	if err := json.Unmarshal(data, cmd); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", ct, err)
	}
	return cmd, nil
}
