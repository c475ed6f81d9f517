package transaction

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/pbs/pkg/types"
)

type recordKind byte

const (
	kindBegin recordKind = iota
	kindPhaseTransition
)

type beginPayload struct {
	ID                    types.UUID
	Secret                string
	Origin                types.TransactionOrigin
	Commands              []types.ConsumeBudgetCommandSpec
	IsCoordinatedRemotely bool
	ExpirationUnixNano    int64
}

type phaseTransitionPayload struct {
	ID                     types.UUID
	Request                Request
	NewPhase               types.TransactionPhase
	LastExecutionTimestamp uint64
	Failed                 bool
	FailureCause           string
}

func encodeRecord(kind recordKind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return append([]byte{byte(kind)}, body...), nil
}

func decodeKind(body []byte) (recordKind, []byte, error) {
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("transaction: empty record body")
	}
	return recordKind(body[0]), body[1:], nil
}

func unmarshal(body []byte, out any) error {
	return json.Unmarshal(body, out)
}
