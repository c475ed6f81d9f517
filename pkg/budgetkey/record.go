package budgetkey

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/pbs/pkg/types"
)

// recordKind tags the first byte of every journal record body this
// package writes, so a single journal subscriber can dispatch replayed
// records to the right handler without a second lookup.
type recordKind byte

const (
	kindLoadKeyIntoCache recordKind = iota
	kindDeleteKeyFromCache
	kindInsertTimegroup
	kindUpdateTimeframe
	kindRemoveTimegroup
)

type loadKeyPayload struct {
	Name types.BudgetKeyName
	ID   types.UUID
}

type deleteKeyPayload struct {
	Name types.BudgetKeyName
}

type insertTimegroupPayload struct {
	Name      types.BudgetKeyName
	TimeGroup types.TimeGroup
	Counts    [types.HoursPerDay]types.TokenCount
}

type timeframeUpdate struct {
	Hour                types.TimeBucket
	TokenCount          types.TokenCount
	ActiveTokenCount    types.TokenCount
	ActiveTransactionID types.UUID
}

type updateTimeframePayload struct {
	Name      types.BudgetKeyName
	TimeGroup types.TimeGroup
	Updates   []timeframeUpdate
}

type removeTimegroupPayload struct {
	Name      types.BudgetKeyName
	TimeGroup types.TimeGroup
}

func encodePayload(kind recordKind, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %d payload: %w", kind, err)
	}
	return append([]byte{byte(kind)}, body...), nil
}

func decodeKind(body []byte) (recordKind, []byte, error) {
	if len(body) < 1 {
		return 0, nil, fmt.Errorf("journal record body too short")
	}
	return recordKind(body[0]), body[1:], nil
}

func unmarshal(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
