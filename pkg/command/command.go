// Package command implements the transaction command serializer (C7):
// it binds a journaled (budget_key_name, hour, tokens) tuple to the
// live BudgetKey resolved through the budget-key provider (C6), and
// implements the four 2PC phase callbacks the transaction engine drives.
package command

import (
	"context"
	"fmt"

	"github.com/cuemby/pbs/pkg/budgetkey"
	"github.com/cuemby/pbs/pkg/pbserr"
	"github.com/cuemby/pbs/pkg/types"
)

// ConsumeBudgetCommand is one (budget_key, hour, tokens) line item
// within a transaction's command list.
type ConsumeBudgetCommand struct {
	BudgetKeyName types.BudgetKeyName
	ReportingTime types.ReportingTime
	TokenCount    types.TokenCount
	TransactionID types.UUID

	provider *budgetkey.Provider
}

// New binds spec to a live command against provider, for the given transaction.
func New(provider *budgetkey.Provider, spec types.ConsumeBudgetCommandSpec, transactionID types.UUID) *ConsumeBudgetCommand {
	return &ConsumeBudgetCommand{
		BudgetKeyName: spec.BudgetKeyName,
		ReportingTime: spec.ReportingTime,
		TokenCount:    spec.TokenCount,
		TransactionID: transactionID,
		provider:      provider,
	}
}

// Spec renders the command back into its serializable form, the
// inverse of New.
func (c *ConsumeBudgetCommand) Spec() types.ConsumeBudgetCommandSpec {
	return types.ConsumeBudgetCommandSpec{
		BudgetKeyName: c.BudgetKeyName,
		ReportingTime: c.ReportingTime,
		TokenCount:    c.TokenCount,
	}
}

func (c *ConsumeBudgetCommand) timeframes(ctx context.Context) (*budgetkey.TimeframeManager, error) {
	key, err := c.provider.GetBudgetKey(ctx, c.BudgetKeyName)
	if err != nil {
		return nil, err
	}
	return key.Timeframes(), nil
}

// Prepare CASes active_transaction_id from zero to this transaction's
// id, then verifies and reserves the requested tokens. Replaying an
// already-won Prepare for the same transaction is a no-op.
func (c *ConsumeBudgetCommand) Prepare(ctx context.Context) error {
	tfm, err := c.timeframes(ctx)
	if err != nil {
		return err
	}
	return tfm.Mutate(ctx, c.ReportingTime, func(tf types.BudgetKeyTimeframe) (budgetkey.TimeframeUpdate, bool, error) {
		if tf.HasActiveTransaction() {
			if tf.ActiveTransactionID == c.TransactionID {
				return budgetkey.TimeframeUpdate{}, false, nil
			}
			return budgetkey.TimeframeUpdate{}, false, pbserr.NewRetry(pbserr.CodeBudgetExhausted,
				fmt.Errorf("hour %d is held by another transaction", tf.HourIndex))
		}
		if tf.TokenCount-tf.ActiveTokenCount < c.TokenCount {
			return budgetkey.TimeframeUpdate{}, false, pbserr.NewFailure(pbserr.CodeBudgetExhausted,
				fmt.Errorf("insufficient budget for hour %d", tf.HourIndex))
		}
		return budgetkey.TimeframeUpdate{
			ReportingTime:          c.ReportingTime,
			NewTokenCount:          tf.TokenCount,
			NewActiveTokenCount:    tf.ActiveTokenCount + c.TokenCount,
			NewActiveTransactionID: c.TransactionID,
		}, true, nil
	})
}

// Commit is a no-op in the default flow, reserved for symmetry with
// the other three phases.
func (c *ConsumeBudgetCommand) Commit(ctx context.Context) error {
	return nil
}

// Notify commits the reservation: token_count and active_token_count
// both decrease by the reserved tokens, and the hour's lock is released.
func (c *ConsumeBudgetCommand) Notify(ctx context.Context) error {
	tfm, err := c.timeframes(ctx)
	if err != nil {
		return err
	}
	return tfm.Mutate(ctx, c.ReportingTime, func(tf types.BudgetKeyTimeframe) (budgetkey.TimeframeUpdate, bool, error) {
		if tf.ActiveTransactionID != c.TransactionID {
			return budgetkey.TimeframeUpdate{}, false, nil
		}
		return budgetkey.TimeframeUpdate{
			ReportingTime:          c.ReportingTime,
			NewTokenCount:          tf.TokenCount - c.TokenCount,
			NewActiveTokenCount:    tf.ActiveTokenCount - c.TokenCount,
			NewActiveTransactionID: types.Zero,
		}, true, nil
	})
}

// Abort releases the reservation without ever decrementing token_count.
func (c *ConsumeBudgetCommand) Abort(ctx context.Context) error {
	tfm, err := c.timeframes(ctx)
	if err != nil {
		return err
	}
	return tfm.Mutate(ctx, c.ReportingTime, func(tf types.BudgetKeyTimeframe) (budgetkey.TimeframeUpdate, bool, error) {
		if tf.ActiveTransactionID != c.TransactionID {
			return budgetkey.TimeframeUpdate{}, false, nil
		}
		return budgetkey.TimeframeUpdate{
			ReportingTime:          c.ReportingTime,
			NewTokenCount:          tf.TokenCount,
			NewActiveTokenCount:    tf.ActiveTokenCount - c.TokenCount,
			NewActiveTransactionID: types.Zero,
		}, true, nil
	})
}
