package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/takadao/smart-trading/pkg/ledger"
)

// PermitAdapter applies a taker's EIP-2612 permit and then fills, as one unit:
// if the fill fails the permit is undone and can be submitted again.
type PermitAdapter struct {
	engine    *Engine
	permitter ledger.Permitter
}

func NewPermitAdapter(engine *Engine, permitter ledger.Permitter) *PermitAdapter {
	return &PermitAdapter{engine: engine, permitter: permitter}
}

// FillWithPermit applies permit and delegates to Engine.Fill. The engine is
// never invoked when the permit is expired or does not verify, and a failed
// fill leaves the allowance and nonce as they were.
func (a *PermitAdapter) FillWithPermit(ctx context.Context, req FillRequest, permit ledger.Permit) (*FillReceipt, error) {
	if permit.Deadline == nil {
		return nil, fmt.Errorf("%w: missing deadline", ErrPermitInvalidSignature)
	}
	if new(big.Int).SetUint64(req.Now).Cmp(permit.Deadline) > 0 {
		a.engine.Logger.Infow("rfq_permit_rejected", "owner", permit.Owner.Hex(), "reason", "expired")
		return nil, fmt.Errorf("%w: deadline %s, now %d", ErrPermitExpired, permit.Deadline, req.Now)
	}

	undo, err := a.permitter.ApplyPermit(permit, req.Now)
	if err != nil {
		a.engine.Logger.Infow("rfq_permit_rejected", "owner", permit.Owner.Hex(), "err", err)
		switch {
		case errors.Is(err, ledger.ErrPermitExpired):
			return nil, ErrPermitExpired
		case errors.Is(err, ledger.ErrPermitSignature):
			return nil, ErrPermitInvalidSignature
		default:
			return nil, fmt.Errorf("apply permit: %w", err)
		}
	}

	receipt, err := a.engine.Fill(ctx, req)
	if err != nil {
		undo()
		a.engine.Logger.Infow("rfq_permit_reverted", "owner", permit.Owner.Hex(), "err", err)
		return nil, err
	}
	return receipt, nil
}
