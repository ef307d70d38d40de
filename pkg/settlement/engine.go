// Package settlement authorizes and settles signed RFQ orders against an
// invalidator store and an asset ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/events"
	"github.com/takadao/smart-trading/pkg/invalidator"
	"github.com/takadao/smart-trading/pkg/ledger"
	"github.com/takadao/smart-trading/pkg/rfq"
)

var (
	ErrSenderNotAllowed       = errors.New("settlement: sender not allowed")
	ErrOrderExpired           = errors.New("settlement: order expired")
	ErrOrderInvalidated       = errors.New("settlement: order invalidated")
	ErrBadSignature           = errors.New("settlement: bad signature")
	ErrZeroSwapAmount         = errors.New("settlement: zero swap amount")
	ErrExceedsOrderAmount     = errors.New("settlement: exceeds order amount")
	ErrInvalidAmount          = errors.New("settlement: invalid amount")
	ErrPermitExpired          = errors.New("settlement: permit expired")
	ErrPermitInvalidSignature = errors.New("settlement: permit invalid signature")
)

// Config fixes the domain orders are signed under and how info is packed.
type Config struct {
	Domain crypto.EIP712Domain
	Layout rfq.Layout
}

func DefaultConfig() Config {
	return Config{Domain: crypto.DefaultDomain(), Layout: rfq.DefaultLayout()}
}

// FillRequest is one taker's attempt to settle a signed order.
type FillRequest struct {
	Order        *rfq.Order
	Signature    []byte
	MakingAmount *big.Int // 0 or nil with TakingAmount 0 = full fill
	TakingAmount *big.Int
	Now          uint64 // unix seconds
	Caller       common.Address
	Recipient    common.Address // receives MakerAsset; zero = Caller
}

// FillReceipt describes a settled fill.
type FillReceipt struct {
	OrderHash    common.Hash
	Maker        common.Address
	Taker        common.Address
	Recipient    common.Address
	MakerAsset   common.Address
	TakerAsset   common.Address
	MakingAmount *big.Int
	TakingAmount *big.Int
	Slot         uint64
	Bit          uint8
}

// CancelReceipt describes an invalidated order slot.
type CancelReceipt struct {
	Maker common.Address
	Slot  uint64
	Bit   uint8
}

// Engine settles RFQ orders. Safe for concurrent use: per-order exclusivity
// comes from the invalidator's row locks, transfer atomicity from ledger.Update.
type Engine struct {
	signer   *crypto.EIP712Signer
	layout   rfq.Layout
	store    invalidator.Store
	ledger   ledger.Ledger
	verifier crypto.Verifier

	Logger    *zap.SugaredLogger
	Publisher events.Publisher
}

// NewEngine wires an engine. verifier may be nil for ECDSA recovery.
func NewEngine(cfg Config, store invalidator.Store, ldg ledger.Ledger, verifier crypto.Verifier) (*Engine, error) {
	if err := cfg.Layout.Validate(); err != nil {
		return nil, fmt.Errorf("info layout: %w", err)
	}
	if cfg.Domain.ChainID == nil {
		return nil, fmt.Errorf("domain chain id is required")
	}
	if store == nil || ldg == nil {
		return nil, fmt.Errorf("invalidator store and ledger are required")
	}
	if verifier == nil {
		verifier = crypto.ECDSAVerifier{}
	}
	return &Engine{
		signer:    crypto.NewEIP712Signer(cfg.Domain),
		layout:    cfg.Layout,
		store:     store,
		ledger:    ldg,
		verifier:  verifier,
		Logger:    zap.NewNop().Sugar(),
		Publisher: events.Nop{},
	}, nil
}

func (e *Engine) Signer() *crypto.EIP712Signer { return e.signer }

func (e *Engine) Layout() rfq.Layout { return e.layout }

// Fill checks the order, settles it, and consumes its invalidator bit.
// Precondition failures are reported in a fixed order and leave no state behind.
func (e *Engine) Fill(ctx context.Context, req FillRequest) (*FillReceipt, error) {
	receipt, err := e.fill(ctx, req)
	if err != nil {
		fields := []interface{}{"caller", req.Caller.Hex(), "err", err}
		if req.Order != nil {
			fields = append(fields, "maker", req.Order.Maker.Hex(), "info", req.Order.Info)
		}
		e.Logger.Infow("rfq_fill_rejected", fields...)
		return nil, err
	}

	e.Logger.Infow("rfq_filled",
		"order", receipt.OrderHash.Hex(),
		"maker", receipt.Maker.Hex(),
		"taker", receipt.Taker.Hex(),
		"making", receipt.MakingAmount,
		"taking", receipt.TakingAmount,
		"slot", receipt.Slot,
		"bit", receipt.Bit,
	)
	e.publish(ctx, events.Event{
		V:            events.EventVersion,
		Type:         events.TypeFilled,
		OrderHash:    receipt.OrderHash.Hex(),
		Maker:        receipt.Maker.Hex(),
		Taker:        receipt.Taker.Hex(),
		Recipient:    receipt.Recipient.Hex(),
		MakerAsset:   receipt.MakerAsset.Hex(),
		TakerAsset:   receipt.TakerAsset.Hex(),
		MakingAmount: receipt.MakingAmount.String(),
		TakingAmount: receipt.TakingAmount.String(),
		Slot:         receipt.Slot,
		Bit:          receipt.Bit,
		Timestamp:    req.Now,
	})
	return receipt, nil
}

func (e *Engine) fill(ctx context.Context, req FillRequest) (*FillReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order := req.Order
	if err := order.Validate(); err != nil {
		return nil, err
	}
	info, err := e.layout.Decode(order.Info)
	if err != nil {
		return nil, err
	}

	if !order.CanBeFilledBy(req.Caller) {
		return nil, ErrSenderNotAllowed
	}
	if info.Expired(req.Now) {
		return nil, fmt.Errorf("%w: expiry %d, now %d", ErrOrderExpired, info.Expiry(), req.Now)
	}

	word, err := e.store.Query(order.Maker, info.Slot())
	if err != nil {
		return nil, fmt.Errorf("query invalidator: %w", err)
	}
	if word.Has(info.Bit()) {
		return nil, ErrOrderInvalidated
	}

	orderHash, err := e.signer.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("hash order: %w", err)
	}
	if !e.verifier.Verify(orderHash, req.Signature, order.Maker) {
		return nil, ErrBadSignature
	}

	making, taking, err := ComputeAmounts(order, req.MakingAmount, req.TakingAmount)
	if err != nil {
		return nil, err
	}

	recipient := req.Recipient
	if recipient == (common.Address{}) {
		recipient = req.Caller
	}

	res, err := e.store.Reserve(order.Maker, info.Slot(), info.Bit())
	if errors.Is(err, invalidator.ErrAlreadyConsumed) {
		return nil, ErrOrderInvalidated
	}
	if err != nil {
		return nil, fmt.Errorf("reserve invalidator bit: %w", err)
	}

	// The bit is committed inside the ledger update so a failed commit also
	// rolls the transfers back.
	err = e.ledger.Update(func(tx ledger.Transferer) error {
		if err := tx.TransferFrom(order.MakerAsset, order.Maker, recipient, making); err != nil {
			return fmt.Errorf("maker transfer: %w", err)
		}
		if err := tx.TransferFrom(order.TakerAsset, req.Caller, order.Maker, taking); err != nil {
			return fmt.Errorf("taker transfer: %w", err)
		}
		return res.Commit()
	})
	if err != nil {
		res.Abort()
		return nil, fmt.Errorf("settle %s: %w", orderHash.Hex(), err)
	}

	return &FillReceipt{
		OrderHash:    orderHash,
		Maker:        order.Maker,
		Taker:        req.Caller,
		Recipient:    recipient,
		MakerAsset:   order.MakerAsset,
		TakerAsset:   order.TakerAsset,
		MakingAmount: making,
		TakingAmount: taking,
		Slot:         info.Slot(),
		Bit:          info.Bit(),
	}, nil
}

// Cancel invalidates one of caller's own orders. The row is always keyed by
// caller, so nobody can cancel on another maker's behalf. Cancelling an
// already dead order is a no-op.
func (e *Engine) Cancel(ctx context.Context, caller common.Address, infoValue *big.Int) (*CancelReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if caller == (common.Address{}) {
		return nil, fmt.Errorf("cancel: zero caller")
	}
	info, err := e.layout.Decode(infoValue)
	if err != nil {
		return nil, err
	}
	if err := e.store.Cancel(caller, info.Slot(), info.Bit()); err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}

	e.Logger.Infow("rfq_cancelled", "maker", caller.Hex(), "slot", info.Slot(), "bit", info.Bit())
	e.publish(ctx, events.Event{
		V:     events.EventVersion,
		Type:  events.TypeCancelled,
		Maker: caller.Hex(),
		Slot:  info.Slot(),
		Bit:   info.Bit(),
	})
	return &CancelReceipt{Maker: caller, Slot: info.Slot(), Bit: info.Bit()}, nil
}

// InvalidatorStatus returns maker's invalidator word for slot.
func (e *Engine) InvalidatorStatus(maker common.Address, slot uint64) (invalidator.Bitmap, error) {
	return e.store.Query(maker, slot)
}

// InvalidatorRows returns every slot of maker with at least one bit set.
func (e *Engine) InvalidatorRows(maker common.Address) ([]invalidator.Row, error) {
	return e.store.MakerRows(maker)
}

// OrderLive reports whether order could still be filled at now: not expired
// and its invalidator bit unset. It does not check the signature or balances.
func (e *Engine) OrderLive(order *rfq.Order, now uint64) (bool, error) {
	if err := order.Validate(); err != nil {
		return false, err
	}
	info, err := e.layout.Decode(order.Info)
	if err != nil {
		return false, err
	}
	if info.Expired(now) {
		return false, nil
	}
	word, err := e.store.Query(order.Maker, info.Slot())
	if err != nil {
		return false, err
	}
	return !word.Has(info.Bit()), nil
}

func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, ev); err != nil {
		e.Logger.Warnw("event_publish_failed", "type", ev.Type, "maker", ev.Maker, "err", err)
	}
}
