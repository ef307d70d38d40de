package rfq

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInvalidOrder = errors.New("rfq: invalid order")
	ErrInfoOverflow = errors.New("rfq: info does not fit the layout")
)

// Order is a one-shot RFQ order signed off-chain by its maker.
// Immutable once signed: any field change produces a different digest.
type Order struct {
	Info          *big.Int       // uint256: order id (slot + bit) and optional expiration
	MakerAsset    common.Address // asset the maker gives
	TakerAsset    common.Address // asset the maker receives
	Maker         common.Address // signer and source of MakerAsset
	AllowedSender common.Address // zero = any taker
	MakingAmount  *big.Int       // uint256
	TakingAmount  *big.Int       // uint256
}

// Validate checks that every numeric field is a valid uint256 and the maker is set.
func (o *Order) Validate() error {
	if o == nil {
		return fmt.Errorf("%w: nil order", ErrInvalidOrder)
	}
	if o.Maker == (common.Address{}) {
		return fmt.Errorf("%w: zero maker", ErrInvalidOrder)
	}
	fields := []struct {
		name string
		v    *big.Int
	}{
		{"info", o.Info},
		{"makingAmount", o.MakingAmount},
		{"takingAmount", o.TakingAmount},
	}
	for _, f := range fields {
		if !isUint256(f.v) {
			return fmt.Errorf("%w: %s is not a uint256", ErrInvalidOrder, f.name)
		}
	}
	return nil
}

// IsPublic reports whether any taker may fill the order.
func (o *Order) IsPublic() bool {
	return o.AllowedSender == (common.Address{})
}

// CanBeFilledBy applies the allowedSender restriction.
func (o *Order) CanBeFilledBy(caller common.Address) bool {
	return o.IsPublic() || o.AllowedSender == caller
}

func isUint256(v *big.Int) bool {
	if v == nil || v.Sign() < 0 {
		return false
	}
	_, overflow := uint256.FromBig(v)
	return !overflow
}
