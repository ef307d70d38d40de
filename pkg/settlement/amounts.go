package settlement

import (
	"fmt"
	"math/big"

	"github.com/takadao/smart-trading/pkg/rfq"
)

// ComputeAmounts resolves the requested fill into exact amounts.
//
//	both zero        full fill
//	making non-zero  taking = ceil(making * order.taking / order.making)
//	taking non-zero  making = floor(taking * order.making / order.taking)
//
// Rounding always favours the maker. When both are non-zero the making amount wins.
func ComputeAmounts(order *rfq.Order, reqMaking, reqTaking *big.Int) (making, taking *big.Int, err error) {
	reqMaking, reqTaking = orZero(reqMaking), orZero(reqTaking)
	if reqMaking.Sign() < 0 || reqTaking.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: negative requested amount", ErrInvalidAmount)
	}

	switch {
	case reqMaking.Sign() == 0 && reqTaking.Sign() == 0:
		making = new(big.Int).Set(order.MakingAmount)
		taking = new(big.Int).Set(order.TakingAmount)
	case reqMaking.Sign() != 0:
		if order.MakingAmount.Sign() == 0 {
			return nil, nil, ErrExceedsOrderAmount
		}
		making = new(big.Int).Set(reqMaking)
		taking = mulDivUp(making, order.TakingAmount, order.MakingAmount)
	default:
		if order.TakingAmount.Sign() == 0 {
			return nil, nil, ErrExceedsOrderAmount
		}
		taking = new(big.Int).Set(reqTaking)
		making = mulDiv(taking, order.MakingAmount, order.TakingAmount)
	}

	if making.Sign() == 0 || taking.Sign() == 0 {
		return nil, nil, ErrZeroSwapAmount
	}
	if making.Cmp(order.MakingAmount) > 0 || taking.Cmp(order.TakingAmount) > 0 {
		return nil, nil, ErrExceedsOrderAmount
	}
	return making, taking, nil
}

// mulDiv returns floor(a * b / d). d must be positive.
func mulDiv(a, b, d *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	return p.Quo(p, d)
}

// mulDivUp returns ceil(a * b / d). d must be positive.
func mulDivUp(a, b, d *big.Int) *big.Int {
	p := new(big.Int).Mul(a, b)
	q, r := new(big.Int).QuoRem(p, d, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
