package rfq

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// Layout describes how an order's info word is packed.
//
//	bits [0, 8)                          bit position inside the invalidator word
//	bits [8, ExpiryShift)                invalidator slot
//	bits [ExpiryShift, +ExpiryBits)      expiration timestamp, 0 = never
//	remaining high bits                  free salt
//
// The low ExpiryShift bits together form the maker-chosen order id.
type Layout struct {
	ExpiryShift uint
	ExpiryBits  uint
}

// DefaultLayout keeps the order id in the low 64 bits and the expiration in bits 64..127.
func DefaultLayout() Layout {
	return Layout{ExpiryShift: 64, ExpiryBits: 64}
}

// Validate rejects layouts whose slot would not fit a uint64 or whose regions overlap the word end.
func (l Layout) Validate() error {
	if l.ExpiryShift <= 8 || l.ExpiryShift > 72 {
		return fmt.Errorf("expiry shift must be in (8, 72], got %d", l.ExpiryShift)
	}
	if l.ExpiryBits == 0 || l.ExpiryBits > 64 {
		return fmt.Errorf("expiry bits must be in [1, 64], got %d", l.ExpiryBits)
	}
	if l.ExpiryShift+l.ExpiryBits > 256 {
		return fmt.Errorf("expiry region [%d, %d) exceeds 256 bits", l.ExpiryShift, l.ExpiryShift+l.ExpiryBits)
	}
	return nil
}

// Info is a decoded order info word.
type Info struct {
	raw    uint256.Int
	layout Layout
}

// Decode parses a uint256 info value under this layout.
func (l Layout) Decode(v *big.Int) (Info, error) {
	if !isUint256(v) {
		return Info{}, fmt.Errorf("%w: %v", ErrInfoOverflow, v)
	}
	raw, _ := uint256.FromBig(v)
	return Info{raw: *raw, layout: l}, nil
}

// Pack builds an info value from an order id and an expiration (0 = never).
func (l Layout) Pack(orderID, expiry uint64) (*big.Int, error) {
	if l.ExpiryShift < 64 && orderID>>l.ExpiryShift != 0 {
		return nil, fmt.Errorf("%w: order id %d wider than %d bits", ErrInfoOverflow, orderID, l.ExpiryShift)
	}
	if l.ExpiryBits < 64 && expiry>>l.ExpiryBits != 0 {
		return nil, fmt.Errorf("%w: expiry %d wider than %d bits", ErrInfoOverflow, expiry, l.ExpiryBits)
	}
	v := new(uint256.Int).Lsh(uint256.NewInt(expiry), l.ExpiryShift)
	v.Or(v, uint256.NewInt(orderID))
	return v.ToBig(), nil
}

// Bit returns the position inside the invalidator word.
func (i Info) Bit() uint8 {
	return uint8(i.raw.Uint64())
}

// Slot returns the invalidator word index.
func (i Info) Slot() uint64 {
	n := i.layout.ExpiryShift - 8
	v := new(uint256.Int).Rsh(&i.raw, 8).Uint64()
	if n < 64 {
		v &= (1 << n) - 1
	}
	return v
}

// Expiry returns the expiration timestamp in unix seconds, 0 when the order never expires.
func (i Info) Expiry() uint64 {
	v := new(uint256.Int).Rsh(&i.raw, i.layout.ExpiryShift).Uint64()
	if i.layout.ExpiryBits < 64 {
		v &= (1 << i.layout.ExpiryBits) - 1
	}
	return v
}

// Expired reports whether the order is past its expiration at now.
func (i Info) Expired(now uint64) bool {
	exp := i.Expiry()
	return exp != 0 && now > exp
}

// Big returns the raw info value.
func (i Info) Big() *big.Int {
	return i.raw.ToBig()
}
