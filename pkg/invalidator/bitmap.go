package invalidator

import (
	"math/big"

	"github.com/holiman/uint256"
)

// Bitmap is one 256-bit invalidator word. Bit i set means order id (slot<<8 | i) is dead.
type Bitmap struct {
	w uint256.Int
}

// BitmapFromBytes32 decodes a big-endian 32-byte word.
func BitmapFromBytes32(buf []byte) Bitmap {
	var b Bitmap
	b.w.SetBytes32(buf)
	return b
}

func mask(bit uint8) *uint256.Int {
	return new(uint256.Int).Lsh(uint256.NewInt(1), uint(bit))
}

// Has reports whether bit is set.
func (b Bitmap) Has(bit uint8) bool {
	return !new(uint256.Int).And(&b.w, mask(bit)).IsZero()
}

// With returns a copy with bit set.
func (b Bitmap) With(bit uint8) Bitmap {
	var out Bitmap
	out.w.Or(&b.w, mask(bit))
	return out
}

// Union returns b | other.
func (b Bitmap) Union(other Bitmap) Bitmap {
	var out Bitmap
	out.w.Or(&b.w, &other.w)
	return out
}

// without is only used for in-flight reservations, never for persisted words.
func (b Bitmap) without(bit uint8) Bitmap {
	var out Bitmap
	out.w.And(&b.w, new(uint256.Int).Not(mask(bit)))
	return out
}

func (b Bitmap) IsZero() bool { return b.w.IsZero() }

func (b Bitmap) Equal(other Bitmap) bool { return b.w.Eq(&other.w) }

// Count returns the number of dead orders in the word.
func (b Bitmap) Count() int {
	n := 0
	for i := 0; i < 256; i++ {
		if b.Has(uint8(i)) {
			n++
		}
	}
	return n
}

func (b Bitmap) Big() *big.Int { return b.w.ToBig() }

func (b Bitmap) Bytes32() [32]byte { return b.w.Bytes32() }

// Hex returns the 0x-prefixed hex value without leading zeros.
func (b Bitmap) Hex() string { return b.w.Hex() }

// String returns the decimal value.
func (b Bitmap) String() string { return b.w.Dec() }
