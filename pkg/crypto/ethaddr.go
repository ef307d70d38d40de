package crypto

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// addressFromPubkey expects a 65-byte uncompressed secp256k1 pubkey (0x04 || X || Y),
// as returned by ecrecover, and returns keccak256(X || Y)[12:].
func addressFromPubkey(pub []byte) (common.Address, error) {
	if len(pub) != 65 || pub[0] != 0x04 {
		return common.Address{}, fmt.Errorf("invalid uncompressed public key (%d bytes)", len(pub))
	}
	h := sha3.NewLegacyKeccak256()
	h.Write(pub[1:])
	sum := h.Sum(nil)
	return common.BytesToAddress(sum[12:]), nil // last 20 bytes
}
