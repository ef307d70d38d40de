package invalidator

import (
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema
// Format: "inv:{maker}:{slot}" with the slot as 16 zero-padded hex digits so
// a maker's rows sort by slot.
// Example: "inv:0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0:0000000000000003"

const prefixInvalidator = "inv:"

const rowKeyLen = len(prefixInvalidator) + 42 + 1 + 16

func invalidatorKey(maker common.Address, slot uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%016x", prefixInvalidator, maker.Hex(), slot))
}

// makerPrefix returns the prefix for all rows of a maker.
func makerPrefix(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixInvalidator, maker.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan.
// Example: "inv:" -> "inv;"
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

// parseInvalidatorKey is the inverse of invalidatorKey.
func parseInvalidatorKey(key []byte) (common.Address, uint64, error) {
	if len(key) != rowKeyLen || string(key[:len(prefixInvalidator)]) != prefixInvalidator {
		return common.Address{}, 0, fmt.Errorf("invalid invalidator key: %q", key)
	}
	rest := string(key[len(prefixInvalidator):])
	addrHex, slotHex := rest[:42], rest[43:]
	if !common.IsHexAddress(addrHex) || rest[42] != ':' {
		return common.Address{}, 0, fmt.Errorf("invalid maker in key: %q", key)
	}
	slot, err := strconv.ParseUint(slotHex, 16, 64)
	if err != nil {
		return common.Address{}, 0, fmt.Errorf("invalid slot in key %q: %w", key, err)
	}
	return common.HexToAddress(addrHex), slot, nil
}
