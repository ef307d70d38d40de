// Package ledger defines the asset ledger the settlement engine moves funds
// through, plus an in-memory implementation with ERC-20 style allowances and
// EIP-2612 permits.
package ledger

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrUnknownToken          = errors.New("ledger: unknown token")
	ErrInvalidAmount         = errors.New("ledger: invalid amount")
	ErrPermitExpired         = errors.New("ledger: permit expired")
	ErrPermitSignature       = errors.New("ledger: invalid permit signature")
)

// Transferer moves tokens on behalf of the settlement operator.
type Transferer interface {
	TransferFrom(token, owner, recipient common.Address, amount *big.Int) error
}

// Ledger is the asset ledger collaborator.
type Ledger interface {
	BalanceOf(token, owner common.Address) (*big.Int, error)
	// Update runs fn atomically: if fn returns an error none of its transfers are applied.
	Update(fn func(tx Transferer) error) error
}

// Permit is a signed EIP-2612 allowance grant. The nonce is not carried: the
// ledger signs over its current nonce for (Token, Owner).
type Permit struct {
	Token     common.Address
	Owner     common.Address
	Spender   common.Address
	Value     *big.Int
	Deadline  *big.Int
	Signature []byte
}

// Permitter is implemented by ledgers that accept EIP-2612 permits.
type Permitter interface {
	// ApplyPermit sets allowance(Owner, Spender) = Value and bumps the owner's nonce.
	// now is unix seconds. The returned undo restores the previous allowance and
	// nonce, for when the operation the permit was applied for fails.
	ApplyPermit(p Permit, now uint64) (undo func(), err error)
}
