package ledger

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/takadao/smart-trading/pkg/crypto"
)

type holding struct {
	token common.Address
	owner common.Address
}

type grant struct {
	token   common.Address
	owner   common.Address
	spender common.Address
}

// Memory is an in-process ledger. TransferFrom is performed by the operator
// (the settlement contract) and spends the owner's allowance to it, like
// ERC-20 transferFrom. An allowance of 2^256-1 is never decremented.
type Memory struct {
	mu       sync.RWMutex
	operator common.Address
	chainID  *big.Int

	tokens     map[common.Address]string // token -> EIP-2612 domain name
	balances   map[holding]*big.Int
	allowances map[grant]*big.Int
	nonces     map[holding]uint64
}

// NewMemory creates a ledger whose transfers are executed by operator.
// chainID is used for token permit domains.
func NewMemory(operator common.Address, chainID *big.Int) *Memory {
	return &Memory{
		operator:   operator,
		chainID:    new(big.Int).Set(chainID),
		tokens:     make(map[common.Address]string),
		balances:   make(map[holding]*big.Int),
		allowances: make(map[grant]*big.Int),
		nonces:     make(map[holding]uint64),
	}
}

func (m *Memory) Operator() common.Address { return m.operator }

// RegisterToken makes token known to the ledger. name is the token's EIP-712 domain name.
func (m *Memory) RegisterToken(token common.Address, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[token] = name
}

// Tokens returns the registered tokens and their names.
func (m *Memory) Tokens() map[common.Address]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[common.Address]string, len(m.tokens))
	for k, v := range m.tokens {
		out[k] = v
	}
	return out
}

// Mint credits amount of token to owner.
func (m *Memory) Mint(token, owner common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	h := holding{token, owner}
	m.balances[h] = new(big.Int).Add(m.balanceLocked(h), amount)
	return nil
}

// Approve sets owner's allowance to spender.
func (m *Memory) Approve(token, owner, spender common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	m.allowances[grant{token, owner, spender}] = new(big.Int).Set(amount)
	return nil
}

func (m *Memory) Allowance(token, owner, spender common.Address) *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.allowanceLocked(grant{token, owner, spender}))
}

// Nonce returns the EIP-2612 nonce the next permit from owner must sign over.
func (m *Memory) Nonce(token, owner common.Address) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nonces[holding{token, owner}]
}

func (m *Memory) BalanceOf(token, owner common.Address) (*big.Int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.tokens[token]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}
	return new(big.Int).Set(m.balanceLocked(holding{token, owner})), nil
}

func (m *Memory) balanceLocked(h holding) *big.Int {
	if b, ok := m.balances[h]; ok {
		return b
	}
	return new(big.Int)
}

func (m *Memory) allowanceLocked(g grant) *big.Int {
	if a, ok := m.allowances[g]; ok {
		return a
	}
	return new(big.Int)
}

// Update runs fn under the ledger lock. Every write fn makes is journaled and
// undone if fn returns an error.
func (m *Memory) Update(fn func(tx Transferer) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memoryTx{m: m}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

// ApplyPermit verifies an EIP-2612 permit under the token's own domain.
func (m *Memory) ApplyPermit(p Permit, now uint64) (func(), error) {
	if p.Value == nil || p.Value.Sign() < 0 || p.Deadline == nil {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	name, ok := m.tokens[p.Token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, p.Token.Hex())
	}
	if new(big.Int).SetUint64(now).Cmp(p.Deadline) > 0 {
		return nil, ErrPermitExpired
	}

	h := holding{p.Token, p.Owner}
	nonce := m.nonces[h]
	signer := crypto.NewEIP712Signer(crypto.TokenDomain(name, m.chainID, p.Token))
	digest, err := signer.HashPermit(&crypto.PermitEIP712{
		Owner:    p.Owner,
		Spender:  p.Spender,
		Value:    p.Value,
		Nonce:    new(big.Int).SetUint64(nonce),
		Deadline: p.Deadline,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermitSignature, err)
	}
	if !crypto.VerifySignature(p.Owner, digest.Bytes(), p.Signature) {
		return nil, ErrPermitSignature
	}

	g := grant{p.Token, p.Owner, p.Spender}
	prev, had := m.allowances[g]
	granted := new(big.Int).Set(p.Value)
	m.allowances[g] = granted
	m.nonces[h] = nonce + 1

	var once sync.Once
	undo := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// Only state the permit itself wrote is restored.
			if m.allowances[g] == granted {
				if had {
					m.allowances[g] = prev
				} else {
					delete(m.allowances, g)
				}
			}
			if m.nonces[h] == nonce+1 {
				m.nonces[h] = nonce
			}
		})
	}
	return undo, nil
}

type memoryTx struct {
	m       *Memory
	journal []func()
}

func (tx *memoryTx) setBalance(h holding, v *big.Int) {
	prev, had := tx.m.balances[h]
	tx.journal = append(tx.journal, func() {
		if had {
			tx.m.balances[h] = prev
		} else {
			delete(tx.m.balances, h)
		}
	})
	tx.m.balances[h] = v
}

func (tx *memoryTx) setAllowance(g grant, v *big.Int) {
	prev, had := tx.m.allowances[g]
	tx.journal = append(tx.journal, func() {
		if had {
			tx.m.allowances[g] = prev
		} else {
			delete(tx.m.allowances, g)
		}
	})
	tx.m.allowances[g] = v
}

func (tx *memoryTx) rollback() {
	for i := len(tx.journal) - 1; i >= 0; i-- {
		tx.journal[i]()
	}
	tx.journal = nil
}

func (tx *memoryTx) TransferFrom(token, owner, recipient common.Address, amount *big.Int) error {
	m := tx.m
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount
	}
	if _, ok := m.tokens[token]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownToken, token.Hex())
	}

	if owner != m.operator {
		g := grant{token, owner, m.operator}
		allowed := m.allowanceLocked(g)
		if allowed.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s allows %s, need %s", ErrInsufficientAllowance, owner.Hex(), allowed, amount)
		}
		if allowed.Cmp(math.MaxBig256) != 0 {
			tx.setAllowance(g, new(big.Int).Sub(allowed, amount))
		}
	}

	from := holding{token, owner}
	bal := m.balanceLocked(from)
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s holds %s, need %s", ErrInsufficientBalance, owner.Hex(), bal, amount)
	}
	tx.setBalance(from, new(big.Int).Sub(bal, amount))

	to := holding{token, recipient}
	tx.setBalance(to, new(big.Int).Add(m.balanceLocked(to), amount))
	return nil
}

var (
	_ Ledger    = (*Memory)(nil)
	_ Permitter = (*Memory)(nil)
)
