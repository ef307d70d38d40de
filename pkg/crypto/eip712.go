package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/takadao/smart-trading/pkg/rfq"
)

// Protocol identity baked into every order digest.
const (
	ProtocolName    = "TakaDAO Smart Trading Protocol"
	ProtocolVersion = "1"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/contracts
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Settlement contract (or service instance) identity
}

// DefaultDomain returns the devnet domain for the settlement protocol
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              ProtocolName,
		Version:           ProtocolVersion,
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

// TokenDomain returns the EIP-2612 domain of a token: its own name, version "1" and address.
func TokenDomain(name string, chainID *big.Int, token common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              name,
		Version:           "1",
		ChainID:           chainID,
		VerifyingContract: token,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// orderRFQType must stay byte-compatible with off-chain signers.
var orderRFQType = []apitypes.Type{
	{Name: "info", Type: "uint256"},
	{Name: "makerAsset", Type: "address"},
	{Name: "takerAsset", Type: "address"},
	{Name: "maker", Type: "address"},
	{Name: "allowedSender", Type: "address"},
	{Name: "makingAmount", Type: "uint256"},
	{Name: "takingAmount", Type: "uint256"},
}

var cancelRFQType = []apitypes.Type{
	{Name: "maker", Type: "address"},
	{Name: "info", Type: "uint256"},
}

var fillRFQType = []apitypes.Type{
	{Name: "orderHash", Type: "bytes32"},
	{Name: "makingAmount", Type: "uint256"},
	{Name: "takingAmount", Type: "uint256"},
	{Name: "target", Type: "address"},
}

var permitType = []apitypes.Type{
	{Name: "owner", Type: "address"},
	{Name: "spender", Type: "address"},
	{Name: "value", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "deadline", Type: "uint256"},
}

// CancelEIP712 is a maker's request to cancel one of its own orders
type CancelEIP712 struct {
	Maker common.Address
	Info  *big.Int
}

// FillEIP712 is a taker's authorization to fill a specific order for specific amounts
type FillEIP712 struct {
	OrderHash    common.Hash
	MakingAmount *big.Int
	TakingAmount *big.Int
	Target       common.Address
}

// PermitEIP712 is an EIP-2612 allowance grant
type PermitEIP712 struct {
	Owner    common.Address
	Spender  common.Address
	Value    *big.Int
	Nonce    *big.Int
	Deadline *big.Int
}

// EIP712Signer computes EIP-712 digests under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

// Domain returns the signer's domain
func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

func (e *EIP712Signer) typedDomain() apitypes.TypedDataDomain {
	chainID := e.domain.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return apitypes.TypedDataDomain{
		Name:              e.domain.Name,
		Version:           e.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(chainID),
		VerifyingContract: e.domain.VerifyingContract.Hex(),
	}
}

func (e *EIP712Signer) typedData(primary string, fields []apitypes.Type, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainType,
			primary:        fields,
		},
		PrimaryType: primary,
		Domain:      e.typedDomain(),
		Message:     msg,
	}
}

// DomainSeparator returns hashStruct(EIP712Domain) for this signer's domain
func (e *EIP712Signer) DomainSeparator() (common.Hash, error) {
	td := e.typedData("EIP712Domain", domainType, nil)
	sep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}
	return common.BytesToHash(sep), nil
}

// digest computes keccak256("\x19\x01" || domainSeparator || hashStruct(message))
func digest(td apitypes.TypedData) (common.Hash, error) {
	domainSeparator, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := make([]byte, 0, 66)
	rawData = append(rawData, 0x19, 0x01)
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, typedDataHash...)
	return crypto.Keccak256Hash(rawData), nil
}

func orderMessage(order *rfq.Order) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"info":          order.Info.String(),
		"makerAsset":    order.MakerAsset.Hex(),
		"takerAsset":    order.TakerAsset.Hex(),
		"maker":         order.Maker.Hex(),
		"allowedSender": order.AllowedSender.Hex(),
		"makingAmount":  order.MakingAmount.String(),
		"takingAmount":  order.TakingAmount.String(),
	}
}

// HashOrder hashes an RFQ order according to EIP-712.
// Returns the digest the maker signs; pure and deterministic.
func (e *EIP712Signer) HashOrder(order *rfq.Order) (common.Hash, error) {
	if err := order.Validate(); err != nil {
		return common.Hash{}, err
	}
	return digest(e.typedData("OrderRFQ", orderRFQType, orderMessage(order)))
}

// SignOrder signs an order and returns the signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *rfq.Order) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (e *EIP712Signer) RecoverOrderSigner(order *rfq.Order, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}

	return RecoverAddress(hash.Bytes(), signature)
}

// HashCancel hashes a cancel request according to EIP-712
func (e *EIP712Signer) HashCancel(cancel *CancelEIP712) (common.Hash, error) {
	if cancel.Info == nil {
		return common.Hash{}, fmt.Errorf("missing cancel info")
	}
	return digest(e.typedData("CancelRFQ", cancelRFQType, apitypes.TypedDataMessage{
		"maker": cancel.Maker.Hex(),
		"info":  cancel.Info.String(),
	}))
}

// HashFill hashes a taker's fill authorization according to EIP-712
func (e *EIP712Signer) HashFill(fill *FillEIP712) (common.Hash, error) {
	if fill.MakingAmount == nil || fill.TakingAmount == nil {
		return common.Hash{}, fmt.Errorf("missing fill amounts")
	}
	return digest(e.typedData("FillRFQ", fillRFQType, apitypes.TypedDataMessage{
		"orderHash":    fill.OrderHash.Hex(),
		"makingAmount": fill.MakingAmount.String(),
		"takingAmount": fill.TakingAmount.String(),
		"target":       fill.Target.Hex(),
	}))
}

// HashPermit hashes an EIP-2612 permit. The signer's domain must be the token's domain.
func (e *EIP712Signer) HashPermit(permit *PermitEIP712) (common.Hash, error) {
	if permit.Value == nil || permit.Nonce == nil || permit.Deadline == nil {
		return common.Hash{}, fmt.Errorf("missing permit fields")
	}
	return digest(e.typedData("Permit", permitType, apitypes.TypedDataMessage{
		"owner":    permit.Owner.Hex(),
		"spender":  permit.Spender.Hex(),
		"value":    permit.Value.String(),
		"nonce":    permit.Nonce.String(),
		"deadline": permit.Deadline.String(),
	}))
}

// SignPermit signs a permit under the signer's (token) domain
func (e *EIP712Signer) SignPermit(signer *Signer, permit *PermitEIP712) ([]byte, error) {
	hash, err := e.HashPermit(permit)
	if err != nil {
		return nil, fmt.Errorf("failed to hash permit: %w", err)
	}
	return signer.Sign(hash.Bytes())
}

// OrderToJSON converts an order to JSON for frontend/wallet signing
// MetaMask and other wallets use this format for eth_signTypedData_v4
func (e *EIP712Signer) OrderToJSON(order *rfq.Order) (string, error) {
	if err := order.Validate(); err != nil {
		return "", err
	}

	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": domainType,
			"OrderRFQ":     orderRFQType,
		},
		"primaryType": "OrderRFQ",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": orderMessage(order),
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}
