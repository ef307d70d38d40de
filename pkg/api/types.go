package api

import (
	"encoding/json"

	"github.com/takadao/smart-trading/pkg/rfq"
)

// API request/response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings, addresses and hashes 0x-prefixed hex.

// ==============================
// REST Request Types
// ==============================

// FillOrderRequest is the payload for POST /api/v1/orders/fill.
// The taker authenticates by signing FillRFQ(orderHash, makingAmount, takingAmount, target).
type FillOrderRequest struct {
	Order          rfq.OrderPayload `json:"order"`
	Signature      string           `json:"signature"`      // maker's EIP-712 order signature
	MakingAmount   string           `json:"makingAmount"`   // "" or "0" with takingAmount "0" = full fill
	TakingAmount   string           `json:"takingAmount"`   //
	Target         string           `json:"target"`         // receives makerAsset; "" = taker
	TakerSignature string           `json:"takerSignature"` // taker's EIP-712 FillRFQ signature
	Permit         *PermitPayload   `json:"permit,omitempty"`
}

// PermitPayload is the taker's EIP-2612 permit for the order's takerAsset to the settlement contract.
type PermitPayload struct {
	Value     string `json:"value"`
	Deadline  string `json:"deadline"`
	Signature string `json:"signature"`
}

// CancelOrderRequest is the payload for POST /api/v1/orders/cancel.
// Signature is the maker's EIP-712 CancelRFQ(maker, info) signature.
type CancelOrderRequest struct {
	Maker     string `json:"maker"`
	Info      string `json:"info"`
	Signature string `json:"signature"`
}

// OrderRequest carries an unsigned order for hashing and status queries.
type OrderRequest struct {
	Order rfq.OrderPayload `json:"order"`
}

// FaucetRequest is the payload for POST /api/v1/dev/faucet.
type FaucetRequest struct {
	Token  string `json:"token"`
	Owner  string `json:"owner"`
	Amount string `json:"amount"`
}

// ==============================
// REST Response Types
// ==============================

// InvalidatorStatusResponse is maker's invalidator word for one slot.
type InvalidatorStatusResponse struct {
	Maker  string `json:"maker"`
	Slot   uint64 `json:"slot"`
	Bitmap string `json:"bitmap"` // hex
	Value  string `json:"value"`  // decimal
	Count  int    `json:"count"`  // bits set
}

// MakerInvalidatorResponse lists maker's non-zero invalidator words.
type MakerInvalidatorResponse struct {
	Maker string                      `json:"maker"`
	Slots []InvalidatorStatusResponse `json:"slots"`
}

// FillOrderResponse is returned for a settled fill.
type FillOrderResponse struct {
	Status       string `json:"status"` // "filled"
	OrderHash    string `json:"orderHash"`
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	Recipient    string `json:"recipient"`
	MakingAmount string `json:"makingAmount"`
	TakingAmount string `json:"takingAmount"`
	Slot         uint64 `json:"slot"`
	Bit          uint8  `json:"bit"`
}

// CancelOrderResponse is returned for an accepted cancellation.
type CancelOrderResponse struct {
	Status string `json:"status"` // "cancelled"
	Maker  string `json:"maker"`
	Slot   uint64 `json:"slot"`
	Bit    uint8  `json:"bit"`
}

// HashOrderResponse gives off-chain signers the digest and the eth_signTypedData_v4 payload.
type HashOrderResponse struct {
	OrderHash string          `json:"orderHash"`
	Slot      uint64          `json:"slot"`
	Bit       uint8           `json:"bit"`
	Expiry    uint64          `json:"expiry"` // 0 = never
	TypedData json.RawMessage `json:"typedData"`
}

// OrderStatusResponse reports whether an order can still be filled.
type OrderStatusResponse struct {
	OrderHash string `json:"orderHash"`
	Live      bool   `json:"live"`
}

// BalanceResponse is an owner's ledger balance of one token.
type BalanceResponse struct {
	Token   string `json:"token"`
	Owner   string `json:"owner"`
	Balance string `json:"balance"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the base structure for all WebSocket messages
type WSMessage struct {
	Type    string      `json:"type"`    // "rfq_filled", "rfq_cancelled"
	Channel string      `json:"channel"` // channel the client matched
	Data    interface{} `json:"data"`    // events.Event
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["fills", "cancels", "maker:0x..."]
}
