package rfq

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// OrderPayload is the JSON form of an Order. Integers travel as decimal strings.
//
//	{
//	  "info": "18446744073709551617",
//	  "makerAsset": "0x...",
//	  "takerAsset": "0x...",
//	  "maker": "0x...",
//	  "allowedSender": "0x0000000000000000000000000000000000000000",
//	  "makingAmount": "1000000",
//	  "takingAmount": "2000000"
//	}
type OrderPayload struct {
	Info          string `json:"info"`
	MakerAsset    string `json:"makerAsset"`
	TakerAsset    string `json:"takerAsset"`
	Maker         string `json:"maker"`
	AllowedSender string `json:"allowedSender"`
	MakingAmount  string `json:"makingAmount"`
	TakingAmount  string `json:"takingAmount"`
}

// ToOrder parses the payload and validates the result.
func (p *OrderPayload) ToOrder() (*Order, error) {
	info, err := ParseAmount("info", p.Info)
	if err != nil {
		return nil, err
	}
	making, err := ParseAmount("makingAmount", p.MakingAmount)
	if err != nil {
		return nil, err
	}
	taking, err := ParseAmount("takingAmount", p.TakingAmount)
	if err != nil {
		return nil, err
	}

	addrs := make([]common.Address, 4)
	for i, s := range []string{p.MakerAsset, p.TakerAsset, p.Maker, p.AllowedSender} {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, err
		}
		addrs[i] = a
	}

	order := &Order{
		Info:          info,
		MakerAsset:    addrs[0],
		TakerAsset:    addrs[1],
		Maker:         addrs[2],
		AllowedSender: addrs[3],
		MakingAmount:  making,
		TakingAmount:  taking,
	}
	if err := order.Validate(); err != nil {
		return nil, err
	}
	return order, nil
}

// FromOrder converts an Order into its JSON form.
func FromOrder(o *Order) *OrderPayload {
	return &OrderPayload{
		Info:          o.Info.String(),
		MakerAsset:    o.MakerAsset.Hex(),
		TakerAsset:    o.TakerAsset.Hex(),
		Maker:         o.Maker.Hex(),
		AllowedSender: o.AllowedSender.Hex(),
		MakingAmount:  o.MakingAmount.String(),
		TakingAmount:  o.TakingAmount.String(),
	}
}

// ParseAmount parses a decimal uint256. Empty means zero.
func ParseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || !isUint256(v) {
		return nil, fmt.Errorf("%w: invalid %s: %q", ErrInvalidOrder, field, s)
	}
	return v, nil
}

// ParseAddress parses a hex address. Empty means the zero address.
func ParseAddress(s string) (common.Address, error) {
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: invalid address: %q", ErrInvalidOrder, s)
	}
	return common.HexToAddress(s), nil
}
