package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/takadao/smart-trading/params"
	"github.com/takadao/smart-trading/pkg/api"
	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/rfq"
)

// Prints a maker-signed RFQ order and a taker-signed fill request for the local node.
// MAKER_KEY and TAKER_KEY select the keys; otherwise fresh ones are generated.
func main() {
	cfg := params.LoadFromEnv("")
	if err := cfg.Validate(); err != nil {
		fail("config", err)
	}

	// Step 1: Generate or load keys
	maker := loadKey("MAKER_KEY")
	taker := loadKey("TAKER_KEY")
	fmt.Printf("Maker: %s (key %s)\n", maker.Address().Hex(), maker.PrivateKeyHex())
	fmt.Printf("Taker: %s (key %s)\n\n", taker.Address().Hex(), taker.PrivateKeyHex())

	// Step 2: Create order: 1000 units of the first ledger token for 2000 of the second, valid for an hour
	if len(cfg.Ledger.Tokens) < 2 {
		fail("config", fmt.Errorf("need two LEDGER_TOKENS, have %d", len(cfg.Ledger.Tokens)))
	}
	expiry := uint64(time.Now().Add(time.Hour).Unix())
	info, err := cfg.Layout().Pack(uint64(time.Now().UnixNano())&0xFFFFFFFF, expiry)
	if err != nil {
		fail("pack info", err)
	}
	order := &rfq.Order{
		Info:         info,
		MakerAsset:   common.HexToAddress(cfg.Ledger.Tokens[0].Address),
		TakerAsset:   common.HexToAddress(cfg.Ledger.Tokens[1].Address),
		Maker:        maker.Address(),
		MakingAmount: big.NewInt(1000),
		TakingAmount: big.NewInt(2000),
	}
	decoded, _ := cfg.Layout().Decode(info)

	fmt.Println("Order Details:")
	fmt.Printf("  Info: %s (slot %d, bit %d, expiry %d)\n", info, decoded.Slot(), decoded.Bit(), decoded.Expiry())
	fmt.Printf("  Sells: %s %s\n", order.MakingAmount, cfg.Ledger.Tokens[0].Name)
	fmt.Printf("  Buys: %s %s\n\n", order.TakingAmount, cfg.Ledger.Tokens[1].Name)

	// Step 3: Sign order with EIP-712
	signer := crypto.NewEIP712Signer(cfg.EIP712Domain())
	signature, err := signer.SignOrder(maker, order)
	if err != nil {
		fail("sign order", err)
	}
	r, s, v, _ := crypto.SignatureToRSV(signature)
	fmt.Printf("Signature: %s\n", hexutil.Encode(signature))
	fmt.Printf("  r=0x%064x s=0x%064x v=%d\n\n", r, s, v)

	// Step 4: Verify signature
	recovered, err := signer.RecoverOrderSigner(order, signature)
	if err != nil || recovered != maker.Address() {
		fail("verify", fmt.Errorf("recovered %s: %v", recovered.Hex(), err))
	}
	fmt.Println("✓ Signature VALID")

	// Step 5: Taker signs a full fill
	orderHash, _ := signer.HashOrder(order)
	fillHash, err := signer.HashFill(&crypto.FillEIP712{
		OrderHash:    orderHash,
		MakingAmount: big.NewInt(0),
		TakingAmount: big.NewInt(0),
	})
	if err != nil {
		fail("hash fill", err)
	}
	takerSig, err := taker.Sign(fillHash.Bytes())
	if err != nil {
		fail("sign fill", err)
	}

	req := api.FillOrderRequest{
		Order:          *rfq.FromOrder(order),
		Signature:      hexutil.Encode(signature),
		MakingAmount:   "0",
		TakingAmount:   "0",
		TakerSignature: hexutil.Encode(takerSig),
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fail("marshal", err)
	}

	fmt.Printf("Order hash: %s\n\n", orderHash.Hex())
	fmt.Println("To fill this order (fund both sides with /api/v1/dev/faucet first):")
	fmt.Printf("  curl -X POST http://localhost%s/api/v1/orders/fill \\\n", cfg.API.Addr)
	fmt.Println("    -H 'Content-Type: application/json' -d @- <<'JSON'")
	fmt.Println(string(body))
	fmt.Println("JSON")
}

func loadKey(env string) *crypto.Signer {
	var (
		k   *crypto.Signer
		err error
	)
	if hex := os.Getenv(env); hex != "" {
		k, err = crypto.FromPrivateKeyHex(hex)
	} else {
		k, err = crypto.GenerateKey()
	}
	if err != nil {
		fail(env, err)
	}
	return k
}

func fail(step string, err error) {
	fmt.Printf("Error (%s): %v\n", step, err)
	os.Exit(1)
}
