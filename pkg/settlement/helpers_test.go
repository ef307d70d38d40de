package settlement

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/invalidator"
	"github.com/takadao/smart-trading/pkg/ledger"
	"github.com/takadao/smart-trading/pkg/rfq"
)

var (
	usdc = common.HexToAddress("0x1000000000000000000000000000000000000001")
	weth = common.HexToAddress("0x2000000000000000000000000000000000000002")
)

const startBalance = 1_000_000

type fixture struct {
	engine *Engine
	store  *invalidator.MemoryStore
	ledger *ledger.Memory
	maker  *crypto.Signer
	taker  *crypto.Signer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithVerifier(t, nil)
}

// newFixtureWithVerifier funds the maker with usdc and the taker with weth and
// approves the settlement contract for both.
func newFixtureWithVerifier(t *testing.T, v crypto.Verifier) *fixture {
	t.Helper()
	cfg := DefaultConfig()
	operator := cfg.Domain.VerifyingContract

	l := ledger.NewMemory(operator, cfg.Domain.ChainID)
	l.RegisterToken(usdc, "USD Coin")
	l.RegisterToken(weth, "Wrapped Ether")

	maker, _ := crypto.GenerateKey()
	taker, _ := crypto.GenerateKey()
	mustNoErr(t, l.Mint(usdc, maker.Address(), big.NewInt(startBalance)))
	mustNoErr(t, l.Mint(weth, taker.Address(), big.NewInt(startBalance)))
	mustNoErr(t, l.Approve(usdc, maker.Address(), operator, big.NewInt(startBalance)))
	mustNoErr(t, l.Approve(weth, taker.Address(), operator, big.NewInt(startBalance)))

	store := invalidator.NewMemoryStore()
	engine, err := NewEngine(cfg, store, l, v)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return &fixture{engine: engine, store: store, ledger: l, maker: maker, taker: taker}
}

func mustNoErr(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) order(info *big.Int, making, taking int64) *rfq.Order {
	return &rfq.Order{
		Info:         info,
		MakerAsset:   usdc,
		TakerAsset:   weth,
		Maker:        f.maker.Address(),
		MakingAmount: big.NewInt(making),
		TakingAmount: big.NewInt(taking),
	}
}

func (f *fixture) sign(t *testing.T, o *rfq.Order) []byte {
	t.Helper()
	sig, err := f.engine.Signer().SignOrder(f.maker, o)
	if err != nil {
		t.Fatalf("SignOrder: %v", err)
	}
	return sig
}

func (f *fixture) request(t *testing.T, o *rfq.Order) FillRequest {
	return FillRequest{
		Order:     o,
		Signature: f.sign(t, o),
		Now:       1_700_000_000,
		Caller:    f.taker.Address(),
	}
}

func (f *fixture) balance(t *testing.T, token, owner common.Address) int64 {
	t.Helper()
	b, err := f.ledger.BalanceOf(token, owner)
	if err != nil {
		t.Fatalf("BalanceOf: %v", err)
	}
	return b.Int64()
}

func (f *fixture) bitSet(t *testing.T, o *rfq.Order) bool {
	t.Helper()
	info, err := f.engine.Layout().Decode(o.Info)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	w, err := f.engine.InvalidatorStatus(o.Maker, info.Slot())
	if err != nil {
		t.Fatalf("InvalidatorStatus: %v", err)
	}
	return w.Has(info.Bit())
}
