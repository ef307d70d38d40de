package settlement

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/takadao/smart-trading/pkg/crypto"
	"github.com/takadao/smart-trading/pkg/events"
	"github.com/takadao/smart-trading/pkg/ledger"
	"github.com/takadao/smart-trading/pkg/rfq"
)

func TestFullFillMovesExactAmounts(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(1), 1000, 2000)

	receipt, err := f.engine.Fill(context.Background(), f.request(t, o))
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if receipt.MakingAmount.Int64() != 1000 || receipt.TakingAmount.Int64() != 2000 {
		t.Errorf("receipt amounts = (%s, %s), want (1000, 2000)", receipt.MakingAmount, receipt.TakingAmount)
	}
	if receipt.Slot != 0 || receipt.Bit != 1 {
		t.Errorf("receipt slot/bit = %d/%d, want 0/1", receipt.Slot, receipt.Bit)
	}
	wantHash, _ := f.engine.Signer().HashOrder(o)
	if receipt.OrderHash != wantHash {
		t.Errorf("receipt hash = %s, want %s", receipt.OrderHash.Hex(), wantHash.Hex())
	}

	maker, taker := f.maker.Address(), f.taker.Address()
	checks := []struct {
		name         string
		token, owner common.Address
		want         int64
	}{
		{"maker usdc", usdc, maker, startBalance - 1000},
		{"taker usdc", usdc, taker, 1000},
		{"taker weth", weth, taker, startBalance - 2000},
		{"maker weth", weth, maker, 2000},
	}
	for _, c := range checks {
		if got := f.balance(t, c.token, c.owner); got != c.want {
			t.Errorf("%s = %d, want %d", c.name, got, c.want)
		}
	}
	if !f.bitSet(t, o) {
		t.Error("filled order bit not set")
	}
}

func TestPartialFillScalesTaking(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(2), 1001, 2001)

	req := f.request(t, o)
	req.MakingAmount = big.NewInt(500)
	receipt, err := f.engine.Fill(context.Background(), req)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	// ceil(500 * 2001 / 1001) = ceil(999.50...) = 1000
	if receipt.TakingAmount.Int64() != 1000 {
		t.Errorf("taking = %s, want 1000", receipt.TakingAmount)
	}
	if got := f.balance(t, weth, f.maker.Address()); got != 1000 {
		t.Errorf("maker weth = %d, want 1000", got)
	}

	// single shot: the remainder cannot be filled
	req = f.request(t, o)
	req.MakingAmount = big.NewInt(1)
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrOrderInvalidated) {
		t.Errorf("second partial fill err = %v, want ErrOrderInvalidated", err)
	}
}

func TestZeroSwapAmountLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(3), 5, 10)

	req := f.request(t, o)
	req.TakingAmount = big.NewInt(1)
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrZeroSwapAmount) {
		t.Fatalf("err = %v, want ErrZeroSwapAmount", err)
	}
	if f.bitSet(t, o) {
		t.Error("rejected fill consumed the order")
	}
}

func TestExceedsOrderAmount(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(4), 100, 200)

	req := f.request(t, o)
	req.TakingAmount = big.NewInt(201)
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrExceedsOrderAmount) {
		t.Fatalf("err = %v, want ErrExceedsOrderAmount", err)
	}
}

func TestCancelVectors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	maker := f.maker.Address()

	for slot := uint64(0); slot < 4; slot++ {
		w, _ := f.engine.InvalidatorStatus(maker, slot)
		if !w.IsZero() {
			t.Fatalf("slot %d starts at %s, want 0", slot, w)
		}
	}

	if _, err := f.engine.Cancel(ctx, maker, big.NewInt(1)); err != nil {
		t.Fatalf("Cancel(1): %v", err)
	}
	w, _ := f.engine.InvalidatorStatus(maker, 0)
	if w.Big().Cmp(big.NewInt(2)) != 0 {
		t.Errorf("slot 0 = %s, want 2", w)
	}

	receipt, err := f.engine.Cancel(ctx, maker, big.NewInt(1023))
	if err != nil {
		t.Fatalf("Cancel(1023): %v", err)
	}
	if receipt.Slot != 3 || receipt.Bit != 255 {
		t.Errorf("receipt = %+v, want slot 3 bit 255", receipt)
	}
	w, _ = f.engine.InvalidatorStatus(maker, 3)
	if want := new(big.Int).Lsh(big.NewInt(1), 255); w.Big().Cmp(want) != 0 {
		t.Errorf("slot 3 = %s, want 2^255", w)
	}

	// repeat cancel is a no-op
	if _, err := f.engine.Cancel(ctx, maker, big.NewInt(1023)); err != nil {
		t.Errorf("repeat Cancel: %v", err)
	}
}

func TestCancelOnlyTouchesCallerRow(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(5), 100, 200)

	// the taker "cancels" the same info: it lands in the taker's own row
	if _, err := f.engine.Cancel(context.Background(), f.taker.Address(), o.Info); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if f.bitSet(t, o) {
		t.Fatal("cancel by another address invalidated the maker's order")
	}
	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); err != nil {
		t.Errorf("Fill after foreign cancel: %v", err)
	}
}

func TestInvalidatedBeatsValidSignature(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(6), 100, 200)
	if _, err := f.engine.Cancel(context.Background(), f.maker.Address(), o.Info); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); !errors.Is(err, ErrOrderInvalidated) {
		t.Errorf("valid signature err = %v, want ErrOrderInvalidated", err)
	}

	req := f.request(t, o)
	req.Signature = []byte{0xde, 0xad}
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrOrderInvalidated) {
		t.Errorf("garbage signature err = %v, want ErrOrderInvalidated", err)
	}
}

func TestExpiry(t *testing.T) {
	f := newFixture(t)
	info, err := f.engine.Layout().Pack(7, 1_700_000_000)
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	o := f.order(info, 100, 200)

	req := f.request(t, o)
	req.Now = 1_700_000_001
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrOrderExpired) {
		t.Fatalf("err = %v, want ErrOrderExpired", err)
	}

	req.Now = 1_700_000_000 // inclusive deadline
	if _, err := f.engine.Fill(context.Background(), req); err != nil {
		t.Errorf("Fill at expiry second: %v", err)
	}
}

func TestBadSignature(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(8), 100, 200)
	other, _ := crypto.GenerateKey()

	sig, _ := f.engine.Signer().SignOrder(other, o)
	req := f.request(t, o)
	req.Signature = sig
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrBadSignature) {
		t.Errorf("foreign signer err = %v, want ErrBadSignature", err)
	}

	// signature over a different order
	req = f.request(t, o)
	o2 := *o
	o2.TakingAmount = big.NewInt(1)
	req.Order = &o2
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrBadSignature) {
		t.Errorf("tampered order err = %v, want ErrBadSignature", err)
	}
}

func TestCheckOrder(t *testing.T) {
	f := newFixture(t)
	stranger := common.HexToAddress("0x0000000000000000000000000000000000005555")
	expiredInfo, _ := f.engine.Layout().Pack(9, 1)

	// restricted to someone else, expired and carrying a bad signature:
	// the sender check wins
	o := f.order(expiredInfo, 100, 200)
	o.AllowedSender = stranger
	req := f.request(t, o)
	req.Signature = nil
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrSenderNotAllowed) {
		t.Errorf("err = %v, want ErrSenderNotAllowed", err)
	}

	// allowed sender passes, expiry is next
	req.Caller = stranger
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrOrderExpired) {
		t.Errorf("err = %v, want ErrOrderExpired", err)
	}
}

func TestAllowedSenderCanFill(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(10), 100, 200)
	o.AllowedSender = f.taker.Address()

	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); err != nil {
		t.Errorf("Fill by allowed sender: %v", err)
	}
}

func TestDoubleFill(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(11), 100, 200)

	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); err != nil {
		t.Fatalf("first Fill: %v", err)
	}
	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); !errors.Is(err, ErrOrderInvalidated) {
		t.Errorf("second Fill err = %v, want ErrOrderInvalidated", err)
	}
	if got := f.balance(t, usdc, f.taker.Address()); got != 100 {
		t.Errorf("taker usdc = %d, want 100 (filled once)", got)
	}
}

func TestConcurrentFillsSingleWinner(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(12), 100, 200)
	req := f.request(t, o)

	const workers = 16
	var (
		wg          sync.WaitGroup
		ok, invalid atomic.Int32
	)
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.engine.Fill(context.Background(), req)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrOrderInvalidated):
				invalid.Add(1)
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if ok.Load() != 1 || invalid.Load() != workers-1 {
		t.Errorf("ok=%d invalidated=%d, want 1/%d", ok.Load(), invalid.Load(), workers-1)
	}
	if got := f.balance(t, usdc, f.taker.Address()); got != 100 {
		t.Errorf("taker usdc = %d, want 100", got)
	}
}

func TestTransferFailureReleasesBit(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(13), 100, 200)
	operator := f.engine.Signer().Domain().VerifyingContract

	// taker revokes its allowance: the second leg fails after the first succeeded
	mustNoErr(t, f.ledger.Approve(weth, f.taker.Address(), operator, big.NewInt(0)))

	_, err := f.engine.Fill(context.Background(), f.request(t, o))
	if !errors.Is(err, ledger.ErrInsufficientAllowance) {
		t.Fatalf("err = %v, want ledger.ErrInsufficientAllowance", err)
	}
	if f.bitSet(t, o) {
		t.Error("failed transfer left the invalidator bit set")
	}
	if got := f.balance(t, usdc, f.maker.Address()); got != startBalance {
		t.Errorf("maker usdc = %d, want %d (maker leg rolled back)", got, startBalance)
	}
	if got := f.balance(t, usdc, f.taker.Address()); got != 0 {
		t.Errorf("taker usdc = %d, want 0", got)
	}

	// the order is still live once the taker re-approves
	mustNoErr(t, f.ledger.Approve(weth, f.taker.Address(), operator, big.NewInt(startBalance)))
	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); err != nil {
		t.Errorf("Fill after re-approve: %v", err)
	}
}

func TestInsufficientMakerBalance(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(14), startBalance+1, 1)
	mustNoErr(t, f.ledger.Approve(usdc, f.maker.Address(), f.engine.Signer().Domain().VerifyingContract, big.NewInt(startBalance+1)))

	_, err := f.engine.Fill(context.Background(), f.request(t, o))
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ledger.ErrInsufficientBalance", err)
	}
	if f.bitSet(t, o) {
		t.Error("failed transfer left the invalidator bit set")
	}
}

func TestRecipientReceivesMakerAsset(t *testing.T) {
	f := newFixture(t)
	o := f.order(big.NewInt(15), 100, 200)
	recipient := common.HexToAddress("0x000000000000000000000000000000000000beef")

	req := f.request(t, o)
	req.Recipient = recipient
	receipt, err := f.engine.Fill(context.Background(), req)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if receipt.Recipient != recipient {
		t.Errorf("receipt recipient = %s, want %s", receipt.Recipient.Hex(), recipient.Hex())
	}
	if got := f.balance(t, usdc, recipient); got != 100 {
		t.Errorf("recipient usdc = %d, want 100", got)
	}
	if got := f.balance(t, weth, f.taker.Address()); got != startBalance-200 {
		t.Errorf("taker weth = %d, want %d (caller pays)", got, startBalance-200)
	}
}

func TestMockVerifier(t *testing.T) {
	var calls atomic.Int32
	accept := crypto.VerifierFunc(func(common.Hash, []byte, common.Address) bool {
		calls.Add(1)
		return true
	})
	f := newFixtureWithVerifier(t, accept)

	o := f.order(big.NewInt(16), 100, 200)
	req := FillRequest{Order: o, Now: 1, Caller: f.taker.Address()}
	if _, err := f.engine.Fill(context.Background(), req); err != nil {
		t.Fatalf("Fill with accepting verifier: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("verifier calls = %d, want 1", calls.Load())
	}

	// an invalidated order is rejected before the verifier runs
	if _, err := f.engine.Fill(context.Background(), req); !errors.Is(err, ErrOrderInvalidated) {
		t.Errorf("err = %v, want ErrOrderInvalidated", err)
	}
	if calls.Load() != 1 {
		t.Errorf("verifier calls = %d, want 1", calls.Load())
	}

	reject := crypto.VerifierFunc(func(common.Hash, []byte, common.Address) bool { return false })
	f = newFixtureWithVerifier(t, reject)
	o = f.order(big.NewInt(16), 100, 200)
	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); !errors.Is(err, ErrBadSignature) {
		t.Errorf("rejecting verifier err = %v, want ErrBadSignature", err)
	}
}

func TestInvalidOrder(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.Fill(context.Background(), FillRequest{}); !errors.Is(err, rfq.ErrInvalidOrder) {
		t.Errorf("nil order err = %v, want rfq.ErrInvalidOrder", err)
	}

	o := f.order(big.NewInt(17), 100, 200)
	o.MakingAmount = big.NewInt(-1)
	if _, err := f.engine.Fill(context.Background(), FillRequest{Order: o}); !errors.Is(err, rfq.ErrInvalidOrder) {
		t.Errorf("negative amount err = %v, want rfq.ErrInvalidOrder", err)
	}
}

func TestFillPublishesEvent(t *testing.T) {
	f := newFixture(t)
	var got []events.Event
	f.engine.Publisher = events.Multi{
		events.PublisherFunc(func(_ context.Context, ev events.Event) error {
			got = append(got, ev)
			return nil
		}),
		events.PublisherFunc(func(context.Context, events.Event) error {
			return errors.New("broker down")
		}),
	}

	o := f.order(big.NewInt(18), 100, 200)
	if _, err := f.engine.Fill(context.Background(), f.request(t, o)); err != nil {
		t.Fatalf("Fill must not fail on publish errors: %v", err)
	}
	if _, err := f.engine.Cancel(context.Background(), f.maker.Address(), big.NewInt(19)); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("events = %d, want 2", len(got))
	}
	if got[0].Type != events.TypeFilled || got[0].MakingAmount != "100" || got[0].TakingAmount != "200" {
		t.Errorf("fill event = %+v", got[0])
	}
	if got[1].Type != events.TypeCancelled || got[1].Bit != 19 {
		t.Errorf("cancel event = %+v", got[1])
	}
}

func TestOrderLive(t *testing.T) {
	f := newFixture(t)
	info, _ := f.engine.Layout().Pack(20, 500)
	o := f.order(info, 100, 200)

	live, err := f.engine.OrderLive(o, 400)
	if err != nil || !live {
		t.Errorf("OrderLive before expiry = %v, %v; want true", live, err)
	}
	if live, _ := f.engine.OrderLive(o, 501); live {
		t.Error("expired order reported live")
	}

	if _, err := f.engine.Cancel(context.Background(), f.maker.Address(), info); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if live, _ := f.engine.OrderLive(o, 400); live {
		t.Error("cancelled order reported live")
	}
}

func TestNewEngineValidatesConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Layout = rfq.Layout{ExpiryShift: 4, ExpiryBits: 64}
	if _, err := NewEngine(cfg, nil, nil, nil); err == nil {
		t.Error("invalid layout accepted")
	}
	if _, err := NewEngine(DefaultConfig(), nil, nil, nil); err == nil {
		t.Error("missing collaborators accepted")
	}
}
