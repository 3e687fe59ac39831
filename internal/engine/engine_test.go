package engine

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/gerlofvanek/basicswap/internal/automation"
	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/script"
	"github.com/gerlofvanek/basicswap/internal/storage"
)

const (
	oneBTC     = uint64(100_000_000)
	twentyXMR  = uint64(20_000_000_000_000)
	hundredLTC = uint64(10_000_000_000)

	// Fixed-point rates with 8 decimal places.
	rateBTCXMR = uint64(2_000_000_000)  // 20 XMR per BTC
	rateXMRBTC = uint64(5_000_000)      // 0.05 BTC per XMR
	rateBTCLTC = uint64(10_000_000_000) // 100 LTC per BTC
)

func acceptAll() automation.Config {
	return automation.Config{Strategy: automation.StrategyAcceptAll}
}

func noAuto() automation.Config {
	return automation.Config{Strategy: automation.StrategyNone}
}

func postAdaptorOffer(t *testing.T, ctx context.Context, e *Engine, autoAccept bool) *storage.OfferRecord {
	t.Helper()
	offer, err := e.PostOffer(ctx, &OfferRequest{
		CoinFrom:   chain.BTC,
		CoinTo:     chain.XMR,
		AmountFrom: oneBTC,
		Rate:       rateBTCXMR,
		LockType:   protocol.LockBlocksRelative,
		LockValue:  25,
		AutoAccept: autoAccept,
	})
	if err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	return offer
}

func swapDataOf(t *testing.T, e *Engine, bidID string) *swapData {
	t.Helper()
	bid, err := e.GetBid(bidID)
	if err != nil {
		t.Fatalf("GetBid(%s) error = %v", bidID, err)
	}
	d, err := loadSwapData(bid)
	if err != nil {
		t.Fatalf("loadSwapData(%s) error = %v", bidID, err)
	}
	return d
}

func TestAdaptorSwapHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)

	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}

	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})

	// The leader's side must have passed through the full forward path.
	for _, state := range []BidState{
		BidReceived, BidAccepted, SwapInitiated,
		XmrSwapScriptCoinLocked, XmrSwapNoscriptCoinLocked, XmrSwapNoscriptTxRedeemed,
	} {
		if !stateHistoryContains(t, alice, bid.ID, state) {
			t.Errorf("leader history missing %s", state)
		}
	}
	if !stateHistoryContains(t, bob, bid.ID, SwapParticipating) {
		t.Error("follower history missing SWAP_PARTICIPATING")
	}

	d := swapDataOf(t, alice, bid.ID)
	if d.SweepTxID == "" {
		t.Error("leader did not sweep the no-script leg")
	}
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != 0 {
		t.Errorf("combined address still holds %d", bal)
	}
	if dBob := swapDataOf(t, bob, bid.ID); dBob.CoopSpendTxID == "" {
		t.Error("follower did not spend the script lock cooperatively")
	}
}

func TestAdaptorSwapReverseBid(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer, err := alice.PostOffer(ctx, &OfferRequest{
		CoinFrom:   chain.XMR,
		CoinTo:     chain.BTC,
		AmountFrom: twentyXMR,
		Rate:       rateXMRBTC,
		LockType:   protocol.LockBlocksRelative,
		LockValue:  25,
		AutoAccept: true,
	})
	if err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	h.pump(ctx)

	bid, err := bob.PostBid(ctx, offer.ID, twentyXMR)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}

	// The bidder pays out on the script chain, so the bidder leads.
	d := swapDataOf(t, bob, bid.ID)
	if !d.Reversed || !d.isLeader() {
		t.Fatalf("bidder role = %s reversed = %t, want leader reversed", d.OurRole, d.Reversed)
	}
	if d.AmountScript != oneBTC || d.AmountNoScript != twentyXMR {
		t.Fatalf("leg amounts = %d/%d, want %d/%d",
			d.AmountScript, d.AmountNoScript, oneBTC, twentyXMR)
	}

	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})
}

func TestAdaptorLeaderStallRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	// The leader locks the script coin, then goes silent: it never
	// releases the cooperative signature, so the follower cannot redeem
	// and both sides fall back to the refund chain.
	if err := alice.SetBidDebugInd(bid.ID, DebugStopAfterCoinALock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	h.runUntil(ctx, 80, func() bool {
		return bidState(t, alice, bid.ID) == XmrSwapFailedRefunded &&
			bidState(t, bob, bid.ID) == XmrSwapFailedRefunded
	})

	// The follower locked the no-script leg before the stall; the
	// leader's refund claim revealed its share, letting the follower
	// sweep its coins back.
	d := swapDataOf(t, bob, bid.ID)
	if d.NoScriptTxID == "" {
		t.Fatal("follower never locked the no-script leg")
	}
	if d.SweepTxID == "" {
		t.Error("follower did not recover the no-script leg")
	}
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != 0 {
		t.Errorf("combined address still holds %d", bal)
	}
}

func TestAdaptorRefundSwipe(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	// The leader stalls and then also abandons its refund claim; after
	// the second-stage window the follower swipes the refund output.
	if err := alice.SetBidDebugInd(bid.ID, DebugStopAfterCoinALock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}
	if err := alice.SetBidDebugInd(bid.ID, DebugDontSpendCoinALockRefund2, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	h.runUntil(ctx, 120, func() bool {
		return bidState(t, alice, bid.ID) == XmrSwapFailedSwiped &&
			bidState(t, bob, bid.ID) == XmrSwapFailedSwiped
	})

	// No mercy output: the follower's no-script coins stay locked under
	// the combined key neither party holds alone.
	d := swapDataOf(t, bob, bid.ID)
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != d.AmountNoScript {
		t.Errorf("combined address holds %d, want %d", bal, d.AmountNoScript)
	}
}

func TestAdaptorMercyRelease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	if err := alice.SetBidDebugInd(bid.ID, DebugStopAfterCoinALock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}
	if err := alice.SetBidDebugInd(bid.ID, DebugDontSpendCoinALockRefund2, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}
	// The swiping follower discloses its key share, so the leader can
	// still recover the no-script leg it paid for.
	if err := bob.SetBidDebugInd(bid.ID, DebugMercyRelease, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	h.runUntil(ctx, 120, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == XmrSwapFailedSwiped
	})

	d := swapDataOf(t, alice, bid.ID)
	if d.SweepTxID == "" {
		t.Error("leader did not sweep after the mercy release")
	}
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != 0 {
		t.Errorf("combined address still holds %d", bal)
	}
}

func TestAdaptorInvalidNoScriptLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	// A short no-script lock never satisfies the leader's balance check,
	// so the cooperative signature is never released and both sides
	// recover through the refund chain.
	if err := bob.SetBidDebugInd(bid.ID, DebugCreateInvalidCoinBLock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	h.runUntil(ctx, 80, func() bool {
		return bidState(t, alice, bid.ID) == XmrSwapFailedRefunded &&
			bidState(t, bob, bid.ID) == XmrSwapFailedRefunded
	})

	d := swapDataOf(t, bob, bid.ID)
	if d.SweepTxID == "" {
		t.Error("follower did not recover its short lock")
	}
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != 0 {
		t.Errorf("combined address still holds %d", bal)
	}
}

func TestAdaptorHoldNoScriptSweep(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	if err := alice.SetBidDebugInd(bid.ID, DebugDontSpendCoinBLock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	// The follower completes normally; the leader recovers the share but
	// holds the sweep, parking the bid for inspection.
	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == BidStalledForTest &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})

	d := swapDataOf(t, alice, bid.ID)
	if bal := h.chains[chain.XMR].balance(d.CombinedAddr); bal != d.AmountNoScript {
		t.Errorf("combined address holds %d, want %d", bal, d.AmountNoScript)
	}
}

func TestAdaptorRefundWaitsForNoScriptLock(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	// A short lock plus the hold-refund hook on both sides: the refund
	// is gated on the full no-script amount, which never arrives, so
	// neither party broadcasts the refund even after the window.
	for _, e := range []*Engine{alice, bob} {
		if err := e.SetBidDebugInd(bid.ID, DebugWaitForCoinBLockBeforeRefund, true); err != nil {
			t.Fatalf("SetBidDebugInd() error = %v", err)
		}
	}
	if err := bob.SetBidDebugInd(bid.ID, DebugCreateInvalidCoinBLock, true); err != nil {
		t.Fatalf("SetBidDebugInd() error = %v", err)
	}

	for i := 0; i < 40; i++ {
		h.step(ctx)
	}

	requireBidState(t, alice, bid.ID, XmrSwapScriptCoinLocked)
	requireBidState(t, bob, bid.ID, SwapParticipating)
	d := swapDataOf(t, alice, bid.ID)
	if d.RefundTxID != "" {
		t.Error("refund broadcast despite hold hook")
	}
}

func TestSecondBidOverOfferValue(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)

	bid1, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	bid2, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	if got := bidState(t, alice, bid1.ID); got != SwapInitiated {
		t.Fatalf("first bid state = %s, want %s", got, SwapInitiated)
	}
	requireBidState(t, alice, bid2.ID, BidAacceptFail)

	events, err := alice.BidEvents(bid2.ID)
	if err != nil {
		t.Fatalf("BidEvents() error = %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.EventType == storage.EventAutomationConstraint &&
			ev.Message == automation.ReasonOverOfferValue {
			found = true
		}
	}
	if !found {
		t.Error("missing AUTOMATION_CONSTRAINT event for the over-value bid")
	}
}

func TestManualAcceptOverCapacity(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", noAuto())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, false)
	h.pump(ctx)

	bid1, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	bid2, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	requireBidState(t, alice, bid1.ID, BidReceived)
	requireBidState(t, alice, bid2.ID, BidReceived)

	if err := alice.AcceptBid(ctx, bid1.ID); err != nil {
		t.Fatalf("AcceptBid(first) error = %v", err)
	}
	err = alice.AcceptBid(ctx, bid2.ID)
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("AcceptBid(second) error = %v, want ErrInsufficientFunds", err)
	}
	requireBidState(t, alice, bid2.ID, BidReceived)
}

func TestBidExpiry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", noAuto())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, false)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	h.clock.advance(2 * time.Hour)
	h.step(ctx)

	requireBidState(t, alice, bid.ID, SwapTimedout)
	requireBidState(t, bob, bid.ID, SwapTimedout)
}

func TestMessageReplayDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.pump(ctx)

	stateBefore := bidState(t, alice, bid.ID)
	historyBefore, err := alice.BidStateHistory(bid.ID)
	if err != nil {
		t.Fatalf("BidStateHistory() error = %v", err)
	}

	bids := h.transport.history(MsgTypeBid)
	if len(bids) != 1 {
		t.Fatalf("sent %d bid messages, want 1", len(bids))
	}
	replay := *bids[0]
	replay.ID = "redelivered-under-new-id"
	if err := alice.HandleMessage(ctx, &replay); err != nil {
		t.Fatalf("replayed HandleMessage() error = %v", err)
	}

	if got := bidState(t, alice, bid.ID); got != stateBefore {
		t.Errorf("state changed on replay: %s -> %s", stateBefore, got)
	}
	historyAfter, err := alice.BidStateHistory(bid.ID)
	if err != nil {
		t.Fatalf("BidStateHistory() error = %v", err)
	}
	if len(historyAfter) != len(historyBefore) {
		t.Errorf("history grew on replay: %d -> %d", len(historyBefore), len(historyAfter))
	}
}

func TestFailedHandlerRetriedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)

	// The offerer's wallet misbehaves while the bid is being evaluated,
	// failing the first delivery attempt.
	h.adapters["alice"][chain.BTC].setSpendableErr(
		&backend.RPCError{Coin: chain.BTC, Method: "getbalances", Transient: true})

	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	batch := h.transport.take()
	if len(batch) != 1 || batch[0].msg.Type != MsgTypeBid {
		t.Fatalf("pending deliveries = %+v, want one bid message", batch)
	}
	if err := alice.HandleMessage(ctx, batch[0].msg); err == nil {
		t.Fatal("HandleMessage() succeeded despite wallet failure")
	}

	// The sender retries the identical message once the wallet recovers.
	// It must be processed, not dropped as a duplicate.
	h.adapters["alice"][chain.BTC].setSpendableErr(nil)
	if err := alice.HandleMessage(ctx, batch[0].msg); err != nil {
		t.Fatalf("redelivered HandleMessage() error = %v", err)
	}
	requireBidState(t, alice, bid.ID, BidAccepted)

	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})
}

func TestOfferRevokePropagates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", noAuto())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, false)
	h.pump(ctx)

	if _, err := bob.GetOffer(offer.ID); err != nil {
		t.Fatalf("offer did not reach peer: %v", err)
	}
	if err := alice.RevokeOffer(ctx, offer.ID); err != nil {
		t.Fatalf("RevokeOffer() error = %v", err)
	}
	h.pump(ctx)

	got, err := bob.GetOffer(offer.ID)
	if err != nil {
		t.Fatalf("GetOffer() error = %v", err)
	}
	if got.Status != storage.OfferStatusRevoked {
		t.Fatalf("peer offer status = %s, want %s", got.Status, storage.OfferStatusRevoked)
	}
	if _, err := bob.PostBid(ctx, offer.ID, oneBTC); !errors.Is(err, ErrOfferClosed) {
		t.Fatalf("PostBid() error = %v, want ErrOfferClosed", err)
	}
}

func TestSellerFirstHappyPath(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.LTC)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer, err := alice.PostOffer(ctx, &OfferRequest{
		CoinFrom:   chain.BTC,
		CoinTo:     chain.LTC,
		AmountFrom: oneBTC,
		Rate:       rateBTCLTC,
		LockType:   protocol.LockBlocksRelative,
		LockValue:  30,
		AutoAccept: true,
	})
	if err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	if offer.SwapType != string(protocol.SwapSellerFirst) {
		t.Fatalf("swap type = %s, want %s", offer.SwapType, protocol.SwapSellerFirst)
	}
	h.pump(ctx)

	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}

	h.runUntil(ctx, 30, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})

	// The seller's claim published the secret; the buyer must have
	// learned the same one to take the initiate leg.
	dAlice := swapDataOf(t, alice, bid.ID)
	dBob := swapDataOf(t, bob, bid.ID)
	if !bytes.Equal(dAlice.Secret, dBob.Secret) {
		t.Error("buyer recovered a different secret than the seller generated")
	}
	if dBob.ClaimTxID == "" {
		t.Error("buyer did not claim the initiate leg")
	}
	if dBob.PtxValue != hundredLTC {
		t.Errorf("participate value = %d, want %d", dBob.PtxValue, hundredLTC)
	}
}

func TestSellerFirstInitiateRefund(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.LTC)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	// The accept never reaches the buyer: no participate leg appears and
	// the seller reclaims its initiate lock after the window.
	h.transport.dropType(MsgTypeBidAccept)

	offer, err := alice.PostOffer(ctx, &OfferRequest{
		CoinFrom:   chain.BTC,
		CoinTo:     chain.LTC,
		AmountFrom: oneBTC,
		Rate:       rateBTCLTC,
		LockType:   protocol.LockBlocksRelative,
		LockValue:  30,
		AutoAccept: true,
	})
	if err != nil {
		t.Fatalf("PostOffer() error = %v", err)
	}
	h.pump(ctx)

	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}

	h.runUntil(ctx, 100, func() bool {
		return bidState(t, alice, bid.ID) == SwapTimedout &&
			bidState(t, bob, bid.ID) == SwapTimedout
	})

	rec, err := alice.store.GetTx(bid.ID, storage.TxTypeInitiate)
	if err != nil {
		t.Fatalf("GetTx() error = %v", err)
	}
	if rec.State != string(TxRefunded) {
		t.Errorf("initiate tx state = %s, want %s", rec.State, TxRefunded)
	}
	if rec.RefundTxID == "" {
		t.Error("initiate refund txid not recorded")
	}
}

func countErrorEvents(t *testing.T, e *Engine, bidID string) int {
	t.Helper()
	events, err := e.BidEvents(bidID)
	if err != nil {
		t.Fatalf("BidEvents(%s) error = %v", bidID, err)
	}
	n := 0
	for _, ev := range events {
		if ev.EventType == storage.EventError {
			n++
		}
	}
	return n
}

func TestTickTransientErrorRetried(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", acceptAll())
	bob := h.addNode("bob", noAuto())

	offer := postAdaptorOffer(t, ctx, alice, true)
	h.pump(ctx)
	bid, err := bob.PostBid(ctx, offer.ID, oneBTC)
	if err != nil {
		t.Fatalf("PostBid() error = %v", err)
	}
	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == SwapInitiated
	})
	errsBefore := countErrorEvents(t, alice, bid.ID)

	// A flaky daemon connection must not mark the bid failed; the next
	// pass simply retries.
	h.adapters["alice"][chain.BTC].setGetTxErr(
		&backend.RPCError{Coin: chain.BTC, Method: "getrawtransaction", Transient: true})
	alice.Tick(ctx)
	if got := countErrorEvents(t, alice, bid.ID); got != errsBefore {
		t.Fatalf("transient error recorded %d audit errors", got-errsBefore)
	}

	h.adapters["alice"][chain.BTC].setGetTxErr(
		&backend.RPCError{Coin: chain.BTC, Method: "getrawtransaction", Code: -8, Message: "parameter out of range"})
	alice.Tick(ctx)
	if got := countErrorEvents(t, alice, bid.ID); got != errsBefore+1 {
		t.Fatalf("fatal error events = %d, want %d", got-errsBefore, 1)
	}

	h.adapters["alice"][chain.BTC].setGetTxErr(nil)
	h.runUntil(ctx, 40, func() bool {
		return bidState(t, alice, bid.ID) == SwapCompleted &&
			bidState(t, bob, bid.ID) == SwapCompleted
	})
}

func TestSpendVSizeGuard(t *testing.T) {
	h := newHarness(t, chain.BTC, chain.XMR)
	alice := h.addNode("alice", noAuto())

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(90_000, make([]byte, 22)))
	tx.TxIn[0].Witness = wire.TxWitness{make([]byte, 72), make([]byte, 72), make([]byte, 70)}
	if err := alice.checkSpendVSize(tx); err != nil {
		t.Fatalf("two-signature lock spend rejected: %v", err)
	}

	// A witness far beyond the agreed estimate would eat the output as fees.
	tx.TxIn[0].Witness = append(tx.TxIn[0].Witness, make([]byte, 4096))
	if err := alice.checkSpendVSize(tx); !errors.Is(err, script.ErrVSizeUnderstated) {
		t.Fatalf("error = %v, want ErrVSizeUnderstated", err)
	}
}
