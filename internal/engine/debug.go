package engine

import "sync"

// DebugInd names a fault-injection hook. The hooks exist so tests can
// deterministically drive every recovery branch; they are set through an
// explicit side channel, never through production configuration.
type DebugInd string

const (
	DebugNone DebugInd = ""

	// Stop all forward processing once the script-coin lock is broadcast.
	// Recovery (refund) still runs.
	DebugStopAfterCoinALock DebugInd = "BID_STOP_AFTER_COIN_A_LOCK"

	// Broadcast the first-stage refund but never claim its output,
	// leaving it for the counterparty to swipe.
	DebugDontSpendCoinALockRefund2 DebugInd = "BID_DONT_SPEND_COIN_A_LOCK_REFUND2"

	// Never sweep the no-script leg after the secret becomes known.
	DebugDontSpendCoinBLock DebugInd = "BID_DONT_SPEND_COIN_B_LOCK"

	// Hold the refund path until the no-script lock is observed, forcing
	// a specific interleaving of refund and lock.
	DebugWaitForCoinBLockBeforeRefund DebugInd = "WAIT_FOR_COIN_B_LOCK_BEFORE_REFUND"

	// Lock the wrong amount on the no-script chain.
	DebugCreateInvalidCoinBLock DebugInd = "CREATE_INVALID_COIN_B_LOCK"

	// Attach the mercy key-share output when swiping.
	DebugMercyRelease DebugInd = "MERCY_RELEASE"
)

var knownDebugInds = map[DebugInd]bool{
	DebugStopAfterCoinALock:           true,
	DebugDontSpendCoinALockRefund2:    true,
	DebugDontSpendCoinBLock:           true,
	DebugWaitForCoinBLockBeforeRefund: true,
	DebugCreateInvalidCoinBLock:       true,
	DebugMercyRelease:                 true,
}

// debugChannel holds the per-bid fault-injection toggles. A nil channel
// (production wiring) reports every hook disabled.
type debugChannel struct {
	mu    sync.Mutex
	byBid map[string]map[DebugInd]bool
}

func newDebugChannel() *debugChannel {
	return &debugChannel{byBid: make(map[string]map[DebugInd]bool)}
}

func (d *debugChannel) set(bidID string, ind DebugInd, enabled bool) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	m, ok := d.byBid[bidID]
	if !ok {
		m = make(map[DebugInd]bool)
		d.byBid[bidID] = m
	}
	m[ind] = enabled
}

func (d *debugChannel) enabled(bidID string, ind DebugInd) bool {
	if d == nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.byBid[bidID][ind]
}
