package engine

// BidState enumerates the negotiation and settlement states of a bid.
// Values are persisted as strings; renaming one is a schema change.
type BidState string

const (
	BidSent     BidState = "BID_SENT"
	BidReceived BidState = "BID_RECEIVED"
	BidAccepted BidState = "BID_ACCEPTED"

	SwapInitiated     BidState = "SWAP_INITIATED"
	SwapParticipating BidState = "SWAP_PARTICIPATING"
	SwapCompleted     BidState = "SWAP_COMPLETED"
	SwapTimedout      BidState = "SWAP_TIMEDOUT"

	BidAbandoned   BidState = "BID_ABANDONED"
	BidError       BidState = "BID_ERROR"
	BidAacceptFail BidState = "BID_AACCEPT_FAIL"

	XmrSwapScriptCoinLocked   BidState = "XMR_SWAP_SCRIPT_COIN_LOCKED"
	XmrSwapNoscriptCoinLocked BidState = "XMR_SWAP_NOSCRIPT_COIN_LOCKED"
	XmrSwapNoscriptTxRedeemed BidState = "XMR_SWAP_NOSCRIPT_TX_REDEEMED"
	XmrSwapFailed             BidState = "XMR_SWAP_FAILED"
	XmrSwapFailedRefunded     BidState = "XMR_SWAP_FAILED_REFUNDED"
	XmrSwapFailedSwiped       BidState = "XMR_SWAP_FAILED_SWIPED"

	BidStalledForTest BidState = "BID_STALLED_FOR_TEST"
)

// TxState tracks one transaction slot.
type TxState string

const (
	TxNone      TxState = "TX_NONE"
	TxSent      TxState = "TX_SENT"
	TxConfirmed TxState = "TX_CONFIRMED"
	TxRedeemed  TxState = "TX_REDEEMED"
	TxRefunded  TxState = "TX_REFUNDED"
)

// terminalStates are the states a bid never leaves.
var terminalStates = map[BidState]bool{
	SwapCompleted:         true,
	SwapTimedout:          true,
	BidAbandoned:          true,
	BidError:              true,
	BidAacceptFail:        true,
	XmrSwapFailedRefunded: true,
	XmrSwapFailedSwiped:   true,
}

// IsTerminal reports whether a bid in this state is finished.
func (s BidState) IsTerminal() bool {
	return terminalStates[s]
}

// activeStates commit offer capacity: a bid in one of these holds (or will
// hold) part of the offer's amount. Used for remaining-value checks.
var activeStates = []BidState{
	BidAccepted,
	SwapInitiated,
	SwapParticipating,
	XmrSwapScriptCoinLocked,
	XmrSwapNoscriptCoinLocked,
	XmrSwapNoscriptTxRedeemed,
	SwapCompleted,
}

// ActiveStateNames returns the capacity-committing states as strings for
// storage queries.
func ActiveStateNames() []string {
	out := make([]string, len(activeStates))
	for i, s := range activeStates {
		out[i] = string(s)
	}
	return out
}

// inProgressStates are the non-terminal states the watcher processes.
var inProgressStates = []BidState{
	BidSent,
	BidReceived,
	BidAccepted,
	SwapInitiated,
	SwapParticipating,
	XmrSwapScriptCoinLocked,
	XmrSwapNoscriptCoinLocked,
	XmrSwapNoscriptTxRedeemed,
	XmrSwapFailed,
	BidStalledForTest,
}

func inProgressStateNames() []string {
	out := make([]string, len(inProgressStates))
	for i, s := range inProgressStates {
		out[i] = string(s)
	}
	return out
}
