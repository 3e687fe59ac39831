// Package protocol selects swap type and per-party roles for an offer.
// Role assignment is a pure function of the coin pair and which side of
// the offer a party is on; it is never mutated after assignment.
package protocol

import (
	"errors"
	"fmt"

	"github.com/gerlofvanek/basicswap/internal/chain"
)

// SwapType is the settlement protocol used for a swap.
type SwapType string

const (
	// SwapSellerFirst is the plain script-for-script swap: both legs use
	// HTLC-style lock scripts, the seller locks first.
	SwapSellerFirst SwapType = "seller_first"

	// SwapAdaptorSig is the scriptless ("XMR-style") swap: one leg is a
	// script lock, the other an adaptor-signature one-time-key commitment.
	SwapAdaptorSig SwapType = "adaptor_sig"
)

// LockType is the refund-path time lock variant for script locks.
type LockType string

const (
	LockTimeAbsolute   LockType = "abs_time"   // CLTV, unix time
	LockTimeRelative   LockType = "rel_time"   // CSV, time units
	LockBlocksRelative LockType = "rel_blocks" // CSV, block units
)

// Role is a party's protocol role within a swap.
type Role string

const (
	// RoleLeader creates the script-capable lock first. The leader's
	// refund path gates the follower's recovery options.
	RoleLeader Role = "leader"

	// RoleFollower locks second, conditioned on observing the leader's
	// lock confirm.
	RoleFollower Role = "follower"
)

var (
	ErrNoScriptLeg      = errors.New("neither coin can host the script lock")
	ErrSwapTypeMismatch = errors.New("swap type not possible for coin pair")
)

// scriptCompatible reports whether a coin can host the script leg of an
// adaptor-sig swap. The script leg must also carry secp256k1 keys, since
// the adaptor signature construction lives on that curve.
func scriptCompatible(p *chain.Params) bool {
	return p.ScriptCapable() && p.Curve == chain.CurveSecp256k1
}

// SelectSwapType picks the swap protocol for a coin pair.
// Two script-capable secp256k1 coins settle seller-first; a pair with one
// value-only leg requires the adaptor-signature protocol.
func SelectSwapType(coinFrom, coinTo chain.Coin) (SwapType, error) {
	from, ok := chain.Get(coinFrom)
	if !ok {
		return "", fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coinFrom)
	}
	to, ok := chain.Get(coinTo)
	if !ok {
		return "", fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coinTo)
	}

	if scriptCompatible(from) && scriptCompatible(to) {
		return SwapSellerFirst, nil
	}
	if scriptCompatible(from) || scriptCompatible(to) {
		return SwapAdaptorSig, nil
	}
	return "", fmt.Errorf("%w: %s/%s", ErrNoScriptLeg, coinFrom, coinTo)
}

// IsReverseBid reports whether the bidder, not the offerer, must lead.
// True when the offered leg cannot host the script lock but the other leg
// can: only the leader's chain carries the script timeout/refund fallback,
// so the party paying out on the script-capable chain must lock first.
func IsReverseBid(coinFrom, coinTo chain.Coin) (bool, error) {
	from, ok := chain.Get(coinFrom)
	if !ok {
		return false, fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coinFrom)
	}
	to, ok := chain.Get(coinTo)
	if !ok {
		return false, fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coinTo)
	}

	if scriptCompatible(from) {
		return false, nil
	}
	if scriptCompatible(to) {
		return true, nil
	}
	return false, fmt.Errorf("%w: %s/%s", ErrNoScriptLeg, coinFrom, coinTo)
}

// Assignment is the derived role layout for one party of a swap.
type Assignment struct {
	SwapType  SwapType
	Reversed  bool
	OurRole   Role
	TheirRole Role

	// ScriptCoin hosts the lock script; NoScriptCoin (adaptor-sig swaps
	// only) carries the one-time-key commitment.
	ScriptCoin   chain.Coin
	NoScriptCoin chain.Coin
}

// SelectRoles derives the role assignment for a party.
// isOfferer is true for the party that published the offer.
func SelectRoles(swapType SwapType, coinFrom, coinTo chain.Coin, isOfferer bool) (*Assignment, error) {
	a := &Assignment{SwapType: swapType}

	switch swapType {
	case SwapSellerFirst:
		// Seller (offerer) always initiates; both legs are script locks.
		a.ScriptCoin = coinFrom
		if isOfferer {
			a.OurRole, a.TheirRole = RoleLeader, RoleFollower
		} else {
			a.OurRole, a.TheirRole = RoleFollower, RoleLeader
		}
		return a, nil

	case SwapAdaptorSig:
		reversed, err := IsReverseBid(coinFrom, coinTo)
		if err != nil {
			return nil, err
		}
		a.Reversed = reversed
		if reversed {
			a.ScriptCoin, a.NoScriptCoin = coinTo, coinFrom
		} else {
			a.ScriptCoin, a.NoScriptCoin = coinFrom, coinTo
		}

		// The leader pays out on the script chain. Without reversal the
		// offerer sells coin_from (the script coin) and leads; with
		// reversal the bidder's leg hosts the script and the bidder leads.
		offererLeads := !reversed
		if isOfferer == offererLeads {
			a.OurRole, a.TheirRole = RoleLeader, RoleFollower
		} else {
			a.OurRole, a.TheirRole = RoleFollower, RoleLeader
		}
		return a, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrSwapTypeMismatch, swapType)
	}
}
