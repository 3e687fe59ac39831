// Package automation decides whether received bids are accepted without
// operator action. Constraint violations are soft: they produce a decision
// with a reason, never an error, and the engine records them as events.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

var (
	ErrUnknownStrategy = errors.New("unknown automation strategy")
)

// Strategy names an auto-accept policy.
type Strategy string

const (
	// StrategyNone never accepts; every bid waits for the operator.
	StrategyNone Strategy = "none"
	// StrategyAcceptAll accepts any bid passing the constraints.
	StrategyAcceptAll Strategy = "accept_all"
	// StrategyAcceptKnown accepts bids from allow-listed addresses only.
	StrategyAcceptKnown Strategy = "accept_known"
)

// Constraint reasons. ReasonOverOfferValue doubles as the hard failure
// message for manual accepts over capacity.
const (
	ReasonOverOfferValue   = "Over remaining offer value"
	ReasonBalanceTooLow    = "Spendable balance too low"
	ReasonTooManyBids      = "Too many concurrent active bids"
	ReasonUnknownBidder    = "Bidder address not in accept list"
	ReasonBelowMinimumBid  = "Below offer minimum bid amount"
	ReasonStrategyDisabled = "Auto accept disabled"
)

// Decision is the outcome of evaluating a bid against the policy.
type Decision struct {
	Accept bool
	Reason string
}

// Config holds automation policy settings.
type Config struct {
	Strategy          Strategy
	MaxConcurrentBids int
	KnownBidders      []string
}

// Controller evaluates auto-accept strategies against admission
// constraints.
type Controller struct {
	store    *storage.Storage
	adapters *backend.Registry
	cfg      Config
	known    map[string]struct{}
	log      *logging.Logger
}

// New creates a Controller.
func New(store *storage.Storage, adapters *backend.Registry, cfg Config) (*Controller, error) {
	switch cfg.Strategy {
	case StrategyNone, StrategyAcceptAll, StrategyAcceptKnown:
	case "":
		cfg.Strategy = StrategyNone
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, cfg.Strategy)
	}
	if cfg.MaxConcurrentBids <= 0 {
		cfg.MaxConcurrentBids = 5
	}

	known := make(map[string]struct{}, len(cfg.KnownBidders))
	for _, addr := range cfg.KnownBidders {
		known[addr] = struct{}{}
	}

	return &Controller{
		store:    store,
		adapters: adapters,
		cfg:      cfg,
		known:    known,
		log:      logging.Component("automation"),
	}, nil
}

// CheckCapacity verifies a bid amount fits the offer's remaining value,
// counting bids in activeStates as committed. Shared with manual accepts,
// where a violation is a hard error instead of a soft decision.
func (c *Controller) CheckCapacity(offer *storage.OfferRecord, bidAmount uint64, activeStates []string) (bool, error) {
	committed, err := c.store.SumBidAmounts(offer.ID, activeStates)
	if err != nil {
		return false, err
	}
	return committed+bidAmount <= offer.AmountFrom, nil
}

// EvaluateBid runs the configured strategy and all admission constraints
// for a received bid. The returned Decision carries the first violated
// constraint; evaluation errors are storage/RPC failures only.
func (c *Controller) EvaluateBid(ctx context.Context, offer *storage.OfferRecord,
	bid *storage.BidRecord, activeStates []string) (Decision, error) {

	if !offer.AutoAccept || c.cfg.Strategy == StrategyNone {
		return Decision{Reason: ReasonStrategyDisabled}, nil
	}

	if c.cfg.Strategy == StrategyAcceptKnown {
		if _, ok := c.known[bid.AddrFrom]; !ok {
			return Decision{Reason: ReasonUnknownBidder}, nil
		}
	}

	if offer.MinBidAmount > 0 && bid.Amount < offer.MinBidAmount {
		return Decision{Reason: ReasonBelowMinimumBid}, nil
	}

	ok, err := c.CheckCapacity(offer, bid.Amount, activeStates)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		return Decision{Reason: ReasonOverOfferValue}, nil
	}

	active, err := c.store.CountBids(offer.ID, activeStates)
	if err != nil {
		return Decision{}, err
	}
	if active >= c.cfg.MaxConcurrentBids {
		return Decision{Reason: ReasonTooManyBids}, nil
	}

	adapter, err := c.adapters.Get(chain.Coin(offer.CoinFrom))
	if err != nil {
		return Decision{}, err
	}
	spendable, err := adapter.Spendable(ctx)
	if err != nil {
		return Decision{}, err
	}
	if spendable < bid.Amount {
		c.log.Warn("balance below bid amount",
			"offer_id", offer.ID, "bid_id", bid.ID,
			"spendable", spendable, "amount", bid.Amount)
		return Decision{Reason: ReasonBalanceTooLow}, nil
	}

	return Decision{Accept: true}, nil
}
