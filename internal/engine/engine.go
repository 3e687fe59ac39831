// Package engine drives atomic swaps end to end: offer and bid
// negotiation, lock construction, chain watching and recovery. All state
// transitions go through storage so a restart resumes every swap where it
// left off.
package engine

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gerlofvanek/basicswap/internal/automation"
	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/helpers"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

// Engine errors
var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	ErrOfferClosed       = errors.New("offer is not open")
	ErrBidInactive       = errors.New("bid is not in an actionable state")
	ErrNotOurs           = errors.New("entity not owned by this node")
	ErrUnknownDebugInd   = errors.New("unknown debug indicator")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

const idBytes = 28

// Config holds engine settings.
type Config struct {
	Network chain.Network

	// OwnAddress identifies this node on the messaging transport.
	OwnAddress string

	OfferExpiry time.Duration
	BidExpiry   time.Duration

	// FeeConfTarget is the confirmation target passed to fee estimation.
	FeeConfTarget int

	// VSizeSlack is the tolerated excess over agreed vsize estimates.
	VSizeSlack int64

	// MercyRelease discloses our no-script key share when swiping a
	// counterparty's abandoned refund, letting them recover the other leg.
	MercyRelease bool
}

func (c *Config) setDefaults() {
	if c.Network == "" {
		c.Network = chain.Mainnet
	}
	if c.OfferExpiry <= 0 {
		c.OfferExpiry = time.Hour
	}
	if c.BidExpiry <= 0 {
		c.BidExpiry = time.Hour
	}
	if c.FeeConfTarget <= 0 {
		c.FeeConfTarget = 2
	}
	if c.VSizeSlack <= 0 {
		c.VSizeSlack = 10
	}
}

// Clock abstracts wall time so the scheduler is testable.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the real-time clock.
func SystemClock() Clock { return systemClock{} }

// Engine is the swap coordinator. One instance per node.
type Engine struct {
	cfg       Config
	store     *storage.Storage
	adapters  *backend.Registry
	auto      *automation.Controller
	transport Transport
	clock     Clock
	debug     *debugChannel
	log       *logging.Logger
	ownAddr   string

	mu       sync.Mutex
	bidLocks map[string]*sync.Mutex
}

// New creates an Engine. A nil clock uses system time.
func New(cfg Config, store *storage.Storage, adapters *backend.Registry,
	auto *automation.Controller, transport Transport, clock Clock) *Engine {

	cfg.setDefaults()
	if clock == nil {
		clock = systemClock{}
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		adapters:  adapters,
		auto:      auto,
		transport: transport,
		clock:     clock,
		debug:     newDebugChannel(),
		log:       logging.Component("engine"),
		ownAddr:   cfg.OwnAddress,
		bidLocks:  make(map[string]*sync.Mutex),
	}
}

// bidLock returns the per-bid mutex, creating it on first use. Message
// handlers and the watcher serialize on it so a bid's working set is never
// mutated concurrently.
func (e *Engine) bidLock(bidID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.bidLocks[bidID]
	if !ok {
		l = &sync.Mutex{}
		e.bidLocks[bidID] = l
	}
	return l
}

func newID() (string, error) {
	b, err := helpers.GenerateSecureRandom(idBytes)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// validateID rejects identifiers that cannot have come from newID, so
// lookups distinguish a malformed id from an unknown one.
func validateID(id string) error {
	if len(id) != idBytes*2 {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, id)
	}
	return nil
}

// setBidState persists a state transition and its audit event.
func (e *Engine) setBidState(bidID string, state BidState, note string) error {
	if err := e.store.UpdateBidState(bidID, string(state), note, e.clock.Now()); err != nil {
		return err
	}
	msg := string(state)
	if note != "" {
		msg += ": " + note
	}
	if err := e.store.AddEvent(storage.ConceptBid, bidID, storage.EventBidStateChanged, msg); err != nil {
		return err
	}
	e.log.Info("bid state", "bid_id", bidID, "state", state, "note", note)
	return nil
}

// OfferRequest describes a new offer to publish.
type OfferRequest struct {
	CoinFrom     chain.Coin
	CoinTo       chain.Coin
	AmountFrom   uint64
	Rate         uint64
	MinBidAmount uint64

	LockType  protocol.LockType
	LockValue uint64

	AutoAccept bool
	ValidFor   time.Duration
}

// PostOffer validates, persists and broadcasts a new offer.
func (e *Engine) PostOffer(ctx context.Context, req *OfferRequest) (*storage.OfferRecord, error) {
	if req.AmountFrom == 0 || req.Rate == 0 {
		return nil, fmt.Errorf("%w: amount and rate must be positive", ErrInvalidAmount)
	}
	if req.MinBidAmount > req.AmountFrom {
		return nil, fmt.Errorf("%w: min bid above offer amount", ErrInvalidAmount)
	}
	swapType, err := protocol.SelectSwapType(req.CoinFrom, req.CoinTo)
	if err != nil {
		return nil, err
	}
	switch req.LockType {
	case protocol.LockTimeAbsolute, protocol.LockTimeRelative, protocol.LockBlocksRelative:
	default:
		return nil, fmt.Errorf("%w: lock type %q", ErrProtocolViolation, req.LockType)
	}
	if req.LockValue == 0 {
		return nil, fmt.Errorf("%w: zero lock value", ErrProtocolViolation)
	}

	// The converted amount must be representable on the other chain.
	from := chain.MustGet(req.CoinFrom)
	to := chain.MustGet(req.CoinTo)
	if _, err := chain.ConvertAmount(req.AmountFrom, req.Rate, from, to, chain.RoundOff); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	adapter, err := e.adapters.Get(req.CoinFrom)
	if err != nil {
		return nil, err
	}
	spendable, err := adapter.Spendable(ctx)
	if err != nil {
		return nil, err
	}
	if spendable < req.AmountFrom {
		return nil, fmt.Errorf("%w: spendable %d below offer amount %d",
			ErrInsufficientFunds, spendable, req.AmountFrom)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	validFor := req.ValidFor
	if validFor <= 0 {
		validFor = e.cfg.OfferExpiry
	}
	now := e.clock.Now()

	offer := &storage.OfferRecord{
		ID:           id,
		Status:       storage.OfferStatusOpen,
		CoinFrom:     string(req.CoinFrom),
		CoinTo:       string(req.CoinTo),
		AmountFrom:   req.AmountFrom,
		Rate:         req.Rate,
		MinBidAmount: req.MinBidAmount,
		SwapType:     string(swapType),
		LockType:     string(req.LockType),
		LockValue:    req.LockValue,
		AutoAccept:   req.AutoAccept,
		AddrFrom:     e.ownAddr,
		CreatedAt:    now,
		ExpireAt:     now.Add(validFor),
		WasSent:      true,
	}
	if err := e.store.SaveOffer(offer); err != nil {
		return nil, err
	}

	msg, err := e.newMessage(MsgTypeOffer, &OfferPayload{
		ID:           offer.ID,
		CoinFrom:     offer.CoinFrom,
		CoinTo:       offer.CoinTo,
		AmountFrom:   offer.AmountFrom,
		Rate:         offer.Rate,
		MinBidAmount: offer.MinBidAmount,
		SwapType:     offer.SwapType,
		LockType:     offer.LockType,
		LockValue:    offer.LockValue,
		AutoAccept:   offer.AutoAccept,
		AddrFrom:     offer.AddrFrom,
		CreatedAt:    offer.CreatedAt.Unix(),
		ExpireAt:     offer.ExpireAt.Unix(),
	})
	if err != nil {
		return nil, err
	}
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		return nil, err
	}

	e.log.Info("posted offer", "offer_id", offer.ID,
		"coin_from", offer.CoinFrom, "coin_to", offer.CoinTo,
		"amount", offer.AmountFrom, "rate", offer.Rate)
	return offer, nil
}

// RevokeOffer withdraws one of our open offers.
func (e *Engine) RevokeOffer(ctx context.Context, offerID string) error {
	if err := validateID(offerID); err != nil {
		return err
	}
	offer, err := e.store.GetOffer(offerID)
	if err != nil {
		return err
	}
	if !offer.WasSent {
		return fmt.Errorf("%w: offer %s", ErrNotOurs, offerID)
	}
	if offer.Status != storage.OfferStatusOpen {
		return fmt.Errorf("%w: status %s", ErrOfferClosed, offer.Status)
	}
	if err := e.store.UpdateOfferStatus(offerID, storage.OfferStatusRevoked); err != nil {
		return err
	}

	msg, err := e.newMessage(MsgTypeOfferRevoke, &OfferRevokePayload{OfferID: offerID})
	if err != nil {
		return err
	}
	if err := e.transport.Broadcast(ctx, msg); err != nil {
		return err
	}
	e.log.Info("revoked offer", "offer_id", offerID)
	return nil
}

// GetOffer returns one offer.
func (e *Engine) GetOffer(offerID string) (*storage.OfferRecord, error) {
	if err := validateID(offerID); err != nil {
		return nil, err
	}
	return e.store.GetOffer(offerID)
}

// ListOffers returns offers matching the filter.
func (e *Engine) ListOffers(f *storage.OfferFilter) ([]*storage.OfferRecord, error) {
	return e.store.ListOffers(f)
}

// PostBid bids on an open offer and sends the bid to the offerer.
func (e *Engine) PostBid(ctx context.Context, offerID string, amount uint64) (*storage.BidRecord, error) {
	if err := validateID(offerID); err != nil {
		return nil, err
	}
	offer, err := e.store.GetOffer(offerID)
	if err != nil {
		return nil, err
	}
	if offer.WasSent {
		return nil, fmt.Errorf("%w: cannot bid on own offer", ErrProtocolViolation)
	}
	if offer.Status != storage.OfferStatusOpen {
		return nil, fmt.Errorf("%w: status %s", ErrOfferClosed, offer.Status)
	}
	now := e.clock.Now()
	if !now.Before(offer.ExpireAt) {
		return nil, fmt.Errorf("%w: offer expired", ErrOfferClosed)
	}
	if amount == 0 || amount > offer.AmountFrom {
		return nil, fmt.Errorf("%w: bid %d against offer %d", ErrInvalidAmount, amount, offer.AmountFrom)
	}
	if offer.MinBidAmount > 0 && amount < offer.MinBidAmount {
		return nil, fmt.Errorf("%w: bid %d below minimum %d", ErrInvalidAmount, amount, offer.MinBidAmount)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	bid := &storage.BidRecord{
		ID:        id,
		OfferID:   offer.ID,
		Amount:    amount,
		AddrFrom:  e.ownAddr,
		State:     string(BidSent),
		WasSent:   true,
		CreatedAt: now,
		ExpireAt:  now.Add(e.cfg.BidExpiry),
	}

	data, payload, err := e.initBidderSwap(ctx, offer, bid)
	if err != nil {
		return nil, err
	}
	raw, err := marshalSwapData(data)
	if err != nil {
		return nil, err
	}
	bid.SwapData = raw

	if err := e.store.SaveBid(bid); err != nil {
		return nil, err
	}
	if err := e.store.AppendBidState(bid.ID, storage.StateScopeBid, bid.State, now); err != nil {
		return nil, err
	}

	msg, err := e.newMessage(MsgTypeBid, payload)
	if err != nil {
		return nil, err
	}
	if err := e.transport.SendMessage(ctx, offer.AddrFrom, msg); err != nil {
		return nil, err
	}

	e.log.Info("posted bid", "bid_id", bid.ID, "offer_id", offer.ID, "amount", amount)
	return bid, nil
}

// AcceptBid manually accepts a received bid. Capacity violations are hard
// errors here, unlike the automation path where they only produce events.
func (e *Engine) AcceptBid(ctx context.Context, bidID string) error {
	if err := validateID(bidID); err != nil {
		return err
	}
	lock := e.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(bidID)
	if err != nil {
		return err
	}
	if BidState(bid.State) != BidReceived {
		return fmt.Errorf("%w: state %s", ErrBidInactive, bid.State)
	}
	offer, err := e.store.GetOffer(bid.OfferID)
	if err != nil {
		return err
	}

	ok, err := e.auto.CheckCapacity(offer, bid.Amount, ActiveStateNames())
	if err != nil {
		return err
	}
	if !ok {
		if err := e.store.AddEvent(storage.ConceptBid, bid.ID,
			storage.EventAutomationConstraint, automation.ReasonOverOfferValue); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, automation.ReasonOverOfferValue)
	}

	return e.acceptBid(ctx, offer, bid)
}

// AbandonBid marks a bid abandoned. The chain is left alone; any locked
// funds must be recovered manually.
func (e *Engine) AbandonBid(bidID string) error {
	if err := validateID(bidID); err != nil {
		return err
	}
	lock := e.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(bidID)
	if err != nil {
		return err
	}
	if BidState(bid.State).IsTerminal() {
		return fmt.Errorf("%w: state %s", ErrBidInactive, bid.State)
	}
	return e.setBidState(bidID, BidAbandoned, "operator abandoned")
}

// GetBid returns one bid.
func (e *Engine) GetBid(bidID string) (*storage.BidRecord, error) {
	if err := validateID(bidID); err != nil {
		return nil, err
	}
	return e.store.GetBid(bidID)
}

// ListBids returns bids matching the filter.
func (e *Engine) ListBids(f *storage.BidFilter) ([]*storage.BidRecord, error) {
	return e.store.ListBids(f)
}

// BidStateHistory returns the append-only state history of a bid.
func (e *Engine) BidStateHistory(bidID string) ([]storage.StateEntry, error) {
	if err := validateID(bidID); err != nil {
		return nil, err
	}
	return e.store.GetBidStateHistory(bidID, storage.StateScopeBid)
}

// BidEvents returns the audit events of a bid.
func (e *Engine) BidEvents(bidID string) ([]*storage.EventRecord, error) {
	if err := validateID(bidID); err != nil {
		return nil, err
	}
	return e.store.GetEvents(storage.ConceptBid, bidID)
}

// RecentEvents returns the newest audit events.
func (e *Engine) RecentEvents(limit int) ([]*storage.EventRecord, error) {
	return e.store.RecentEvents(limit)
}

// SetBidDebugInd toggles a fault-injection hook on a bid.
func (e *Engine) SetBidDebugInd(bidID string, ind DebugInd, enabled bool) error {
	if err := validateID(bidID); err != nil {
		return err
	}
	if !knownDebugInds[ind] {
		return fmt.Errorf("%w: %q", ErrUnknownDebugInd, ind)
	}
	if _, err := e.store.GetBid(bidID); err != nil {
		return err
	}
	e.debug.set(bidID, ind, enabled)
	return e.store.AddEvent(storage.ConceptBid, bidID,
		storage.EventDebugTweakApplied, fmt.Sprintf("%s=%t", ind, enabled))
}

// Tick runs one scheduler pass: expire offers, then advance every
// in-progress bid. Errors on individual bids are recorded and do not stop
// the pass; transient backend errors are retried on a later pass instead.
func (e *Engine) Tick(ctx context.Context) {
	now := e.clock.Now()

	expired, err := e.store.ExpireOffers(now)
	if err != nil {
		e.log.Error("expiring offers", "err", err)
	}
	for _, id := range expired {
		e.log.Info("offer expired", "offer_id", id)
	}

	bids, err := e.store.ListBids(&storage.BidFilter{
		States:  inProgressStateNames(),
		SortDir: "asc",
	})
	if err != nil {
		e.log.Error("listing in-progress bids", "err", err)
		return
	}
	for _, bid := range bids {
		if err := e.processBid(ctx, bid.ID); err != nil {
			// Transient backend trouble resolves itself; the next pass
			// retries without polluting the bid's audit log.
			if backend.IsTransient(err) {
				e.log.Warn("processing bid, retrying next pass", "bid_id", bid.ID, "err", err)
				continue
			}
			e.log.Error("processing bid", "bid_id", bid.ID, "err", err)
			if evErr := e.store.AddEvent(storage.ConceptBid, bid.ID,
				storage.EventError, err.Error()); evErr != nil {
				e.log.Error("recording bid error", "bid_id", bid.ID, "err", evErr)
			}
		}
	}
}

// processBid advances one bid under its lock.
func (e *Engine) processBid(ctx context.Context, bidID string) error {
	lock := e.bidLock(bidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(bidID)
	if err != nil {
		return err
	}
	state := BidState(bid.State)
	if state.IsTerminal() {
		return nil
	}

	// Negotiation-phase expiry: a bid that never saw its lock confirm
	// times out; once the lock is on chain only the refund path applies.
	if expired, err := e.checkBidTimeout(ctx, bid); err != nil || expired {
		return err
	}

	data, err := loadSwapData(bid)
	if err != nil {
		return err
	}

	switch protocol.SwapType(data.SwapType) {
	case protocol.SwapAdaptorSig:
		return e.processAdaptorBid(ctx, bid, data)
	case protocol.SwapSellerFirst:
		return e.processSellerFirstBid(ctx, bid, data)
	default:
		return fmt.Errorf("%w: swap type %q", ErrProtocolViolation, data.SwapType)
	}
}

// checkBidTimeout moves a negotiation-phase bid past its expiry to
// SWAP_TIMEDOUT, unless the script lock is already visible on chain.
func (e *Engine) checkBidTimeout(ctx context.Context, bid *storage.BidRecord) (bool, error) {
	switch BidState(bid.State) {
	case BidSent, BidReceived, BidAccepted, SwapInitiated:
	default:
		return false, nil
	}
	if e.clock.Now().Before(bid.ExpireAt) {
		return false, nil
	}

	data, err := loadSwapData(bid)
	if err != nil {
		return false, err
	}
	if data.LockTxID != "" {
		adapter, err := e.adapters.Get(chain.Coin(data.ScriptCoin))
		if err != nil {
			return false, err
		}
		tx, err := adapter.GetTransaction(ctx, data.LockTxID)
		if err == nil && tx.Confirmations > 0 {
			return false, nil
		}
	}
	return true, e.setBidState(bid.ID, SwapTimedout, "expired before lock confirmed")
}

// handleOfferMessage stores a peer's broadcast offer.
func (e *Engine) handleOfferMessage(ctx context.Context, msg *Message) error {
	var p OfferPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}
	if p.AddrFrom == e.ownAddr {
		return nil
	}

	swapType, err := protocol.SelectSwapType(chain.Coin(p.CoinFrom), chain.Coin(p.CoinTo))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocolViolation, err)
	}
	if string(swapType) != p.SwapType {
		return fmt.Errorf("%w: offer swap type %q, pair requires %q",
			ErrProtocolViolation, p.SwapType, swapType)
	}
	if p.AmountFrom == 0 || p.Rate == 0 {
		return fmt.Errorf("%w: zero amount or rate", ErrProtocolViolation)
	}

	expireAt := time.Unix(p.ExpireAt, 0)
	if !e.clock.Now().Before(expireAt) {
		e.log.Debug("ignoring expired offer", "offer_id", p.ID)
		return nil
	}

	offer := &storage.OfferRecord{
		ID:           p.ID,
		Status:       storage.OfferStatusOpen,
		CoinFrom:     p.CoinFrom,
		CoinTo:       p.CoinTo,
		AmountFrom:   p.AmountFrom,
		Rate:         p.Rate,
		MinBidAmount: p.MinBidAmount,
		SwapType:     p.SwapType,
		LockType:     p.LockType,
		LockValue:    p.LockValue,
		AutoAccept:   p.AutoAccept,
		AddrFrom:     p.AddrFrom,
		CreatedAt:    time.Unix(p.CreatedAt, 0),
		ExpireAt:     expireAt,
	}
	if err := e.store.SaveOffer(offer); err != nil {
		return err
	}
	e.log.Info("received offer", "offer_id", offer.ID,
		"coin_from", offer.CoinFrom, "coin_to", offer.CoinTo)
	return nil
}

// handleOfferRevokeMessage processes a peer withdrawing its offer.
func (e *Engine) handleOfferRevokeMessage(_ context.Context, msg *Message) error {
	var p OfferRevokePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}
	offer, err := e.store.GetOffer(p.OfferID)
	if err != nil {
		if errors.Is(err, storage.ErrOfferNotFound) {
			return nil
		}
		return err
	}
	if offer.AddrFrom != msg.From {
		return fmt.Errorf("%w: revoke from %s for offer owned by %s",
			ErrProtocolViolation, msg.From, offer.AddrFrom)
	}
	if offer.Status != storage.OfferStatusOpen {
		return nil
	}
	if err := e.store.UpdateOfferStatus(offer.ID, storage.OfferStatusRevoked); err != nil {
		return err
	}
	e.log.Info("offer revoked by peer", "offer_id", offer.ID)
	return nil
}

// handleBidMessage processes a received bid on one of our offers, then
// runs the automation controller over it.
func (e *Engine) handleBidMessage(ctx context.Context, msg *Message) error {
	var p BidPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}

	offer, err := e.store.GetOffer(p.OfferID)
	if err != nil {
		return err
	}
	if !offer.WasSent {
		return fmt.Errorf("%w: bid for offer we did not publish", ErrProtocolViolation)
	}
	if offer.Status != storage.OfferStatusOpen {
		return fmt.Errorf("%w: offer %s", ErrOfferClosed, offer.Status)
	}
	if p.Amount == 0 || p.Amount > offer.AmountFrom {
		return fmt.Errorf("%w: bid amount %d", ErrInvalidAmount, p.Amount)
	}

	now := e.clock.Now()
	bid := &storage.BidRecord{
		ID:           p.BidID,
		OfferID:      offer.ID,
		Amount:       p.Amount,
		AddrFrom:     p.AddrFrom,
		ProofAddress: p.ProofAddress,
		State:        string(BidReceived),
		WasReceived:  true,
		CreatedAt:    now,
		ExpireAt:     time.Unix(p.ExpireAt, 0),
	}

	data, err := e.initOffererSwap(offer, bid, &p)
	if err != nil {
		return err
	}
	raw, err := marshalSwapData(data)
	if err != nil {
		return err
	}
	bid.SwapData = raw

	if err := e.store.SaveBid(bid); err != nil {
		return err
	}
	if err := e.store.AppendBidState(bid.ID, storage.StateScopeBid, bid.State, now); err != nil {
		return err
	}
	e.log.Info("received bid", "bid_id", bid.ID, "offer_id", offer.ID, "amount", bid.Amount)

	decision, err := e.auto.EvaluateBid(ctx, offer, bid, ActiveStateNames())
	if err != nil {
		return err
	}
	if decision.Accept {
		if err := e.store.AddEvent(storage.ConceptBid, bid.ID,
			storage.EventAutomationAccepting, ""); err != nil {
			return err
		}
		if err := e.acceptBid(ctx, offer, bid); err != nil {
			e.log.Error("auto accept failed", "bid_id", bid.ID, "err", err)
			if evErr := e.store.AddEvent(storage.ConceptBid, bid.ID,
				storage.EventError, err.Error()); evErr != nil {
				return evErr
			}
			return e.setBidState(bid.ID, BidAacceptFail, err.Error())
		}
		return nil
	}

	if decision.Reason == automation.ReasonStrategyDisabled {
		// Left for the operator to accept manually.
		return nil
	}
	if err := e.store.AddEvent(storage.ConceptBid, bid.ID,
		storage.EventAutomationConstraint, decision.Reason); err != nil {
		return err
	}
	return e.setBidState(bid.ID, BidAacceptFail, decision.Reason)
}

// acceptBid runs the offerer-side accept flow for either swap protocol.
func (e *Engine) acceptBid(ctx context.Context, offer *storage.OfferRecord, bid *storage.BidRecord) error {
	switch protocol.SwapType(offer.SwapType) {
	case protocol.SwapAdaptorSig:
		return e.acceptAdaptorBid(ctx, offer, bid)
	case protocol.SwapSellerFirst:
		return e.acceptSellerFirstBid(ctx, offer, bid)
	default:
		return fmt.Errorf("%w: swap type %q", ErrProtocolViolation, offer.SwapType)
	}
}
