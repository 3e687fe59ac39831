package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/script"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/helpers"
)

// acceptAdaptorBid runs the offerer's accept step of an adaptor swap.
// When the offerer leads, the full lock package goes out with the accept;
// in a reverse bid only our follower-side keys do, and the bidder replies
// with the package in a lock_tx_a message.
func (e *Engine) acceptAdaptorBid(ctx context.Context, offer *storage.OfferRecord, bid *storage.BidRecord) error {
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if err := e.generateKeys(ctx, d); err != nil {
		return err
	}

	payload := &BidAcceptPayload{
		BidID:        bid.ID,
		SecpPubKey:   d.OurSecpPub,
		RefundPubKey: d.OurRefundPub,
		SharePub:     d.OurSharePub,
		AdaptorPoint: d.OurAdaptor,
		DestAddress:  d.OurDest,
	}
	if d.isLeader() {
		pkg, err := e.buildLockPackage(ctx, d)
		if err != nil {
			return err
		}
		payload.Lock = pkg
	}

	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}

	msg, err := e.newMessage(MsgTypeBidAccept, payload)
	if err != nil {
		return err
	}
	if err := e.transport.SendMessage(ctx, d.PeerAddr, msg); err != nil {
		return err
	}
	return e.setBidState(bid.ID, BidAccepted, "")
}

// buildLockPackage constructs the leader's script lock and its refund
// chain: the funded (unbroadcast) lock tx, the pre-signed refund template
// paying into the second-stage script, and the adaptor signature that makes
// any refund claim disclose our key share.
func (e *Engine) buildLockPackage(ctx context.Context, d *swapData) (*LockPackage, error) {
	scriptCoin := chain.Coin(d.ScriptCoin)
	adapter, err := e.adapters.Get(scriptCoin)
	if err != nil {
		return nil, err
	}
	feeRate, err := adapter.EstimateFeeRate(ctx, e.cfg.FeeConfTarget)
	if err != nil {
		return nil, err
	}
	d.FeeRate = feeRate

	lockScript, err := script.BuildSwapScript(d.OurSecpPub, d.TheirSecpPub,
		d.OurRefundPub, d.TheirRefundPub, protocol.LockType(d.LockType), d.LockValue)
	if err != nil {
		return nil, err
	}

	lockTx := script.BuildLockTx(lockScript, d.AmountScript)
	rawHex, err := script.SerializeTx(lockTx.Tx)
	if err != nil {
		return nil, err
	}
	funded, err := adapter.FundTransaction(ctx, rawHex, feeRate)
	if err != nil {
		return nil, err
	}
	signed, err := adapter.SignTransaction(ctx, funded)
	if err != nil {
		return nil, err
	}
	signedTx, err := script.DeserializeTx(signed)
	if err != nil {
		return nil, err
	}
	lockTxID := signedTx.TxHash().String()
	lockVout := -1
	for i, out := range signedTx.TxOut {
		if bytes.Equal(out.PkScript, lockTx.ScriptPubKey) {
			lockVout = i
			break
		}
	}
	if lockVout < 0 {
		return nil, fmt.Errorf("funded lock tx lost its lock output")
	}

	t2, v2 := stage2Lock(protocol.LockType(d.LockType), d.LockValue)
	refundScript, err := script.BuildRefundSpendScript(d.OurRefundPub, d.TheirRefundPub, t2, v2)
	if err != nil {
		return nil, err
	}
	refundLock, err := script.NewLockScript(refundScript, scriptCoin, e.cfg.Network, t2, v2)
	if err != nil {
		return nil, err
	}

	refundTx, fee, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:          scriptCoin,
		Network:       e.cfg.Network,
		LockTxID:      lockTxID,
		LockVout:      uint32(lockVout),
		LockValue:     d.AmountScript,
		DestAddress:   refundLock.Address,
		FeeRate:       feeRate,
		LockType:      protocol.LockType(d.LockType),
		TimeLockValue: d.LockValue,
		RefundPath:    true,
	})
	if err != nil {
		return nil, err
	}
	refundTxHex, err := script.SerializeTx(refundTx)
	if err != nil {
		return nil, err
	}

	refundPriv, _ := btcec.PrivKeyFromBytes(d.OurRefundPriv)
	ourRefundSig, err := script.SignSpend(refundTx, lockScript, d.AmountScript, refundPriv)
	if err != nil {
		return nil, err
	}

	d.LockScript = lockScript
	d.LockTxHex = signed
	d.LockTxID = lockTxID
	d.LockVout = uint32(lockVout)
	d.RefundTxHex = refundTxHex
	d.RefundScript = refundScript
	d.RefundValue = d.AmountScript - fee
	d.OurRefundSig = ourRefundSig

	claimTx, err := e.buildRefundClaimTx(d)
	if err != nil {
		return nil, err
	}
	claimSigHash, err := script.SpendSigHash(claimTx, refundScript, d.RefundValue)
	if err != nil {
		return nil, err
	}
	adaptorSig, err := script.AdaptorSign(refundPriv, d.OurAdaptor, claimSigHash)
	if err != nil {
		return nil, err
	}
	d.RefundSpendAdaptorSig = adaptorSig

	combined, err := script.SumPublics(d.OurSharePub, d.TheirSharePub)
	if err != nil {
		return nil, err
	}
	d.CombinedAddr = helpers.BytesToHex(combined)

	return &LockPackage{
		LockTxID:              d.LockTxID,
		LockVout:              d.LockVout,
		LockValue:             d.AmountScript,
		LockScript:            lockScript,
		RefundTxHex:           refundTxHex,
		RefundScript:          refundScript,
		LeaderSig:             ourRefundSig,
		RefundSpendAdaptorSig: adaptorSig,
		FeeRate:               feeRate,
	}, nil
}

// verifyLockPackage validates a leader's lock package from the follower
// side. Every derived transaction is rebuilt locally and compared byte for
// byte, so a malformed or fee-shifted template is caught before we commit
// anything.
func (e *Engine) verifyLockPackage(d *swapData, pkg *LockPackage) error {
	if pkg == nil {
		return fmt.Errorf("%w: missing lock package", ErrProtocolViolation)
	}
	if pkg.LockValue != d.AmountScript {
		return fmt.Errorf("%w: lock value %d, agreed %d",
			ErrProtocolViolation, pkg.LockValue, d.AmountScript)
	}

	scriptCoin := chain.Coin(d.ScriptCoin)
	lockScript, err := script.BuildSwapScript(d.TheirSecpPub, d.OurSecpPub,
		d.TheirRefundPub, d.OurRefundPub, protocol.LockType(d.LockType), d.LockValue)
	if err != nil {
		return err
	}
	if !bytes.Equal(lockScript, pkg.LockScript) {
		return fmt.Errorf("%w: lock script mismatch", ErrProtocolViolation)
	}

	t2, v2 := stage2Lock(protocol.LockType(d.LockType), d.LockValue)
	refundScript, err := script.BuildRefundSpendScript(d.TheirRefundPub, d.OurRefundPub, t2, v2)
	if err != nil {
		return err
	}
	if !bytes.Equal(refundScript, pkg.RefundScript) {
		return fmt.Errorf("%w: refund script mismatch", ErrProtocolViolation)
	}
	refundLock, err := script.NewLockScript(refundScript, scriptCoin, e.cfg.Network, t2, v2)
	if err != nil {
		return err
	}

	expectedRefund, fee, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:          scriptCoin,
		Network:       e.cfg.Network,
		LockTxID:      pkg.LockTxID,
		LockVout:      pkg.LockVout,
		LockValue:     pkg.LockValue,
		DestAddress:   refundLock.Address,
		FeeRate:       pkg.FeeRate,
		LockType:      protocol.LockType(d.LockType),
		TimeLockValue: d.LockValue,
		RefundPath:    true,
	})
	if err != nil {
		return err
	}
	expectedHex, err := script.SerializeTx(expectedRefund)
	if err != nil {
		return err
	}
	if expectedHex != pkg.RefundTxHex {
		return fmt.Errorf("%w: refund template mismatch", ErrProtocolViolation)
	}

	leaderRefundPub, err := btcec.ParsePubKey(d.TheirRefundPub)
	if err != nil {
		return fmt.Errorf("%w: bad refund pubkey: %v", ErrProtocolViolation, err)
	}
	if err := script.VerifySpendSignature(expectedRefund, lockScript,
		pkg.LockValue, leaderRefundPub, pkg.LeaderSig); err != nil {
		return fmt.Errorf("%w: leader refund signature: %v", ErrProtocolViolation, err)
	}

	d.LockScript = lockScript
	d.LockTxID = pkg.LockTxID
	d.LockVout = pkg.LockVout
	d.RefundTxHex = pkg.RefundTxHex
	d.RefundScript = refundScript
	d.RefundValue = pkg.LockValue - fee
	d.TheirRefundSig = pkg.LeaderSig
	d.FeeRate = pkg.FeeRate
	d.RefundSpendAdaptorSig = pkg.RefundSpendAdaptorSig

	// The refund claim must reveal the leader's key share: the adaptor
	// signature has to verify against their refund key and adaptor point.
	claimTx, err := e.buildRefundClaimTx(d)
	if err != nil {
		return err
	}
	claimSigHash, err := script.SpendSigHash(claimTx, refundScript, d.RefundValue)
	if err != nil {
		return err
	}
	if err := script.AdaptorVerify(pkg.RefundSpendAdaptorSig, leaderRefundPub,
		d.TheirAdaptor, claimSigHash); err != nil {
		return fmt.Errorf("%w: refund spend adaptor signature: %v", ErrProtocolViolation, err)
	}

	combined, err := script.SumPublics(d.OurSharePub, d.TheirSharePub)
	if err != nil {
		return err
	}
	d.CombinedAddr = helpers.BytesToHex(combined)
	return nil
}

// buildCoopSpendTx rebuilds the cooperative spend template. Both parties
// derive it from shared parameters, so the adaptor signature and the
// broadcast transaction always cover the same digest.
func (e *Engine) buildCoopSpendTx(d *swapData) (*wire.MsgTx, error) {
	dest := d.OurDest
	if d.isLeader() {
		dest = d.TheirDest
	}
	tx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:        chain.Coin(d.ScriptCoin),
		Network:     e.cfg.Network,
		LockTxID:    d.LockTxID,
		LockVout:    d.LockVout,
		LockValue:   d.AmountScript,
		DestAddress: dest,
		FeeRate:     d.FeeRate,
	})
	return tx, err
}

// buildRefundClaimTx rebuilds the refund claim (leader payout) template
// spending the first-stage refund output.
func (e *Engine) buildRefundClaimTx(d *swapData) (*wire.MsgTx, error) {
	refundTx, err := script.DeserializeTx(d.RefundTxHex)
	if err != nil {
		return nil, err
	}
	dest := d.TheirDest
	if d.isLeader() {
		dest = d.OurDest
	}
	tx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:        chain.Coin(d.ScriptCoin),
		Network:     e.cfg.Network,
		LockTxID:    refundTx.TxHash().String(),
		LockVout:    0,
		LockValue:   d.RefundValue,
		DestAddress: dest,
		FeeRate:     d.FeeRate,
	})
	return tx, err
}

// handleBidAcceptMessage processes the offerer's accept on a bid we sent.
func (e *Engine) handleBidAcceptMessage(ctx context.Context, msg *Message) error {
	var p BidAcceptPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}

	lock := e.bidLock(p.BidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(p.BidID)
	if err != nil {
		return err
	}
	if !bid.WasSent || BidState(bid.State) != BidSent {
		return fmt.Errorf("%w: accept for bid in state %s", ErrProtocolViolation, bid.State)
	}
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if msg.From != d.PeerAddr {
		return fmt.Errorf("%w: accept from %s, expected %s", ErrProtocolViolation, msg.From, d.PeerAddr)
	}

	if protocol.SwapType(d.SwapType) == protocol.SwapSellerFirst {
		return e.handleSellerFirstAccept(ctx, bid, d, &p)
	}

	if len(p.SecpPubKey) != 33 || len(p.RefundPubKey) != 33 ||
		len(p.SharePub) != 32 || len(p.AdaptorPoint) != 33 || p.DestAddress == "" {
		return fmt.Errorf("%w: incomplete accept key material", ErrProtocolViolation)
	}
	d.TheirSecpPub = p.SecpPubKey
	d.TheirRefundPub = p.RefundPubKey
	d.TheirSharePub = p.SharePub
	d.TheirAdaptor = p.AdaptorPoint
	d.TheirDest = p.DestAddress

	if d.isLeader() {
		// Reverse bid: we lead, so the accept only carried the offerer's
		// follower keys. Build our lock package and send it over.
		pkg, err := e.buildLockPackage(ctx, d)
		if err != nil {
			return err
		}
		if err := e.saveSwapData(bid.ID, d); err != nil {
			return err
		}
		out, err := e.newMessage(MsgTypeLockTxA, &LockTxAPayload{BidID: bid.ID, Lock: pkg})
		if err != nil {
			return err
		}
		if err := e.transport.SendMessage(ctx, d.PeerAddr, out); err != nil {
			return err
		}
		return e.setBidState(bid.ID, BidAccepted, "")
	}

	if err := e.verifyLockPackage(d, p.Lock); err != nil {
		return err
	}
	if err := e.signAndSendRefundSigs(ctx, bid.ID, d); err != nil {
		return err
	}
	return e.setBidState(bid.ID, BidAccepted, "")
}

// signAndSendRefundSigs adds our signature to the refund template and
// returns it to the leader, unblocking the lock broadcast.
func (e *Engine) signAndSendRefundSigs(ctx context.Context, bidID string, d *swapData) error {
	refundTx, err := script.DeserializeTx(d.RefundTxHex)
	if err != nil {
		return err
	}
	refundPriv, _ := btcec.PrivKeyFromBytes(d.OurRefundPriv)
	sig, err := script.SignSpend(refundTx, d.LockScript, d.AmountScript, refundPriv)
	if err != nil {
		return err
	}
	d.OurRefundSig = sig
	if err := e.saveSwapData(bidID, d); err != nil {
		return err
	}

	msg, err := e.newMessage(MsgTypeLockRefundSigs, &LockRefundSigsPayload{
		BidID:     bidID,
		RefundSig: sig,
	})
	if err != nil {
		return err
	}
	return e.transport.SendMessage(ctx, d.PeerAddr, msg)
}

// handleLockTxAMessage processes the leader's lock package of a reverse
// bid, on the offerer (follower) side.
func (e *Engine) handleLockTxAMessage(ctx context.Context, msg *Message) error {
	var p LockTxAPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}

	lock := e.bidLock(p.BidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(p.BidID)
	if err != nil {
		return err
	}
	if BidState(bid.State) != BidAccepted {
		return fmt.Errorf("%w: lock_tx_a for bid in state %s", ErrProtocolViolation, bid.State)
	}
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if d.isLeader() || msg.From != d.PeerAddr {
		return fmt.Errorf("%w: unexpected lock_tx_a", ErrProtocolViolation)
	}

	if err := e.verifyLockPackage(d, p.Lock); err != nil {
		return err
	}
	return e.signAndSendRefundSigs(ctx, bid.ID, d)
}

// handleLockRefundSigsMessage completes the refund template with the
// follower's signature and broadcasts the lock. Until this point nothing
// we control is on chain.
func (e *Engine) handleLockRefundSigsMessage(ctx context.Context, msg *Message) error {
	var p LockRefundSigsPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}

	lock := e.bidLock(p.BidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(p.BidID)
	if err != nil {
		return err
	}
	if BidState(bid.State) != BidAccepted {
		return fmt.Errorf("%w: refund sigs for bid in state %s", ErrProtocolViolation, bid.State)
	}
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if !d.isLeader() || msg.From != d.PeerAddr {
		return fmt.Errorf("%w: unexpected refund sigs", ErrProtocolViolation)
	}

	refundTx, err := script.DeserializeTx(d.RefundTxHex)
	if err != nil {
		return err
	}
	theirRefundPub, err := btcec.ParsePubKey(d.TheirRefundPub)
	if err != nil {
		return fmt.Errorf("%w: bad refund pubkey: %v", ErrProtocolViolation, err)
	}
	if err := script.VerifySpendSignature(refundTx, d.LockScript,
		d.AmountScript, theirRefundPub, p.RefundSig); err != nil {
		return fmt.Errorf("%w: follower refund signature: %v", ErrProtocolViolation, err)
	}
	d.TheirRefundSig = p.RefundSig

	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	txid, err := adapter.Broadcast(ctx, d.LockTxHex)
	if err != nil {
		return err
	}
	d.LockTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.saveLockTxRecord(bid.ID, d, TxSent); err != nil {
		return err
	}
	e.log.Info("broadcast lock tx", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, SwapInitiated, "")
}

// handleLockReleaseMessage stores and verifies the cooperative-spend
// adaptor signature the leader released.
func (e *Engine) handleLockReleaseMessage(_ context.Context, msg *Message) error {
	var p LockReleasePayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}
	if p.CoopAdaptorSig == nil {
		return fmt.Errorf("%w: lock_release without signature", ErrProtocolViolation)
	}

	lock := e.bidLock(p.BidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(p.BidID)
	if err != nil {
		return err
	}
	if BidState(bid.State).IsTerminal() {
		return nil
	}
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if d.isLeader() || msg.From != d.PeerAddr {
		return fmt.Errorf("%w: unexpected lock_release", ErrProtocolViolation)
	}

	coopTx, err := e.buildCoopSpendTx(d)
	if err != nil {
		return err
	}
	sigHash, err := script.SpendSigHash(coopTx, d.LockScript, d.AmountScript)
	if err != nil {
		return err
	}
	leaderPub, err := btcec.ParsePubKey(d.TheirSecpPub)
	if err != nil {
		return fmt.Errorf("%w: bad leader pubkey: %v", ErrProtocolViolation, err)
	}
	if err := script.AdaptorVerify(p.CoopAdaptorSig, leaderPub, d.OurAdaptor, sigHash); err != nil {
		return fmt.Errorf("%w: cooperative adaptor signature: %v", ErrProtocolViolation, err)
	}

	d.CoopAdaptorSig = p.CoopAdaptorSig
	return e.saveSwapData(bid.ID, d)
}

// handleCoinBLockMessage records the follower's announced no-script lock
// txid. Progression relies on our own chain observation, not this message.
func (e *Engine) handleCoinBLockMessage(_ context.Context, msg *Message) error {
	var p CoinBLockPayload
	if err := unmarshalPayload(msg, &p); err != nil {
		return err
	}

	lock := e.bidLock(p.BidID)
	lock.Lock()
	defer lock.Unlock()

	bid, err := e.store.GetBid(p.BidID)
	if err != nil {
		return err
	}
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}
	if !d.isLeader() || msg.From != d.PeerAddr {
		return fmt.Errorf("%w: unexpected coin_b_lock", ErrProtocolViolation)
	}
	if d.NoScriptTxID == "" {
		d.NoScriptTxID = p.TxID
		return e.saveSwapData(bid.ID, d)
	}
	return nil
}

// saveLockTxRecord maintains the script-lock transaction slot.
func (e *Engine) saveLockTxRecord(bidID string, d *swapData, state TxState) error {
	return e.store.SaveTx(&storage.TxRecord{
		BidID:       bidID,
		TxType:      storage.TxTypeInitiate,
		TxID:        d.LockTxID,
		Vout:        d.LockVout,
		Value:       d.AmountScript,
		Script:      helpers.BytesToHex(d.LockScript),
		State:       string(state),
		RefundTxID:  d.RefundTxID,
		ChainHeight: d.LockHeight,
	})
}

// processAdaptorBid advances one adaptor-sig swap by observing the chains
// and firing whatever step its state calls for.
func (e *Engine) processAdaptorBid(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	switch BidState(bid.State) {
	case BidSent, BidReceived, BidStalledForTest:
		return nil
	case BidAccepted, SwapInitiated:
		return e.adaptorAwaitLockConfirm(ctx, bid, d)
	case XmrSwapScriptCoinLocked:
		return e.adaptorScriptCoinLocked(ctx, bid, d)
	case SwapParticipating:
		return e.adaptorParticipating(ctx, bid, d)
	case XmrSwapNoscriptCoinLocked:
		return e.adaptorNoscriptCoinLocked(ctx, bid, d)
	case XmrSwapNoscriptTxRedeemed:
		return e.adaptorAwaitSettlement(ctx, bid, d)
	case XmrSwapFailed:
		return e.adaptorFailed(ctx, bid, d)
	default:
		return nil
	}
}

// adaptorAwaitLockConfirm watches for the script lock confirming.
func (e *Engine) adaptorAwaitLockConfirm(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	if d.LockTxID == "" {
		return nil
	}
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	tx, err := adapter.GetTransaction(ctx, d.LockTxID)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil
		}
		return err
	}
	if tx.Confirmations <= 0 {
		return nil
	}

	d.LockHeight = tx.BlockHeight
	d.LockConfTime = tx.BlockTime
	if d.LockConfTime == 0 {
		d.LockConfTime = e.clock.Now().Unix()
	}
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.saveLockTxRecord(bid.ID, d, TxConfirmed); err != nil {
		return err
	}
	return e.setBidState(bid.ID, XmrSwapScriptCoinLocked, "")
}

// observeLockSpend fetches and classifies a spend of the script lock
// output, if any.
func (e *Engine) observeLockSpend(ctx context.Context, d *swapData) (script.SpendKind, *wire.MsgTx, *backend.Transaction, error) {
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return script.SpendUnknown, nil, nil, err
	}
	rec, err := adapter.GetSpendingTx(ctx, d.LockTxID, d.LockVout)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return script.SpendUnknown, nil, nil, nil
		}
		return script.SpendUnknown, nil, nil, err
	}
	tx, err := script.DeserializeTx(rec.Hex)
	if err != nil {
		return script.SpendUnknown, nil, nil, err
	}
	return script.ClassifySpend(tx), tx, rec, nil
}

// noteRefundObserved records a counterparty refund broadcast and moves the
// bid into the failure path.
func (e *Engine) noteRefundObserved(bid *storage.BidRecord, d *swapData, rec *backend.Transaction) error {
	d.RefundTxID = rec.TxID
	if rec.Confirmations > 0 {
		d.RefundHeight = rec.BlockHeight
		d.RefundConfTime = rec.BlockTime
	}
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	return e.setBidState(bid.ID, XmrSwapFailed, "lock refund observed")
}

// checkSpendVSize guards a fully witnessed lock spend against the fee
// estimate it was built with before it goes out.
func (e *Engine) checkSpendVSize(tx *wire.MsgTx) error {
	return script.CheckVSize(script.EstimateSpendVSize(), script.TxVSize(tx), e.cfg.VSizeSlack)
}

// maybeRefund broadcasts the pre-signed refund once the lock time lock has
// matured. Either party may do it; both hold a fully signed template.
func (e *Engine) maybeRefund(ctx context.Context, bid *storage.BidRecord, d *swapData) (bool, error) {
	if d.TheirRefundSig == nil || d.OurRefundSig == nil {
		return false, nil
	}
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return false, err
	}
	height, err := adapter.GetChainHeight(ctx)
	if err != nil {
		return false, err
	}
	if !lockExpired(protocol.LockType(d.LockType), d.LockValue,
		d.LockHeight, d.LockConfTime, height, e.clock.Now()) {
		return false, nil
	}

	if e.debug.enabled(bid.ID, DebugWaitForCoinBLockBeforeRefund) && d.CombinedAddr != "" {
		noscript, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
		if err != nil {
			return false, err
		}
		bal, err := noscript.AddressBalance(ctx, d.CombinedAddr)
		if err != nil {
			return false, err
		}
		if bal < d.AmountNoScript {
			return false, nil
		}
	}

	refundTx, err := script.DeserializeTx(d.RefundTxHex)
	if err != nil {
		return false, err
	}
	if d.isLeader() {
		refundTx.TxIn[0].Witness = script.RefundWitness(d.OurRefundSig, d.TheirRefundSig, d.LockScript)
	} else {
		refundTx.TxIn[0].Witness = script.RefundWitness(d.TheirRefundSig, d.OurRefundSig, d.LockScript)
	}
	if err := e.checkSpendVSize(refundTx); err != nil {
		return false, err
	}
	rawHex, err := script.SerializeTx(refundTx)
	if err != nil {
		return false, err
	}
	txid, err := adapter.Broadcast(ctx, rawHex)
	if err != nil {
		return false, err
	}
	d.RefundTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return false, err
	}
	if err := e.saveLockTxRecord(bid.ID, d, TxRefunded); err != nil {
		return false, err
	}
	e.log.Info("broadcast lock refund", "bid_id", bid.ID, "txid", txid)
	return true, e.setBidState(bid.ID, XmrSwapFailed, "lock time lock expired")
}

// adaptorScriptCoinLocked handles the state right after the script lock
// confirms: the follower funds the no-script leg, the leader watches for
// it and releases the cooperative signature.
func (e *Engine) adaptorScriptCoinLocked(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	kind, _, rec, err := e.observeLockSpend(ctx, d)
	if err != nil {
		return err
	}
	if kind == script.SpendRefund {
		return e.noteRefundObserved(bid, d, rec)
	}

	stalled := e.debug.enabled(bid.ID, DebugStopAfterCoinALock)

	if d.isLeader() {
		if !stalled {
			released, err := e.maybeReleaseLock(ctx, bid, d)
			if err != nil || released {
				return err
			}
		}
		_, err := e.maybeRefund(ctx, bid, d)
		return err
	}

	// Follower: lock the no-script leg.
	if !stalled && d.NoScriptTxID == "" {
		noscript, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
		if err != nil {
			return err
		}
		amount := d.AmountNoScript
		if e.debug.enabled(bid.ID, DebugCreateInvalidCoinBLock) {
			amount--
		}
		txid, err := noscript.SendToAddress(ctx, d.CombinedAddr, amount)
		if err != nil {
			return err
		}
		d.NoScriptTxID = txid
		if err := e.saveSwapData(bid.ID, d); err != nil {
			return err
		}
		if err := e.store.SaveTx(&storage.TxRecord{
			BidID:  bid.ID,
			TxType: storage.TxTypeNoScript,
			TxID:   txid,
			Value:  amount,
			State:  string(TxSent),
		}); err != nil {
			return err
		}
		msg, err := e.newMessage(MsgTypeCoinBLock, &CoinBLockPayload{BidID: bid.ID, TxID: txid})
		if err != nil {
			return err
		}
		if err := e.transport.SendMessage(ctx, d.PeerAddr, msg); err != nil {
			return err
		}
		return e.setBidState(bid.ID, SwapParticipating, "")
	}

	_, err = e.maybeRefund(ctx, bid, d)
	return err
}

// maybeReleaseLock checks the no-script leg and, once it holds the full
// amount, sends the follower the cooperative-spend adaptor signature.
func (e *Engine) maybeReleaseLock(ctx context.Context, bid *storage.BidRecord, d *swapData) (bool, error) {
	noscript, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return false, err
	}
	bal, err := noscript.AddressBalance(ctx, d.CombinedAddr)
	if err != nil {
		return false, err
	}
	if bal < d.AmountNoScript {
		return false, nil
	}

	coopTx, err := e.buildCoopSpendTx(d)
	if err != nil {
		return false, err
	}
	sigHash, err := script.SpendSigHash(coopTx, d.LockScript, d.AmountScript)
	if err != nil {
		return false, err
	}
	secpPriv, _ := btcec.PrivKeyFromBytes(d.OurSecpPriv)
	coopSig, err := script.AdaptorSign(secpPriv, d.TheirAdaptor, sigHash)
	if err != nil {
		return false, err
	}
	d.CoopAdaptorSig = coopSig
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return false, err
	}

	msg, err := e.newMessage(MsgTypeLockRelease, &LockReleasePayload{
		BidID:          bid.ID,
		CoopAdaptorSig: coopSig,
	})
	if err != nil {
		return false, err
	}
	if err := e.transport.SendMessage(ctx, d.PeerAddr, msg); err != nil {
		return false, err
	}
	e.log.Info("released cooperative signature", "bid_id", bid.ID)
	return true, e.setBidState(bid.ID, XmrSwapNoscriptCoinLocked, "")
}

// adaptorParticipating waits for the follower's own no-script lock to
// confirm, falling back to refund detection.
func (e *Engine) adaptorParticipating(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	kind, _, rec, err := e.observeLockSpend(ctx, d)
	if err != nil {
		return err
	}
	if kind == script.SpendRefund {
		return e.noteRefundObserved(bid, d, rec)
	}

	noscript, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return err
	}
	bal, err := noscript.AddressBalance(ctx, d.CombinedAddr)
	if err != nil {
		return err
	}
	if bal >= d.AmountNoScript {
		return e.setBidState(bid.ID, XmrSwapNoscriptCoinLocked, "")
	}

	_, err = e.maybeRefund(ctx, bid, d)
	return err
}

// adaptorNoscriptCoinLocked drives the redeem phase: the follower spends
// the script lock cooperatively, the leader recovers the revealed share
// and sweeps the no-script leg.
func (e *Engine) adaptorNoscriptCoinLocked(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	kind, spendTx, rec, err := e.observeLockSpend(ctx, d)
	if err != nil {
		return err
	}

	switch kind {
	case script.SpendRefund:
		return e.noteRefundObserved(bid, d, rec)

	case script.SpendCooperative:
		if !d.isLeader() {
			// Our own broadcast caught up with us.
			d.CoopSpendTxID = rec.TxID
			if err := e.saveSwapData(bid.ID, d); err != nil {
				return err
			}
			return e.setBidState(bid.ID, XmrSwapNoscriptTxRedeemed, "")
		}
		return e.leaderRecoverAndSweep(ctx, bid, d, spendTx)
	}

	if !d.isLeader() && d.CoopAdaptorSig != nil {
		return e.followerCoopSpend(ctx, bid, d)
	}

	_, err = e.maybeRefund(ctx, bid, d)
	return err
}

// followerCoopSpend decrypts the released adaptor signature and broadcasts
// the cooperative spend, taking the script coin and revealing our share.
func (e *Engine) followerCoopSpend(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	share, err := script.KeyShareFromBytes(d.OurShare)
	if err != nil {
		return err
	}
	completedSig, err := script.DecryptAdaptorSig(d.CoopAdaptorSig, share)
	if err != nil {
		return err
	}

	coopTx, err := e.buildCoopSpendTx(d)
	if err != nil {
		return err
	}
	sigHash, err := script.SpendSigHash(coopTx, d.LockScript, d.AmountScript)
	if err != nil {
		return err
	}
	theirPub, err := btcec.ParsePubKey(d.TheirSecpPub)
	if err != nil {
		return err
	}
	if err := script.VerifyCompletedSig(completedSig, theirPub, sigHash); err != nil {
		return fmt.Errorf("%w: decrypted cooperative signature invalid: %v", ErrProtocolViolation, err)
	}
	secpPriv, _ := btcec.PrivKeyFromBytes(d.OurSecpPriv)
	ourSig, err := script.SignSpend(coopTx, d.LockScript, d.AmountScript, secpPriv)
	if err != nil {
		return err
	}
	coopTx.TxIn[0].Witness = script.CooperativeWitness(completedSig, ourSig, d.LockScript)
	if err := e.checkSpendVSize(coopTx); err != nil {
		return err
	}

	rawHex, err := script.SerializeTx(coopTx)
	if err != nil {
		return err
	}
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	txid, err := adapter.Broadcast(ctx, rawHex)
	if err != nil {
		return err
	}
	d.CoopSpendTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.saveLockTxRecord(bid.ID, d, TxRedeemed); err != nil {
		return err
	}
	e.log.Info("broadcast cooperative spend", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, XmrSwapNoscriptTxRedeemed, "")
}

// leaderRecoverAndSweep extracts the follower's key share from the
// cooperative spend witness and sweeps the no-script leg with the combined
// key.
func (e *Engine) leaderRecoverAndSweep(ctx context.Context, bid *storage.BidRecord, d *swapData, spendTx *wire.MsgTx) error {
	witness := spendTx.TxIn[0].Witness
	if len(witness) != 5 {
		return fmt.Errorf("%w: malformed cooperative witness", ErrProtocolViolation)
	}
	theirShare, err := script.RecoverSecret(witness[1], d.CoopAdaptorSig, d.TheirAdaptor)
	if err != nil {
		return err
	}
	if !bytes.Equal(theirShare.Public(), d.TheirSharePub) {
		return fmt.Errorf("%w: recovered share does not match commitment", ErrProtocolViolation)
	}

	if e.debug.enabled(bid.ID, DebugDontSpendCoinBLock) {
		return e.setBidState(bid.ID, BidStalledForTest, "holding no-script sweep")
	}
	return e.sweepNoScript(ctx, bid, d, theirShare, XmrSwapNoscriptTxRedeemed)
}

// sweepNoScript combines the key shares and moves the no-script leg to a
// fresh address of ours.
func (e *Engine) sweepNoScript(ctx context.Context, bid *storage.BidRecord, d *swapData,
	theirShare *script.KeyShare, next BidState) error {

	ourShare, err := script.KeyShareFromBytes(d.OurShare)
	if err != nil {
		return err
	}
	combined := script.SumShares(ourShare, theirShare)

	noscript, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return err
	}
	dest, err := noscript.NewAddress(ctx)
	if err != nil {
		return err
	}
	txid, err := noscript.SweepAddress(ctx, d.CombinedAddr, dest, combined.Bytes())
	if err != nil {
		return err
	}
	d.SweepTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:     bid.ID,
		TxType:    storage.TxTypeNoScript,
		TxID:      d.NoScriptTxID,
		Value:     d.AmountNoScript,
		State:     string(TxRedeemed),
		SpendTxID: txid,
	}); err != nil {
		return err
	}
	e.log.Info("swept no-script leg", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, next, "")
}

// adaptorAwaitSettlement waits for the final spend to confirm before
// declaring the swap complete.
func (e *Engine) adaptorAwaitSettlement(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	var (
		coin chain.Coin
		txid string
	)
	if d.isLeader() {
		coin, txid = chain.Coin(d.NoScriptCoin), d.SweepTxID
	} else {
		coin, txid = chain.Coin(d.ScriptCoin), d.CoopSpendTxID
	}
	if txid == "" {
		return nil
	}
	adapter, err := e.adapters.Get(coin)
	if err != nil {
		return err
	}
	tx, err := adapter.GetTransaction(ctx, txid)
	if err != nil {
		if errors.Is(err, backend.ErrTxNotFound) {
			return nil
		}
		return err
	}
	if tx.Confirmations <= 0 {
		return nil
	}
	return e.setBidState(bid.ID, SwapCompleted, "")
}

// adaptorFailed drives recovery after the first-stage refund: the leader
// claims promptly (revealing its share), the follower recovers from the
// claim or swipes after the second window.
func (e *Engine) adaptorFailed(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}

	if d.RefundHeight == 0 {
		tx, err := adapter.GetTransaction(ctx, d.RefundTxID)
		if err != nil {
			if errors.Is(err, backend.ErrTxNotFound) {
				return nil
			}
			return err
		}
		if tx.Confirmations <= 0 {
			return nil
		}
		d.RefundHeight = tx.BlockHeight
		d.RefundConfTime = tx.BlockTime
		if d.RefundConfTime == 0 {
			d.RefundConfTime = e.clock.Now().Unix()
		}
		if err := e.saveSwapData(bid.ID, d); err != nil {
			return err
		}
	}

	rec, err := adapter.GetSpendingTx(ctx, d.RefundTxID, 0)
	if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
		return err
	}
	if rec != nil {
		spendTx, err := script.DeserializeTx(rec.Hex)
		if err != nil {
			return err
		}
		return e.adaptorRefundSpent(ctx, bid, d, spendTx)
	}

	if d.isLeader() {
		if e.debug.enabled(bid.ID, DebugDontSpendCoinALockRefund2) {
			return nil
		}
		return e.leaderClaimRefund(ctx, bid, d)
	}
	return e.followerMaybeSwipe(ctx, bid, d)
}

// adaptorRefundSpent reacts to the refund output being spent by the other
// side.
func (e *Engine) adaptorRefundSpent(ctx context.Context, bid *storage.BidRecord, d *swapData, spendTx *wire.MsgTx) error {
	switch script.ClassifySpend(spendTx) {
	case script.SpendRefundClaim:
		if d.isLeader() {
			// Our claim confirmed.
			return e.setBidState(bid.ID, XmrSwapFailedRefunded, "")
		}
		// The leader claimed, revealing its share; recover the other leg.
		if d.NoScriptTxID == "" {
			return e.setBidState(bid.ID, XmrSwapFailedRefunded, "")
		}
		theirShare, err := script.RecoverSecret(spendTx.TxIn[0].Witness[0], d.RefundSpendAdaptorSig, d.TheirAdaptor)
		if err != nil {
			return err
		}
		if !bytes.Equal(theirShare.Public(), d.TheirSharePub) {
			return fmt.Errorf("%w: recovered share does not match commitment", ErrProtocolViolation)
		}
		return e.sweepNoScript(ctx, bid, d, theirShare, XmrSwapFailedRefunded)

	case script.SpendRefundSwipe:
		if !d.isLeader() {
			return e.setBidState(bid.ID, XmrSwapFailedSwiped, "")
		}
		// A mercy output lets us still recover the no-script leg even
		// though the script coin is gone.
		shareBytes, err := script.ParseMercyOutput(spendTx)
		if err != nil {
			return e.setBidState(bid.ID, XmrSwapFailedSwiped, "")
		}
		theirShare, err := script.KeyShareFromBytes(shareBytes)
		if err != nil {
			return e.setBidState(bid.ID, XmrSwapFailedSwiped, "")
		}
		if !bytes.Equal(theirShare.Public(), d.TheirSharePub) {
			return e.setBidState(bid.ID, XmrSwapFailedSwiped, "")
		}
		e.log.Info("mercy output found in swipe", "bid_id", bid.ID)
		return e.sweepNoScript(ctx, bid, d, theirShare, XmrSwapNoscriptTxRedeemed)
	}
	return nil
}

// leaderClaimRefund spends the first-stage refund output through the
// prompt-claim path, publishing the decrypted adaptor signature.
func (e *Engine) leaderClaimRefund(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	share, err := script.KeyShareFromBytes(d.OurShare)
	if err != nil {
		return err
	}
	completedSig, err := script.DecryptAdaptorSig(d.RefundSpendAdaptorSig, share)
	if err != nil {
		return err
	}
	claimTx, err := e.buildRefundClaimTx(d)
	if err != nil {
		return err
	}
	claimTx.TxIn[0].Witness = script.RefundClaimWitness(completedSig, d.RefundScript)
	if err := e.checkSpendVSize(claimTx); err != nil {
		return err
	}

	rawHex, err := script.SerializeTx(claimTx)
	if err != nil {
		return err
	}
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	txid, err := adapter.Broadcast(ctx, rawHex)
	if err != nil {
		return err
	}
	d.ClaimTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	e.log.Info("claimed lock refund", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, XmrSwapFailedRefunded, "")
}

// followerMaybeSwipe sweeps the refund output through the timeout path
// once the leader's claim window has lapsed.
func (e *Engine) followerMaybeSwipe(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	height, err := adapter.GetChainHeight(ctx)
	if err != nil {
		return err
	}
	t2, v2 := stage2Lock(protocol.LockType(d.LockType), d.LockValue)
	if !lockExpired(t2, v2, d.RefundHeight, d.RefundConfTime, height, e.clock.Now()) {
		return nil
	}

	refundTx, err := script.DeserializeTx(d.RefundTxHex)
	if err != nil {
		return err
	}
	swipeTx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:          chain.Coin(d.ScriptCoin),
		Network:       e.cfg.Network,
		LockTxID:      refundTx.TxHash().String(),
		LockVout:      0,
		LockValue:     d.RefundValue,
		DestAddress:   d.OurDest,
		FeeRate:       d.FeeRate,
		LockType:      t2,
		TimeLockValue: v2,
		RefundPath:    true,
	})
	if err != nil {
		return err
	}

	if e.cfg.MercyRelease || e.debug.enabled(bid.ID, DebugMercyRelease) {
		mercy, err := script.MercyOutput(d.OurShare)
		if err != nil {
			return err
		}
		swipeTx.AddTxOut(mercy)
	}

	refundPriv, _ := btcec.PrivKeyFromBytes(d.OurRefundPriv)
	sig, err := script.SignSpend(swipeTx, d.RefundScript, d.RefundValue, refundPriv)
	if err != nil {
		return err
	}
	swipeTx.TxIn[0].Witness = script.RefundSwipeWitness(sig, d.RefundScript)

	rawHex, err := script.SerializeTx(swipeTx)
	if err != nil {
		return err
	}
	txid, err := adapter.Broadcast(ctx, rawHex)
	if err != nil {
		return err
	}
	d.ClaimTxID = txid
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	e.log.Info("swiped lock refund", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, XmrSwapFailedSwiped, "")
}
