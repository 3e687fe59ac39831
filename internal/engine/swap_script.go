package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/script"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/helpers"
)

// ptxLockValue derives the participate-leg time lock from the initiate
// lock. The participate window must close first, or the initiator could
// claim both legs after refunding its own.
func ptxLockValue(lockType protocol.LockType, lockValue uint64) uint64 {
	if lockType == protocol.LockTimeAbsolute {
		return lockValue - absSecondWindow
	}
	return lockValue / 2
}

// acceptSellerFirstBid runs the seller's accept step: generate the swap
// secret, broadcast the initiate lock, and hand the bidder everything
// needed to verify it and lock the participate leg.
func (e *Engine) acceptSellerFirstBid(ctx context.Context, offer *storage.OfferRecord, bid *storage.BidRecord) error {
	d, err := loadSwapData(bid)
	if err != nil {
		return err
	}

	secpPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	d.OurSecpPriv = secpPriv.Serialize()
	d.OurSecpPub = secpPriv.PubKey().SerializeCompressed()

	secret, secretHash, err := script.GenerateSecret()
	if err != nil {
		return err
	}
	d.Secret = secret
	d.SecretHash = secretHash

	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	feeRate, err := adapter.EstimateFeeRate(ctx, e.cfg.FeeConfTarget)
	if err != nil {
		return err
	}
	d.FeeRate = feeRate

	htlc, err := script.BuildHTLCScript(secretHash, d.TheirSecpPub, d.OurSecpPub,
		protocol.LockType(d.LockType), d.LockValue)
	if err != nil {
		return err
	}

	lockTx := script.BuildLockTx(htlc, d.AmountScript)
	rawHex, err := script.SerializeTx(lockTx.Tx)
	if err != nil {
		return err
	}
	funded, err := adapter.FundTransaction(ctx, rawHex, feeRate)
	if err != nil {
		return err
	}
	signed, err := adapter.SignTransaction(ctx, funded)
	if err != nil {
		return err
	}
	signedTx, err := script.DeserializeTx(signed)
	if err != nil {
		return err
	}
	lockVout := -1
	for i, out := range signedTx.TxOut {
		if bytes.Equal(out.PkScript, lockTx.ScriptPubKey) {
			lockVout = i
			break
		}
	}
	if lockVout < 0 {
		return fmt.Errorf("funded initiate tx lost its lock output")
	}

	txid, err := adapter.Broadcast(ctx, signed)
	if err != nil {
		return err
	}

	d.LockScript = htlc
	d.LockTxHex = signed
	d.LockTxID = txid
	d.LockVout = uint32(lockVout)
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:  bid.ID,
		TxType: storage.TxTypeInitiate,
		TxID:   txid,
		Vout:   uint32(lockVout),
		Value:  d.AmountScript,
		Script: helpers.BytesToHex(htlc),
		State:  string(TxSent),
	}); err != nil {
		return err
	}
	e.log.Info("broadcast initiate tx", "bid_id", bid.ID, "txid", txid)

	msg, err := e.newMessage(MsgTypeBidAccept, &BidAcceptPayload{
		BidID:      bid.ID,
		SecpPubKey: d.OurSecpPub,
		HTLC: &HTLCPackage{
			SecretHash: secretHash,
			LockTxID:   txid,
			LockVout:   uint32(lockVout),
			LockValue:  d.AmountScript,
			LockScript: htlc,
			FeeRate:    feeRate,
		},
	})
	if err != nil {
		return err
	}
	if err := e.transport.SendMessage(ctx, d.PeerAddr, msg); err != nil {
		return err
	}
	return e.setBidState(bid.ID, BidAccepted, "")
}

// handleSellerFirstAccept validates the initiate lock announced by the
// seller against the script both sides can derive.
func (e *Engine) handleSellerFirstAccept(_ context.Context, bid *storage.BidRecord,
	d *swapData, p *BidAcceptPayload) error {

	if len(p.SecpPubKey) != 33 {
		return fmt.Errorf("%w: incomplete accept key material", ErrProtocolViolation)
	}
	if p.HTLC == nil {
		return fmt.Errorf("%w: missing initiate lock", ErrProtocolViolation)
	}
	if len(p.HTLC.SecretHash) != 32 {
		return fmt.Errorf("%w: bad secret hash", ErrProtocolViolation)
	}
	if p.HTLC.LockValue != d.AmountScript {
		return fmt.Errorf("%w: initiate value %d, agreed %d",
			ErrProtocolViolation, p.HTLC.LockValue, d.AmountScript)
	}
	d.TheirSecpPub = p.SecpPubKey

	expected, err := script.BuildHTLCScript(p.HTLC.SecretHash, d.OurSecpPub,
		d.TheirSecpPub, protocol.LockType(d.LockType), d.LockValue)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, p.HTLC.LockScript) {
		return fmt.Errorf("%w: initiate script mismatch", ErrProtocolViolation)
	}

	d.SecretHash = p.HTLC.SecretHash
	d.LockScript = p.HTLC.LockScript
	d.LockTxID = p.HTLC.LockTxID
	d.LockVout = p.HTLC.LockVout
	d.FeeRate = p.HTLC.FeeRate
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:  bid.ID,
		TxType: storage.TxTypeInitiate,
		TxID:   d.LockTxID,
		Vout:   d.LockVout,
		Value:  d.AmountScript,
		Script: helpers.BytesToHex(d.LockScript),
		State:  string(TxSent),
	}); err != nil {
		return err
	}
	return e.setBidState(bid.ID, BidAccepted, "")
}

// handlePtxMessage validates the participate lock on the seller side. The
// script and its shortened time lock are rederived locally; anything else
// is a protocol violation.
func (e *Engine) handlePtxMessage(_ context.Context, msg *Message) error {
	var p PtxPayload
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
	if protocol.SwapType(d.SwapType) != protocol.SwapSellerFirst ||
		!d.isLeader() || msg.From != d.PeerAddr {
		return fmt.Errorf("%w: unexpected ptx", ErrProtocolViolation)
	}

	wantLock := ptxLockValue(protocol.LockType(d.LockType), d.LockValue)
	if p.LockValue != wantLock {
		return fmt.Errorf("%w: participate lock %d, expected %d",
			ErrProtocolViolation, p.LockValue, wantLock)
	}
	if p.Value < d.AmountNoScript {
		return fmt.Errorf("%w: participate value %d below agreed %d",
			ErrProtocolViolation, p.Value, d.AmountNoScript)
	}
	expected, err := script.BuildHTLCScript(d.SecretHash, d.OurSecpPub,
		d.TheirSecpPub, protocol.LockType(d.LockType), wantLock)
	if err != nil {
		return err
	}
	if !bytes.Equal(expected, p.Script) {
		return fmt.Errorf("%w: participate script mismatch", ErrProtocolViolation)
	}

	d.PtxTxID = p.TxID
	d.PtxVout = p.Vout
	d.PtxValue = p.Value
	d.PtxScript = p.Script
	d.PtxLockValue = p.LockValue
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	return e.store.SaveTx(&storage.TxRecord{
		BidID:  bid.ID,
		TxType: storage.TxTypeParticipate,
		TxID:   p.TxID,
		Vout:   p.Vout,
		Value:  p.Value,
		Script: helpers.BytesToHex(p.Script),
		State:  string(TxSent),
	})
}

// processSellerFirstBid advances one seller-first swap.
func (e *Engine) processSellerFirstBid(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	switch BidState(bid.State) {
	case BidSent, BidReceived:
		return nil
	case BidAccepted:
		return e.sellerFirstAwaitInitiate(ctx, bid, d)
	case SwapInitiated:
		return e.sellerFirstLeader(ctx, bid, d)
	case SwapParticipating:
		return e.sellerFirstFollower(ctx, bid, d)
	default:
		return nil
	}
}

// sellerFirstAwaitInitiate waits for the initiate lock to confirm. The
// seller then watches for the participate leg; the buyer broadcasts it.
func (e *Engine) sellerFirstAwaitInitiate(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
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
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:       bid.ID,
		TxType:      storage.TxTypeInitiate,
		TxID:        d.LockTxID,
		Vout:        d.LockVout,
		Value:       d.AmountScript,
		Script:      helpers.BytesToHex(d.LockScript),
		State:       string(TxConfirmed),
		ChainHeight: d.LockHeight,
	}); err != nil {
		return err
	}

	if d.isLeader() {
		return e.setBidState(bid.ID, SwapInitiated, "")
	}
	return e.broadcastParticipateTx(ctx, bid, d)
}

// broadcastParticipateTx locks the buyer's leg under the same secret hash
// with a shortened window, and announces it to the seller.
func (e *Engine) broadcastParticipateTx(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	wantLock := ptxLockValue(protocol.LockType(d.LockType), d.LockValue)
	htlc, err := script.BuildHTLCScript(d.SecretHash, d.TheirSecpPub, d.OurSecpPub,
		protocol.LockType(d.LockType), wantLock)
	if err != nil {
		return err
	}

	adapter, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return err
	}
	feeRate, err := adapter.EstimateFeeRate(ctx, e.cfg.FeeConfTarget)
	if err != nil {
		return err
	}

	lockTx := script.BuildLockTx(htlc, d.AmountNoScript)
	rawHex, err := script.SerializeTx(lockTx.Tx)
	if err != nil {
		return err
	}
	funded, err := adapter.FundTransaction(ctx, rawHex, feeRate)
	if err != nil {
		return err
	}
	signed, err := adapter.SignTransaction(ctx, funded)
	if err != nil {
		return err
	}
	signedTx, err := script.DeserializeTx(signed)
	if err != nil {
		return err
	}
	vout := -1
	for i, out := range signedTx.TxOut {
		if bytes.Equal(out.PkScript, lockTx.ScriptPubKey) {
			vout = i
			break
		}
	}
	if vout < 0 {
		return fmt.Errorf("funded participate tx lost its lock output")
	}
	txid, err := adapter.Broadcast(ctx, signed)
	if err != nil {
		return err
	}

	d.PtxTxID = txid
	d.PtxVout = uint32(vout)
	d.PtxValue = d.AmountNoScript
	d.PtxScript = htlc
	d.PtxLockValue = wantLock
	if err := e.saveSwapData(bid.ID, d); err != nil {
		return err
	}
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:  bid.ID,
		TxType: storage.TxTypeParticipate,
		TxID:   txid,
		Vout:   uint32(vout),
		Value:  d.AmountNoScript,
		Script: helpers.BytesToHex(htlc),
		State:  string(TxSent),
	}); err != nil {
		return err
	}
	e.log.Info("broadcast participate tx", "bid_id", bid.ID, "txid", txid)

	msg, err := e.newMessage(MsgTypePtx, &PtxPayload{
		BidID:     bid.ID,
		TxID:      txid,
		Vout:      uint32(vout),
		Value:     d.AmountNoScript,
		Script:    htlc,
		LockValue: wantLock,
	})
	if err != nil {
		return err
	}
	if err := e.transport.SendMessage(ctx, d.PeerAddr, msg); err != nil {
		return err
	}
	return e.setBidState(bid.ID, SwapParticipating, "")
}

// sellerFirstLeader claims the participate leg once it confirms, revealing
// the secret, or refunds the initiate leg after its window.
func (e *Engine) sellerFirstLeader(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	if d.PtxTxID != "" {
		adapter, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
		if err != nil {
			return err
		}
		tx, err := adapter.GetTransaction(ctx, d.PtxTxID)
		if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
			return err
		}
		if err == nil && tx.Confirmations > 0 {
			return e.claimParticipateTx(ctx, bid, d)
		}
	}

	// No participate leg in time: reclaim the initiate lock.
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	height, err := adapter.GetChainHeight(ctx)
	if err != nil {
		return err
	}
	if !lockExpired(protocol.LockType(d.LockType), d.LockValue,
		d.LockHeight, d.LockConfTime, height, e.clock.Now()) {
		return nil
	}
	return e.refundHTLC(ctx, bid, d, chain.Coin(d.ScriptCoin),
		d.LockTxID, d.LockVout, d.AmountScript, d.LockScript, d.LockValue,
		storage.TxTypeInitiate)
}

// claimParticipateTx spends the buyer's leg with the secret.
func (e *Engine) claimParticipateTx(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	adapter, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return err
	}
	dest, err := adapter.NewAddress(ctx)
	if err != nil {
		return err
	}
	claimTx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:        chain.Coin(d.NoScriptCoin),
		Network:     e.cfg.Network,
		LockTxID:    d.PtxTxID,
		LockVout:    d.PtxVout,
		LockValue:   d.PtxValue,
		DestAddress: dest,
		FeeRate:     d.FeeRate,
	})
	if err != nil {
		return err
	}
	secpPriv, _ := btcec.PrivKeyFromBytes(d.OurSecpPriv)
	sig, err := script.SignSpend(claimTx, d.PtxScript, d.PtxValue, secpPriv)
	if err != nil {
		return err
	}
	claimTx.TxIn[0].Witness = script.HTLCClaimWitness(sig, d.Secret, d.PtxScript)

	rawHex, err := script.SerializeTx(claimTx)
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
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:     bid.ID,
		TxType:    storage.TxTypeParticipate,
		TxID:      d.PtxTxID,
		Vout:      d.PtxVout,
		Value:     d.PtxValue,
		State:     string(TxRedeemed),
		SpendTxID: txid,
	}); err != nil {
		return err
	}
	e.log.Info("claimed participate tx", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, SwapCompleted, "")
}

// sellerFirstFollower watches for the seller's claim to learn the secret
// and take the initiate leg, or refunds its own lock after the window.
func (e *Engine) sellerFirstFollower(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	adapter, err := e.adapters.Get(chain.Coin(d.NoScriptCoin))
	if err != nil {
		return err
	}

	if d.PtxHeight == 0 {
		tx, err := adapter.GetTransaction(ctx, d.PtxTxID)
		if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
			return err
		}
		if err == nil && tx.Confirmations > 0 {
			d.PtxHeight = tx.BlockHeight
			d.PtxConfTime = tx.BlockTime
			if d.PtxConfTime == 0 {
				d.PtxConfTime = e.clock.Now().Unix()
			}
			if err := e.saveSwapData(bid.ID, d); err != nil {
				return err
			}
		}
	}

	rec, err := adapter.GetSpendingTx(ctx, d.PtxTxID, d.PtxVout)
	if err != nil && !errors.Is(err, backend.ErrTxNotFound) {
		return err
	}
	if rec != nil {
		spendTx, err := script.DeserializeTx(rec.Hex)
		if err != nil {
			return err
		}
		if script.ClassifySpend(spendTx) == script.SpendHTLCClaim {
			secret := spendTx.TxIn[0].Witness[1]
			if !script.VerifySecret(secret, d.SecretHash) {
				return fmt.Errorf("%w: claimed secret does not match hash", ErrProtocolViolation)
			}
			d.Secret = secret
			if err := e.saveSwapData(bid.ID, d); err != nil {
				return err
			}
			return e.claimInitiateTx(ctx, bid, d)
		}
		return nil
	}

	height, err := adapter.GetChainHeight(ctx)
	if err != nil {
		return err
	}
	if !lockExpired(protocol.LockType(d.LockType), d.PtxLockValue,
		d.PtxHeight, d.PtxConfTime, height, e.clock.Now()) {
		return nil
	}
	return e.refundHTLC(ctx, bid, d, chain.Coin(d.NoScriptCoin),
		d.PtxTxID, d.PtxVout, d.PtxValue, d.PtxScript, d.PtxLockValue,
		storage.TxTypeParticipate)
}

// claimInitiateTx spends the seller's leg with the learned secret.
func (e *Engine) claimInitiateTx(ctx context.Context, bid *storage.BidRecord, d *swapData) error {
	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	dest, err := adapter.NewAddress(ctx)
	if err != nil {
		return err
	}
	claimTx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:        chain.Coin(d.ScriptCoin),
		Network:     e.cfg.Network,
		LockTxID:    d.LockTxID,
		LockVout:    d.LockVout,
		LockValue:   d.AmountScript,
		DestAddress: dest,
		FeeRate:     d.FeeRate,
	})
	if err != nil {
		return err
	}
	secpPriv, _ := btcec.PrivKeyFromBytes(d.OurSecpPriv)
	sig, err := script.SignSpend(claimTx, d.LockScript, d.AmountScript, secpPriv)
	if err != nil {
		return err
	}
	claimTx.TxIn[0].Witness = script.HTLCClaimWitness(sig, d.Secret, d.LockScript)

	rawHex, err := script.SerializeTx(claimTx)
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
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:     bid.ID,
		TxType:    storage.TxTypeInitiate,
		TxID:      d.LockTxID,
		Vout:      d.LockVout,
		Value:     d.AmountScript,
		State:     string(TxRedeemed),
		SpendTxID: txid,
	}); err != nil {
		return err
	}
	e.log.Info("claimed initiate tx", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, SwapCompleted, "")
}

// refundHTLC reclaims one of our HTLC locks through the timeout path.
func (e *Engine) refundHTLC(ctx context.Context, bid *storage.BidRecord, d *swapData,
	coin chain.Coin, lockTxID string, lockVout uint32, lockValue uint64,
	lockScript []byte, timeLock uint64, txType string) error {

	adapter, err := e.adapters.Get(coin)
	if err != nil {
		return err
	}
	dest, err := adapter.NewAddress(ctx)
	if err != nil {
		return err
	}
	refundTx, _, err := script.BuildSpendTx(&script.SpendTxParams{
		Coin:          coin,
		Network:       e.cfg.Network,
		LockTxID:      lockTxID,
		LockVout:      lockVout,
		LockValue:     lockValue,
		DestAddress:   dest,
		FeeRate:       d.FeeRate,
		LockType:      protocol.LockType(d.LockType),
		TimeLockValue: timeLock,
		RefundPath:    true,
	})
	if err != nil {
		return err
	}
	secpPriv, _ := btcec.PrivKeyFromBytes(d.OurSecpPriv)
	sig, err := script.SignSpend(refundTx, lockScript, lockValue, secpPriv)
	if err != nil {
		return err
	}
	refundTx.TxIn[0].Witness = script.HTLCRefundWitness(sig, lockScript)

	rawHex, err := script.SerializeTx(refundTx)
	if err != nil {
		return err
	}
	txid, err := adapter.Broadcast(ctx, rawHex)
	if err != nil {
		return err
	}
	if err := e.store.SaveTx(&storage.TxRecord{
		BidID:      bid.ID,
		TxType:     txType,
		TxID:       lockTxID,
		Vout:       lockVout,
		Value:      lockValue,
		State:      string(TxRefunded),
		RefundTxID: txid,
	}); err != nil {
		return err
	}
	e.log.Info("refunded time-locked output", "bid_id", bid.ID, "txid", txid)
	return e.setBidState(bid.ID, SwapTimedout, "time lock expired without redemption")
}
