package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/script"
	"github.com/gerlofvanek/basicswap/internal/storage"
)

// absSecondWindow is the extra absolute-time window granted to the refund
// claim before the counterparty may swipe, for offers using abs_time locks.
// Relative locks reuse the offer's lock value for the second stage.
const absSecondWindow = 3600

// swapData is the protocol working set of one bid, persisted as an opaque
// JSON blob on the bid record. Our private material never leaves it.
type swapData struct {
	SwapType     string `json:"swap_type"`
	Reversed     bool   `json:"reversed,omitempty"`
	OurRole      string `json:"our_role"`
	ScriptCoin   string `json:"script_coin"`
	NoScriptCoin string `json:"noscript_coin,omitempty"`

	AmountScript   uint64 `json:"amount_script"`
	AmountNoScript uint64 `json:"amount_noscript,omitempty"`

	LockType  string `json:"lock_type"`
	LockValue uint64 `json:"lock_value"`
	FeeRate   uint64 `json:"fee_rate,omitempty"`

	PeerAddr string `json:"peer_addr"`

	OurSecpPriv   []byte `json:"our_secp_priv,omitempty"`
	OurRefundPriv []byte `json:"our_refund_priv,omitempty"`
	OurShare      []byte `json:"our_share,omitempty"`
	OurSecpPub    []byte `json:"our_secp_pub,omitempty"`
	OurRefundPub  []byte `json:"our_refund_pub,omitempty"`
	OurSharePub   []byte `json:"our_share_pub,omitempty"`
	OurAdaptor    []byte `json:"our_adaptor,omitempty"`
	OurDest       string `json:"our_dest,omitempty"`

	TheirSecpPub   []byte `json:"their_secp_pub,omitempty"`
	TheirRefundPub []byte `json:"their_refund_pub,omitempty"`
	TheirSharePub  []byte `json:"their_share_pub,omitempty"`
	TheirAdaptor   []byte `json:"their_adaptor,omitempty"`
	TheirDest      string `json:"their_dest,omitempty"`

	LockScript   []byte `json:"lock_script,omitempty"`
	LockTxHex    string `json:"lock_tx,omitempty"`
	LockTxID     string `json:"lock_txid,omitempty"`
	LockVout     uint32 `json:"lock_vout,omitempty"`
	LockHeight   int64  `json:"lock_height,omitempty"`
	LockConfTime int64  `json:"lock_conf_time,omitempty"`

	RefundTxHex    string `json:"refund_tx,omitempty"`
	RefundScript   []byte `json:"refund_script,omitempty"`
	RefundValue    uint64 `json:"refund_value,omitempty"`
	OurRefundSig   []byte `json:"our_refund_sig,omitempty"`
	TheirRefundSig []byte `json:"their_refund_sig,omitempty"`
	RefundTxID     string `json:"refund_txid,omitempty"`
	RefundHeight   int64  `json:"refund_height,omitempty"`
	RefundConfTime int64  `json:"refund_conf_time,omitempty"`

	CoopAdaptorSig        *script.AdaptorSig `json:"coop_adaptor_sig,omitempty"`
	RefundSpendAdaptorSig *script.AdaptorSig `json:"refund_spend_adaptor_sig,omitempty"`

	CombinedAddr  string `json:"combined_addr,omitempty"`
	NoScriptTxID  string `json:"noscript_txid,omitempty"`
	CoopSpendTxID string `json:"coop_spend_txid,omitempty"`
	SweepTxID     string `json:"sweep_txid,omitempty"`
	ClaimTxID     string `json:"claim_txid,omitempty"`

	Secret     []byte `json:"secret,omitempty"`
	SecretHash []byte `json:"secret_hash,omitempty"`

	PtxTxID      string `json:"ptx_txid,omitempty"`
	PtxVout      uint32 `json:"ptx_vout,omitempty"`
	PtxValue     uint64 `json:"ptx_value,omitempty"`
	PtxScript    []byte `json:"ptx_script,omitempty"`
	PtxLockValue uint64 `json:"ptx_lock_value,omitempty"`
	PtxHeight    int64  `json:"ptx_height,omitempty"`
	PtxConfTime  int64  `json:"ptx_conf_time,omitempty"`
}

func (d *swapData) isLeader() bool {
	return d.OurRole == string(protocol.RoleLeader)
}

func marshalSwapData(d *swapData) (json.RawMessage, error) {
	return json.Marshal(d)
}

func loadSwapData(bid *storage.BidRecord) (*swapData, error) {
	var d swapData
	if len(bid.SwapData) == 0 {
		return nil, fmt.Errorf("%w: bid %s has no swap data", ErrProtocolViolation, bid.ID)
	}
	if err := json.Unmarshal(bid.SwapData, &d); err != nil {
		return nil, fmt.Errorf("corrupt swap data for bid %s: %w", bid.ID, err)
	}
	return &d, nil
}

func (e *Engine) saveSwapData(bidID string, d *swapData) error {
	raw, err := marshalSwapData(d)
	if err != nil {
		return err
	}
	return e.store.UpdateBidSwapData(bidID, raw)
}

func unmarshalPayload(msg *Message, v interface{}) error {
	if err := json.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("%w: bad %s payload: %v", ErrProtocolViolation, msg.Type, err)
	}
	return nil
}

// newSwapData derives the role layout and leg amounts shared by both
// parties of a bid.
func newSwapData(offer *storage.OfferRecord, bidAmount uint64, isOfferer bool, peerAddr string) (*swapData, error) {
	coinFrom := chain.Coin(offer.CoinFrom)
	coinTo := chain.Coin(offer.CoinTo)

	roles, err := protocol.SelectRoles(protocol.SwapType(offer.SwapType), coinFrom, coinTo, isOfferer)
	if err != nil {
		return nil, err
	}

	from := chain.MustGet(coinFrom)
	to := chain.MustGet(coinTo)
	amountTo, err := chain.ConvertAmount(bidAmount, offer.Rate, from, to, chain.RoundDown)
	if err != nil {
		return nil, err
	}
	if amountTo == 0 {
		return nil, fmt.Errorf("%w: bid too small to convert", ErrInvalidAmount)
	}

	d := &swapData{
		SwapType:   offer.SwapType,
		Reversed:   roles.Reversed,
		OurRole:    string(roles.OurRole),
		ScriptCoin: string(roles.ScriptCoin),
		LockType:   offer.LockType,
		LockValue:  offer.LockValue,
		PeerAddr:   peerAddr,
	}

	switch protocol.SwapType(offer.SwapType) {
	case protocol.SwapAdaptorSig:
		d.NoScriptCoin = string(roles.NoScriptCoin)
		if roles.Reversed {
			d.AmountScript = amountTo
			d.AmountNoScript = bidAmount
		} else {
			d.AmountScript = bidAmount
			d.AmountNoScript = amountTo
		}
	case protocol.SwapSellerFirst:
		// Initiate leg on coin_from, participate leg on coin_to.
		d.NoScriptCoin = offer.CoinTo
		d.AmountScript = bidAmount
		d.AmountNoScript = amountTo
	}
	return d, nil
}

// generateKeys fills in our side's key material for an adaptor swap: the
// cooperative and refund signing keys on the script chain, and the
// one-time-key share with its cross-group commitment.
func (e *Engine) generateKeys(ctx context.Context, d *swapData) error {
	secpPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	refundPriv, err := btcec.NewPrivateKey()
	if err != nil {
		return err
	}
	share, err := script.NewKeyShare()
	if err != nil {
		return err
	}

	adapter, err := e.adapters.Get(chain.Coin(d.ScriptCoin))
	if err != nil {
		return err
	}
	dest, err := adapter.NewAddress(ctx)
	if err != nil {
		return err
	}

	d.OurSecpPriv = secpPriv.Serialize()
	d.OurRefundPriv = refundPriv.Serialize()
	d.OurShare = share.Bytes()
	d.OurSecpPub = secpPriv.PubKey().SerializeCompressed()
	d.OurRefundPub = refundPriv.PubKey().SerializeCompressed()
	d.OurSharePub = share.Public()
	d.OurAdaptor = share.SecpPoint()
	d.OurDest = dest
	return nil
}

// initBidderSwap prepares the bidder-side working set and the bid payload
// announcing our key material.
func (e *Engine) initBidderSwap(ctx context.Context, offer *storage.OfferRecord,
	bid *storage.BidRecord) (*swapData, *BidPayload, error) {

	d, err := newSwapData(offer, bid.Amount, false, offer.AddrFrom)
	if err != nil {
		return nil, nil, err
	}

	payload := &BidPayload{
		BidID:    bid.ID,
		OfferID:  offer.ID,
		Amount:   bid.Amount,
		AddrFrom: e.ownAddr,
		ExpireAt: bid.ExpireAt.Unix(),
	}

	switch protocol.SwapType(offer.SwapType) {
	case protocol.SwapAdaptorSig:
		if err := e.generateKeys(ctx, d); err != nil {
			return nil, nil, err
		}
		payload.SecpPubKey = d.OurSecpPub
		payload.RefundPubKey = d.OurRefundPub
		payload.SharePub = d.OurSharePub
		payload.AdaptorPoint = d.OurAdaptor
		payload.DestAddress = d.OurDest

	case protocol.SwapSellerFirst:
		secpPriv, err := btcec.NewPrivateKey()
		if err != nil {
			return nil, nil, err
		}
		d.OurSecpPriv = secpPriv.Serialize()
		d.OurSecpPub = secpPriv.PubKey().SerializeCompressed()
		payload.SecpPubKey = d.OurSecpPub

	default:
		return nil, nil, fmt.Errorf("%w: swap type %q", ErrProtocolViolation, offer.SwapType)
	}
	return d, payload, nil
}

// initOffererSwap prepares the offerer-side working set from a received
// bid, recording the bidder's key material. Our own keys are generated at
// accept time.
func (e *Engine) initOffererSwap(offer *storage.OfferRecord, bid *storage.BidRecord,
	p *BidPayload) (*swapData, error) {

	d, err := newSwapData(offer, bid.Amount, true, bid.AddrFrom)
	if err != nil {
		return nil, err
	}

	switch protocol.SwapType(offer.SwapType) {
	case protocol.SwapAdaptorSig:
		if len(p.SecpPubKey) != 33 || len(p.RefundPubKey) != 33 ||
			len(p.SharePub) != 32 || len(p.AdaptorPoint) != 33 || p.DestAddress == "" {
			return nil, fmt.Errorf("%w: incomplete bid key material", ErrProtocolViolation)
		}
		d.TheirSecpPub = p.SecpPubKey
		d.TheirRefundPub = p.RefundPubKey
		d.TheirSharePub = p.SharePub
		d.TheirAdaptor = p.AdaptorPoint
		d.TheirDest = p.DestAddress

	case protocol.SwapSellerFirst:
		if len(p.SecpPubKey) != 33 {
			return nil, fmt.Errorf("%w: incomplete bid key material", ErrProtocolViolation)
		}
		d.TheirSecpPub = p.SecpPubKey
	}
	return d, nil
}

// stage2Lock derives the second-stage (refund spend) time lock from the
// offer lock. Relative locks reuse the same window; an absolute lock gets
// a fixed extension, since the same timestamp cannot gate both stages.
func stage2Lock(lockType protocol.LockType, lockValue uint64) (protocol.LockType, uint64) {
	if lockType == protocol.LockTimeAbsolute {
		return lockType, lockValue + absSecondWindow
	}
	return lockType, lockValue
}

// lockExpired reports whether a time lock anchored at the given
// confirmation height/time has matured.
func lockExpired(lockType protocol.LockType, lockValue uint64,
	confHeight, confTime, chainHeight int64, now time.Time) bool {

	switch lockType {
	case protocol.LockBlocksRelative:
		return confHeight > 0 && chainHeight >= confHeight+int64(lockValue)
	case protocol.LockTimeRelative:
		return confTime > 0 && now.Unix() >= confTime+int64(lockValue)
	case protocol.LockTimeAbsolute:
		return now.Unix() >= int64(lockValue)
	default:
		return false
	}
}
