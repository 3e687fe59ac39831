package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/gerlofvanek/basicswap/internal/script"
)

// Protocol message types.
const (
	MsgTypeOffer          = "offer"
	MsgTypeOfferRevoke    = "offer_revoke"
	MsgTypeBid            = "bid"
	MsgTypeBidAccept      = "bid_accept"
	MsgTypeLockTxA        = "lock_tx_a"
	MsgTypeLockRefundSigs = "lock_refund_sigs"
	MsgTypeLockRelease    = "lock_release"
	MsgTypeCoinBLock      = "coin_b_lock"
	MsgTypePtx            = "ptx"
)

// Message is one signed protocol message exchanged between peers. The
// transport delivers at-least-once; handlers dedup on (Type, entity id).
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}

// Transport delivers protocol messages between peers. Offers broadcast to
// all peers; everything else goes to one address.
type Transport interface {
	SendMessage(ctx context.Context, peerAddr string, msg *Message) error
	Broadcast(ctx context.Context, msg *Message) error
}

// OfferPayload announces an offer to the network.
type OfferPayload struct {
	ID           string `json:"id"`
	CoinFrom     string `json:"coin_from"`
	CoinTo       string `json:"coin_to"`
	AmountFrom   uint64 `json:"amount_from"`
	Rate         uint64 `json:"rate"`
	MinBidAmount uint64 `json:"min_bid_amount"`
	SwapType     string `json:"swap_type"`
	LockType     string `json:"lock_type"`
	LockValue    uint64 `json:"lock_value"`
	AutoAccept   bool   `json:"auto_accept"`
	AddrFrom     string `json:"addr_from"`
	CreatedAt    int64  `json:"created_at"`
	ExpireAt     int64  `json:"expire_at"`
}

// OfferRevokePayload withdraws an offer before its expiry.
type OfferRevokePayload struct {
	OfferID string `json:"offer_id"`
}

// BidPayload opens a negotiation. Key material is role-agnostic: each
// party contributes its script keys, its no-script key share and the
// adaptor point committing to that share.
type BidPayload struct {
	BidID        string `json:"bid_id"`
	OfferID      string `json:"offer_id"`
	Amount       uint64 `json:"amount"`
	AddrFrom     string `json:"addr_from"`
	ProofAddress string `json:"proof_address,omitempty"`
	ExpireAt     int64  `json:"expire_at"`

	SecpPubKey   []byte `json:"secp_pubkey,omitempty"`
	RefundPubKey []byte `json:"refund_pubkey,omitempty"`
	SharePub     []byte `json:"share_pub,omitempty"`
	AdaptorPoint []byte `json:"adaptor_point,omitempty"`
	DestAddress  string `json:"dest_address,omitempty"`
}

// LockPackage carries everything the follower needs to validate the
// leader's script lock before anything confirms on chain: the funded lock
// tx id, the first-stage refund template with the leader's signature, and
// the adaptor signature binding a refund claim to key-share disclosure.
// The cooperative-spend adaptor signature is withheld until the leader
// observes the no-script leg locked; it arrives in a lock_release message.
type LockPackage struct {
	LockTxID   string `json:"lock_txid"`
	LockVout   uint32 `json:"lock_vout"`
	LockValue  uint64 `json:"lock_value"`
	LockScript []byte `json:"lock_script"`

	RefundTxHex  string `json:"refund_tx"`
	RefundScript []byte `json:"refund_script"`
	LeaderSig    []byte `json:"leader_refund_sig"`

	RefundSpendAdaptorSig *script.AdaptorSig `json:"refund_spend_adaptor_sig"`

	FeeRate uint64 `json:"fee_rate"`
}

// HTLCPackage carries the seller-first initiate lock parameters.
type HTLCPackage struct {
	SecretHash []byte `json:"secret_hash"`
	LockTxID   string `json:"lock_txid"`
	LockVout   uint32 `json:"lock_vout"`
	LockValue  uint64 `json:"lock_value"`
	LockScript []byte `json:"lock_script"`
	FeeRate    uint64 `json:"fee_rate"`
}

// BidAcceptPayload confirms a bid. When the offerer leads it includes the
// lock package (adaptor swaps) or the initiate HTLC (seller-first); in a
// reverse bid it only carries the offerer's follower-side key material and
// the leader package follows in a lock_tx_a message from the bidder.
type BidAcceptPayload struct {
	BidID string `json:"bid_id"`

	SecpPubKey   []byte `json:"secp_pubkey,omitempty"`
	RefundPubKey []byte `json:"refund_pubkey,omitempty"`
	SharePub     []byte `json:"share_pub,omitempty"`
	AdaptorPoint []byte `json:"adaptor_point,omitempty"`
	DestAddress  string `json:"dest_address,omitempty"`

	Lock *LockPackage `json:"lock,omitempty"`
	HTLC *HTLCPackage `json:"htlc,omitempty"`
}

// LockTxAPayload delivers the leader's lock package in a reverse bid.
type LockTxAPayload struct {
	BidID string       `json:"bid_id"`
	Lock  *LockPackage `json:"lock"`
}

// LockRefundSigsPayload returns the follower's signature over the
// first-stage refund template. The leader broadcasts the lock only after
// holding it, so a refund is always possible.
type LockRefundSigsPayload struct {
	BidID     string `json:"bid_id"`
	RefundSig []byte `json:"refund_sig"`
}

// LockReleasePayload hands the follower the cooperative-spend adaptor
// signature. Decrypting and publishing it reveals the follower's key share,
// so the leader sends it only after the no-script leg is locked in full.
type LockReleasePayload struct {
	BidID          string             `json:"bid_id"`
	CoopAdaptorSig *script.AdaptorSig `json:"coop_adaptor_sig"`
}

// CoinBLockPayload announces the follower's no-script lock. Informational:
// the leader trusts its own chain observation, not the message.
type CoinBLockPayload struct {
	BidID string `json:"bid_id"`
	TxID  string `json:"txid"`
}

// PtxPayload announces the participate lock of a seller-first swap.
type PtxPayload struct {
	BidID     string `json:"bid_id"`
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	Value     uint64 `json:"value"`
	Script    []byte `json:"script"`
	LockValue uint64 `json:"lock_value"`
}

// newMessage wraps a payload for sending.
func (e *Engine) newMessage(msgType string, payload interface{}) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:      uuid.NewString(),
		Type:    msgType,
		From:    e.ownAddr,
		Payload: raw,
	}, nil
}

// entityID extracts the dedup key entity from a message payload.
func entityID(msg *Message) (string, error) {
	switch msg.Type {
	case MsgTypeOffer:
		var p OfferPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", err
		}
		return p.ID, nil
	case MsgTypeOfferRevoke:
		var p OfferRevokePayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", err
		}
		return p.OfferID, nil
	default:
		var p struct {
			BidID string `json:"bid_id"`
		}
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return "", err
		}
		return p.BidID, nil
	}
}

// HandleMessage processes one inbound protocol message. Duplicate
// deliveries of the same (type, entity) pair are dropped before any
// handler runs, making replays side-effect free. A handler failure
// releases the idempotency key so the sender's retry is attempted
// instead of dropped as a duplicate.
func (e *Engine) HandleMessage(ctx context.Context, msg *Message) error {
	entity, err := entityID(msg)
	if err != nil || entity == "" {
		return fmt.Errorf("%w: undecodable %s message", ErrProtocolViolation, msg.Type)
	}

	first, err := e.store.MarkMessageSeen(msg.Type, entity, msg.ID)
	if err != nil {
		return err
	}
	if !first {
		e.log.Debug("dropping duplicate message", "type", msg.Type, "entity", entity)
		return nil
	}

	if err := e.dispatchMessage(ctx, msg); err != nil {
		if forgetErr := e.store.ForgetMessageSeen(msg.Type, entity); forgetErr != nil {
			e.log.Error("releasing message dedup key",
				"type", msg.Type, "entity", entity, "err", forgetErr)
		}
		return err
	}
	return nil
}

func (e *Engine) dispatchMessage(ctx context.Context, msg *Message) error {
	switch msg.Type {
	case MsgTypeOffer:
		return e.handleOfferMessage(ctx, msg)
	case MsgTypeOfferRevoke:
		return e.handleOfferRevokeMessage(ctx, msg)
	case MsgTypeBid:
		return e.handleBidMessage(ctx, msg)
	case MsgTypeBidAccept:
		return e.handleBidAcceptMessage(ctx, msg)
	case MsgTypeLockTxA:
		return e.handleLockTxAMessage(ctx, msg)
	case MsgTypeLockRefundSigs:
		return e.handleLockRefundSigsMessage(ctx, msg)
	case MsgTypeLockRelease:
		return e.handleLockReleaseMessage(ctx, msg)
	case MsgTypeCoinBLock:
		return e.handleCoinBLockMessage(ctx, msg)
	case MsgTypePtx:
		return e.handlePtxMessage(ctx, msg)
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrProtocolViolation, msg.Type)
	}
}
