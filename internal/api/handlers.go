package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/engine"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/internal/storage"
)

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return fmt.Errorf("missing params")
	}
	return json.Unmarshal(params, v)
}

// PostOfferParams are the offers_post parameters.
type PostOfferParams struct {
	CoinFrom     string `json:"coin_from"`
	CoinTo       string `json:"coin_to"`
	AmountFrom   uint64 `json:"amount_from"`
	Rate         uint64 `json:"rate"`
	MinBidAmount uint64 `json:"min_bid_amount"`
	LockType     string `json:"lock_type"`
	LockValue    uint64 `json:"lock_value"`
	AutoAccept   bool   `json:"auto_accept"`
	ValidSeconds int64  `json:"valid_seconds,omitempty"`
}

func (s *Server) offersPost(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PostOfferParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	offer, err := s.engine.PostOffer(ctx, &engine.OfferRequest{
		CoinFrom:     chain.Coin(p.CoinFrom),
		CoinTo:       chain.Coin(p.CoinTo),
		AmountFrom:   p.AmountFrom,
		Rate:         p.Rate,
		MinBidAmount: p.MinBidAmount,
		LockType:     protocol.LockType(p.LockType),
		LockValue:    p.LockValue,
		AutoAccept:   p.AutoAccept,
		ValidFor:     time.Duration(p.ValidSeconds) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

type offerIDParams struct {
	OfferID string `json:"offer_id"`
}

func (s *Server) offersRevoke(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p offerIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.RevokeOffer(ctx, p.OfferID); err != nil {
		return nil, err
	}
	return map[string]string{"offer_id": p.OfferID, "status": storage.OfferStatusRevoked}, nil
}

func (s *Server) offersGet(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p offerIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.GetOffer(p.OfferID)
}

// ListOffersParams are the offers_list parameters. Zero values match all.
type ListOffersParams struct {
	CoinFrom string `json:"coin_from,omitempty"`
	CoinTo   string `json:"coin_to,omitempty"`
	Status   string `json:"status,omitempty"`
	SortBy   string `json:"sort_by,omitempty"`
	SortDir  string `json:"sort_dir,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

func (s *Server) offersList(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p ListOffersParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	offers, err := s.engine.ListOffers(&storage.OfferFilter{
		CoinFrom: p.CoinFrom,
		CoinTo:   p.CoinTo,
		Status:   p.Status,
		SortBy:   p.SortBy,
		SortDir:  p.SortDir,
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []*storage.OfferRecord{}
	}
	return offers, nil
}

// PostBidParams are the bids_post parameters.
type PostBidParams struct {
	OfferID string `json:"offer_id"`
	Amount  uint64 `json:"amount"`
}

func (s *Server) bidsPost(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PostBidParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	return s.engine.PostBid(ctx, p.OfferID, p.Amount)
}

type bidIDParams struct {
	BidID string `json:"bid_id"`
}

func (s *Server) bidsAccept(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bidIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.AcceptBid(ctx, p.BidID); err != nil {
		return nil, err
	}
	return s.engine.GetBid(p.BidID)
}

func (s *Server) bidsAbandon(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p bidIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.AbandonBid(p.BidID); err != nil {
		return nil, err
	}
	return s.engine.GetBid(p.BidID)
}

// UpdateBidParams are the bids_update parameters: the manual operator
// action on a received bid.
type UpdateBidParams struct {
	BidID  string `json:"bid_id"`
	Action string `json:"action"` // accept or abandon
}

func (s *Server) bidsUpdate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p UpdateBidParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	switch p.Action {
	case "accept":
		if err := s.engine.AcceptBid(ctx, p.BidID); err != nil {
			return nil, err
		}
	case "abandon":
		if err := s.engine.AbandonBid(p.BidID); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown action %q", p.Action)
	}
	return s.engine.GetBid(p.BidID)
}

// BidDetail is the bids_get response: the bid plus its append-only state
// history.
type BidDetail struct {
	*storage.BidRecord
	States []storage.StateEntry `json:"states"`
}

func (s *Server) bidsGet(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p bidIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	bid, err := s.engine.GetBid(p.BidID)
	if err != nil {
		return nil, err
	}
	states, err := s.engine.BidStateHistory(p.BidID)
	if err != nil {
		return nil, err
	}
	return &BidDetail{BidRecord: bid, States: states}, nil
}

// ListBidsParams are the bids_list parameters.
type ListBidsParams struct {
	OfferID string   `json:"offer_id,omitempty"`
	States  []string `json:"states,omitempty"`
	SortDir string   `json:"sort_dir,omitempty"`
	Limit   int      `json:"limit,omitempty"`
	Offset  int      `json:"offset,omitempty"`
}

func (s *Server) bidsList(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p ListBidsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	bids, err := s.engine.ListBids(&storage.BidFilter{
		OfferID: p.OfferID,
		States:  p.States,
		SortDir: p.SortDir,
		Limit:   p.Limit,
		Offset:  p.Offset,
	})
	if err != nil {
		return nil, err
	}
	if bids == nil {
		bids = []*storage.BidRecord{}
	}
	return bids, nil
}

// SetDebugIndParams are the bids_setDebugInd parameters.
type SetDebugIndParams struct {
	BidID   string `json:"bid_id"`
	Ind     string `json:"debug_ind"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) bidsSetDebugInd(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p SetDebugIndParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	if err := s.engine.SetBidDebugInd(p.BidID, engine.DebugInd(p.Ind), p.Enabled); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"bid_id":    p.BidID,
		"debug_ind": p.Ind,
		"enabled":   p.Enabled,
	}, nil
}

func (s *Server) bidsEvents(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p bidIDParams
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	events, err := s.engine.BidEvents(p.BidID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*storage.EventRecord{}
	}
	return events, nil
}

type recentEventsParams struct {
	Limit int `json:"limit,omitempty"`
}

func (s *Server) eventsRecent(_ context.Context, params json.RawMessage) (interface{}, error) {
	var p recentEventsParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, err
		}
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	events, err := s.engine.RecentEvents(p.Limit)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []*storage.EventRecord{}
	}
	return events, nil
}

func (s *Server) nodeInfo(_ context.Context, _ json.RawMessage) (interface{}, error) {
	info := map[string]interface{}{}
	if s.net != nil {
		info["peer_id"] = s.net.ID()
		info["listen_addrs"] = s.net.ListenAddrs()
	}
	return info, nil
}

func (s *Server) nodeStatus(_ context.Context, _ json.RawMessage) (interface{}, error) {
	status := map[string]interface{}{}
	if s.net != nil {
		status["peers"] = s.net.PeerCount()
	}
	openOffers, err := s.engine.ListOffers(&storage.OfferFilter{Status: storage.OfferStatusOpen})
	if err != nil {
		return nil, err
	}
	activeBids, err := s.engine.ListBids(&storage.BidFilter{States: engine.ActiveStateNames()})
	if err != nil {
		return nil, err
	}
	status["open_offers"] = len(openOffers)
	status["active_bids"] = len(activeBids)
	return status, nil
}
