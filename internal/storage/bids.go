package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Bid persistence errors
var (
	ErrBidNotFound = errors.New("bid not found")
)

// StateScopeBid is the history scope for bid-level states. Transaction
// slots use their tx_type as scope.
const StateScopeBid = "bid"

// BidRecord represents a persisted bid. State values are owned by the
// engine; storage treats them as opaque strings.
type BidRecord struct {
	ID      string `json:"id"`
	OfferID string `json:"offer_id"`

	Amount       uint64 `json:"amount"`
	AddrFrom     string `json:"addr_from"`
	ProofAddress string `json:"proof_address,omitempty"`

	State     string `json:"state"`
	StateNote string `json:"state_note,omitempty"`

	WasSent     bool `json:"was_sent"`
	WasReceived bool `json:"was_received"`

	// Protocol working set: key shares, adaptor sigs, lock scripts.
	// Written through the engine only; opaque here.
	SwapData json.RawMessage `json:"swap_data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpireAt  time.Time `json:"expire_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateEntry is one row of the append-only state history.
type StateEntry struct {
	State     string    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// BidFilter narrows ListBids results.
type BidFilter struct {
	OfferID string
	States  []string

	SortBy  string // created_at (default)
	SortDir string // asc or desc (default)
	Limit   int
	Offset  int
}

const bidColumns = `id, offer_id, amount, addr_from, proof_address, state,
	state_note, was_sent, was_received, swap_data, created_at, expire_at,
	updated_at`

// SaveBid saves or updates a bid record. The state history is appended
// separately via AppendBidState; SaveBid only maintains the current row.
func (s *Storage) SaveBid(b *BidRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if b.CreatedAt.IsZero() {
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	query := `
		INSERT INTO bids (` + bidColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			state_note = excluded.state_note,
			swap_data = excluded.swap_data,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		b.ID,
		b.OfferID,
		b.Amount,
		b.AddrFrom,
		b.ProofAddress,
		b.State,
		b.StateNote,
		boolToInt(b.WasSent),
		boolToInt(b.WasReceived),
		string(b.SwapData),
		b.CreatedAt.Unix(),
		b.ExpireAt.Unix(),
		b.UpdatedAt.Unix(),
	)
	return err
}

// GetBid retrieves a bid by id.
func (s *Storage) GetBid(id string) (*BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+bidColumns+` FROM bids WHERE id = ?`, id)
	return scanBid(row.Scan)
}

// UpdateBidState sets the bid's current state and appends a history row
// in the same transaction, so the history never disagrees with the row.
func (s *Storage) UpdateBidState(id, state, note string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE bids SET state = ?, state_note = ?, updated_at = ? WHERE id = ?`,
		state, note, at.Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBidNotFound
	}

	if _, err := tx.Exec(
		`INSERT INTO bid_states (bid_id, scope, state, created_at) VALUES (?, ?, ?, ?)`,
		id, StateScopeBid, state, at.Unix()); err != nil {
		return err
	}

	return tx.Commit()
}

// AppendBidState appends a history row without touching the bid row.
// Used for transaction-slot scopes.
func (s *Storage) AppendBidState(bidID, scope, state string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO bid_states (bid_id, scope, state, created_at) VALUES (?, ?, ?, ?)`,
		bidID, scope, state, at.Unix())
	return err
}

// GetBidStateHistory returns the append-only state history for a scope,
// oldest first.
func (s *Storage) GetBidStateHistory(bidID, scope string) ([]StateEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT state, created_at FROM bid_states WHERE bid_id = ? AND scope = ? ORDER BY id ASC`,
		bidID, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []StateEntry
	for rows.Next() {
		var state string
		var createdAt int64
		if err := rows.Scan(&state, &createdAt); err != nil {
			return nil, err
		}
		entries = append(entries, StateEntry{State: state, CreatedAt: time.Unix(createdAt, 0)})
	}
	return entries, rows.Err()
}

// UpdateBidSwapData replaces the protocol working set blob.
func (s *Storage) UpdateBidSwapData(id string, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(
		`UPDATE bids SET swap_data = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().Unix(), id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrBidNotFound
	}
	return nil
}

// ListBids returns bids matching the filter.
func (s *Storage) ListBids(f *BidFilter) ([]*BidRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + bidColumns + ` FROM bids WHERE 1=1`
	var args []interface{}

	if f.OfferID != "" {
		query += " AND offer_id = ?"
		args = append(args, f.OfferID)
	}
	if len(f.States) > 0 {
		query += " AND state IN (?" + repeatPlaceholder(len(f.States)-1) + ")"
		for _, st := range f.States {
			args = append(args, st)
		}
	}

	sortDir := "DESC"
	if f.SortDir == "asc" {
		sortDir = "ASC"
	}
	query += " ORDER BY created_at " + sortDir

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []*BidRecord
	for rows.Next() {
		b, err := scanBid(rows.Scan)
		if err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// SumBidAmounts totals the amounts of an offer's bids in the given states.
// Used for remaining-capacity checks at accept time.
func (s *Storage) SumBidAmounts(offerID string, states []string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(states) == 0 {
		return 0, nil
	}

	query := `SELECT COALESCE(SUM(amount), 0) FROM bids WHERE offer_id = ?
		AND state IN (?` + repeatPlaceholder(len(states)-1) + `)`
	args := []interface{}{offerID}
	for _, st := range states {
		args = append(args, st)
	}

	var total uint64
	err := s.db.QueryRow(query, args...).Scan(&total)
	return total, err
}

// CountBids counts an offer's bids in the given states.
func (s *Storage) CountBids(offerID string, states []string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(states) == 0 {
		return 0, nil
	}

	query := `SELECT COUNT(*) FROM bids WHERE offer_id = ?
		AND state IN (?` + repeatPlaceholder(len(states)-1) + `)`
	args := []interface{}{offerID}
	for _, st := range states {
		args = append(args, st)
	}

	var count int
	err := s.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

func scanBid(scan func(...interface{}) error) (*BidRecord, error) {
	var b BidRecord
	var proofAddress, stateNote, swapData sql.NullString
	var wasSent, wasReceived int
	var createdAt, expireAt, updatedAt int64

	err := scan(
		&b.ID,
		&b.OfferID,
		&b.Amount,
		&b.AddrFrom,
		&proofAddress,
		&b.State,
		&stateNote,
		&wasSent,
		&wasReceived,
		&swapData,
		&createdAt,
		&expireAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrBidNotFound
		}
		return nil, err
	}

	if proofAddress.Valid {
		b.ProofAddress = proofAddress.String
	}
	if stateNote.Valid {
		b.StateNote = stateNote.String
	}
	if swapData.Valid && swapData.String != "" {
		b.SwapData = json.RawMessage(swapData.String)
	}
	b.WasSent = wasSent == 1
	b.WasReceived = wasReceived == 1
	b.CreatedAt = time.Unix(createdAt, 0)
	b.ExpireAt = time.Unix(expireAt, 0)
	b.UpdatedAt = time.Unix(updatedAt, 0)
	return &b, nil
}
