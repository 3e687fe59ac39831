package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Offer persistence errors
var (
	ErrOfferNotFound = errors.New("offer not found")
)

// Offer status values. Offers are immutable once published; only the
// status moves.
const (
	OfferStatusOpen    = "open"
	OfferStatusExpired = "expired"
	OfferStatusRevoked = "revoked"
)

// OfferRecord represents a persisted offer.
type OfferRecord struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	CoinFrom     string `json:"coin_from"`
	CoinTo       string `json:"coin_to"`
	AmountFrom   uint64 `json:"amount_from"`
	Rate         uint64 `json:"rate"`
	MinBidAmount uint64 `json:"min_bid_amount"`

	SwapType  string `json:"swap_type"`
	LockType  string `json:"lock_type"`
	LockValue uint64 `json:"lock_value"`

	AutoAccept bool   `json:"auto_accept"`
	AddrFrom   string `json:"addr_from"`

	CreatedAt time.Time `json:"created_at"`
	ExpireAt  time.Time `json:"expire_at"`
	WasSent   bool      `json:"was_sent"`
}

// OfferFilter narrows ListOffers results. Zero values mean "no filter".
type OfferFilter struct {
	CoinFrom string
	CoinTo   string
	Status   string

	SortBy  string // created_at (default) or rate
	SortDir string // asc or desc (default)
	Limit   int
	Offset  int
}

const offerColumns = `id, status, coin_from, coin_to, amount_from, rate,
	min_bid_amount, swap_type, lock_type, lock_value, auto_accept, addr_from,
	created_at, expire_at, was_sent`

// SaveOffer saves or updates an offer record.
func (s *Storage) SaveOffer(o *OfferRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.Status == "" {
		o.Status = OfferStatusOpen
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO offers (` + offerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status
	`

	_, err := s.db.Exec(query,
		o.ID,
		o.Status,
		o.CoinFrom,
		o.CoinTo,
		o.AmountFrom,
		o.Rate,
		o.MinBidAmount,
		o.SwapType,
		o.LockType,
		o.LockValue,
		boolToInt(o.AutoAccept),
		o.AddrFrom,
		o.CreatedAt.Unix(),
		o.ExpireAt.Unix(),
		boolToInt(o.WasSent),
	)
	return err
}

// GetOffer retrieves an offer by id.
func (s *Storage) GetOffer(id string) (*OfferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+offerColumns+` FROM offers WHERE id = ?`, id)
	return scanOffer(row.Scan)
}

// UpdateOfferStatus moves an offer between open/expired/revoked.
func (s *Storage) UpdateOfferStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`UPDATE offers SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrOfferNotFound
	}
	return nil
}

// ExpireOffers marks open offers whose expire_at has passed and returns
// their ids.
func (s *Storage) ExpireOffers(now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(
		`SELECT id FROM offers WHERE status = ? AND expire_at <= ?`,
		OfferStatusOpen, now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.Exec(
			`UPDATE offers SET status = ? WHERE id = ?`, OfferStatusExpired, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// ListOffers returns offers matching the filter.
func (s *Storage) ListOffers(f *OfferFilter) ([]*OfferRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + offerColumns + ` FROM offers WHERE 1=1`
	var args []interface{}

	if f.CoinFrom != "" {
		query += " AND coin_from = ?"
		args = append(args, f.CoinFrom)
	}
	if f.CoinTo != "" {
		query += " AND coin_to = ?"
		args = append(args, f.CoinTo)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}

	sortBy := "created_at"
	if f.SortBy == "rate" {
		sortBy = "rate"
	}
	sortDir := "DESC"
	if f.SortDir == "asc" {
		sortDir = "ASC"
	}
	query += fmt.Sprintf(" ORDER BY %s %s", sortBy, sortDir)

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var offers []*OfferRecord
	for rows.Next() {
		o, err := scanOffer(rows.Scan)
		if err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	return offers, rows.Err()
}

func scanOffer(scan func(...interface{}) error) (*OfferRecord, error) {
	var o OfferRecord
	var autoAccept, wasSent int
	var createdAt, expireAt int64

	err := scan(
		&o.ID,
		&o.Status,
		&o.CoinFrom,
		&o.CoinTo,
		&o.AmountFrom,
		&o.Rate,
		&o.MinBidAmount,
		&o.SwapType,
		&o.LockType,
		&o.LockValue,
		&autoAccept,
		&o.AddrFrom,
		&createdAt,
		&expireAt,
		&wasSent,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}

	o.AutoAccept = autoAccept == 1
	o.WasSent = wasSent == 1
	o.CreatedAt = time.Unix(createdAt, 0)
	o.ExpireAt = time.Unix(expireAt, 0)
	return &o, nil
}
