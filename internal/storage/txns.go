package storage

import (
	"database/sql"
	"errors"
	"time"
)

// Transaction record errors
var (
	ErrTxRecordNotFound = errors.New("transaction record not found")
)

// Transaction slot types. ITX is the first on-chain lock, PTX the second;
// adaptor swaps track the no-script leg under its own types.
const (
	TxTypeInitiate    = "itx"
	TxTypeParticipate = "ptx"
	TxTypeNoScript    = "xmr_b_lock"
)

// TxRecord tracks one transaction slot of a bid.
type TxRecord struct {
	BidID  string `json:"bid_id"`
	TxType string `json:"tx_type"`

	TxID   string `json:"txid,omitempty"`
	Vout   uint32 `json:"vout"`
	Value  uint64 `json:"value"`
	Script string `json:"script,omitempty"` // hex
	State  string `json:"state"`

	SpendTxID  string `json:"spend_txid,omitempty"`
	RefundTxID string `json:"refund_txid,omitempty"`

	ChainHeight int64     `json:"chain_height"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

const txColumns = `bid_id, tx_type, txid, vout, value, script, state,
	spend_txid, refund_txid, chain_height, created_at, updated_at`

// SaveTx saves or updates a transaction record.
func (s *Storage) SaveTx(t *TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO swap_txns (` + txColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(bid_id, tx_type) DO UPDATE SET
			txid = excluded.txid,
			vout = excluded.vout,
			value = excluded.value,
			script = excluded.script,
			state = excluded.state,
			spend_txid = excluded.spend_txid,
			refund_txid = excluded.refund_txid,
			chain_height = excluded.chain_height,
			updated_at = excluded.updated_at
	`

	_, err := s.db.Exec(query,
		t.BidID,
		t.TxType,
		t.TxID,
		t.Vout,
		t.Value,
		t.Script,
		t.State,
		t.SpendTxID,
		t.RefundTxID,
		t.ChainHeight,
		t.CreatedAt.Unix(),
		t.UpdatedAt.Unix(),
	)
	return err
}

// GetTx retrieves one transaction slot of a bid.
func (s *Storage) GetTx(bidID, txType string) (*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+txColumns+` FROM swap_txns WHERE bid_id = ? AND tx_type = ?`,
		bidID, txType)
	return scanTx(row.Scan)
}

// ListTxs returns all transaction slots of a bid.
func (s *Storage) ListTxs(bidID string) ([]*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT `+txColumns+` FROM swap_txns WHERE bid_id = ? ORDER BY created_at ASC`,
		bidID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*TxRecord
	for rows.Next() {
		t, err := scanTx(rows.Scan)
		if err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func scanTx(scan func(...interface{}) error) (*TxRecord, error) {
	var t TxRecord
	var txid, script, spendTxID, refundTxID sql.NullString
	var createdAt, updatedAt int64

	err := scan(
		&t.BidID,
		&t.TxType,
		&txid,
		&t.Vout,
		&t.Value,
		&script,
		&t.State,
		&spendTxID,
		&refundTxID,
		&t.ChainHeight,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTxRecordNotFound
		}
		return nil, err
	}

	if txid.Valid {
		t.TxID = txid.String
	}
	if script.Valid {
		t.Script = script.String
	}
	if spendTxID.Valid {
		t.SpendTxID = spendTxID.String
	}
	if refundTxID.Valid {
		t.RefundTxID = refundTxID.String
	}
	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}
