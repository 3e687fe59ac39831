// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the swap daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "basicswap.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Offers: immutable once published, ids are hex-encoded 28-byte values
	CREATE TABLE IF NOT EXISTS offers (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'open',

		coin_from TEXT NOT NULL,
		coin_to TEXT NOT NULL,
		amount_from INTEGER NOT NULL,
		rate INTEGER NOT NULL,
		min_bid_amount INTEGER NOT NULL DEFAULT 0,

		swap_type TEXT NOT NULL,
		lock_type TEXT NOT NULL,
		lock_value INTEGER NOT NULL,

		auto_accept INTEGER NOT NULL DEFAULT 0,
		addr_from TEXT NOT NULL,

		created_at INTEGER NOT NULL,
		expire_at INTEGER NOT NULL,
		was_sent INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_offers_status ON offers(status);
	CREATE INDEX IF NOT EXISTS idx_offers_pair ON offers(coin_from, coin_to);
	CREATE INDEX IF NOT EXISTS idx_offers_expire ON offers(expire_at);

	-- Bids: negotiation state, never deleted, only marked terminal
	CREATE TABLE IF NOT EXISTS bids (
		id TEXT PRIMARY KEY,
		offer_id TEXT NOT NULL,

		amount INTEGER NOT NULL,
		addr_from TEXT NOT NULL,
		proof_address TEXT,

		state TEXT NOT NULL,
		state_note TEXT,

		was_sent INTEGER NOT NULL DEFAULT 0,
		was_received INTEGER NOT NULL DEFAULT 0,

		-- Protocol working set: key shares, adaptor sigs, lock scripts (JSON)
		swap_data TEXT,

		created_at INTEGER NOT NULL,
		expire_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		FOREIGN KEY (offer_id) REFERENCES offers(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bids_offer ON bids(offer_id);
	CREATE INDEX IF NOT EXISTS idx_bids_state ON bids(state);
	CREATE INDEX IF NOT EXISTS idx_bids_expire ON bids(expire_at);

	-- Append-only state history for bids and their transaction slots.
	-- scope is 'bid' or a tx type; nothing here is ever rewritten.
	CREATE TABLE IF NOT EXISTS bid_states (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		bid_id TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT 'bid',
		state TEXT NOT NULL,
		created_at INTEGER NOT NULL,

		FOREIGN KEY (bid_id) REFERENCES bids(id)
	);

	CREATE INDEX IF NOT EXISTS idx_bid_states_bid ON bid_states(bid_id, scope, id);

	-- Per-bid transaction records: initiate/participate locks plus the
	-- no-script leg transactions of adaptor swaps
	CREATE TABLE IF NOT EXISTS swap_txns (
		bid_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,

		txid TEXT,
		vout INTEGER NOT NULL DEFAULT 0,
		value INTEGER NOT NULL DEFAULT 0,
		script TEXT,
		state TEXT NOT NULL,

		spend_txid TEXT,
		refund_txid TEXT,

		chain_height INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (bid_id, tx_type),
		FOREIGN KEY (bid_id) REFERENCES bids(id)
	);

	CREATE INDEX IF NOT EXISTS idx_swap_txns_txid ON swap_txns(txid);

	-- Event log (append only, audit trail)
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		concept TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		message TEXT,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_entity ON events(concept, entity_id, id);

	-- Inbound message log for idempotent handling: one row per
	-- (message type, entity) pair, duplicates rejected by the key
	CREATE TABLE IF NOT EXISTS message_inbox (
		msg_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,

		PRIMARY KEY (msg_type, entity_id)
	);

	-- Outbound message queue (pending delivery with retry)
	CREATE TABLE IF NOT EXISTS message_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id TEXT UNIQUE NOT NULL,
		entity_id TEXT NOT NULL,
		peer_id TEXT NOT NULL,
		msg_type TEXT NOT NULL,
		payload BLOB NOT NULL,

		created_at INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		next_retry_at INTEGER NOT NULL,
		expire_at INTEGER NOT NULL,

		acked_at INTEGER,
		status TEXT NOT NULL DEFAULT 'pending'
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON message_outbox(status, next_retry_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON message_outbox(entity_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
