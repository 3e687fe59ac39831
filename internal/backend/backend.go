// Package backend provides wallet/node RPC adapters for the supported chains.
// The engine trusts node RPC results; no chain validation happens here and
// no private keys are held by the engine itself.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/gerlofvanek/basicswap/internal/chain"
)

// Common errors
var (
	ErrNotConnected    = errors.New("adapter not connected")
	ErrTxNotFound      = errors.New("transaction not found")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrNoAdapter       = errors.New("no adapter for coin")
)

// RPCError wraps an error returned by a node RPC call.
// Transient errors are retried with backoff by callers; fatal ones
// (authentication, misconfiguration) are surfaced immediately.
type RPCError struct {
	Coin      chain.Coin
	Method    string
	Code      int
	Message   string
	Transient bool
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s %s: %s (code %d)", e.Coin, e.Method, e.Message, e.Code)
}

// IsTransient reports whether err is a retryable RPC failure.
func IsTransient(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Transient
	}
	return false
}

// TxOut is one output of a decoded transaction.
type TxOut struct {
	Value        uint64 `json:"value"`
	ScriptPubKey string `json:"script_pubkey"` // hex
	Address      string `json:"address,omitempty"`
}

// Transaction is a decoded transaction as reported by the node.
type Transaction struct {
	TxID          string  `json:"txid"`
	Hex           string  `json:"hex,omitempty"`
	VSize         int64   `json:"vsize"`
	Confirmations int64   `json:"confirmations"`
	BlockHeight   int64   `json:"block_height,omitempty"`
	BlockTime     int64   `json:"block_time,omitempty"`
	Outputs       []TxOut `json:"vout"`
}

// Outpoint identifies a transaction output.
type Outpoint struct {
	TxID string `json:"txid"`
	Vout uint32 `json:"vout"`
}

// Adapter is the uniform contract over heterogeneous chains: script-capable
// UTXO chains and value-only chains both satisfy it. Blocking calls take a
// context; they may make network round trips to an external node process.
type Adapter interface {
	Coin() chain.Coin

	// NewAddress returns a fresh receive address.
	NewAddress(ctx context.Context) (string, error)

	// Spendable returns the confirmed spendable balance in integer units.
	Spendable(ctx context.Context) (uint64, error)

	// FundTransaction adds inputs and change to a raw transaction, returning
	// the funded raw hex.
	FundTransaction(ctx context.Context, rawHex string, feeRate uint64) (string, error)

	// SignTransaction signs all inputs the wallet can sign.
	SignTransaction(ctx context.Context, rawHex string) (string, error)

	// Broadcast submits a signed transaction and returns its txid.
	Broadcast(ctx context.Context, rawHex string) (string, error)

	// GetTransaction fetches a decoded transaction.
	GetTransaction(ctx context.Context, txid string) (*Transaction, error)

	// GetChainHeight returns the node's current best height.
	GetChainHeight(ctx context.Context) (int64, error)

	// LockUnspent locks (lock=true) or releases wallet outputs so
	// concurrent swaps cannot double-spend a reserved input.
	LockUnspent(ctx context.Context, lock bool, outputs []Outpoint) error

	// EstimateFeeRate returns a feerate in integer units per kvB.
	EstimateFeeRate(ctx context.Context, confTarget int) (uint64, error)

	// SendToAddress pays amount to addr and returns the txid. Used for the
	// value-only lock leg, where the lock is a plain payment to a derived
	// one-time address.
	SendToAddress(ctx context.Context, addr string, amount uint64) (string, error)

	// AddressBalance returns the confirmed balance held by a watched
	// address, for chain-watching lock outputs.
	AddressBalance(ctx context.Context, addr string) (uint64, error)

	// GetSpendingTx returns the transaction spending the given outpoint,
	// or ErrTxNotFound while it is unspent.
	GetSpendingTx(ctx context.Context, txid string, vout uint32) (*Transaction, error)

	// SweepAddress moves the full balance of a swap-controlled address to
	// dest, using key material recovered during the swap. Script chains do
	// not implement this; the no-script leg is the only user.
	SweepAddress(ctx context.Context, addr, dest string, key []byte) (string, error)
}

// Registry holds adapters keyed by coin.
type Registry struct {
	adapters map[chain.Coin]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[chain.Coin]Adapter)}
}

// Register adds an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Coin()] = a
}

// Get returns the adapter for a coin.
func (r *Registry) Get(coin chain.Coin) (Adapter, error) {
	a, ok := r.adapters[coin]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, coin)
	}
	return a, nil
}

// List returns all registered coins.
func (r *Registry) List() []chain.Coin {
	coins := make([]chain.Coin, 0, len(r.adapters))
	for c := range r.adapters {
		coins = append(coins, c)
	}
	return coins
}
