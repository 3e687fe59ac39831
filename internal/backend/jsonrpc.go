package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gerlofvanek/basicswap/internal/chain"
)

// BitcoinRPC is an Adapter backed by a Bitcoin Core style wallet RPC
// (bitcoind, litecoind and compatible forks).
type BitcoinRPC struct {
	coin       chain.Coin
	params     *chain.Params
	rpcURL     string
	rpcUser    string
	rpcPass    string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewBitcoinRPC creates an adapter for a bitcoind-family node.
func NewBitcoinRPC(coin chain.Coin, rpcURL, user, pass string) (*BitcoinRPC, error) {
	params, ok := chain.Get(coin)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coin)
	}
	return &BitcoinRPC{
		coin:    coin,
		params:  params,
		rpcURL:  rpcURL,
		rpcUser: user,
		rpcPass: pass,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}, nil
}

// Coin returns the adapter's coin.
func (b *BitcoinRPC) Coin() chain.Coin { return b.coin }

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call performs one JSON-RPC round trip.
func (b *BitcoinRPC) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	reqBody, err := json.Marshal(rpcRequest{
		JSONRPC: "1.0",
		ID:      b.requestID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.rpcURL, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.rpcUser != "" {
		req.SetBasicAuth(b.rpcUser, b.rpcPass)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return &RPCError{Coin: b.coin, Method: method, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &RPCError{Coin: b.coin, Method: method, Code: resp.StatusCode,
			Message: "authentication failed", Transient: false}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RPCError{Coin: b.coin, Method: method, Message: err.Error(), Transient: true}
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return &RPCError{Coin: b.coin, Method: method, Message: "malformed response", Transient: true}
	}
	if rpcResp.Error != nil {
		return &RPCError{Coin: b.coin, Method: method, Code: rpcResp.Error.Code,
			Message: rpcResp.Error.Message, Transient: isTransientCode(rpcResp.Error.Code)}
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return &RPCError{Coin: b.coin, Method: method, Message: "malformed result", Transient: false}
		}
	}
	return nil
}

// isTransientCode classifies Bitcoin Core RPC error codes.
// RPC_IN_WARMUP and RPC_CLIENT_IN_INITIAL_DOWNLOAD clear on their own.
func isTransientCode(code int) bool {
	switch code {
	case -28, -10, -9: // warmup, IBD, not connected
		return true
	default:
		return false
	}
}

// NewAddress returns a fresh bech32 receive address.
func (b *BitcoinRPC) NewAddress(ctx context.Context) (string, error) {
	var addr string
	if err := b.call(ctx, "getnewaddress", []interface{}{"", "bech32"}, &addr); err != nil {
		return "", err
	}
	return addr, nil
}

// Spendable returns the confirmed wallet balance in satoshi units.
func (b *BitcoinRPC) Spendable(ctx context.Context) (uint64, error) {
	var balances struct {
		Mine struct {
			Trusted json.Number `json:"trusted"`
		} `json:"mine"`
	}
	if err := b.call(ctx, "getbalances", nil, &balances); err != nil {
		return 0, err
	}
	return b.params.MakeInt(balances.Mine.Trusted.String(), chain.RoundDown)
}

// FundTransaction adds inputs and change at the given feerate (sat/kvB).
func (b *BitcoinRPC) FundTransaction(ctx context.Context, rawHex string, feeRate uint64) (string, error) {
	// fee_rate is sat/vB; callers pass integer-unit-per-kvB, so scale down.
	perVB := feeRate / 1000
	if perVB == 0 {
		perVB = 1
	}
	opts := map[string]interface{}{
		"fee_rate":     perVB,
		"lockUnspents": true,
	}
	var funded struct {
		Hex string `json:"hex"`
	}
	if err := b.call(ctx, "fundrawtransaction", []interface{}{rawHex, opts}, &funded); err != nil {
		return "", err
	}
	return funded.Hex, nil
}

// SignTransaction signs all wallet-known inputs.
func (b *BitcoinRPC) SignTransaction(ctx context.Context, rawHex string) (string, error) {
	var signed struct {
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := b.call(ctx, "signrawtransactionwithwallet", []interface{}{rawHex}, &signed); err != nil {
		return "", err
	}
	return signed.Hex, nil
}

// Broadcast submits a raw transaction.
func (b *BitcoinRPC) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var txid string
	if err := b.call(ctx, "sendrawtransaction", []interface{}{rawHex}, &txid); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	return txid, nil
}

// GetTransaction fetches and decodes a wallet or mempool transaction.
func (b *BitcoinRPC) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var raw struct {
		TxID          string `json:"txid"`
		Hex           string `json:"hex"`
		VSize         int64  `json:"vsize"`
		Confirmations int64  `json:"confirmations"`
		BlockTime     int64  `json:"blocktime"`
		Vout          []struct {
			Value        json.Number `json:"value"`
			ScriptPubKey struct {
				Hex     string `json:"hex"`
				Address string `json:"address"`
			} `json:"scriptPubKey"`
		} `json:"vout"`
	}
	err := b.call(ctx, "getrawtransaction", []interface{}{txid, true}, &raw)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == -5 {
			return nil, ErrTxNotFound
		}
		return nil, err
	}

	tx := &Transaction{
		TxID:          raw.TxID,
		Hex:           raw.Hex,
		VSize:         raw.VSize,
		Confirmations: raw.Confirmations,
		BlockTime:     raw.BlockTime,
	}
	for _, out := range raw.Vout {
		value, err := b.params.MakeInt(out.Value.String(), chain.RoundNearest)
		if err != nil {
			return nil, err
		}
		tx.Outputs = append(tx.Outputs, TxOut{
			Value:        value,
			ScriptPubKey: out.ScriptPubKey.Hex,
			Address:      out.ScriptPubKey.Address,
		})
	}
	return tx, nil
}

// GetChainHeight returns the best block height.
func (b *BitcoinRPC) GetChainHeight(ctx context.Context) (int64, error) {
	var height int64
	if err := b.call(ctx, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// LockUnspent locks or releases wallet outputs.
func (b *BitcoinRPC) LockUnspent(ctx context.Context, lock bool, outputs []Outpoint) error {
	outs := make([]map[string]interface{}, 0, len(outputs))
	for _, o := range outputs {
		outs = append(outs, map[string]interface{}{"txid": o.TxID, "vout": o.Vout})
	}
	// Core's lockunspent uses unlock=true to release.
	return b.call(ctx, "lockunspent", []interface{}{!lock, outs}, nil)
}

// EstimateFeeRate returns sat/kvB for the given confirmation target.
func (b *BitcoinRPC) EstimateFeeRate(ctx context.Context, confTarget int) (uint64, error) {
	var est struct {
		FeeRate json.Number `json:"feerate"`
	}
	if err := b.call(ctx, "estimatesmartfee", []interface{}{confTarget}, &est); err != nil {
		return 0, err
	}
	if est.FeeRate.String() == "" {
		// Node has no estimate yet; fall back to min relay feerate.
		return 1000, nil
	}
	return b.params.MakeInt(est.FeeRate.String(), chain.RoundUp)
}

// SendToAddress pays amount to addr.
func (b *BitcoinRPC) SendToAddress(ctx context.Context, addr string, amount uint64) (string, error) {
	var txid string
	err := b.call(ctx, "sendtoaddress", []interface{}{addr, b.params.Format(amount)}, &txid)
	if err != nil {
		return "", err
	}
	return txid, nil
}

// GetSpendingTx looks up the transaction spending an outpoint via
// gettxspendingprevout (Core 24+). Returns ErrTxNotFound while unspent.
func (b *BitcoinRPC) GetSpendingTx(ctx context.Context, txid string, vout uint32) (*Transaction, error) {
	var result []struct {
		SpendingTxID string `json:"spendingtxid"`
	}
	params := []interface{}{[]map[string]interface{}{{"txid": txid, "vout": vout}}}
	if err := b.call(ctx, "gettxspendingprevout", params, &result); err != nil {
		return nil, err
	}
	if len(result) == 0 || result[0].SpendingTxID == "" {
		return nil, ErrTxNotFound
	}
	return b.GetTransaction(ctx, result[0].SpendingTxID)
}

// SweepAddress is not applicable on script chains; lock outputs are spent
// through their script paths.
func (b *BitcoinRPC) SweepAddress(ctx context.Context, addr, dest string, key []byte) (string, error) {
	return "", fmt.Errorf("sweep address not supported on %s", b.coin)
}

// AddressBalance scans the UTXO set for the confirmed balance of addr.
func (b *BitcoinRPC) AddressBalance(ctx context.Context, addr string) (uint64, error) {
	var scan struct {
		Success     bool        `json:"success"`
		TotalAmount json.Number `json:"total_amount"`
	}
	err := b.call(ctx, "scantxoutset", []interface{}{"start", []string{"addr(" + addr + ")"}}, &scan)
	if err != nil {
		return 0, err
	}
	if !scan.Success {
		return 0, &RPCError{Coin: b.coin, Method: "scantxoutset", Message: "scan in progress", Transient: true}
	}
	return b.params.MakeInt(scan.TotalAmount.String(), chain.RoundNearest)
}
