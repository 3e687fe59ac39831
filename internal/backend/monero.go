package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gerlofvanek/basicswap/internal/chain"
)

// MoneroRPC is an Adapter backed by monero-wallet-rpc. Monero has no lock
// scripts; the swap lock is a plain payment to a derived one-time address,
// so FundTransaction/SignTransaction are not part of its flow.
type MoneroRPC struct {
	params     *chain.Params
	walletURL  string
	daemonURL  string
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewMoneroRPC creates an adapter for monero-wallet-rpc plus a daemon
// endpoint for chain height queries.
func NewMoneroRPC(walletURL, daemonURL string) *MoneroRPC {
	return &MoneroRPC{
		params:    chain.MustGet(chain.XMR),
		walletURL: walletURL,
		daemonURL: daemonURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Coin returns XMR.
func (m *MoneroRPC) Coin() chain.Coin { return chain.XMR }

// call performs one JSON-RPC 2.0 round trip against url.
func (m *MoneroRPC) call(ctx context.Context, url, method string, params interface{}, out interface{}) error {
	reqBody, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      m.requestID.Add(1),
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/json_rpc", bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &RPCError{Coin: chain.XMR, Method: method, Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RPCError{Coin: chain.XMR, Method: method, Message: err.Error(), Transient: true}
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return &RPCError{Coin: chain.XMR, Method: method, Message: "malformed response", Transient: true}
	}
	if rpcResp.Error != nil {
		return &RPCError{Coin: chain.XMR, Method: method, Code: rpcResp.Error.Code,
			Message: rpcResp.Error.Message, Transient: rpcResp.Error.Code == -13} // not open yet
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

// NewAddress returns a fresh subaddress.
func (m *MoneroRPC) NewAddress(ctx context.Context) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	err := m.call(ctx, m.walletURL, "create_address", map[string]interface{}{"account_index": 0}, &result)
	if err != nil {
		return "", err
	}
	return result.Address, nil
}

// Spendable returns the unlocked balance in piconero.
func (m *MoneroRPC) Spendable(ctx context.Context) (uint64, error) {
	var result struct {
		UnlockedBalance uint64 `json:"unlocked_balance"`
	}
	err := m.call(ctx, m.walletURL, "get_balance", map[string]interface{}{"account_index": 0}, &result)
	if err != nil {
		return 0, err
	}
	return result.UnlockedBalance, nil
}

// FundTransaction is not applicable on a value-only chain.
func (m *MoneroRPC) FundTransaction(ctx context.Context, rawHex string, feeRate uint64) (string, error) {
	return "", fmt.Errorf("fund raw transaction not supported on %s", chain.XMR)
}

// SignTransaction is not applicable on a value-only chain.
func (m *MoneroRPC) SignTransaction(ctx context.Context, rawHex string) (string, error) {
	return "", fmt.Errorf("sign raw transaction not supported on %s", chain.XMR)
}

// Broadcast submits a previously constructed transaction blob.
func (m *MoneroRPC) Broadcast(ctx context.Context, rawHex string) (string, error) {
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	err := m.call(ctx, m.walletURL, "submit_transfer", map[string]interface{}{"tx_data_hex": rawHex}, &result)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}
	if len(result.TxHashList) == 0 {
		return "", ErrBroadcastFailed
	}
	return result.TxHashList[0], nil
}

// GetTransaction looks a transfer up by txid.
func (m *MoneroRPC) GetTransaction(ctx context.Context, txid string) (*Transaction, error) {
	var result struct {
		Transfer struct {
			TxID          string `json:"txid"`
			Amount        uint64 `json:"amount"`
			Confirmations int64  `json:"confirmations"`
			Height        int64  `json:"height"`
			Timestamp     int64  `json:"timestamp"`
			Address       string `json:"address"`
		} `json:"transfer"`
	}
	err := m.call(ctx, m.walletURL, "get_transfer_by_txid", map[string]interface{}{"txid": txid}, &result)
	if err != nil {
		return nil, ErrTxNotFound
	}
	return &Transaction{
		TxID:          result.Transfer.TxID,
		Confirmations: result.Transfer.Confirmations,
		BlockHeight:   result.Transfer.Height,
		BlockTime:     result.Transfer.Timestamp,
		Outputs: []TxOut{{
			Value:   result.Transfer.Amount,
			Address: result.Transfer.Address,
		}},
	}, nil
}

// GetChainHeight queries the daemon's height.
func (m *MoneroRPC) GetChainHeight(ctx context.Context) (int64, error) {
	var result struct {
		Count int64 `json:"count"`
	}
	if err := m.call(ctx, m.daemonURL, "get_block_count", nil, &result); err != nil {
		return 0, err
	}
	return result.Count, nil
}

// LockUnspent is a no-op: monero-wallet-rpc has no output reservation, and
// the engine only sends whole-amount lock payments on this chain.
func (m *MoneroRPC) LockUnspent(ctx context.Context, lock bool, outputs []Outpoint) error {
	return nil
}

// EstimateFeeRate returns the daemon's fee estimate per kB.
func (m *MoneroRPC) EstimateFeeRate(ctx context.Context, confTarget int) (uint64, error) {
	var result struct {
		Fee uint64 `json:"fee"`
	}
	if err := m.call(ctx, m.daemonURL, "get_fee_estimate", nil, &result); err != nil {
		return 0, err
	}
	return result.Fee, nil
}

// SendToAddress transfers amount to addr.
func (m *MoneroRPC) SendToAddress(ctx context.Context, addr string, amount uint64) (string, error) {
	var result struct {
		TxHash string `json:"tx_hash"`
	}
	err := m.call(ctx, m.walletURL, "transfer", map[string]interface{}{
		"destinations": []map[string]interface{}{{"address": addr, "amount": amount}},
		"priority":     1,
	}, &result)
	if err != nil {
		return "", err
	}
	return result.TxHash, nil
}

// GetSpendingTx is not applicable: value-only chains expose no outpoint
// spend lookups, and the engine never needs one on this leg.
func (m *MoneroRPC) GetSpendingTx(ctx context.Context, txid string, vout uint32) (*Transaction, error) {
	return nil, fmt.Errorf("spending tx lookup not supported on %s", chain.XMR)
}

// SweepAddress drains a swap address to dest with sweep_all. The wallet
// must already hold the reconstructed spend key for the address.
func (m *MoneroRPC) SweepAddress(ctx context.Context, addr, dest string, key []byte) (string, error) {
	var result struct {
		TxHashList []string `json:"tx_hash_list"`
	}
	err := m.call(ctx, m.walletURL, "sweep_all", map[string]interface{}{
		"address":        dest,
		"account_index": 0,
	}, &result)
	if err != nil {
		return "", err
	}
	if len(result.TxHashList) == 0 {
		return "", ErrBroadcastFailed
	}
	return result.TxHashList[0], nil
}

// AddressBalance sums incoming transfers to a tracked subaddress.
func (m *MoneroRPC) AddressBalance(ctx context.Context, addr string) (uint64, error) {
	var result struct {
		In []struct {
			Amount        uint64 `json:"amount"`
			Address       string `json:"address"`
			Confirmations int64  `json:"confirmations"`
		} `json:"in"`
	}
	err := m.call(ctx, m.walletURL, "get_transfers", map[string]interface{}{"in": true}, &result)
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, tr := range result.In {
		if tr.Address == addr && tr.Confirmations >= int64(m.params.MinConfirmations) {
			total += tr.Amount
		}
	}
	return total, nil
}
