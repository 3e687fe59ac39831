package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/gerlofvanek/basicswap/internal/automation"
	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/script"
	"github.com/gerlofvanek/basicswap/internal/storage"
)

// fakeClock is a manually advanced Clock shared by every engine in a
// harness, so expiry behaviour is deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeTx struct {
	hex    string
	height int64 // 0 while in the mempool
}

// fakeChain simulates one chain shared by both parties of a swap: a
// transaction store, an outpoint spend index built on broadcast, and
// address balances for the value-only watching calls.
type fakeChain struct {
	coin chain.Coin

	mu       sync.Mutex
	height   int64
	txs      map[string]*fakeTx
	spends   map[string]string // "txid:vout" -> spender txid
	balances map[string]uint64
	seq      int
}

func newFakeChain(coin chain.Coin) *fakeChain {
	return &fakeChain{
		coin:     coin,
		height:   100,
		txs:      make(map[string]*fakeTx),
		spends:   make(map[string]string),
		balances: make(map[string]uint64),
	}
}

func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// mine confirms every mempool transaction in the first new block.
func (c *fakeChain) mine(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.height++
		for _, tx := range c.txs {
			if tx.height == 0 {
				tx.height = c.height
			}
		}
	}
}

func (c *fakeChain) nextID(kind string) string {
	c.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-%s-%d", c.coin, kind, c.seq)))
	return hex.EncodeToString(sum[:])
}

// fund adds a unique synthetic input so every funded transaction has a
// distinct txid, mirroring fundrawtransaction picking wallet inputs.
func (c *fakeChain) fund(rawHex string) (string, error) {
	tx, err := script.DeserializeTx(rawHex)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	c.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-input-%d", c.coin, c.seq)))
	c.mu.Unlock()
	prev, err := chainhash.NewHash(sum[:])
	if err != nil {
		return "", err
	}
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(prev, 0), nil, nil))
	return script.SerializeTx(tx)
}

func (c *fakeChain) broadcast(rawHex string) (string, error) {
	tx, err := script.DeserializeTx(rawHex)
	if err != nil {
		return "", err
	}
	txid := tx.TxHash().String()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.txs[txid]; ok {
		// Both parties may broadcast the same deterministic template.
		return txid, nil
	}
	for _, in := range tx.TxIn {
		key := outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)
		if spender, ok := c.spends[key]; ok && spender != txid {
			return "", fmt.Errorf("%w: %s already spent by %s", backend.ErrBroadcastFailed, key, spender)
		}
	}
	c.txs[txid] = &fakeTx{hex: rawHex}
	for _, in := range tx.TxIn {
		c.spends[outpointKey(in.PreviousOutPoint.Hash.String(), in.PreviousOutPoint.Index)] = txid
	}
	return txid, nil
}

func (c *fakeChain) record(txid string) (*backend.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recordLocked(txid)
}

func (c *fakeChain) recordLocked(txid string) (*backend.Transaction, error) {
	tx, ok := c.txs[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrTxNotFound, txid)
	}
	rec := &backend.Transaction{TxID: txid, Hex: tx.hex}
	if tx.height > 0 {
		rec.BlockHeight = tx.height
		rec.Confirmations = c.height - tx.height + 1
	}
	return rec, nil
}

func (c *fakeChain) spendingTx(txid string, vout uint32) (*backend.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	spender, ok := c.spends[outpointKey(txid, vout)]
	if !ok {
		return nil, fmt.Errorf("%w: %s unspent", backend.ErrTxNotFound, outpointKey(txid, vout))
	}
	return c.recordLocked(spender)
}

func (c *fakeChain) sendToAddress(addr string, amount uint64) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	txid := c.nextID("send")
	c.txs[txid] = &fakeTx{}
	c.balances[addr] += amount
	return txid, nil
}

func (c *fakeChain) sweep(addr, dest string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balances[addr]
	if bal == 0 {
		return "", fmt.Errorf("nothing to sweep from %s", addr)
	}
	c.balances[addr] = 0
	c.balances[dest] += bal
	txid := c.nextID("sweep")
	c.txs[txid] = &fakeTx{}
	return txid, nil
}

func (c *fakeChain) balance(addr string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[addr]
}

func (c *fakeChain) newAddress(params *chaincfg.Params) (string, error) {
	c.mu.Lock()
	c.seq++
	n := c.seq
	c.mu.Unlock()

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s-addr-%d", c.coin, n)))
	if params == nil {
		// Value-only chains treat addresses as opaque strings.
		return hex.EncodeToString(sum[:]), nil
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(sum[:20], params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// fakeAdapter satisfies backend.Adapter against a shared fakeChain.
// Wallet balance is per node; chain state is shared. The error fields
// inject wallet and RPC failures when set.
type fakeAdapter struct {
	coin      chain.Coin
	chain     *fakeChain
	params    *chaincfg.Params
	spendable uint64

	mu           sync.Mutex
	spendableErr error
	getTxErr     error
}

func (a *fakeAdapter) setSpendableErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.spendableErr = err
}

func (a *fakeAdapter) setGetTxErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.getTxErr = err
}

func (a *fakeAdapter) Coin() chain.Coin { return a.coin }

func (a *fakeAdapter) NewAddress(context.Context) (string, error) {
	return a.chain.newAddress(a.params)
}

func (a *fakeAdapter) Spendable(context.Context) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.spendableErr != nil {
		return 0, a.spendableErr
	}
	return a.spendable, nil
}

func (a *fakeAdapter) FundTransaction(_ context.Context, rawHex string, _ uint64) (string, error) {
	return a.chain.fund(rawHex)
}

func (a *fakeAdapter) SignTransaction(_ context.Context, rawHex string) (string, error) {
	return rawHex, nil
}

func (a *fakeAdapter) Broadcast(_ context.Context, rawHex string) (string, error) {
	return a.chain.broadcast(rawHex)
}

func (a *fakeAdapter) GetTransaction(_ context.Context, txid string) (*backend.Transaction, error) {
	a.mu.Lock()
	injected := a.getTxErr
	a.mu.Unlock()
	if injected != nil {
		return nil, injected
	}
	return a.chain.record(txid)
}

func (a *fakeAdapter) GetChainHeight(context.Context) (int64, error) {
	a.chain.mu.Lock()
	defer a.chain.mu.Unlock()
	return a.chain.height, nil
}

func (a *fakeAdapter) LockUnspent(context.Context, bool, []backend.Outpoint) error {
	return nil
}

func (a *fakeAdapter) EstimateFeeRate(context.Context, int) (uint64, error) {
	return 1000, nil
}

func (a *fakeAdapter) SendToAddress(_ context.Context, addr string, amount uint64) (string, error) {
	return a.chain.sendToAddress(addr, amount)
}

func (a *fakeAdapter) AddressBalance(_ context.Context, addr string) (uint64, error) {
	return a.chain.balance(addr), nil
}

func (a *fakeAdapter) GetSpendingTx(_ context.Context, txid string, vout uint32) (*backend.Transaction, error) {
	return a.chain.spendingTx(txid, vout)
}

func (a *fakeAdapter) SweepAddress(_ context.Context, addr, dest string, _ []byte) (string, error) {
	return a.chain.sweep(addr, dest)
}

type delivery struct {
	to  string
	msg *Message
}

// loopTransport queues messages for in-process delivery. Nothing is
// handled inline; the harness pumps the queue between scheduler passes,
// mirroring an asynchronous network.
type loopTransport struct {
	mu      sync.Mutex
	addrs   []string
	pending []delivery
	sent    []delivery
	drop    map[string]bool
}

func newLoopTransport() *loopTransport {
	return &loopTransport{drop: make(map[string]bool)}
}

func (t *loopTransport) register(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.addrs = append(t.addrs, addr)
}

func (t *loopTransport) dropType(msgType string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.drop[msgType] = true
}

func (t *loopTransport) SendMessage(_ context.Context, peerAddr string, msg *Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drop[msg.Type] {
		return nil
	}
	t.pending = append(t.pending, delivery{to: peerAddr, msg: msg})
	t.sent = append(t.sent, delivery{to: peerAddr, msg: msg})
	return nil
}

func (t *loopTransport) Broadcast(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	addrs := append([]string(nil), t.addrs...)
	t.mu.Unlock()
	for _, addr := range addrs {
		if addr == msg.From {
			continue
		}
		if err := t.SendMessage(ctx, addr, msg); err != nil {
			return err
		}
	}
	return nil
}

func (t *loopTransport) take() []delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := t.pending
	t.pending = nil
	return batch
}

// history returns every sent message of one type.
func (t *loopTransport) history(msgType string) []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Message
	for _, d := range t.sent {
		if d.msg.Type == msgType {
			out = append(out, d.msg)
		}
	}
	return out
}

// harness wires two or more engines to shared fake chains and a queued
// loopback transport. One step is: deliver all pending messages, tick
// every engine, mine one block on every chain, advance the clock a
// minute.
type harness struct {
	t         *testing.T
	clock     *fakeClock
	transport *loopTransport
	chains    map[chain.Coin]*fakeChain
	nodes     map[string]*Engine
	adapters  map[string]map[chain.Coin]*fakeAdapter
	order     []string
}

func newHarness(t *testing.T, coins ...chain.Coin) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		clock:     newFakeClock(),
		transport: newLoopTransport(),
		chains:    make(map[chain.Coin]*fakeChain),
		nodes:     make(map[string]*Engine),
		adapters:  make(map[string]map[chain.Coin]*fakeAdapter),
	}
	for _, c := range coins {
		h.chains[c] = newFakeChain(c)
	}
	return h
}

func (h *harness) addNode(addr string, auto automation.Config) *Engine {
	h.t.Helper()

	tmpDir, err := os.MkdirTemp("", "basicswap-engine-test-*")
	if err != nil {
		h.t.Fatalf("failed to create temp dir: %v", err)
	}
	h.t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{DataDir: tmpDir})
	if err != nil {
		h.t.Fatalf("storage.New() error = %v", err)
	}
	h.t.Cleanup(func() { store.Close() })

	adapters := backend.NewRegistry()
	h.adapters[addr] = make(map[chain.Coin]*fakeAdapter)
	for coin, fc := range h.chains {
		var params *chaincfg.Params
		if p, ok := chain.Get(coin); ok && p.ChainCfg != nil {
			params, err = p.ChainParams(chain.Mainnet)
			if err != nil {
				h.t.Fatalf("ChainParams(%s) error = %v", coin, err)
			}
		}
		fa := &fakeAdapter{
			coin:      coin,
			chain:     fc,
			params:    params,
			spendable: 1 << 60,
		}
		adapters.Register(fa)
		h.adapters[addr][coin] = fa
	}

	ctrl, err := automation.New(store, adapters, auto)
	if err != nil {
		h.t.Fatalf("automation.New() error = %v", err)
	}

	eng := New(Config{OwnAddress: addr}, store, adapters, ctrl, h.transport, h.clock)
	h.transport.register(addr)
	h.nodes[addr] = eng
	h.order = append(h.order, addr)
	return eng
}

// pump delivers queued messages to fixpoint: handlers may send replies,
// which are delivered in the same pass.
func (h *harness) pump(ctx context.Context) {
	h.t.Helper()
	for {
		batch := h.transport.take()
		if len(batch) == 0 {
			return
		}
		for _, d := range batch {
			eng, ok := h.nodes[d.to]
			if !ok {
				h.t.Fatalf("message to unknown node %s", d.to)
			}
			if err := eng.HandleMessage(ctx, d.msg); err != nil {
				h.t.Fatalf("handling %s message: %v", d.msg.Type, err)
			}
		}
	}
}

func (h *harness) step(ctx context.Context) {
	h.t.Helper()
	h.pump(ctx)
	for _, addr := range h.order {
		h.nodes[addr].Tick(ctx)
	}
	for _, c := range h.chains {
		c.mine(1)
	}
	h.clock.advance(time.Minute)
}

// runUntil steps the harness until cond holds, failing after maxSteps.
func (h *harness) runUntil(ctx context.Context, maxSteps int, cond func() bool) {
	h.t.Helper()
	for i := 0; i < maxSteps; i++ {
		if cond() {
			return
		}
		h.step(ctx)
	}
	if !cond() {
		h.t.Fatalf("condition not reached after %d steps", maxSteps)
	}
}

func bidState(t *testing.T, e *Engine, bidID string) BidState {
	t.Helper()
	bid, err := e.GetBid(bidID)
	if errors.Is(err, storage.ErrBidNotFound) {
		// The bid message may not have reached this node yet.
		return ""
	}
	if err != nil {
		t.Fatalf("GetBid(%s) error = %v", bidID, err)
	}
	return BidState(bid.State)
}

func requireBidState(t *testing.T, e *Engine, bidID string, want BidState) {
	t.Helper()
	if got := bidState(t, e, bidID); got != want {
		t.Fatalf("bid state = %s, want %s", got, want)
	}
}

func stateHistoryContains(t *testing.T, e *Engine, bidID string, state BidState) bool {
	t.Helper()
	history, err := e.BidStateHistory(bidID)
	if err != nil {
		t.Fatalf("BidStateHistory(%s) error = %v", bidID, err)
	}
	for _, entry := range history {
		if entry.State == string(state) {
			return true
		}
	}
	return false
}
