package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir, err := os.MkdirTemp("", "basicswap-config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network != "mainnet" {
		t.Errorf("network = %q, want mainnet", cfg.Network)
	}
	if cfg.Swap.OfferExpiry != time.Hour {
		t.Errorf("offer expiry = %v, want 1h", cfg.Swap.OfferExpiry)
	}
	if cfg.Automation.Strategy != "none" {
		t.Errorf("strategy = %q, want none", cfg.Automation.Strategy)
	}

	if _, err := os.Stat(filepath.Join(dir, ConfigFileName)); err != nil {
		t.Errorf("default config file not written: %v", err)
	}
}

func TestLoadPartialOverride(t *testing.T) {
	dir, err := os.MkdirTemp("", "basicswap-config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	content := `network: regtest
api:
  listen_addr: "127.0.0.1:9999"
swap:
  bid_expiry: 30m
  mercy_release: false
coins:
  BTC:
    rpc_url: "http://127.0.0.1:18443"
    rpc_user: "test"
    rpc_pass: "test"
  XMR:
    wallet_url: "http://127.0.0.1:18082"
    daemon_url: "http://127.0.0.1:18081"
`
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Network != "regtest" {
		t.Errorf("network = %q, want regtest", cfg.Network)
	}
	if cfg.API.ListenAddr != "127.0.0.1:9999" {
		t.Errorf("api addr = %q", cfg.API.ListenAddr)
	}
	if cfg.Swap.BidExpiry != 30*time.Minute {
		t.Errorf("bid expiry = %v, want 30m", cfg.Swap.BidExpiry)
	}
	if cfg.Swap.MercyRelease {
		t.Error("mercy release should be disabled")
	}
	// Values absent from the file keep their defaults.
	if cfg.Swap.OfferExpiry != time.Hour {
		t.Errorf("offer expiry = %v, want default 1h", cfg.Swap.OfferExpiry)
	}
	if cfg.P2P.ConnMgr.HighWater != 200 {
		t.Errorf("conn mgr high water = %d, want default 200", cfg.P2P.ConnMgr.HighWater)
	}

	btc, ok := cfg.Coins["BTC"]
	if !ok || btc.RPCURL != "http://127.0.0.1:18443" {
		t.Errorf("BTC coin config = %+v", btc)
	}
	xmr, ok := cfg.Coins["XMR"]
	if !ok || xmr.WalletURL != "http://127.0.0.1:18082" {
		t.Errorf("XMR coin config = %+v", xmr)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir, err := os.MkdirTemp("", "basicswap-config-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := Default()
	cfg.Network = "testnet"
	cfg.Automation.Strategy = "accept_all"
	cfg.Automation.KnownBidders = []string{"peer1", "peer2"}

	path := filepath.Join(dir, ConfigFileName)
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Network != "testnet" {
		t.Errorf("network = %q, want testnet", loaded.Network)
	}
	if loaded.Automation.Strategy != "accept_all" {
		t.Errorf("strategy = %q, want accept_all", loaded.Automation.Strategy)
	}
	if len(loaded.Automation.KnownBidders) != 2 {
		t.Errorf("known bidders = %v", loaded.Automation.KnownBidders)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir: %v", err)
	}
	if got := ExpandPath("~/data"); got != filepath.Join(home, "data") {
		t.Errorf("ExpandPath(~/data) = %q", got)
	}
	if got := ExpandPath("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandPath(/abs/path) = %q", got)
	}
}
