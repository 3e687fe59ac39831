// Package config holds the daemon configuration file format. Chain
// consensus parameters live in internal/chain; everything an operator may
// tune is here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name inside the data directory.
const ConfigFileName = "basicswap.yaml"

// Config is the top-level daemon configuration.
type Config struct {
	// Network selects the chain network (mainnet, testnet, regtest).
	Network string `yaml:"network"`

	Storage    StorageConfig         `yaml:"storage"`
	API        APIConfig             `yaml:"api"`
	P2P        P2PConfig             `yaml:"p2p"`
	Logging    LoggingConfig         `yaml:"logging"`
	Swap       SwapConfig            `yaml:"swap"`
	Automation AutomationConfig      `yaml:"automation"`
	Coins      map[string]CoinConfig `yaml:"coins,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for the database and key files.
	DataDir string `yaml:"data_dir"`
}

// APIConfig holds the JSON-RPC server settings.
type APIConfig struct {
	// ListenAddr is the host:port the HTTP server binds to.
	ListenAddr string `yaml:"listen_addr"`
}

// P2PConfig holds libp2p node settings.
type P2PConfig struct {
	// KeyFile is the node identity key, relative to the data directory
	// unless absolute.
	KeyFile string `yaml:"key_file"`

	// ListenAddrs are the multiaddrs to listen on.
	ListenAddrs []string `yaml:"listen_addrs"`

	// BootstrapPeers are the initial peers to connect to.
	BootstrapPeers []string `yaml:"bootstrap_peers"`

	// EnableMDNS enables local peer discovery.
	EnableMDNS bool `yaml:"enable_mdns"`

	// EnableDHT enables the Kademlia DHT for peer discovery.
	EnableDHT bool `yaml:"enable_dht"`

	ConnMgr ConnMgrConfig `yaml:"conn_mgr"`
}

// ConnMgrConfig holds connection manager watermarks.
type ConnMgrConfig struct {
	LowWater    int           `yaml:"low_water"`
	HighWater   int           `yaml:"high_water"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// SwapConfig holds swap engine timing and policy settings.
type SwapConfig struct {
	// OfferExpiry is the default validity window of published offers.
	OfferExpiry time.Duration `yaml:"offer_expiry"`

	// BidExpiry is how long a bid may sit in negotiation before it
	// times out.
	BidExpiry time.Duration `yaml:"bid_expiry"`

	// TickInterval is the scheduler pass interval.
	TickInterval time.Duration `yaml:"tick_interval"`

	// FeeConfTarget is the confirmation target used for fee estimation.
	FeeConfTarget int `yaml:"fee_conf_target"`

	// VSizeSlack is the tolerated excess over agreed spend-tx vsize
	// estimates before a counterparty transaction is rejected.
	VSizeSlack int64 `yaml:"vsize_slack"`

	// MercyRelease discloses our key share when swiping an abandoned
	// refund, letting the counterparty recover the other leg.
	MercyRelease bool `yaml:"mercy_release"`
}

// AutomationConfig holds bid auto-accept policy settings.
type AutomationConfig struct {
	// Strategy is the accept policy: none, accept_all or accept_known.
	Strategy string `yaml:"strategy"`

	// MaxConcurrentBids caps bids in active states across all offers.
	MaxConcurrentBids int `yaml:"max_concurrent_bids"`

	// KnownBidders is the allow list used by accept_known.
	KnownBidders []string `yaml:"known_bidders,omitempty"`
}

// CoinConfig holds RPC endpoints for one coin's node processes. Bitcoin
// family coins use the RPC fields; Monero uses the wallet and daemon URLs.
type CoinConfig struct {
	RPCURL  string `yaml:"rpc_url,omitempty"`
	RPCUser string `yaml:"rpc_user,omitempty"`
	RPCPass string `yaml:"rpc_pass,omitempty"`

	WalletURL string `yaml:"wallet_url,omitempty"`
	DaemonURL string `yaml:"daemon_url,omitempty"`
}

// Default returns a Config with working defaults for everything except
// coin RPC endpoints, which the operator must fill in.
func Default() *Config {
	return &Config{
		Network: "mainnet",
		Storage: StorageConfig{
			DataDir: "~/.basicswap",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:12700",
		},
		P2P: P2PConfig{
			KeyFile: "node.key",
			ListenAddrs: []string{
				"/ip4/0.0.0.0/tcp/11700",
				"/ip4/0.0.0.0/udp/11700/quic-v1",
			},
			BootstrapPeers: []string{},
			EnableMDNS:     true,
			EnableDHT:      true,
			ConnMgr: ConnMgrConfig{
				LowWater:    50,
				HighWater:   200,
				GracePeriod: time.Minute,
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Swap: SwapConfig{
			OfferExpiry:   time.Hour,
			BidExpiry:     time.Hour,
			TickInterval:  10 * time.Second,
			FeeConfTarget: 2,
			VSizeSlack:    10,
			MercyRelease:  true,
		},
		Automation: AutomationConfig{
			Strategy:          "none",
			MaxConcurrentBids: 5,
		},
		Coins: map[string]CoinConfig{},
	}
}

// Load reads the config file from dataDir, creating one with defaults on
// first run. Values present in the file override the defaults; absent
// values keep them.
func Load(dataDir string) (*Config, error) {
	dir := ExpandPath(dataDir)
	path := filepath.Join(dir, ConfigFileName)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("creating default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	header := []byte("# basicswap daemon configuration\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Path returns the config file location for a data directory.
func Path(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
