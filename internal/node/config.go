// Package node provides the libp2p messaging transport: gossipsub offer
// broadcast, direct sealed streams for negotiation messages and a
// storage-backed retry queue giving at-least-once delivery.
package node

import "time"

// Network-specific identifiers keeping mainnet and test networks apart.
const (
	mainnetDHTPrefix   = "/basicswap"
	mainnetDiscoveryNS = "basicswap-mainnet"
	mainnetOfferTopic  = "/basicswap/offers/1.0.0"

	testnetDHTPrefix   = "/basicswap-testnet"
	testnetDiscoveryNS = "basicswap-testnet"
	testnetOfferTopic  = "/basicswap-testnet/offers/1.0.0"
)

// Config holds all settings for the P2P node.
type Config struct {
	// DataDir is where the identity key lives.
	DataDir string

	// KeyFile is the identity key path, relative to DataDir unless
	// absolute.
	KeyFile string

	// Testnet switches the DHT prefix, discovery namespace and offer
	// topic so test peers never mix with mainnet.
	Testnet bool

	ListenAddrs    []string
	BootstrapPeers []string

	EnableMDNS bool
	EnableDHT  bool

	ConnMgrLow   int
	ConnMgrHigh  int
	ConnMgrGrace time.Duration

	// RetryInterval is the outbox retry worker pass interval.
	RetryInterval time.Duration

	// MessageRetention is how long an unacked outbound message is
	// retried before it expires.
	MessageRetention time.Duration
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyFile: "node.key",
		ListenAddrs: []string{
			"/ip4/0.0.0.0/tcp/11700",
			"/ip4/0.0.0.0/udp/11700/quic-v1",
		},
		EnableMDNS:       true,
		EnableDHT:        true,
		ConnMgrLow:       50,
		ConnMgrHigh:      200,
		ConnMgrGrace:     time.Minute,
		RetryInterval:    15 * time.Second,
		MessageRetention: 24 * time.Hour,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.KeyFile == "" {
		c.KeyFile = d.KeyFile
	}
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = d.ListenAddrs
	}
	if c.ConnMgrLow <= 0 {
		c.ConnMgrLow = d.ConnMgrLow
	}
	if c.ConnMgrHigh <= 0 {
		c.ConnMgrHigh = d.ConnMgrHigh
	}
	if c.ConnMgrGrace <= 0 {
		c.ConnMgrGrace = d.ConnMgrGrace
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = d.RetryInterval
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = d.MessageRetention
	}
}

// dhtPrefix returns the DHT protocol prefix for the configured network.
func (c *Config) dhtPrefix() string {
	if c.Testnet {
		return testnetDHTPrefix
	}
	return mainnetDHTPrefix
}

// discoveryNamespace returns the peer discovery namespace.
func (c *Config) discoveryNamespace() string {
	if c.Testnet {
		return testnetDiscoveryNS
	}
	return mainnetDiscoveryNS
}

// offerTopic returns the gossipsub topic offers broadcast on.
func (c *Config) offerTopic() string {
	if c.Testnet {
		return testnetOfferTopic
	}
	return mainnetOfferTopic
}
