// Package main provides basicswapd, the atomic swap daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gerlofvanek/basicswap/internal/api"
	"github.com/gerlofvanek/basicswap/internal/automation"
	"github.com/gerlofvanek/basicswap/internal/backend"
	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/config"
	"github.com/gerlofvanek/basicswap/internal/engine"
	"github.com/gerlofvanek/basicswap/internal/node"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir        = flag.String("data-dir", "~/.basicswap", "Data directory")
		apiAddr        = flag.String("api", "", "JSON-RPC API address, overrides config")
		listenAddr     = flag.String("listen", "", "Listen address (multiaddr), overrides config")
		bootstrapPeers = flag.String("bootstrap", "", "Bootstrap peers (comma-separated multiaddrs)")
		testnet        = flag.Bool("testnet", false, "Run on testnet")
		regtest        = flag.Bool("regtest", false, "Run on regtest")
		logLevel       = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		showVersion    = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("basicswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "err", err)
	}

	// CLI flags take precedence over the config file.
	if *testnet {
		cfg.Network = string(chain.Testnet)
	}
	if *regtest {
		cfg.Network = string(chain.Regtest)
	}
	if *apiAddr != "" {
		cfg.API.ListenAddr = *apiAddr
	}
	if *listenAddr != "" {
		cfg.P2P.ListenAddrs = []string{*listenAddr}
	}
	if *bootstrapPeers != "" {
		cfg.P2P.BootstrapPeers = splitPeers(*bootstrapPeers)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.Path(*dataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to open storage", "err", err)
	}
	defer store.Close()
	log.Info("Storage opened", "path", dataPath)

	registry := buildRegistry(cfg, log)

	auto, err := automation.New(store, registry, automation.Config{
		Strategy:          automation.Strategy(cfg.Automation.Strategy),
		MaxConcurrentBids: cfg.Automation.MaxConcurrentBids,
		KnownBidders:      cfg.Automation.KnownBidders,
	})
	if err != nil {
		log.Fatal("Failed to build automation controller", "err", err)
	}

	n, err := node.New(ctx, &node.Config{
		DataDir:        dataPath,
		KeyFile:        cfg.P2P.KeyFile,
		Testnet:        cfg.Network != string(chain.Mainnet),
		ListenAddrs:    cfg.P2P.ListenAddrs,
		BootstrapPeers: cfg.P2P.BootstrapPeers,
		EnableMDNS:     cfg.P2P.EnableMDNS,
		EnableDHT:      cfg.P2P.EnableDHT,
		ConnMgrLow:     cfg.P2P.ConnMgr.LowWater,
		ConnMgrHigh:    cfg.P2P.ConnMgr.HighWater,
		ConnMgrGrace:   cfg.P2P.ConnMgr.GracePeriod,
	}, store)
	if err != nil {
		log.Fatal("Failed to create node", "err", err)
	}

	eng := engine.New(engine.Config{
		Network:       chain.Network(cfg.Network),
		OwnAddress:    n.ID(),
		OfferExpiry:   cfg.Swap.OfferExpiry,
		BidExpiry:     cfg.Swap.BidExpiry,
		FeeConfTarget: cfg.Swap.FeeConfTarget,
		VSizeSlack:    cfg.Swap.VSizeSlack,
		MercyRelease:  cfg.Swap.MercyRelease,
	}, store, registry, auto, n, nil)

	n.SetMessageHandler(eng.HandleMessage)
	if err := n.Start(); err != nil {
		log.Fatal("Failed to start node", "err", err)
	}

	watcher := engine.NewWatcher(eng, cfg.Swap.TickInterval)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("Watcher stopped", "err", err)
		}
	}()

	server := api.NewServer(eng, store, n)
	if err := server.Start(cfg.API.ListenAddr); err != nil {
		log.Fatal("Failed to start API server", "err", err)
	}

	printBanner(log, n, cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	cancel()
	if err := server.Stop(); err != nil {
		log.Error("Error stopping API server", "err", err)
	}
	if err := n.Stop(); err != nil {
		log.Error("Error stopping node", "err", err)
	}
	log.Info("Goodbye!")
}

// buildRegistry creates adapters for every coin with configured RPC
// endpoints. Coins without endpoints are skipped; offers and bids on
// them will be rejected.
func buildRegistry(cfg *config.Config, log *logging.Logger) *backend.Registry {
	registry := backend.NewRegistry()
	for name, cc := range cfg.Coins {
		coin := chain.Coin(strings.ToUpper(name))
		switch coin {
		case chain.XMR:
			if cc.WalletURL == "" || cc.DaemonURL == "" {
				log.Warn("Skipping coin without wallet/daemon URLs", "coin", coin)
				continue
			}
			registry.Register(backend.NewMoneroRPC(cc.WalletURL, cc.DaemonURL))
		default:
			if cc.RPCURL == "" {
				log.Warn("Skipping coin without RPC URL", "coin", coin)
				continue
			}
			adapter, err := backend.NewBitcoinRPC(coin, cc.RPCURL, cc.RPCUser, cc.RPCPass)
			if err != nil {
				log.Warn("Skipping coin", "coin", coin, "err", err)
				continue
			}
			registry.Register(adapter)
		}
		log.Info("Coin adapter registered", "coin", coin)
	}
	return registry
}

func printBanner(log *logging.Logger, n *node.Node, cfg *config.Config) {
	log.Info("")
	log.Info("=================================================")
	log.Infof("  basicswapd %s (%s)", version, cfg.Network)
	log.Info("=================================================")
	log.Infof("  Peer ID: %s", n.ID())
	log.Info("  Listening on:")
	for _, addr := range n.ListenAddrs() {
		log.Infof("    %s", addr)
	}
	log.Infof("  API: http://%s", cfg.API.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.API.ListenAddr)
	log.Infof("  mDNS: %v | DHT: %v", cfg.P2P.EnableMDNS, cfg.P2P.EnableDHT)
	log.Info("=================================================")
	log.Info("")
}

func splitPeers(s string) []string {
	var peers []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
