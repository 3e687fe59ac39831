package node

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/peerstore"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
	connmgr "github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/multiformats/go-multiaddr"

	"github.com/gerlofvanek/basicswap/internal/engine"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

// MessageHandler processes one inbound protocol message.
type MessageHandler func(ctx context.Context, msg *engine.Message) error

// Node is the P2P transport. It satisfies engine.Transport: offers
// broadcast over gossipsub, everything else travels in sealed envelopes
// over direct streams with a persistent retry queue behind them.
type Node struct {
	cfg    *Config
	host   host.Host
	dht    *dht.IpfsDHT
	pubsub *pubsub.PubSub
	store  *storage.Storage
	sealer *Sealer
	log    *logging.Logger

	offerTopic *pubsub.Topic
	offerSub   *pubsub.Subscription

	mdnsService mdns.Service
	routingDisc *drouting.RoutingDiscovery

	retry *retryWorker

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler MessageHandler
}

// New creates the node: identity key, libp2p host, DHT, gossipsub. Call
// SetMessageHandler then Start.
func New(ctx context.Context, cfg *Config, store *storage.Storage) (*Node, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(ctx)

	n := &Node{
		cfg:    cfg,
		store:  store,
		log:    logging.Component("node"),
		ctx:    ctx,
		cancel: cancel,
	}

	privKey, err := n.loadOrCreateKey()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("loading identity key: %w", err)
	}

	listenAddrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
	for _, addr := range cfg.ListenAddrs {
		ma, err := multiaddr.NewMultiaddr(addr)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
		listenAddrs = append(listenAddrs, ma)
	}

	cm, err := connmgr.NewConnManager(cfg.ConnMgrLow, cfg.ConnMgrHigh,
		connmgr.WithGracePeriod(cfg.ConnMgrGrace))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrs(listenAddrs...),
		libp2p.ConnectionManager(cm),
		libp2p.DefaultTransports,
		libp2p.DefaultMuxers,
		libp2p.DefaultSecurity,
		libp2p.NATPortMap(),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating libp2p host: %w", err)
	}
	n.host = h

	n.sealer, err = NewSealer(privKey, h.ID())
	if err != nil {
		h.Close()
		cancel()
		return nil, err
	}

	if cfg.EnableDHT {
		n.dht, err = dht.New(ctx, h,
			dht.Mode(dht.ModeAutoServer),
			dht.ProtocolPrefix(protocol.ID(cfg.dhtPrefix())))
		if err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("initializing DHT: %w", err)
		}
		if err := n.dht.Bootstrap(ctx); err != nil {
			h.Close()
			cancel()
			return nil, fmt.Errorf("bootstrapping DHT: %w", err)
		}
		n.routingDisc = drouting.NewRoutingDiscovery(n.dht)
	}

	n.pubsub, err = pubsub.NewGossipSub(ctx, h,
		pubsub.WithPeerExchange(true),
		pubsub.WithFloodPublish(true))
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("initializing pubsub: %w", err)
	}

	n.retry = newRetryWorker(n, store, cfg.RetryInterval)
	return n, nil
}

// SetMessageHandler wires inbound protocol messages, typically to
// engine.HandleMessage. Must be set before Start.
func (n *Node) SetMessageHandler(h MessageHandler) {
	n.mu.Lock()
	n.handler = h
	n.mu.Unlock()
}

func (n *Node) handle(ctx context.Context, msg *engine.Message) error {
	n.mu.RLock()
	h := n.handler
	n.mu.RUnlock()
	if h == nil {
		return fmt.Errorf("no message handler registered")
	}
	return h(ctx, msg)
}

// Start joins the offer topic, registers the direct stream handler,
// connects to bootstrap peers and starts discovery plus the retry worker.
func (n *Node) Start() error {
	topic, err := n.pubsub.Join(n.cfg.offerTopic())
	if err != nil {
		return fmt.Errorf("joining offer topic: %w", err)
	}
	n.offerTopic = topic
	n.offerSub, err = topic.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to offer topic: %w", err)
	}
	go n.processOfferMessages()

	n.host.SetStreamHandler(directProtocol, n.handleStream)

	for _, addrStr := range n.cfg.BootstrapPeers {
		ma, err := multiaddr.NewMultiaddr(addrStr)
		if err != nil {
			n.log.Warn("invalid bootstrap address", "addr", addrStr, "err", err)
			continue
		}
		pi, err := peer.AddrInfoFromP2pAddr(ma)
		if err != nil {
			n.log.Warn("invalid bootstrap peer", "addr", addrStr, "err", err)
			continue
		}
		go func(pi peer.AddrInfo) {
			ctx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
			defer cancel()
			if err := n.host.Connect(ctx, pi); err != nil {
				n.log.Warn("bootstrap connect failed", "peer", shortID(pi.ID), "err", err)
			} else {
				n.log.Info("connected to bootstrap peer", "peer", shortID(pi.ID))
			}
		}(*pi)
	}

	if n.cfg.EnableMDNS {
		n.mdnsService = mdns.NewMdnsService(n.host, n.cfg.discoveryNamespace(), n)
		if err := n.mdnsService.Start(); err != nil {
			n.log.Warn("mdns start failed", "err", err)
			n.mdnsService = nil
		}
	}

	if n.routingDisc != nil {
		go dutil.Advertise(n.ctx, n.routingDisc, n.cfg.discoveryNamespace())
		go n.discoverPeers()
	}

	n.retry.start()

	n.log.Info("node started", "peer_id", n.host.ID(),
		"topic", n.cfg.offerTopic())
	return nil
}

// Stop shuts the node down.
func (n *Node) Stop() error {
	n.cancel()
	n.retry.stop()

	if n.offerSub != nil {
		n.offerSub.Cancel()
	}
	if n.offerTopic != nil {
		n.offerTopic.Close()
	}
	if n.mdnsService != nil {
		n.mdnsService.Close()
	}
	if n.dht != nil {
		n.dht.Close()
	}
	n.host.RemoveStreamHandler(directProtocol)
	return n.host.Close()
}

// ID returns the node's peer ID string. Used as the engine's own address.
func (n *Node) ID() string {
	return n.host.ID().String()
}

// ListenAddrs returns the node's full listen multiaddrs.
func (n *Node) ListenAddrs() []string {
	addrs := make([]string, 0, len(n.host.Addrs()))
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.host.Network().Peers())
}

// Broadcast publishes an offer-scope message to the gossip topic.
func (n *Node) Broadcast(ctx context.Context, msg *engine.Message) error {
	if n.offerTopic == nil {
		return fmt.Errorf("node not started")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := n.offerTopic.Publish(ctx, data); err != nil {
		return fmt.Errorf("publishing offer message: %w", err)
	}
	n.log.Debug("broadcast message", "type", msg.Type, "msg_id", msg.ID)
	return nil
}

// SendMessage queues a direct message for a peer and attempts immediate
// delivery. The message is persisted before the first attempt, so a crash
// or an offline peer only delays it; the retry worker redelivers until the
// peer acknowledges or the message expires.
func (n *Node) SendMessage(ctx context.Context, peerAddr string, msg *engine.Message) error {
	to, err := peer.Decode(peerAddr)
	if err != nil {
		return fmt.Errorf("invalid peer address %q: %w", peerAddr, err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now()
	if err := n.store.QueueMessage(&storage.OutboxMessage{
		MessageID: msg.ID,
		PeerID:    peerAddr,
		MsgType:   msg.Type,
		Payload:   payload,
		CreatedAt: now,
		ExpireAt:  now.Add(n.cfg.MessageRetention),
	}); err != nil {
		return fmt.Errorf("queueing message: %w", err)
	}

	if err := n.deliver(ctx, to, msg); err != nil {
		n.log.Debug("immediate delivery failed, leaving to retry",
			"type", msg.Type, "peer", shortID(to), "err", err)
		return nil
	}
	return n.store.AckMessage(msg.ID)
}

// processOfferMessages pumps the gossip subscription into the handler.
func (n *Node) processOfferMessages() {
	for {
		m, err := n.offerSub.Next(n.ctx)
		if err != nil {
			if n.ctx.Err() != nil {
				return
			}
			n.log.Warn("receiving offer message", "err", err)
			continue
		}
		if m.ReceivedFrom == n.host.ID() {
			continue
		}

		var msg engine.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			n.log.Debug("undecodable offer message", "err", err)
			continue
		}
		if err := n.handle(n.ctx, &msg); err != nil {
			n.log.Warn("handling offer message", "type", msg.Type, "err", err)
		}
	}
}

// discoverPeers periodically finds and dials peers advertising our
// namespace.
func (n *Node) discoverPeers() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			peers, err := dutil.FindPeers(n.ctx, n.routingDisc, n.cfg.discoveryNamespace())
			if err != nil {
				continue
			}
			for _, pi := range peers {
				if pi.ID == n.host.ID() {
					continue
				}
				if n.host.Network().Connectedness(pi.ID) == network.Connected {
					continue
				}
				go func(pi peer.AddrInfo) {
					ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
					defer cancel()
					n.host.Connect(ctx, pi)
				}(pi)
			}
		}
	}
}

// HandlePeerFound is the mDNS notifee callback.
func (n *Node) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.host.Peerstore().AddAddrs(pi.ID, pi.Addrs, peerstore.PermanentAddrTTL)
	go func() {
		ctx, cancel := context.WithTimeout(n.ctx, 10*time.Second)
		defer cancel()
		if err := n.host.Connect(ctx, pi); err != nil {
			n.log.Debug("mdns connect failed", "peer", shortID(pi.ID), "err", err)
		}
	}()
}

// loadOrCreateKey loads the identity key, generating one on first run.
func (n *Node) loadOrCreateKey() (crypto.PrivKey, error) {
	keyPath := n.cfg.KeyFile
	if !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(n.cfg.DataDir, keyPath)
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(keyPath); err == nil {
		return crypto.UnmarshalPrivateKey(data)
	}

	privKey, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, err
	}
	data, err := crypto.MarshalPrivateKey(privKey)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return nil, err
	}
	n.log.Info("generated new node identity", "path", keyPath)
	return privKey, nil
}

// shortID truncates a peer ID for logging.
func shortID(p peer.ID) string {
	s := p.String()
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
