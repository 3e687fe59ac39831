package node

import (
	"encoding/json"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/gerlofvanek/basicswap/internal/engine"
	"github.com/gerlofvanek/basicswap/internal/storage"
	"github.com/gerlofvanek/basicswap/pkg/logging"
)

// Retry backoff bounds.
const (
	retryBackoffBase = 15 * time.Second
	retryBackoffMax  = 10 * time.Minute
)

// retryWorker redelivers queued outbound messages until the peer
// acknowledges them or they expire. Together with the engine's inbound
// dedup this gives at-least-once delivery.
type retryWorker struct {
	node     *Node
	store    *storage.Storage
	interval time.Duration
	log      *logging.Logger
	done     chan struct{}
	stopped  chan struct{}
}

func newRetryWorker(n *Node, store *storage.Storage, interval time.Duration) *retryWorker {
	return &retryWorker{
		node:     n,
		store:    store,
		interval: interval,
		log:      logging.Component("retry"),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (w *retryWorker) start() {
	go w.run()
}

func (w *retryWorker) stop() {
	close(w.done)
	<-w.stopped
}

func (w *retryWorker) run() {
	defer close(w.stopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.pass()
		}
	}
}

// pass attempts every due message once.
func (w *retryWorker) pass() {
	pending, err := w.store.PendingMessages(time.Now(), 50)
	if err != nil {
		w.log.Error("listing pending messages", "err", err)
		return
	}

	for _, m := range pending {
		select {
		case <-w.done:
			return
		default:
		}
		if err := w.attempt(m); err != nil {
			next := time.Now().Add(retryBackoff(m.RetryCount))
			w.log.Debug("delivery failed", "msg_id", m.MessageID,
				"type", m.MsgType, "retries", m.RetryCount, "err", err)
			if err := w.store.RescheduleMessage(m.MessageID, next); err != nil {
				w.log.Error("rescheduling message", "msg_id", m.MessageID, "err", err)
			}
			continue
		}
		if err := w.store.AckMessage(m.MessageID); err != nil {
			w.log.Error("acking message", "msg_id", m.MessageID, "err", err)
		}
	}
}

func (w *retryWorker) attempt(m *storage.OutboxMessage) error {
	to, err := peer.Decode(m.PeerID)
	if err != nil {
		return err
	}
	var msg engine.Message
	if err := json.Unmarshal(m.Payload, &msg); err != nil {
		return err
	}
	return w.node.deliver(w.node.ctx, to, &msg)
}

// retryBackoff doubles per attempt from the base, capped at the maximum.
func retryBackoff(retryCount int) time.Duration {
	d := retryBackoffBase
	for i := 0; i < retryCount && d < retryBackoffMax; i++ {
		d *= 2
	}
	if d > retryBackoffMax {
		d = retryBackoffMax
	}
	return d
}
