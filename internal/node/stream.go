package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/gerlofvanek/basicswap/internal/engine"
)

// directProtocol is the protocol ID for direct swap negotiation messages.
const directProtocol protocol.ID = "/basicswap/direct/1.0.0"

// maxFrameSize caps a single framed message.
const maxFrameSize = 1 << 20

// ack is the reply written back on a direct stream after the handler runs.
type ack struct {
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// handleStream processes one inbound direct stream: read the sealed
// envelope, open it, hand the message to the engine and report the outcome.
// The engine dedups redeliveries itself, so a repeated frame is ACKed
// without side effects.
func (n *Node) handleStream(s network.Stream) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(60 * time.Second))

	frame, err := readFrame(bufio.NewReader(s))
	if err != nil {
		n.log.Warn("reading direct stream", "peer", shortID(remote), "err", err)
		return
	}

	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		n.log.Warn("parsing envelope", "peer", shortID(remote), "err", err)
		return
	}
	plaintext, err := n.sealer.Open(&env)
	if err != nil {
		n.log.Warn("opening envelope", "peer", shortID(remote), "err", err)
		return
	}

	var msg engine.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		n.log.Warn("parsing message", "peer", shortID(remote), "err", err)
		return
	}
	if msg.From != remote.String() {
		n.log.Warn("message sender mismatch",
			"peer", shortID(remote), "claimed", msg.From)
		return
	}

	n.log.Debug("received direct message",
		"type", msg.Type, "msg_id", msg.ID, "peer", shortID(remote))

	handlerErr := n.handle(n.ctx, &msg)

	reply := ack{MessageID: msg.ID, Success: handlerErr == nil}
	if handlerErr != nil {
		reply.Error = handlerErr.Error()
		n.log.Warn("handling direct message",
			"type", msg.Type, "peer", shortID(remote), "err", handlerErr)
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return
	}
	s.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := writeFrame(s, data); err != nil {
		n.log.Warn("writing ack", "peer", shortID(remote), "err", err)
	}
}

// deliver sends one message over a fresh direct stream and waits for the
// peer's acknowledgement.
func (n *Node) deliver(ctx context.Context, to peer.ID, msg *engine.Message) error {
	plaintext, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	env, err := n.sealer.Seal(to, plaintext)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return err
	}

	s, err := n.host.NewStream(ctx, to, directProtocol)
	if err != nil {
		return fmt.Errorf("opening stream: %w", err)
	}
	defer s.Close()

	s.SetWriteDeadline(time.Now().Add(30 * time.Second))
	if err := writeFrame(s, frame); err != nil {
		return fmt.Errorf("sending message: %w", err)
	}

	s.SetReadDeadline(time.Now().Add(30 * time.Second))
	ackFrame, err := readFrame(bufio.NewReader(s))
	if err != nil {
		return fmt.Errorf("reading ack: %w", err)
	}
	var reply ack
	if err := json.Unmarshal(ackFrame, &reply); err != nil {
		return fmt.Errorf("parsing ack: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("peer rejected %s message: %s", msg.Type, reply.Error)
	}
	return nil
}

// readFrame reads one length-prefixed frame.
func readFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	if length > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return data, nil
}

// writeFrame writes one length-prefixed frame.
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}
