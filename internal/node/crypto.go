// Package node - sealed envelopes for direct protocol messages.
package node

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"

	"filippo.io/edwards25519"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// envelopeInfo domain-separates the derived envelope keys.
const envelopeInfo = "basicswap/envelope/1"

// Envelope is one sealed protocol message. Only the recipient named in To
// can open it; the ephemeral key gives forward secrecy per message.
type Envelope struct {
	To           string `json:"to"`
	From         string `json:"from"`
	EphemeralKey []byte `json:"ephemeral_key"`
	Nonce        []byte `json:"nonce"`
	Ciphertext   []byte `json:"ciphertext"`
}

// Sealer seals and opens envelopes using the node's identity key.
type Sealer struct {
	x25519Priv [32]byte
	peerID     peer.ID
}

// NewSealer derives the envelope key from a libp2p Ed25519 identity key.
func NewSealer(privKey crypto.PrivKey, peerID peer.ID) (*Sealer, error) {
	priv, err := ed25519PrivToX25519(privKey)
	if err != nil {
		return nil, fmt.Errorf("deriving envelope key: %w", err)
	}
	return &Sealer{x25519Priv: priv, peerID: peerID}, nil
}

// Seal encrypts plaintext for a recipient peer.
func (s *Sealer) Seal(to peer.ID, plaintext []byte) (*Envelope, error) {
	recipientPub, err := peerIDToX25519Pub(to)
	if err != nil {
		return nil, fmt.Errorf("recipient key: %w", err)
	}

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	key, err := deriveEnvelopeKey(ephPriv[:], recipientPub[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	return &Envelope{
		To:           to.String(),
		From:         s.peerID.String(),
		EphemeralKey: ephPub,
		Nonce:        nonce,
		Ciphertext:   aead.Seal(nil, nonce, plaintext, nil),
	}, nil
}

// Open decrypts an envelope addressed to us.
func (s *Sealer) Open(env *Envelope) ([]byte, error) {
	if env.To != s.peerID.String() {
		return nil, fmt.Errorf("envelope addressed to %s", env.To)
	}
	if len(env.EphemeralKey) != 32 {
		return nil, fmt.Errorf("bad ephemeral key length %d", len(env.EphemeralKey))
	}

	key, err := deriveEnvelopeKey(s.x25519Priv[:], env.EphemeralKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("bad nonce length %d", len(env.Nonce))
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("opening envelope: %w", err)
	}
	return plaintext, nil
}

// deriveEnvelopeKey runs X25519 ECDH then HKDF-SHA256 to a 32-byte key.
func deriveEnvelopeKey(priv, pub []byte) ([]byte, error) {
	shared, err := curve25519.X25519(priv, pub)
	if err != nil {
		return nil, err
	}
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, shared, nil, []byte(envelopeInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ed25519PrivToX25519 converts an Ed25519 identity key to X25519: SHA-512
// the seed and clamp.
func ed25519PrivToX25519(privKey crypto.PrivKey) ([32]byte, error) {
	var out [32]byte

	raw, err := privKey.Raw()
	if err != nil {
		return out, fmt.Errorf("raw private key: %w", err)
	}
	if len(raw) < 32 {
		return out, fmt.Errorf("bad private key length %d", len(raw))
	}

	h := sha512.Sum512(raw[:32])
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	copy(out[:], h[:32])
	return out, nil
}

// peerIDToX25519Pub extracts the Ed25519 public key embedded in a peer ID
// and maps it to the Montgomery curve.
func peerIDToX25519Pub(peerID peer.ID) ([32]byte, error) {
	var out [32]byte

	pubKey, err := peerID.ExtractPublicKey()
	if err != nil {
		return out, fmt.Errorf("extracting public key: %w", err)
	}
	raw, err := pubKey.Raw()
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("bad public key length %d", len(raw))
	}

	edPoint, err := new(edwards25519.Point).SetBytes(raw)
	if err != nil {
		return out, fmt.Errorf("bad Ed25519 public key: %w", err)
	}
	copy(out[:], edPoint.BytesMontgomery())
	return out, nil
}
