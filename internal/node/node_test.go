package node

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newTestSealer(t *testing.T) (*Sealer, peer.ID) {
	t.Helper()
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("deriving peer id: %v", err)
	}
	s, err := NewSealer(priv, id)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return s, id
}

func TestSealOpenRoundTrip(t *testing.T) {
	alice, _ := newTestSealer(t)
	bob, bobID := newTestSealer(t)

	plaintext := []byte(`{"id":"m1","type":"bid","from":"alice","payload":{}}`)
	env, err := alice.Seal(bobID, plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if env.To != bobID.String() {
		t.Errorf("envelope to = %s, want %s", env.To, bobID)
	}
	if bytes.Contains(env.Ciphertext, []byte("bid")) {
		t.Error("ciphertext leaks plaintext")
	}

	got, err := bob.Open(env)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestOpenWrongRecipient(t *testing.T) {
	alice, _ := newTestSealer(t)
	_, bobID := newTestSealer(t)
	carol, _ := newTestSealer(t)

	env, err := alice.Seal(bobID, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := carol.Open(env); err == nil {
		t.Error("Open() by wrong recipient should fail")
	}
}

func TestOpenTamperedCiphertext(t *testing.T) {
	alice, _ := newTestSealer(t)
	bob, bobID := newTestSealer(t)

	env, err := alice.Seal(bobID, []byte("secret"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	env.Ciphertext[0] ^= 0x01
	if _, err := bob.Open(env); err == nil {
		t.Error("Open() of tampered ciphertext should fail")
	}
}

func TestSealDistinctEnvelopes(t *testing.T) {
	alice, _ := newTestSealer(t)
	_, bobID := newTestSealer(t)

	env1, err := alice.Seal(bobID, []byte("same message"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	env2, err := alice.Seal(bobID, []byte("same message"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if bytes.Equal(env1.Ciphertext, env2.Ciphertext) {
		t.Error("sealing twice produced identical ciphertexts")
	}
	if bytes.Equal(env1.EphemeralKey, env2.EphemeralKey) {
		t.Error("ephemeral key reused across envelopes")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("framed message body")
	if err := writeFrame(&buf, payload); err != nil {
		t.Fatalf("writeFrame() error = %v", err)
	}
	got, err := readFrame(&buf)
	if err != nil {
		t.Fatalf("readFrame() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("readFrame() = %q, want %q", got, payload)
	}
}

func TestFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := writeFrame(&buf, make([]byte, maxFrameSize+1)); err == nil {
		t.Error("writeFrame() should reject oversize payload")
	}

	// A forged oversize length prefix is rejected before allocation.
	buf.Reset()
	buf.Write([]byte{0xff, 0xff, 0xff, 0xff})
	if _, err := readFrame(&buf); err == nil {
		t.Error("readFrame() should reject oversize length")
	}
}

func TestRetryBackoff(t *testing.T) {
	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, 15 * time.Second},
		{1, 30 * time.Second},
		{2, time.Minute},
		{4, 4 * time.Minute},
		{6, 10 * time.Minute},
		{20, 10 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryBackoff(tt.retries); got != tt.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tt.retries, got, tt.want)
		}
	}
}
