package script

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
)

func testPubKeys(t *testing.T, n int) [][]byte {
	t.Helper()
	keys := make([][]byte, n)
	for i := range keys {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		keys[i] = priv.PubKey().SerializeCompressed()
	}
	return keys
}

func TestBuildSwapScript(t *testing.T) {
	pks := testPubKeys(t, 4)

	tests := []struct {
		name      string
		lockType  protocol.LockType
		lockValue uint64
		wantErr   error
	}{
		{name: "absolute time", lockType: protocol.LockTimeAbsolute, lockValue: 1893456000},
		{name: "relative blocks", lockType: protocol.LockBlocksRelative, lockValue: 144},
		{name: "relative time", lockType: protocol.LockTimeRelative, lockValue: 3600},
		{name: "zero absolute", lockType: protocol.LockTimeAbsolute, lockValue: 0, wantErr: ErrBadLockValue},
		{name: "zero blocks", lockType: protocol.LockBlocksRelative, lockValue: 0, wantErr: ErrBadLockValue},
		{name: "blocks overflow", lockType: protocol.LockBlocksRelative, lockValue: 0x10000, wantErr: ErrBadLockValue},
		{name: "relative time below granularity", lockType: protocol.LockTimeRelative, lockValue: 511, wantErr: ErrBadLockValue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := BuildSwapScript(pks[0], pks[1], pks[2], pks[3], tt.lockType, tt.lockValue)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if len(s) == 0 {
				t.Fatal("empty script")
			}
			for _, pk := range pks {
				if !bytes.Contains(s, pk) {
					t.Error("script missing a party pubkey")
				}
			}
		})
	}
}

func TestBuildSwapScriptRejectsBadPubKey(t *testing.T) {
	pks := testPubKeys(t, 4)
	_, err := BuildSwapScript(pks[0][:32], pks[1], pks[2], pks[3], protocol.LockBlocksRelative, 10)
	if !errors.Is(err, ErrBadPubKey) {
		t.Errorf("error = %v, want ErrBadPubKey", err)
	}
}

func TestBuildHTLCScript(t *testing.T) {
	pks := testPubKeys(t, 2)
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) != 32 || len(hash) != 32 {
		t.Fatalf("secret/hash lengths = %d/%d", len(secret), len(hash))
	}

	s, err := BuildHTLCScript(hash, pks[0], pks[1], protocol.LockTimeAbsolute, 1893456000)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(s, hash) {
		t.Error("script missing secret hash")
	}

	if _, err := BuildHTLCScript(hash[:16], pks[0], pks[1], protocol.LockTimeAbsolute, 1); !errors.Is(err, ErrBadSecretHash) {
		t.Errorf("short hash error = %v, want ErrBadSecretHash", err)
	}
}

func TestVerifySecret(t *testing.T) {
	secret, hash, err := GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	if !VerifySecret(secret, hash) {
		t.Error("valid secret rejected")
	}

	wrong := make([]byte, 32)
	copy(wrong, secret)
	wrong[0] ^= 0x01
	if VerifySecret(wrong, hash) {
		t.Error("tampered secret accepted")
	}
	if VerifySecret(secret[:31], hash) {
		t.Error("short secret accepted")
	}
}

func TestNewLockScript(t *testing.T) {
	pks := testPubKeys(t, 4)
	s, err := BuildSwapScript(pks[0], pks[1], pks[2], pks[3], protocol.LockBlocksRelative, 101)
	if err != nil {
		t.Fatal(err)
	}

	ls, err := NewLockScript(s, chain.BTC, chain.Regtest, protocol.LockBlocksRelative, 101)
	if err != nil {
		t.Fatal(err)
	}
	if ls.Address == "" {
		t.Fatal("empty address")
	}
	if len(ls.ScriptHash) != 32 {
		t.Errorf("script hash length = %d", len(ls.ScriptHash))
	}

	spk := P2WSHScriptPubKey(s)
	if len(spk) != 34 || spk[0] != 0x00 || spk[1] != 0x20 {
		t.Errorf("unexpected P2WSH scriptPubKey: %x", spk)
	}
	if !bytes.Equal(spk[2:], ls.ScriptHash) {
		t.Error("scriptPubKey does not commit to the script hash")
	}
}

func TestWitnessShapes(t *testing.T) {
	sigA := []byte{0x30, 0x01}
	sigB := []byte{0x30, 0x02}
	s := []byte{0x51}

	coop := CooperativeWitness(sigA, sigB, s)
	if len(coop) != 5 || len(coop[0]) != 0 || !bytes.Equal(coop[3], []byte{0x01}) {
		t.Errorf("cooperative witness shape wrong: %v", coop)
	}
	refund := RefundWitness(sigA, sigB, s)
	if len(refund) != 5 || len(refund[3]) != 0 {
		t.Errorf("refund witness shape wrong: %v", refund)
	}

	secret := make([]byte, 32)
	claim := HTLCClaimWitness(sigA, secret, s)
	if len(claim) != 4 || !bytes.Equal(claim[2], []byte{0x01}) {
		t.Errorf("claim witness shape wrong: %v", claim)
	}
	hrefund := HTLCRefundWitness(sigA, s)
	if len(hrefund) != 3 || len(hrefund[1]) != 0 {
		t.Errorf("htlc refund witness shape wrong: %v", hrefund)
	}
}

func TestBuildSpendTx(t *testing.T) {
	pks := testPubKeys(t, 4)
	lockScript, err := BuildSwapScript(pks[0], pks[1], pks[2], pks[3], protocol.LockBlocksRelative, 101)
	if err != nil {
		t.Fatal(err)
	}
	ls, err := NewLockScript(lockScript, chain.BTC, chain.Regtest, protocol.LockBlocksRelative, 101)
	if err != nil {
		t.Fatal(err)
	}

	base := SpendTxParams{
		Coin:        chain.BTC,
		Network:     chain.Regtest,
		LockTxID:    "aa00000000000000000000000000000000000000000000000000000000000000",
		LockVout:    0,
		LockValue:   100_000_000,
		LockScript:  lockScript,
		DestAddress: ls.Address, // any valid regtest address works here
		FeeRate:     2000,
	}

	t.Run("cooperative", func(t *testing.T) {
		p := base
		tx, fee, err := BuildSpendTx(&p)
		if err != nil {
			t.Fatal(err)
		}
		if fee == 0 {
			t.Error("zero fee")
		}
		if got := uint64(tx.TxOut[0].Value); got != base.LockValue-fee {
			t.Errorf("output value = %d, want %d", got, base.LockValue-fee)
		}
		if tx.LockTime != 0 {
			t.Errorf("locktime = %d, want 0", tx.LockTime)
		}
	})

	t.Run("refund relative blocks", func(t *testing.T) {
		p := base
		p.RefundPath = true
		p.LockType = protocol.LockBlocksRelative
		p.TimeLockValue = 101
		tx, _, err := BuildSpendTx(&p)
		if err != nil {
			t.Fatal(err)
		}
		if tx.TxIn[0].Sequence != 101 {
			t.Errorf("sequence = %d, want 101", tx.TxIn[0].Sequence)
		}
	})

	t.Run("refund absolute time", func(t *testing.T) {
		p := base
		p.RefundPath = true
		p.LockType = protocol.LockTimeAbsolute
		p.TimeLockValue = 1893456000
		tx, _, err := BuildSpendTx(&p)
		if err != nil {
			t.Fatal(err)
		}
		if tx.LockTime != 1893456000 {
			t.Errorf("locktime = %d, want 1893456000", tx.LockTime)
		}
		if tx.TxIn[0].Sequence == 0xFFFFFFFF {
			t.Error("sequence must not be final or locktime is ignored")
		}
	})

	t.Run("fee exceeds value", func(t *testing.T) {
		p := base
		p.LockValue = 10
		if _, _, err := BuildSpendTx(&p); !errors.Is(err, ErrFeeExceedsValue) {
			t.Errorf("error = %v, want ErrFeeExceedsValue", err)
		}
	})

	t.Run("bad txid", func(t *testing.T) {
		p := base
		p.LockTxID = "zz"
		if _, _, err := BuildSpendTx(&p); !errors.Is(err, ErrInvalidTxID) {
			t.Errorf("error = %v, want ErrInvalidTxID", err)
		}
	})
}

func TestSignAndVerifySpend(t *testing.T) {
	privA, _ := btcec.NewPrivateKey()
	privB, _ := btcec.NewPrivateKey()
	pkA := privA.PubKey().SerializeCompressed()
	pkB := privB.PubKey().SerializeCompressed()

	lockScript, err := BuildSwapScript(pkA, pkB, pkA, pkB, protocol.LockBlocksRelative, 10)
	if err != nil {
		t.Fatal(err)
	}
	ls, err := NewLockScript(lockScript, chain.BTC, chain.Regtest, protocol.LockBlocksRelative, 10)
	if err != nil {
		t.Fatal(err)
	}

	p := SpendTxParams{
		Coin:        chain.BTC,
		Network:     chain.Regtest,
		LockTxID:    "bb00000000000000000000000000000000000000000000000000000000000000",
		LockValue:   50_000_000,
		LockScript:  lockScript,
		DestAddress: ls.Address,
		FeeRate:     1000,
	}
	tx, _, err := BuildSpendTx(&p)
	if err != nil {
		t.Fatal(err)
	}

	sig, err := SignSpend(tx, lockScript, p.LockValue, privA)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifySpendSignature(tx, lockScript, p.LockValue, privA.PubKey(), sig); err != nil {
		t.Fatalf("own signature failed verification: %v", err)
	}
	if err := VerifySpendSignature(tx, lockScript, p.LockValue, privB.PubKey(), sig); err == nil {
		t.Error("signature verified against the wrong key")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	p := SpendTxParams{
		Coin:        chain.BTC,
		Network:     chain.Regtest,
		LockTxID:    "cc00000000000000000000000000000000000000000000000000000000000000",
		LockValue:   10_000_000,
		LockScript:  []byte{0x51},
		DestAddress: "bcrt1qw508d6qejxtdg4y5r3zarvary0c5xw7kygt080",
		FeeRate:     1000,
	}
	tx, _, err := BuildSpendTx(&p)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := SerializeTx(tx)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DeserializeTx(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.TxHash() != tx.TxHash() {
		t.Error("round trip changed the tx hash")
	}

	if _, err := DeserializeTx("not hex"); err == nil {
		t.Error("expected error for bad hex")
	}
}

func TestSerializeRoundTripUnfundedTemplate(t *testing.T) {
	// A lock template has outputs but no inputs until funding; its zero
	// input count must not be mistaken for a segwit marker on decode.
	lock := BuildLockTx([]byte{0x51}, 10_000_000)

	raw, err := SerializeTx(lock.Tx)
	if err != nil {
		t.Fatal(err)
	}
	back, err := DeserializeTx(raw)
	if err != nil {
		t.Fatalf("deserializing input-less template: %v", err)
	}
	if len(back.TxIn) != 0 || len(back.TxOut) != 1 {
		t.Fatalf("template shape = %d in / %d out, want 0/1", len(back.TxIn), len(back.TxOut))
	}
	if back.TxHash() != lock.Tx.TxHash() {
		t.Error("round trip changed the tx hash")
	}
}

func TestCheckVSize(t *testing.T) {
	if err := CheckVSize(167, 167, 10); err != nil {
		t.Errorf("exact size rejected: %v", err)
	}
	if err := CheckVSize(167, 177, 10); err != nil {
		t.Errorf("size within slack rejected: %v", err)
	}
	if err := CheckVSize(167, 178, 10); !errors.Is(err, ErrVSizeUnderstated) {
		t.Errorf("error = %v, want ErrVSizeUnderstated", err)
	}
}
