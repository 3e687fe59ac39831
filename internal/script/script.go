// Package script builds the on-chain lock, spend and refund transactions
// for script-capable chains, and the adaptor-signature commitments used on
// value-only chains.
package script

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/gerlofvanek/basicswap/internal/chain"
	"github.com/gerlofvanek/basicswap/internal/protocol"
	"github.com/gerlofvanek/basicswap/pkg/helpers"
)

// Script construction errors
var (
	ErrBadSecretHash = errors.New("secret hash must be 32 bytes")
	ErrBadPubKey     = errors.New("pubkey must be 33 bytes compressed")
	ErrBadLockValue  = errors.New("invalid lock value")
	ErrBadScript     = errors.New("script does not match expected template")
)

// Relative time locks encode time in 512s units with bit 22 set
// (BIP 68). Absolute locks use raw unix time.
const (
	sequenceLockTimeSeconds = 1 << 22
	sequenceGranularity     = 9 // 512s
)

// LockScript is a constructed swap lock with its derived address.
type LockScript struct {
	Script     []byte
	Address    string
	ScriptHash []byte // SHA256(Script), for the P2WSH output

	LockType  protocol.LockType
	LockValue uint64
}

// sequenceValue encodes a lock value for OP_CHECKSEQUENCEVERIFY.
func sequenceValue(lockType protocol.LockType, lockValue uint64) (int64, error) {
	switch lockType {
	case protocol.LockBlocksRelative:
		if lockValue == 0 || lockValue > 0xFFFF {
			return 0, fmt.Errorf("%w: %d blocks", ErrBadLockValue, lockValue)
		}
		return int64(lockValue), nil
	case protocol.LockTimeRelative:
		units := lockValue >> sequenceGranularity
		if units == 0 || units > 0xFFFF {
			return 0, fmt.Errorf("%w: %d seconds", ErrBadLockValue, lockValue)
		}
		return int64(units | sequenceLockTimeSeconds), nil
	default:
		return 0, fmt.Errorf("%w: %s is not a sequence lock", ErrBadLockValue, lockType)
	}
}

// BuildSwapScript creates the 2-of-2-or-timeout lock used by adaptor-sig
// swaps on the script chain:
//
//	OP_IF
//	    2 <leader_pk> <follower_pk> 2 OP_CHECKMULTISIG
//	OP_ELSE
//	    <lock_value> (OP_CLTV | OP_CSV) OP_DROP
//	    2 <leader_refund_pk> <follower_refund_pk> 2 OP_CHECKMULTISIG
//	OP_ENDIF
//
// Both paths need both parties' signatures; the cooperative path is gated
// only by signature exchange, the refund path additionally by the time lock.
func BuildSwapScript(pkLeader, pkFollower, pkRefundLeader, pkRefundFollower []byte,
	lockType protocol.LockType, lockValue uint64) ([]byte, error) {

	for _, pk := range [][]byte{pkLeader, pkFollower, pkRefundLeader, pkRefundFollower} {
		if len(pk) != 33 {
			return nil, fmt.Errorf("%w: got %d bytes", ErrBadPubKey, len(pk))
		}
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_2)
	builder.AddData(pkLeader)
	builder.AddData(pkFollower)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ELSE)

	switch lockType {
	case protocol.LockTimeAbsolute:
		if lockValue == 0 {
			return nil, fmt.Errorf("%w: zero absolute time", ErrBadLockValue)
		}
		builder.AddInt64(int64(lockValue))
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	case protocol.LockTimeRelative, protocol.LockBlocksRelative:
		seq, err := sequenceValue(lockType, lockValue)
		if err != nil {
			return nil, err
		}
		builder.AddInt64(seq)
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadLockValue, lockType)
	}

	builder.AddOp(txscript.OP_DROP)
	builder.AddOp(txscript.OP_2)
	builder.AddData(pkRefundLeader)
	builder.AddData(pkRefundFollower)
	builder.AddOp(txscript.OP_2)
	builder.AddOp(txscript.OP_CHECKMULTISIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// BuildHTLCScript creates the secret-hash lock used by seller-first swaps:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pk> OP_CHECKSIG
//	OP_ELSE
//	    <lock_value> (OP_CLTV | OP_CSV) OP_DROP
//	    <sender_pk> OP_CHECKSIG
//	OP_ENDIF
func BuildHTLCScript(secretHash, receiverPubKey, senderPubKey []byte,
	lockType protocol.LockType, lockValue uint64) ([]byte, error) {

	if len(secretHash) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBadSecretHash, len(secretHash))
	}
	if len(receiverPubKey) != 33 || len(senderPubKey) != 33 {
		return nil, ErrBadPubKey
	}

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ELSE)

	switch lockType {
	case protocol.LockTimeAbsolute:
		if lockValue == 0 {
			return nil, fmt.Errorf("%w: zero absolute time", ErrBadLockValue)
		}
		builder.AddInt64(int64(lockValue))
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	case protocol.LockTimeRelative, protocol.LockBlocksRelative:
		seq, err := sequenceValue(lockType, lockValue)
		if err != nil {
			return nil, err
		}
		builder.AddInt64(seq)
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	default:
		return nil, fmt.Errorf("%w: %s", ErrBadLockValue, lockType)
	}

	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// NewLockScript wraps a built script with its P2WSH address for a coin.
func NewLockScript(script []byte, coin chain.Coin, network chain.Network,
	lockType protocol.LockType, lockValue uint64) (*LockScript, error) {

	params, ok := chain.Get(coin)
	if !ok {
		return nil, fmt.Errorf("%w: %s", chain.ErrUnsupportedCoin, coin)
	}
	chainCfg, err := params.ChainParams(network)
	if err != nil {
		return nil, err
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], chainCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2WSH address: %w", err)
	}

	return &LockScript{
		Script:     script,
		Address:    address.EncodeAddress(),
		ScriptHash: scriptHash[:],
		LockType:   lockType,
		LockValue:  lockValue,
	}, nil
}

// P2WSHScriptPubKey creates the output script committing to a lock script.
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	out, _ := builder.Script()
	return out
}

// CooperativeWitness builds the witness stack for the 2-of-2 spend path.
// CHECKMULTISIG pops an extra stack item, hence the leading empty element.
func CooperativeWitness(sigLeader, sigFollower, script []byte) [][]byte {
	return [][]byte{
		{},
		sigLeader,
		sigFollower,
		{0x01},
		script,
	}
}

// RefundWitness builds the witness stack for the timeout refund path.
func RefundWitness(sigLeader, sigFollower, script []byte) [][]byte {
	return [][]byte{
		{},
		sigLeader,
		sigFollower,
		{},
		script,
	}
}

// HTLCClaimWitness builds the witness stack for an HTLC secret claim.
func HTLCClaimWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		script,
	}
}

// HTLCRefundWitness builds the witness stack for an HTLC timeout refund.
func HTLCRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// GenerateSecret returns a 32-byte secret and its SHA256 hash.
func GenerateSecret() (secret, hash []byte, err error) {
	secret, err = helpers.GenerateSecureRandom(32)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	h := sha256.Sum256(secret)
	return secret, h[:], nil
}

// VerifySecret checks a secret against its expected hash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != 32 || len(expectedHash) != 32 {
		return false
	}
	h := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(h[:], expectedHash)
}
