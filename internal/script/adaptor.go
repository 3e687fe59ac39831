package script

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/gerlofvanek/basicswap/pkg/helpers"
)

// Adaptor errors
var (
	ErrBadKeyShare       = errors.New("invalid key share")
	ErrBadAdaptorSig     = errors.New("invalid adaptor signature")
	ErrSecretNotRevealed = errors.New("signatures do not differ by the adaptor secret")
)

// A KeyShare is one party's half of the no-script chain spend key. The
// scalar is canonical little-endian ed25519; the same 32 bytes double as a
// secp256k1 scalar for the adaptor signature that links the two chains.
// Scalars are drawn below the ed25519 group order, which is far below the
// secp256k1 order, so the cross-group interpretation is always valid.
type KeyShare struct {
	scalar *edwards25519.Scalar
}

// NewKeyShare generates a random key share.
func NewKeyShare() (*KeyShare, error) {
	seed := make([]byte, 64)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("failed to generate key share: %w", err)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(seed)
	if err != nil {
		return nil, err
	}
	return &KeyShare{scalar: s}, nil
}

// KeyShareFromBytes restores a key share from its canonical encoding.
func KeyShareFromBytes(b []byte) (*KeyShare, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKeyShare, len(b))
	}
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyShare, err)
	}
	return &KeyShare{scalar: s}, nil
}

// Bytes returns the canonical scalar encoding.
func (k *KeyShare) Bytes() []byte {
	return k.scalar.Bytes()
}

// Public returns the ed25519 point S = s*G committed into the lock
// destination.
func (k *KeyShare) Public() []byte {
	return new(edwards25519.Point).ScalarBaseMult(k.scalar).Bytes()
}

// SumShares combines both parties' shares into the full spend key.
// Knowledge of the sum is what "owning" the no-script lock means.
func SumShares(a, b *KeyShare) *KeyShare {
	return &KeyShare{scalar: edwards25519.NewScalar().Add(a.scalar, b.scalar)}
}

// SumPublics combines both parties' public shares into the lock
// destination key K = A + B.
func SumPublics(aPub, bPub []byte) ([]byte, error) {
	pa, err := new(edwards25519.Point).SetBytes(aPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyShare, err)
	}
	pb, err := new(edwards25519.Point).SetBytes(bPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyShare, err)
	}
	return new(edwards25519.Point).Add(pa, pb).Bytes(), nil
}

// secpScalar interprets a key share as a secp256k1 scalar.
// ed25519 scalars are little-endian; secp256k1 wants big-endian.
func (k *KeyShare) secpScalar() *secp256k1.ModNScalar {
	be := helpers.ReverseBytes(k.scalar.Bytes())
	var s secp256k1.ModNScalar
	s.SetByteSlice(be)
	return &s
}

// SecpPoint returns T = t*G on secp256k1 for the share, the adaptor point
// the counterparty verifies the encrypted signature against.
func (k *KeyShare) SecpPoint() []byte {
	var result secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(k.secpScalar(), &result)
	result.ToAffine()
	return secp256k1.NewPublicKey(&result.X, &result.Y).SerializeCompressed()
}

// AdaptorSig is a one-time verifiably encrypted ECDSA signature. The
// signer draws a nonce k and publishes R = k*T together with the anchor
// Rhat = k*G and a DLEQ proof that both use the same k. The scalar
// s' = k^-1(m + r*x) with r = R.x is not a valid signature on its own:
// dividing it by t (the discrete log of T) yields the standard ECDSA pair
// (r, s) under the effective nonce k*t, and anyone holding the encrypted
// signature recovers t from a published (r, s).
type AdaptorSig struct {
	R      []byte // 33-byte compressed R = k*T; R.x is the ECDSA r
	RHat   []byte // 33-byte compressed anchor Rhat = k*G
	S      []byte // 32-byte encrypted scalar s' = k^-1(m + r*x)
	ProofC []byte // DLEQ challenge binding R and Rhat to the same nonce
	ProofS []byte // DLEQ response
}

// dleqTag domain-separates the proof challenge hash.
const dleqTag = "basicswap/adaptor/dleq/1"

// dleqChallenge hashes the proof transcript to a scalar.
func dleqChallenge(adaptorPoint, rHat, r, u1, u2 []byte) *secp256k1.ModNScalar {
	h := sha256.New()
	h.Write([]byte(dleqTag))
	h.Write(adaptorPoint)
	h.Write(rHat)
	h.Write(r)
	h.Write(u1)
	h.Write(u2)
	var c secp256k1.ModNScalar
	c.SetByteSlice(h.Sum(nil))
	return &c
}

// randomScalar draws a uniform nonzero scalar mod n.
func randomScalar() (*secp256k1.ModNScalar, error) {
	var buf [32]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		var k secp256k1.ModNScalar
		if k.SetBytes(&buf) == 0 && !k.IsZero() {
			return &k, nil
		}
	}
}

// affineBytes returns the compressed encoding of a Jacobian point.
func affineBytes(p *secp256k1.JacobianPoint) []byte {
	p.ToAffine()
	return secp256k1.NewPublicKey(&p.X, &p.Y).SerializeCompressed()
}

// scalarFromBytes loads a 32-byte big-endian scalar, rejecting overflow
// and zero.
func scalarFromBytes(b []byte) (*secp256k1.ModNScalar, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: bad scalar length %d", ErrBadAdaptorSig, len(b))
	}
	var s secp256k1.ModNScalar
	if s.SetByteSlice(b) {
		return nil, fmt.Errorf("%w: scalar overflow", ErrBadAdaptorSig)
	}
	if s.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrBadAdaptorSig)
	}
	return &s, nil
}

// AdaptorSign produces an encrypted ECDSA signature over the 32-byte
// digest msg with private key priv, bound to the adaptor point T. Only
// the holder of t can turn it into a broadcastable signature.
func AdaptorSign(priv *secp256k1.PrivateKey, adaptorPoint []byte, msg []byte) (*AdaptorSig, error) {
	tPub, err := secp256k1.ParsePubKey(adaptorPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad adaptor point: %v", ErrBadAdaptorSig, err)
	}
	var tJ secp256k1.JacobianPoint
	tPub.AsJacobian(&tJ)

	var z secp256k1.ModNScalar
	z.SetByteSlice(msg)

	for {
		k, err := randomScalar()
		if err != nil {
			return nil, err
		}

		var rHatJ, rJ secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(k, &rHatJ)
		secp256k1.ScalarMultNonConst(k, &tJ, &rJ)
		rJ.ToAffine()

		var r secp256k1.ModNScalar
		r.SetBytes(rJ.X.Bytes())
		if r.IsZero() {
			continue
		}

		// s' = k^-1 (z + r*x)
		kInv := new(secp256k1.ModNScalar).InverseValNonConst(k)
		s := new(secp256k1.ModNScalar).Mul2(&r, &priv.Key).Add(&z).Mul(kInv)
		if s.IsZero() {
			continue
		}

		rBytes := secp256k1.NewPublicKey(&rJ.X, &rJ.Y).SerializeCompressed()
		rHatBytes := affineBytes(&rHatJ)

		// DLEQ proof that R and Rhat share the nonce k.
		u, err := randomScalar()
		if err != nil {
			return nil, err
		}
		var u1J, u2J secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(u, &u1J)
		secp256k1.ScalarMultNonConst(u, &tJ, &u2J)
		c := dleqChallenge(adaptorPoint, rHatBytes, rBytes, affineBytes(&u1J), affineBytes(&u2J))
		sp := new(secp256k1.ModNScalar).Mul2(c, k).Add(u)

		sBytes := s.Bytes()
		cBytes := c.Bytes()
		spBytes := sp.Bytes()
		return &AdaptorSig{
			R:      rBytes,
			RHat:   rHatBytes,
			S:      sBytes[:],
			ProofC: cBytes[:],
			ProofS: spBytes[:],
		}, nil
	}
}

// AdaptorVerify checks an encrypted signature against the signer's public
// key and the adaptor point: the DLEQ proof ties R to Rhat, and the ECDSA
// relation s'*Rhat == z*G + r*P holds exactly when decrypting with t
// yields a valid signature.
func AdaptorVerify(sig *AdaptorSig, pub *secp256k1.PublicKey, adaptorPoint, msg []byte) error {
	tPub, err := secp256k1.ParsePubKey(adaptorPoint)
	if err != nil {
		return fmt.Errorf("%w: bad adaptor point: %v", ErrBadAdaptorSig, err)
	}
	rPub, err := secp256k1.ParsePubKey(sig.R)
	if err != nil {
		return fmt.Errorf("%w: bad nonce point: %v", ErrBadAdaptorSig, err)
	}
	rHatPub, err := secp256k1.ParsePubKey(sig.RHat)
	if err != nil {
		return fmt.Errorf("%w: bad anchor point: %v", ErrBadAdaptorSig, err)
	}
	sHat, err := scalarFromBytes(sig.S)
	if err != nil {
		return err
	}
	c, err := scalarFromBytes(sig.ProofC)
	if err != nil {
		return err
	}
	sp, err := scalarFromBytes(sig.ProofS)
	if err != nil {
		return err
	}

	var tJ, rJ, rHatJ secp256k1.JacobianPoint
	tPub.AsJacobian(&tJ)
	rPub.AsJacobian(&rJ)
	rHatPub.AsJacobian(&rHatJ)

	// Recompute the proof commitments: U1 = sp*G - c*Rhat, U2 = sp*T - c*R.
	negC := *c
	negC.Negate()
	var spG, cRHat, u1J, spT, cR, u2J secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(sp, &spG)
	secp256k1.ScalarMultNonConst(&negC, &rHatJ, &cRHat)
	secp256k1.AddNonConst(&spG, &cRHat, &u1J)
	secp256k1.ScalarMultNonConst(sp, &tJ, &spT)
	secp256k1.ScalarMultNonConst(&negC, &rJ, &cR)
	secp256k1.AddNonConst(&spT, &cR, &u2J)
	if u1J.Z.IsZero() || u2J.Z.IsZero() {
		return fmt.Errorf("%w: degenerate proof", ErrBadAdaptorSig)
	}
	check := dleqChallenge(adaptorPoint, sig.RHat, sig.R, affineBytes(&u1J), affineBytes(&u2J))
	if !check.Equals(c) {
		return fmt.Errorf("%w: nonce equality proof failed", ErrBadAdaptorSig)
	}

	var z secp256k1.ModNScalar
	z.SetByteSlice(msg)
	rJ.ToAffine()
	var r secp256k1.ModNScalar
	r.SetBytes(rJ.X.Bytes())
	if r.IsZero() {
		return fmt.Errorf("%w: zero r", ErrBadAdaptorSig)
	}

	// s'*Rhat == z*G + r*P
	var lhs, zG, rP, rhs secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(sHat, &rHatJ, &lhs)
	secp256k1.ScalarBaseMultNonConst(&z, &zG)
	var pJ secp256k1.JacobianPoint
	pub.AsJacobian(&pJ)
	secp256k1.ScalarMultNonConst(&r, &pJ, &rP)
	secp256k1.AddNonConst(&zG, &rP, &rhs)

	lhs.ToAffine()
	rhs.ToAffine()
	if !lhs.X.Equals(&rhs.X) || !lhs.Y.Equals(&rhs.Y) {
		return fmt.Errorf("%w: verification equation failed", ErrBadAdaptorSig)
	}
	return nil
}

// DecryptAdaptorSig completes an encrypted signature with the secret
// share: s = s'/t gives the ECDSA pair (R.x, s), returned DER encoded
// with the sighash-all byte appended, ready for a script witness.
// Publishing it discloses t to anyone holding the encrypted signature.
func DecryptAdaptorSig(sig *AdaptorSig, share *KeyShare) ([]byte, error) {
	rPub, err := secp256k1.ParsePubKey(sig.R)
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce point: %v", ErrBadAdaptorSig, err)
	}
	sHat, err := scalarFromBytes(sig.S)
	if err != nil {
		return nil, err
	}
	t := share.secpScalar()
	if t.IsZero() {
		return nil, fmt.Errorf("%w: zero scalar", ErrBadKeyShare)
	}

	var rJ secp256k1.JacobianPoint
	rPub.AsJacobian(&rJ)
	rJ.ToAffine()
	var r secp256k1.ModNScalar
	r.SetBytes(rJ.X.Bytes())
	if r.IsZero() {
		return nil, fmt.Errorf("%w: zero r", ErrBadAdaptorSig)
	}

	tInv := new(secp256k1.ModNScalar).InverseValNonConst(t)
	s := new(secp256k1.ModNScalar).Mul2(sHat, tInv)
	if s.IsZero() {
		return nil, fmt.Errorf("%w: zero s", ErrBadAdaptorSig)
	}
	// Consensus wants the low-s form; recovery accounts for the negation.
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	der := btcecdsa.NewSignature(&r, s).Serialize()
	return append(der, byte(txscript.SigHashAll)), nil
}

// RecoverSecret extracts the adaptor secret from a published completed
// signature: t = s'/s, up to the sign flipped by low-s normalization.
// The candidate is checked against the adaptor point before being
// reinterpreted as an ed25519 key share.
func RecoverSecret(completedSig []byte, sig *AdaptorSig, adaptorPoint []byte) (*KeyShare, error) {
	if len(completedSig) < 9 {
		return nil, fmt.Errorf("%w: signature too short", ErrBadAdaptorSig)
	}
	_, s, err := parseDERScalars(completedSig[:len(completedSig)-1])
	if err != nil {
		return nil, err
	}
	sHat, err := scalarFromBytes(sig.S)
	if err != nil {
		return nil, err
	}
	tPub, err := secp256k1.ParsePubKey(adaptorPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: bad adaptor point: %v", ErrBadAdaptorSig, err)
	}
	var tJ secp256k1.JacobianPoint
	tPub.AsJacobian(&tJ)
	tJ.ToAffine()

	sInv := new(secp256k1.ModNScalar).InverseValNonConst(s)
	t := new(secp256k1.ModNScalar).Mul2(sHat, sInv)

	var tG secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(t, &tG)
	tG.ToAffine()
	if !tG.X.Equals(&tJ.X) || !tG.Y.Equals(&tJ.Y) {
		t.Negate()
		secp256k1.ScalarBaseMultNonConst(t, &tG)
		tG.ToAffine()
		if !tG.X.Equals(&tJ.X) || !tG.Y.Equals(&tJ.Y) {
			return nil, ErrSecretNotRevealed
		}
	}

	// Back to little-endian ed25519 encoding. A non-canonical result means
	// the signatures were unrelated.
	tBytes := t.Bytes()
	share, err := KeyShareFromBytes(helpers.ReverseBytes(tBytes[:]))
	if err != nil {
		return nil, ErrSecretNotRevealed
	}
	return share, nil
}

// VerifyCompletedSig checks a decrypted signature (DER with an appended
// sighash byte) as a standard ECDSA signature over msg.
func VerifyCompletedSig(completedSig []byte, pub *secp256k1.PublicKey, msg []byte) error {
	if len(completedSig) < 9 {
		return fmt.Errorf("%w: signature too short", ErrBadAdaptorSig)
	}
	parsed, err := btcecdsa.ParseDERSignature(completedSig[:len(completedSig)-1])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadAdaptorSig, err)
	}
	if !parsed.Verify(msg, pub) {
		return fmt.Errorf("%w: verification failed", ErrBadAdaptorSig)
	}
	return nil
}

// parseDERScalars pulls the r and s scalars out of a DER signature.
func parseDERScalars(der []byte) (*secp256k1.ModNScalar, *secp256k1.ModNScalar, error) {
	if len(der) < 8 || der[0] != 0x30 || int(der[1]) != len(der)-2 {
		return nil, nil, fmt.Errorf("%w: malformed DER signature", ErrBadAdaptorSig)
	}
	r, rest, err := parseDERInt(der[2:])
	if err != nil {
		return nil, nil, err
	}
	s, rest, err := parseDERInt(rest)
	if err != nil {
		return nil, nil, err
	}
	if len(rest) != 0 {
		return nil, nil, fmt.Errorf("%w: trailing DER bytes", ErrBadAdaptorSig)
	}
	return r, s, nil
}

func parseDERInt(b []byte) (*secp256k1.ModNScalar, []byte, error) {
	if len(b) < 2 || b[0] != 0x02 {
		return nil, nil, fmt.Errorf("%w: malformed DER integer", ErrBadAdaptorSig)
	}
	n := int(b[1])
	if n == 0 || len(b) < 2+n {
		return nil, nil, fmt.Errorf("%w: malformed DER integer", ErrBadAdaptorSig)
	}
	val := b[2 : 2+n]
	for len(val) > 0 && val[0] == 0x00 {
		val = val[1:]
	}
	if len(val) > 32 {
		return nil, nil, fmt.Errorf("%w: scalar overflow", ErrBadAdaptorSig)
	}
	s, err := scalarFromBytes(append(make([]byte, 32-len(val)), val...))
	if err != nil {
		return nil, nil, err
	}
	return s, b[2+n:], nil
}
