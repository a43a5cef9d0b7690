package keystore

import (
	"crypto/ed25519"
	"crypto/sha512"
	"fmt"
	"math/big"

	"golang.org/x/crypto/curve25519"
)

// curve25519P is the field modulus 2^255-19 shared by Ed25519 and X25519;
// the birational map between the two curves' y/u coordinates is computed
// in this field.
var curve25519P, _ = new(big.Int).SetString(
	"57896044618658097711785492504343953926634992332820282019728792003956564819949", 10)

// edScalarFromSeed reproduces ed25519_dalek's ExpandedSecretKey transform:
// SHA-512 the 32-byte seed, then clamp the low 32 bytes into a valid
// Curve25519 scalar. The high 32 bytes (dalek's signing "nonce" half) are
// discarded, same as crypto.rs's diffie_hellman does.
func edScalarFromSeed(seed []byte) [32]byte {
	h := sha512.Sum512(seed)
	var scalar [32]byte
	copy(scalar[:], h[:32])
	scalar[0] &= 248
	scalar[31] &= 127
	scalar[31] |= 64
	return scalar
}

// montgomeryUFromEdwardsY maps an Ed25519 public key's compressed
// y-coordinate onto the corresponding Curve25519 Montgomery u-coordinate,
// via u = (1+y)/(1-y) mod p. This needs only y, not full point
// decompression — the birational equivalence holds regardless of the
// discarded sign bit, which only distinguishes the two x roots.
func montgomeryUFromEdwardsY(pub ed25519.PublicKey) ([32]byte, error) {
	if len(pub) != 32 {
		return [32]byte{}, fmt.Errorf("keystore: public key must be 32 bytes, got %d", len(pub))
	}

	le := make([]byte, 32)
	copy(le, pub)
	le[31] &= 0x7f // strip the sign bit; only y is needed

	y := new(big.Int).SetBytes(reverseBytes(le))

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, curve25519P)

	den := new(big.Int).Sub(one, y)
	den.Mod(den, curve25519P)
	denInv := new(big.Int).ModInverse(den, curve25519P)
	if denInv == nil {
		return [32]byte{}, fmt.Errorf("keystore: public key has no valid montgomery u-coordinate")
	}

	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, curve25519P)

	return bigIntToLittleEndian32(u), nil
}

func reverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

// curve25519X25519 performs the X25519 scalar multiplication itself,
// delegating to golang.org/x/crypto/curve25519 rather than hand-rolling
// Montgomery-ladder arithmetic.
func curve25519X25519(scalar, point [32]byte) ([32]byte, error) {
	out, err := curve25519.X25519(scalar[:], point[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("keystore: x25519: %w", err)
	}
	var result [32]byte
	copy(result[:], out)
	return result, nil
}

func bigIntToLittleEndian32(v *big.Int) [32]byte {
	be := v.Bytes()
	var out [32]byte
	for i, b := range be {
		out[len(be)-1-i] = b
	}
	return out
}
