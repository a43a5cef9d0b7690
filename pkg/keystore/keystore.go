// Package keystore implements per-address key encryption at rest,
// Ed25519-to-X25519 Diffie-Hellman key agreement, and the chunk
// encrypt/decrypt and signing operations the sender and ingress pipelines
// depend on.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20"

	"github.com/ratmesh/ratman/pkg/rid"
	"github.com/ratmesh/ratman/pkg/store"
)

// ErrKeyNotOpen is returned by operations that require a prior
// OpenAddrKey for the (client, addr) pair.
var ErrKeyNotOpen = errors.New("keystore: address key not open for this client")

// ErrStreamNotStarted is returned by EncryptChunkForKey/DecryptChunk when
// StartStream was not first called for the (client, self, peer) triple.
var ErrStreamNotStarted = errors.New("keystore: stream not started for this peer")

// Keystore is the router's crypto engine: it owns the addrs table and the
// per-client decrypted-key/shared-secret caches.
type Keystore struct {
	addrs *store.Table[store.AddressData]
	cache *cache
}

// Open wires a Keystore on top of the addrs table.
func Open(tables *store.Tables) *Keystore {
	return &Keystore{addrs: tables.Addrs, cache: newCache()}
}

// InsertAddrKey generates a fresh Ed25519 keypair, a fresh AddrAuth bearer
// token, encrypts the secret key under that token with a random 96-bit
// ChaCha20 nonce, and persists the result. The caller must remember the
// returned AddrAuth; it is not recoverable from the store.
func (k *Keystore) InsertAddrKey() (rid.Address, rid.AddrAuth, error) {
	addr, priv, err := rid.GenerateKeypair()
	if err != nil {
		return rid.Address{}, rid.AddrAuth{}, err
	}
	auth := rid.NewAddrAuth()

	var nonce [24]byte
	if _, err := rand.Read(nonce[:12]); err != nil {
		return rid.Address{}, rid.AddrAuth{}, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	seed := priv.Seed()
	encrypted := make([]byte, len(seed))
	if err := applyChaCha20(auth.Token.Bytes(), nonce[:12], seed, encrypted); err != nil {
		return rid.Address{}, rid.AddrAuth{}, err
	}

	var salt [16]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return rid.Address{}, rid.AddrAuth{}, fmt.Errorf("keystore: generate salt: %w", err)
	}

	data := store.AddressData{
		Kind:          store.AddressLocal,
		EncryptedKey:  encrypted,
		AuthTokenSalt: salt,
	}
	copy(data.Nonce[:12], nonce[:12])

	if err := k.addrs.Insert(addr.String(), data); err != nil {
		return rid.Address{}, rid.AddrAuth{}, err
	}
	return addr, auth, nil
}

// OpenAddrKey decrypts addr's stored secret key under auth and caches it
// for client. A wrong auth produces garbage key bytes rather than an
// error — SignMessage/VerifyMessage on that garbage key is how the wrong
// AddrAuth is eventually detected, exactly as crypto.rs documents.
func (k *Keystore) OpenAddrKey(client ClientID, addr rid.Address, auth rid.AddrAuth) error {
	data, err := k.addrs.Get(addr.String())
	if err != nil {
		return fmt.Errorf("keystore: open %s: %w", addr, err)
	}
	if data.Kind != store.AddressLocal {
		return fmt.Errorf("keystore: %s is not a local address", addr)
	}

	seed := make([]byte, len(data.EncryptedKey))
	if err := applyChaCha20(auth.Token.Bytes(), data.Nonce[:12], data.EncryptedKey, seed); err != nil {
		return err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	k.cache.putKey(client, addr, priv)
	return nil
}

// CloseAddrKey drops the cached decrypted key for (client, addr).
func (k *Keystore) CloseAddrKey(client ClientID, addr rid.Address) {
	k.cache.dropKey(client, addr)
}

// StartStream computes the X25519 shared secret between client's opened
// local address self and the remote peer, and caches it for subsequent
// EncryptChunkForKey/DecryptChunk calls on this (client, self, peer)
// triple.
func (k *Keystore) StartStream(client ClientID, self, peer rid.Address) error {
	priv, ok := k.cache.getKey(client, self)
	if !ok {
		return ErrKeyNotOpen
	}

	scalar := edScalarFromSeed(priv.Seed())
	peerU, err := montgomeryUFromEdwardsY(ed25519.PublicKey(peer.Bytes()))
	if err != nil {
		return fmt.Errorf("keystore: convert peer address %s: %w", peer, err)
	}

	shared, err := x25519(scalar, peerU)
	if err != nil {
		return err
	}
	k.cache.putShared(client, self, peer, shared)
	return nil
}

// EncryptChunkForKey encrypts chunk in place with the (client, self, peer)
// shared secret and a fresh random 96-bit nonce, returning the nonce the
// receiver needs to decrypt it.
func (k *Keystore) EncryptChunkForKey(client ClientID, self, peer rid.Address, chunk []byte) ([12]byte, error) {
	shared, ok := k.cache.getShared(client, self, peer)
	if !ok {
		return [12]byte{}, ErrStreamNotStarted
	}
	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return [12]byte{}, fmt.Errorf("keystore: generate chunk nonce: %w", err)
	}
	if err := applyChaCha20InPlace(shared[:], nonce[:], chunk); err != nil {
		return [12]byte{}, err
	}
	return nonce, nil
}

// DecryptChunk decrypts chunk in place with the (client, self, peer)
// shared secret and the given nonce.
func (k *Keystore) DecryptChunk(client ClientID, self, peer rid.Address, nonce [12]byte, chunk []byte) error {
	shared, ok := k.cache.getShared(client, self, peer)
	if !ok {
		return ErrStreamNotStarted
	}
	return applyChaCha20InPlace(shared[:], nonce[:], chunk)
}

// SignMessage produces an Ed25519 detached signature over msg using
// client's cached key for addr.
func (k *Keystore) SignMessage(client ClientID, addr rid.Address, msg []byte) ([64]byte, error) {
	priv, ok := k.cache.getKey(client, addr)
	if !ok {
		return [64]byte{}, ErrKeyNotOpen
	}
	var sig [64]byte
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig, nil
}

// VerifyMessage checks an Ed25519 detached signature against peer's
// public key (peer's Address bytes are themselves the public key).
func VerifyMessage(peer rid.Address, msg []byte, sig [64]byte) bool {
	return ed25519.Verify(ed25519.PublicKey(peer.Bytes()), msg, sig[:])
}

func x25519(scalar [32]byte, point [32]byte) ([32]byte, error) {
	return curve25519X25519(scalar, point)
}

func applyChaCha20(key []byte, nonce []byte, src, dst []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("keystore: init chacha20: %w", err)
	}
	c.XORKeyStream(dst, src)
	return nil
}

func applyChaCha20InPlace(key, nonce, data []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("keystore: init chacha20: %w", err)
	}
	c.XORKeyStream(data, data)
	return nil
}
