// Package eris implements ERIS (Encoding for Robust Immutable Storage):
// convergent encryption over fixed-size blocks, content-addressed by their
// encrypted bytes, arranged into a Merkle-tree-like reference DAG so an
// arbitrarily large stream can be read back from only its root capability.
package eris

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"

	"github.com/ratmesh/ratman/pkg/frame"
	"github.com/ratmesh/ratman/pkg/rid"
)

// paddingSentinel marks the start of the zero-fill appended to a final,
// short leaf block; a stream whose length is an exact multiple of the
// block size still gets one more, all-padding, leaf block, so decode can
// always find a sentinel to trim.
const paddingSentinel = 0x80

// referenceKeyPairSize is the width of one (reference, key) pair as it
// appears packed into an internal tree node: 32 bytes reference followed
// by 32 bytes key.
const referenceKeyPairSize = 64

// BlockStorage is the content-addressed backing store Encode writes
// blocks into and Decode reads them back from. pkg/journal's *Blocks
// satisfies this directly.
type BlockStorage interface {
	Insert(reference rid.Ident32, data []byte) error
	Fetch(reference rid.Ident32) ([]byte, error)
}

// ErrPadding is returned when the final leaf block's trailing bytes don't
// contain a valid padding sentinel.
var ErrPadding = errors.New("eris: invalid padding")

// ReadCapability is the root of an ERIS-encoded tree: everything needed to
// recover the original stream from BlockStorage.
type ReadCapability struct {
	RootReference rid.Ident32
	RootKey       rid.Ident32
	Level         int
	BlockSize     frame.BlockSize
}

// ToManifest renders the capability as the wire ManifestFrameV1 the
// sender pipeline attaches a Letterhead to before transmission.
func (rc ReadCapability) ToManifest(letterhead frame.Letterhead) frame.ManifestFrameV1 {
	return frame.ManifestFrameV1{
		Root:       rc.RootReference,
		RootKey:    rc.RootKey,
		Level:      uint8(rc.Level),
		BlockSize:  rc.BlockSize,
		Letterhead: letterhead,
	}
}

// FromManifest recovers the ReadCapability embedded in a received
// ManifestFrameV1.
func FromManifest(m frame.ManifestFrameV1) ReadCapability {
	return ReadCapability{
		RootReference: m.Root,
		RootKey:       m.RootKey,
		Level:         int(m.Level),
		BlockSize:     m.BlockSize,
	}
}

type rkPair struct {
	reference rid.Ident32
	key       rid.Ident32
}

// Encode reads content to exhaustion, splitting it into blockSize chunks,
// convergently encrypting each one under convergenceSecret, and storing
// every block (leaf and internal) in storage. The returned capability
// addresses the root of the resulting tree.
func Encode(content io.Reader, convergenceSecret [32]byte, blockSize frame.BlockSize, storage BlockStorage) (ReadCapability, error) {
	bs := blockSize.Bytes()
	if bs == 0 {
		return ReadCapability{}, fmt.Errorf("eris: unsupported block size %d", blockSize)
	}

	pairs, err := splitContent(content, bs, convergenceSecret, storage)
	if err != nil {
		return ReadCapability{}, err
	}

	level := 0
	for len(pairs) > 1 {
		pairs, err = collectPairs(pairs, bs, convergenceSecret, storage)
		if err != nil {
			return ReadCapability{}, err
		}
		level++
	}

	root := pairs[0]
	return ReadCapability{
		RootReference: root.reference,
		RootKey:       root.key,
		Level:         level,
		BlockSize:     blockSize,
	}, nil
}

func splitContent(content io.Reader, bs int, secret [32]byte, storage BlockStorage) ([]rkPair, error) {
	var pairs []rkPair
	buf := make([]byte, bs)

	for {
		pos, err := io.ReadFull(content, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return nil, fmt.Errorf("eris: read content: %w", err)
		}

		block := make([]byte, bs)
		copy(block, buf[:pos])
		if pos != bs {
			block[pos] = paddingSentinel
		}

		pair, encrypted, err := encryptBlock(block, secret)
		if err != nil {
			return nil, err
		}
		if err := storage.Insert(pair.reference, encrypted); err != nil {
			return nil, fmt.Errorf("eris: store leaf block: %w", err)
		}
		pairs = append(pairs, pair)

		if pos != bs {
			break
		}
	}

	return pairs, nil
}

func collectPairs(input []rkPair, bs int, secret [32]byte, storage BlockStorage) ([]rkPair, error) {
	arity := bs / referenceKeyPairSize

	for len(input)%arity != 0 {
		input = append(input, rkPair{})
	}

	var output []rkPair
	for i := 0; i < len(input); i += arity {
		group := input[i : i+arity]
		node := make([]byte, 0, bs)
		for _, p := range group {
			node = append(node, p.reference.Bytes()...)
			node = append(node, p.key.Bytes()...)
		}

		pair, encrypted, err := encryptBlock(node, secret)
		if err != nil {
			return nil, err
		}
		if err := storage.Insert(pair.reference, encrypted); err != nil {
			return nil, fmt.Errorf("eris: store internal block: %w", err)
		}
		output = append(output, pair)
	}
	return output, nil
}

// encryptBlock derives the convergent key for block (keyed BLAKE2b-256
// over the plaintext, keyed with the convergence secret), encrypts block
// in place under that key with ChaCha20 and an all-zero nonce (key
// uniqueness, not nonce uniqueness, is what ERIS's convergent encryption
// relies on), and computes the block's reference as the unkeyed
// BLAKE2b-256 of the now-encrypted bytes.
func encryptBlock(block []byte, convergenceSecret [32]byte) (rkPair, []byte, error) {
	key, err := blockKey(block, convergenceSecret)
	if err != nil {
		return rkPair{}, nil, err
	}

	encrypted := make([]byte, len(block))
	if err := chachaXOR(key.Bytes(), encrypted, block); err != nil {
		return rkPair{}, nil, err
	}

	reference := rid.Ident32(blake2b.Sum256(encrypted))
	return rkPair{reference: reference, key: key}, encrypted, nil
}

func blockKey(input []byte, convergenceSecret [32]byte) (rid.Ident32, error) {
	h, err := blake2b.New256(convergenceSecret[:])
	if err != nil {
		return rid.Ident32{}, fmt.Errorf("eris: init keyed blake2b: %w", err)
	}
	h.Write(input)
	var key rid.Ident32
	copy(key[:], h.Sum(nil))
	return key, nil
}

func chachaXOR(key []byte, dst, src []byte) error {
	nonce := make([]byte, chacha20.NonceSize)
	c, err := chacha20.NewUnauthenticatedCipher(key, nonce)
	if err != nil {
		return fmt.Errorf("eris: init chacha20: %w", err)
	}
	c.XORKeyStream(dst, src)
	return nil
}

// Decode walks the tree rooted at cap, breadth-first, writing every leaf
// block's plaintext to target in order, trimming the final leaf's padding
// sentinel.
func Decode(target io.Writer, cap ReadCapability, storage BlockStorage) error {
	queue := []ReadCapability{cap}

	for len(queue) > 0 {
		tree := queue[0]
		queue = queue[1:]

		encrypted, err := storage.Fetch(tree.RootReference)
		if err != nil {
			return fmt.Errorf("eris: fetch block %s: %w", tree.RootReference, err)
		}

		block := make([]byte, len(encrypted))
		if err := chachaXOR(tree.RootKey.Bytes(), block, encrypted); err != nil {
			return err
		}

		if tree.Level == 0 {
			if len(queue) == 0 {
				block, err = unpad(block, tree.BlockSize.Bytes())
				if err != nil {
					return err
				}
			}
			if _, err := target.Write(block); err != nil {
				return fmt.Errorf("eris: write leaf block: %w", err)
			}
			continue
		}

		for off := 0; off+referenceKeyPairSize <= len(block); off += referenceKeyPairSize {
			raw := block[off : off+referenceKeyPairSize]
			if allZero(raw) {
				break
			}
			ref, err := rid.FromBytes(raw[:rid.Len])
			if err != nil {
				return fmt.Errorf("eris: internal node reference: %w", err)
			}
			key, err := rid.FromBytes(raw[rid.Len:])
			if err != nil {
				return fmt.Errorf("eris: internal node key: %w", err)
			}
			queue = append(queue, ReadCapability{
				RootReference: ref,
				RootKey:       key,
				Level:         tree.Level - 1,
				BlockSize:     tree.BlockSize,
			})
		}
	}

	return nil
}

// WalkedBlock is one block visited by Walk: its reference, decrypted
// plaintext, and tree level (0 = leaf).
type WalkedBlock struct {
	Reference rid.Ident32
	Plaintext []byte
	Level     int
}

// Walk traverses the tree rooted at cap breadth-first, fetching and
// decrypting each block (leaf and internal alike) and invoking visit on
// it before descending into an internal node's children. Unlike Decode,
// Walk never concatenates leaves into an application stream or strips
// padding — it hands visit each block's reference and whole decrypted
// contents, mirroring BlockWorker::traverse_block_tree. The sender
// pipeline's slicer fetches the stored bytes for that reference itself.
func Walk(cap ReadCapability, storage BlockStorage, visit func(WalkedBlock) error) error {
	queue := []ReadCapability{cap}

	for len(queue) > 0 {
		tree := queue[0]
		queue = queue[1:]

		encrypted, err := storage.Fetch(tree.RootReference)
		if err != nil {
			return fmt.Errorf("eris: fetch block %s: %w", tree.RootReference, err)
		}

		block := make([]byte, len(encrypted))
		if err := chachaXOR(tree.RootKey.Bytes(), block, encrypted); err != nil {
			return err
		}

		if err := visit(WalkedBlock{Reference: tree.RootReference, Plaintext: block, Level: tree.Level}); err != nil {
			return err
		}

		if tree.Level == 0 {
			continue
		}

		for off := 0; off+referenceKeyPairSize <= len(block); off += referenceKeyPairSize {
			raw := block[off : off+referenceKeyPairSize]
			if allZero(raw) {
				break
			}
			ref, err := rid.FromBytes(raw[:rid.Len])
			if err != nil {
				return fmt.Errorf("eris: internal node reference: %w", err)
			}
			key, err := rid.FromBytes(raw[rid.Len:])
			if err != nil {
				return fmt.Errorf("eris: internal node key: %w", err)
			}
			queue = append(queue, ReadCapability{
				RootReference: ref,
				RootKey:       key,
				Level:         tree.Level - 1,
				BlockSize:     tree.BlockSize,
			})
		}
	}

	return nil
}

func unpad(block []byte, blockSize int) ([]byte, error) {
	trimmed := bytes.TrimRight(block, "\x00")
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != paddingSentinel {
		return nil, ErrPadding
	}
	if len(block)-len(trimmed)+1 > blockSize {
		return nil, ErrPadding
	}
	return trimmed[:len(trimmed)-1], nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
