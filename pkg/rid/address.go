package rid

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Address is an Ident32 that additionally denotes an ed25519 public key. It
// is either local (the router holds the matching private key, encrypted at
// rest by the keystore) or remote (only the public key is known, learned via
// an announcement).
type Address Ident32

// String renders the canonical text form, same as Ident32.
func (a Address) String() string {
	return Ident32(a).String()
}

// PrettyString renders the shortened log form.
func (a Address) PrettyString() string {
	return Ident32(a).PrettyString()
}

// Ident returns the underlying identifier.
func (a Address) Ident() Ident32 {
	return Ident32(a)
}

// Bytes returns the address's 32 bytes, which are also its ed25519 public
// key.
func (a Address) Bytes() []byte {
	return a[:]
}

// AddressFromString parses the canonical text form.
func AddressFromString(s string) (Address, error) {
	id, err := FromString(s)
	if err != nil {
		return Address{}, err
	}
	return Address(id), nil
}

// AddressFromBytes wraps a 32-byte public key as an Address.
func AddressFromBytes(buf []byte) (Address, error) {
	id, err := FromBytes(buf)
	if err != nil {
		return Address{}, err
	}
	return Address(id), nil
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := AddressFromString(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// GenerateKeypair creates a fresh ed25519 keypair and returns the resulting
// Address alongside the private key. Callers (the keystore) are responsible
// for encrypting the private key before persisting it.
func GenerateKeypair() (Address, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Address{}, nil, fmt.Errorf("rid: generate ed25519 keypair: %w", err)
	}
	addr, err := AddressFromBytes(pub)
	if err != nil {
		return Address{}, nil, err
	}
	return addr, priv, nil
}

// RecipientKind distinguishes unicast addresses from namespace floods.
type RecipientKind uint8

const (
	RecipientAddress RecipientKind = iota
	RecipientNamespace
)

// Recipient is the sum of Address(addr) (unicast) and Namespace(id) (flood
// to a subscription group).
type Recipient struct {
	Kind RecipientKind
	ID   Ident32
}

// NewRecipientAddress builds a unicast Recipient.
func NewRecipientAddress(addr Address) Recipient {
	return Recipient{Kind: RecipientAddress, ID: Ident32(addr)}
}

// NewRecipientNamespace builds a flood Recipient.
func NewRecipientNamespace(ns Ident32) Recipient {
	return Recipient{Kind: RecipientNamespace, ID: ns}
}

// Address returns the recipient as an Address. Only valid when Kind ==
// RecipientAddress.
func (r Recipient) Address() Address {
	return Address(r.ID)
}

// String renders the recipient for logs.
func (r Recipient) String() string {
	switch r.Kind {
	case RecipientAddress:
		return "addr:" + r.ID.String()
	case RecipientNamespace:
		return "ns:" + r.ID.String()
	default:
		return "invalid-recipient"
	}
}

// AddrAuth is a 32-byte bearer token bound to an opened local address. It
// derives the symmetric key used to encrypt that address's secret key on
// disk.
type AddrAuth struct {
	Token Ident32
}

// NewAddrAuth generates a fresh random bearer token.
func NewAddrAuth() AddrAuth {
	return AddrAuth{Token: Random()}
}

// String renders the token's canonical text form.
func (a AddrAuth) String() string {
	return a.Token.String()
}

// SequenceIdV1 identifies a single frame within a single block. All frames
// belonging to one block share Hash; Num is the chunk ordinal and Max is the
// highest valid Num (inclusive): num ranges over [0, Max], and the block is
// complete once every ordinal in that range has been received.
type SequenceIdV1 struct {
	Hash Ident32
	Num  uint8
	Max  uint8
}

// Valid reports whether Num is within [0, Max].
func (s SequenceIdV1) Valid() bool {
	return s.Num <= s.Max
}

// Count returns the number of frames that make up this block (Max+1).
func (s SequenceIdV1) Count() int {
	return int(s.Max) + 1
}

func (s SequenceIdV1) String() string {
	return fmt.Sprintf("%s[%d/%d]", s.Hash.PrettyString(), s.Num, s.Max)
}
