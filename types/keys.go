package types

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// KeyType identifies the signature scheme of a key
type KeyType uint8

const (
	KeyTypeUnknown KeyType = iota
	KeyTypeEd25519
	KeyTypeSecp256k1
)

// Key sizes
const (
	Ed25519PublicKeySize   = ed25519.PublicKeySize
	Secp256k1PublicKeySize = secp256k1.PubKeyBytesLenCompressed
)

// Errors
var (
	ErrUnknownKeyType   = errors.New("unknown key type")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
)

func (kt KeyType) String() string {
	switch kt {
	case KeyTypeEd25519:
		return "ed25519"
	case KeyTypeSecp256k1:
		return "secp256k1"
	default:
		return "unknown"
	}
}

// ParseKeyType maps a scheme name to its KeyType.
func ParseKeyType(s string) (KeyType, error) {
	switch s {
	case "ed25519", "":
		return KeyTypeEd25519, nil
	case "secp256k1":
		return KeyTypeSecp256k1, nil
	default:
		return KeyTypeUnknown, fmt.Errorf("%w: %q", ErrUnknownKeyType, s)
	}
}

// PublicKey is a node's verification key
type PublicKey struct {
	Type KeyType
	Data []byte
}

// Signature is an opaque signature over sign bytes.
// Ed25519 signatures are 64 bytes; secp256k1 signatures are DER encoded.
type Signature []byte

// NewPublicKey creates a PublicKey, validating its encoding.
// Copies input data to prevent caller from modifying internal state.
func NewPublicKey(keyType KeyType, data []byte) (PublicKey, error) {
	switch keyType {
	case KeyTypeEd25519:
		if len(data) != Ed25519PublicKeySize {
			return PublicKey{}, fmt.Errorf("%w: ed25519 key must be %d bytes, got %d",
				ErrInvalidPublicKey, Ed25519PublicKeySize, len(data))
		}
	case KeyTypeSecp256k1:
		if _, err := secp256k1.ParsePubKey(data); err != nil {
			return PublicKey{}, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
		}
	default:
		return PublicKey{}, ErrUnknownKeyType
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	return PublicKey{Type: keyType, Data: copied}, nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
// Use only for trusted internal data.
func MustNewPublicKey(keyType KeyType, data []byte) PublicKey {
	p, err := NewPublicKey(keyType, data)
	if err != nil {
		panic(err)
	}
	return p
}

// PublicKeyEqual compares two public keys
func PublicKeyEqual(a, b PublicKey) bool {
	return a.Type == b.Type && bytes.Equal(a.Data, b.Data)
}

// VerifySignature verifies sig over message with pubKey.
// Malformed keys or signatures verify as false; it never panics.
func VerifySignature(pubKey PublicKey, message []byte, sig Signature) bool {
	switch pubKey.Type {
	case KeyTypeEd25519:
		if len(pubKey.Data) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
			return false
		}
		return ed25519.Verify(pubKey.Data, message, sig)
	case KeyTypeSecp256k1:
		pk, err := secp256k1.ParsePubKey(pubKey.Data)
		if err != nil {
			return false
		}
		parsed, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		digest := sha256.Sum256(message)
		return parsed.Verify(digest[:], pk)
	default:
		return false
	}
}

// CopySignature returns a copy of sig
func CopySignature(sig Signature) Signature {
	if sig == nil {
		return nil
	}
	out := make(Signature, len(sig))
	copy(out, sig)
	return out
}
