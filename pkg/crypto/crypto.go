// Package crypto provides the Ed25519 signing/verification primitives the
// ledger uses over raw entry_hash bytes, plus PEM key persistence and HKDF
// sub-key derivation.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer signs raw byte payloads with an Ed25519 key and hex-encodes the
// result, matching the ledger's "Ed25519 over the raw bytes of the
// hex-decoded entry_hash" signing contract.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &Signer{priv: priv, pub: pub}, nil
}

// NewSignerFromPrivateKey wraps an existing Ed25519 private key.
func NewSignerFromPrivateKey(priv ed25519.PrivateKey) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey)}
}

// Sign signs the raw message bytes.
func (s *Signer) Sign(message []byte) []byte {
	return ed25519.Sign(s.priv, message)
}

// SignHex signs a hex-encoded message (typically a hex entry_hash),
// returning a hex-encoded signature, decoding the message first so the
// signature covers the raw hash bytes rather than their hex text.
func (s *Signer) SignHex(hexMessage string) (string, error) {
	raw, err := hex.DecodeString(hexMessage)
	if err != nil {
		return "", fmt.Errorf("crypto: decode hex message: %w", err)
	}
	return hex.EncodeToString(s.Sign(raw)), nil
}

// PublicKey returns the raw Ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

// PublicKeyHex returns the hex-encoded public key.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Verify checks a raw-bytes signature.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(pub, message, signature)
}

// VerifyHex checks a hex-encoded signature against a hex-encoded message.
func VerifyHex(pub ed25519.PublicKey, hexMessage, hexSignature string) (bool, error) {
	msg, err := hex.DecodeString(hexMessage)
	if err != nil {
		return false, fmt.Errorf("crypto: decode hex message: %w", err)
	}
	sig, err := hex.DecodeString(hexSignature)
	if err != nil {
		return false, fmt.Errorf("crypto: decode hex signature: %w", err)
	}
	return Verify(pub, msg, sig), nil
}

const pemPrivateBlockType = "PRIVATE KEY"
const pemPublicBlockType = "PUBLIC KEY"

// MarshalPrivateKeyPEM PEM-encodes the signer's private key (PKCS#8).
func MarshalPrivateKeyPEM(priv ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPrivateBlockType, Bytes: der}), nil
}

// MarshalPublicKeyPEM PEM-encodes an Ed25519 public key.
func MarshalPublicKeyPEM(pub ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemPublicBlockType, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a PKCS#8 PEM-encoded Ed25519 private key.
func ParsePrivateKeyPEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPrivateBlockType {
		return nil, fmt.Errorf("crypto: no PEM private key block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("crypto: PEM key is not an Ed25519 private key")
	}
	return priv, nil
}

// ParsePublicKeyPEM decodes a PEM-encoded Ed25519 public key.
func ParsePublicKeyPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemPublicBlockType {
		return nil, fmt.Errorf("crypto: no PEM public key block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("crypto: PEM key is not an Ed25519 public key")
	}
	return pub, nil
}

// DeriveSubKey derives a deterministic Ed25519 keypair from a root seed and
// an info string via HKDF-SHA256, letting one root key fan out into
// distinct per-backend signing keys without storing multiple secrets.
func DeriveSubKey(rootSeed []byte, info string) (ed25519.PrivateKey, error) {
	reader := hkdf.New(sha256.New, rootSeed, []byte("sudo-agent-ledger-kdf"), []byte(info))
	subSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, subSeed); err != nil {
		return nil, fmt.Errorf("crypto: HKDF derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(subSeed), nil
}
