// Package auth verifies Ethereum-style identity proofs. A caller is
// identified by a secp256k1 address (0x + 40 hex) and proves ownership by
// signing the Keccak-256 digest of a payload; the signature is the
// 65-byte r||s||v compact form.
package auth

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// SignatureLength is the byte length of an r||s||v compact signature.
const SignatureLength = 65

var (
	ErrInvalidKey       = errors.New("auth: invalid public key")
	ErrInvalidSignature = errors.New("auth: invalid signature")
	ErrKeyMismatch      = errors.New("auth: recovered key does not match")
)

var keyPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidKey reports whether key is a well-formed address: 0x plus 40 hex digits.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}

// NormalizeKey lowercases a key for storage and comparison.
func NormalizeKey(key string) string {
	return strings.ToLower(key)
}

// Keccak256 computes the legacy Keccak-256 digest (pre-NIST padding, the
// Ethereum variant) of data.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// AddressOf derives the address for a public key: the last 20 bytes of
// Keccak-256 over the uncompressed point without its 0x04 prefix.
func AddressOf(pub *secp256k1.PublicKey) string {
	digest := Keccak256(pub.SerializeUncompressed()[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}

// RecoverAddress recovers the signing address from payload and a hex
// signature. The trailing recovery byte may be 27/28 (Ethereum wallets)
// or already-normalized 0/1.
func RecoverAddress(payload []byte, signature string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(raw) != SignatureLength {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidSignature, len(raw), SignatureLength)
	}

	v := raw[64]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return "", fmt.Errorf("%w: recovery id %d out of range", ErrInvalidSignature, raw[64])
	}

	// RecoverCompact wants the recovery code first: [27+v, r, s].
	compact := make([]byte, SignatureLength)
	compact[0] = 27 + v
	copy(compact[1:], raw[:64])

	pub, _, err := ecdsa.RecoverCompact(compact, Keccak256(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return AddressOf(pub), nil
}

// VerifySignature recovers the signer of payload and checks it against
// publicKey, case-insensitively. Returns the normalized verified key.
func VerifySignature(payload []byte, publicKey, signature string) (string, error) {
	if !ValidKey(publicKey) {
		return "", ErrInvalidKey
	}
	recovered, err := RecoverAddress(payload, signature)
	if err != nil {
		return "", err
	}
	if !strings.EqualFold(recovered, publicKey) {
		return "", fmt.Errorf("%w: recovered %s", ErrKeyMismatch, recovered)
	}
	return NormalizeKey(publicKey), nil
}

// Sign produces a hex r||s||v signature (v in {27,28}) over the
// Keccak-256 digest of payload. Used by the CLI client.
func Sign(priv *secp256k1.PrivateKey, payload []byte) string {
	compact := ecdsa.SignCompact(priv, Keccak256(payload), false)
	// SignCompact puts the recovery code first; wallets put it last.
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0]
	return "0x" + hex.EncodeToString(sig)
}

// GenerateKey creates a fresh keypair and returns it with its address.
func GenerateKey() (*secp256k1.PrivateKey, string, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, "", fmt.Errorf("auth: generate key: %w", err)
	}
	return priv, NormalizeKey(AddressOf(priv.PubKey())), nil
}
