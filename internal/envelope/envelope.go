// Package envelope encrypts individual sensitive payload fields with
// AES-256-GCM and serializes them as self-describing tagged strings:
//
//	enc:e2e:v1:<nonce_b64>:<tag_b64>:<ciphertext_b64>
//
// Decryption tries every key in a KeyRing in order, so rotated-out keys keep
// working for old values. A value that no key opens is returned unchanged.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Prefix marks an encrypted field value.
const Prefix = "enc:e2e:v1:"

// Key and wire sizes in bytes.
const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// tagParts is the number of colon-separated parts in a tagged value.
const tagParts = 6

// Sentinel errors.
var (
	ErrKeySize    = errors.New("envelope: key must be 32 bytes")
	ErrEmptyRing  = errors.New("envelope: key ring is empty")
	ErrMalformed  = errors.New("envelope: malformed tagged value")
	ErrNoKeyFound = errors.New("envelope: no key in ring opens value")
)

var b64 = base64.StdEncoding

// KeyRing is an ordered list of keys. Index 0 is the primary key used for
// encryption; every key is tried on decryption.
type KeyRing struct {
	keys [][]byte
}

// NewKeyRing copies keys into a ring after checking their sizes.
func NewKeyRing(keys ...[]byte) (*KeyRing, error) {
	r := &KeyRing{keys: make([][]byte, 0, len(keys))}

	for i, k := range keys {
		if len(k) != KeySize {
			return nil, fmt.Errorf("%w: key %d has %d bytes", ErrKeySize, i, len(k))
		}

		r.keys = append(r.keys, append([]byte(nil), k...))
	}

	return r, nil
}

// Len returns the number of keys.
func (r *KeyRing) Len() int {
	if r == nil {
		return 0
	}

	return len(r.keys)
}

// Primary returns the encryption key, or nil for an empty ring.
func (r *KeyRing) Primary() []byte {
	if r.Len() == 0 {
		return nil
	}

	return r.keys[0]
}

// GenerateKey returns a fresh random 256-bit key.
func GenerateKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, fmt.Errorf("envelope: generating key: %w", err)
	}

	return k, nil
}

// IsTagged reports whether value carries the encrypted-field prefix.
func IsTagged(value string) bool {
	return strings.HasPrefix(value, Prefix)
}

// EncryptField seals plaintext under key with a fresh random nonce.
func EncryptField(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return Prefix + b64.EncodeToString(nonce) + ":" + b64.EncodeToString(tag) + ":" + b64.EncodeToString(ct), nil
}

// OpenField decrypts a tagged value with the ring. Unlike DecryptField it
// reports failures: ErrMalformed for a bad tag and ErrNoKeyFound when every
// key fails authentication.
func OpenField(value string, ring *KeyRing) (string, error) {
	parts := strings.Split(value, ":")
	if len(parts) != tagParts || !IsTagged(value) {
		return "", ErrMalformed
	}

	nonce, err := b64.DecodeString(parts[3])
	if err != nil || len(nonce) != NonceSize {
		return "", fmt.Errorf("%w: nonce", ErrMalformed)
	}

	tag, err := b64.DecodeString(parts[4])
	if err != nil || len(tag) != TagSize {
		return "", fmt.Errorf("%w: tag", ErrMalformed)
	}

	ct, err := b64.DecodeString(parts[5])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext", ErrMalformed)
	}

	if ring.Len() == 0 {
		return "", ErrEmptyRing
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	for _, key := range ring.keys {
		gcm, err := newGCM(key)
		if err != nil {
			continue
		}

		plain, err := gcm.Open(nil, nonce, sealed, nil)
		if err == nil {
			return string(plain), nil
		}
	}

	return "", ErrNoKeyFound
}

// DecryptField returns the plaintext of a tagged value. Untagged values are
// returned unchanged, and so are tagged values no key opens; the latter is
// logged, not returned as an error.
func DecryptField(value string, ring *KeyRing, logger *slog.Logger) string {
	if !IsTagged(value) {
		return value
	}

	plain, err := OpenField(value, ring)
	if err != nil {
		if logger != nil {
			logger.Warn("could not decrypt field, leaving value encrypted",
				slog.Int("ring_size", ring.Len()),
				slog.String("error", err.Error()),
			)
		}

		return value
	}

	return plain
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("envelope: creating GCM: %w", err)
	}

	return gcm, nil
}
