// Package credential seals credential blobs so callers can persist them
// without storing a usable session in the clear.
//
// Sealed format: one version byte, a 24-byte nonce, then the
// XChaCha20-Poly1305 ciphertext. Keys come either from 32 raw bytes or from
// a passphrase stretched with argon2id.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	sealVersion1 byte = 1

	minMemoryKB    uint32 = 8 * 1024
	minTimeCost    uint32 = 1
	minParallelism uint8  = 1
	minSaltLength         = 16
	minPassBytes          = 12
)

var additionalData = []byte("goIntercept/credential/v1")

var (
	// ErrKeySize is returned for keys that are not 32 bytes.
	ErrKeySize = errors.New("credential: key must be 32 bytes")
	// ErrMalformed is returned for input that is not a sealed credential.
	ErrMalformed = errors.New("credential: malformed sealed credential")
	// ErrOpen is returned when authentication of a sealed credential fails.
	ErrOpen = errors.New("credential: cannot open sealed credential")
	// ErrEmpty is returned when sealing an empty credential.
	ErrEmpty = errors.New("credential: empty credential")
)

// KDFParams tunes argon2id key derivation.
type KDFParams struct {
	Memory      uint32 // in KB
	Time        uint32
	Parallelism uint8
}

// DefaultKDFParams returns the recommended derivation cost.
func DefaultKDFParams() KDFParams {
	return KDFParams{Memory: 64 * 1024, Time: 3, Parallelism: 2}
}

// Sealer seals and opens credential blobs. It is safe for concurrent use.
type Sealer struct {
	key [chacha20poly1305.KeySize]byte
}

// NewSealer builds a Sealer from a raw 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrKeySize
	}
	s := &Sealer{}
	copy(s.key[:], key)
	return s, nil
}

// NewSealerFromPassphrase derives the key from passphrase and salt.
func NewSealerFromPassphrase(passphrase string, salt []byte, params KDFParams) (*Sealer, error) {
	if len(passphrase) < minPassBytes {
		return nil, fmt.Errorf("credential: passphrase must be at least %d bytes", minPassBytes)
	}
	if len(salt) < minSaltLength {
		return nil, fmt.Errorf("credential: salt must be at least %d bytes", minSaltLength)
	}
	if params.Memory < minMemoryKB || params.Time < minTimeCost || params.Parallelism < minParallelism {
		return nil, errors.New("credential: kdf parameters below minimum")
	}

	key := argon2.IDKey([]byte(passphrase), salt, params.Time, params.Memory, params.Parallelism, chacha20poly1305.KeySize)
	return NewSealer(key)
}

// Seal encrypts plain.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return nil, ErrEmpty
	}
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plain)+aead.Overhead())
	out[0] = sealVersion1
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, err
	}
	return aead.Seal(out, out[1:], plain, additionalData), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < 1+aead.NonceSize()+aead.Overhead() || sealed[0] != sealVersion1 {
		return nil, ErrMalformed
	}

	nonce := sealed[1 : 1+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[1+aead.NonceSize():], additionalData)
	if err != nil {
		return nil, ErrOpen
	}
	return plain, nil
}
