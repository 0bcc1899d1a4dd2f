package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// Envelope layout (all fields fixed width except the ciphertext):
//
//	magic(4) | version(1) | salt(16) | iv(12) | tag(16) | ciphertext
const (
	envelopeMagic        = "LTCH"
	envelopeVersion byte = 1

	saltSize = 16
	ivSize   = 12
	tagSize  = 16
	keySize  = 32

	headerSize = len(envelopeMagic) + 1 + saltSize + ivSize + tagSize
)

// Key derivation cost. DefaultIterations is used unless the caller asks for
// more; anything under MinIterations is rejected.
const (
	DefaultIterations = 600_000
	MinIterations     = 100_000
)

var (
	// ErrBadMagic is returned when the blob does not start with the envelope magic.
	ErrBadMagic = errors.New("envelope: bad magic")
	// ErrUnsupportedVersion is returned for an envelope version this build cannot read.
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")
	// ErrTruncated is returned when the blob is shorter than the fixed header.
	ErrTruncated = errors.New("envelope: truncated")
	// ErrDecrypt is returned on a wrong passphrase or any tampering with
	// salt, iv, tag or ciphertext. No plaintext is ever returned with it.
	ErrDecrypt = errors.New("envelope: authentication failed")
	// ErrEmptyPassphrase is returned when sealing or opening without a passphrase.
	ErrEmptyPassphrase = errors.New("envelope: empty passphrase")
	// ErrWeakIterations is returned when the KDF iteration count is below MinIterations.
	ErrWeakIterations = errors.New("envelope: kdf iterations below minimum")
)

// Sealer encrypts and decrypts byte blobs with a passphrase-derived key.
// Every Seal uses a fresh random salt and IV.
type Sealer struct {
	passphrase []byte
	iterations int
}

// NewSealer returns a Sealer for passphrase. iterations <= 0 selects DefaultIterations.
func NewSealer(passphrase string, iterations int) (*Sealer, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if iterations < MinIterations {
		return nil, fmt.Errorf("%d < %d: %w", iterations, MinIterations, ErrWeakIterations)
	}
	return &Sealer{passphrase: []byte(passphrase), iterations: iterations}, nil
}

// Seal encrypts plaintext into a self-describing envelope.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, len(envelopeMagic)+1)
	header = append(header, envelopeMagic...)
	header = append(header, envelopeVersion)

	// Magic and version are bound as associated data so a downgrade edit fails authentication.
	sealed := gcm.Seal(nil, iv, plaintext, header)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, headerSize+len(ct))
	out = append(out, header...)
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open authenticates and decrypts an envelope produced by Seal.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, ErrTruncated
	}
	if string(blob[:len(envelopeMagic)]) != envelopeMagic {
		return nil, ErrBadMagic
	}
	off := len(envelopeMagic)
	if blob[off] != envelopeVersion {
		return nil, fmt.Errorf("version %d: %w", blob[off], ErrUnsupportedVersion)
	}
	header := blob[:off+1]
	off++
	salt := blob[off : off+saltSize]
	off += saltSize
	iv := blob[off : off+ivSize]
	off += ivSize
	tag := blob[off : off+tagSize]
	off += tagSize
	ct := blob[off:]

	gcm, err := s.aead(salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, header)
	if err != nil {
		return nil, ErrDecrypt
	}
	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(s.passphrase, salt, s.iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}

// IsEnvelope reports whether blob starts with the envelope magic.
func IsEnvelope(blob []byte) bool {
	return len(blob) >= len(envelopeMagic) && string(blob[:len(envelopeMagic)]) == envelopeMagic
}
