package crypt

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
)

// Authorization proves the right to decrypt Values sealed for a matching
// owner tag. The secret never leaves the process.
type Authorization struct {
	secret []byte
}

// NewAuthorization wraps a caller-held secret.
func NewAuthorization(secret []byte) (Authorization, error) {
	if len(secret) == 0 {
		return Authorization{}, errors.New("crypt: authorization secret must not be empty")
	}
	s := make([]byte, len(secret))
	copy(s, secret)
	return Authorization{secret: s}, nil
}

// Tag returns the owner tag derived from the authorization secret.
// Values sealed for this tag can be decrypted with this authorization.
func (a Authorization) Tag() OwnerTag {
	return OwnerTag(sha256.Sum256(a.secret))
}

// Engine holds the sealing key and is the only component allowed to open a
// Value. Homomorphic operations re-seal with a fresh nonce; the plaintext
// never crosses the package boundary except through Decrypt.
type Engine struct {
	key [chacha20poly1305.KeySize]byte
}

// NewEngine creates an Engine with a freshly generated key.
func NewEngine() (*Engine, error) {
	var key [chacha20poly1305.KeySize]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("generate engine key: %w", err)
	}
	return &Engine{key: key}, nil
}

// NewEngineFromKey creates an Engine with the given 32-byte key. Used to
// share one confidential domain between the ledger and a local cluster.
func NewEngineFromKey(key [32]byte) *Engine {
	return &Engine{key: key}
}

// Key returns a copy of the sealing key for handing to a trusted local
// computation engine.
func (e *Engine) Key() [32]byte {
	return e.key
}

// Encrypt seals a plaintext amount for the given owner tag.
func (e *Engine) Encrypt(plaintext uint64, owner OwnerTag) (Value, error) {
	if owner.IsZero() {
		return Value{}, fmt.Errorf("%w: owner tag must not be zero", ErrInvalidCiphertext)
	}
	return e.seal(plaintext, owner)
}

// Decrypt opens a Value. Fails with ErrUnauthorized if the authorization
// does not match the owner tag, ErrDecryptionFailed if the handle is
// malformed or empty. This is the single designated decrypt function.
func (e *Engine) Decrypt(v Value, auth Authorization) (uint64, error) {
	if v.IsZero() {
		return 0, fmt.Errorf("%w: zero handle", ErrDecryptionFailed)
	}
	if !auth.Tag().Equal(v.owner) {
		return 0, ErrUnauthorized
	}
	return e.open(v)
}

// Add returns a handle for the sum of both plaintexts. Both operands must
// be sealed for the same owner.
func (e *Engine) Add(a, b Value) (Value, error) {
	pa, pb, err := e.openPair(a, b)
	if err != nil {
		return Value{}, err
	}
	sum := pa + pb
	if sum < pa {
		return Value{}, ErrArithmeticOverflow
	}
	return e.seal(sum, a.owner)
}

// Sub returns a handle for the difference a-b. Fails with
// ErrArithmeticUnderflow if the true difference would be negative. Callers
// in the ledger only reach this after verifying sufficiency against the
// plaintext-tracked vault total; the check here is a second line of defense.
func (e *Engine) Sub(a, b Value) (Value, error) {
	pa, pb, err := e.openPair(a, b)
	if err != nil {
		return Value{}, err
	}
	if pb > pa {
		return Value{}, ErrArithmeticUnderflow
	}
	return e.seal(pa-pb, a.owner)
}

// ScalarMul returns a handle for plaintext*scalar. Fails with
// ErrArithmeticOverflow if the product exceeds 64 bits.
func (e *Engine) ScalarMul(a Value, scalar uint64) (Value, error) {
	pa, err := e.openChecked(a)
	if err != nil {
		return Value{}, err
	}
	if scalar != 0 && pa > math.MaxUint64/scalar {
		return Value{}, ErrArithmeticOverflow
	}
	return e.seal(pa*scalar, a.owner)
}

func (e *Engine) openPair(a, b Value) (uint64, uint64, error) {
	if !a.owner.Equal(b.owner) {
		return 0, 0, fmt.Errorf("%w: operand owner tags differ", ErrInvalidCiphertext)
	}
	pa, err := e.openChecked(a)
	if err != nil {
		return 0, 0, err
	}
	pb, err := e.openChecked(b)
	if err != nil {
		return 0, 0, err
	}
	return pa, pb, nil
}

func (e *Engine) openChecked(v Value) (uint64, error) {
	if v.IsZero() {
		return 0, fmt.Errorf("%w: zero handle", ErrInvalidCiphertext)
	}
	return e.open(v)
}

// seal encrypts a plaintext under the engine key with a fresh nonce. The
// version byte and owner tag are bound as associated data so neither can
// be swapped without failing authentication.
func (e *Engine) seal(plaintext uint64, owner OwnerTag) (Value, error) {
	aead, err := chacha20poly1305.NewX(e.key[:])
	if err != nil {
		return Value{}, fmt.Errorf("init aead: %w", err)
	}

	v := Value{version: valueVersion, owner: owner}
	if _, err := rand.Read(v.nonce[:]); err != nil {
		return Value{}, fmt.Errorf("generate nonce: %w", err)
	}

	var plainBuf [8]byte
	binary.BigEndian.PutUint64(plainBuf[:], plaintext)

	sealed := aead.Seal(nil, v.nonce[:], plainBuf[:], v.aad())
	if len(sealed) != sealedSize {
		return Value{}, fmt.Errorf("%w: unexpected sealed size %d", ErrInvalidCiphertext, len(sealed))
	}
	copy(v.sealed[:], sealed)
	return v, nil
}

func (e *Engine) open(v Value) (uint64, error) {
	aead, err := chacha20poly1305.NewX(e.key[:])
	if err != nil {
		return 0, fmt.Errorf("init aead: %w", err)
	}

	plain, err := aead.Open(nil, v.nonce[:], v.sealed[:], v.aad())
	if err != nil {
		return 0, ErrDecryptionFailed
	}
	if len(plain) != 8 {
		return 0, ErrDecryptionFailed
	}
	return binary.BigEndian.Uint64(plain), nil
}

func (v Value) aad() []byte {
	aad := make([]byte, 0, 1+ownerSize)
	aad = append(aad, v.version)
	aad = append(aad, v.owner[:]...)
	return aad
}
