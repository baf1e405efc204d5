// Package crypt provides the opaque ciphertext handle type used by the
// payroll ledger and the Engine that is the sole decrypt boundary for it.
//
// A Value carries no plaintext information. All arithmetic on Values goes
// through an Engine; nothing outside this package can branch on contents.
package crypt

import (
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	valueVersion = 1

	nonceSize  = 24 // XChaCha20-Poly1305
	sealedSize = 8 + 16
	ownerSize  = 32

	// ValueSize is the fixed wire size of a serialized Value.
	ValueSize = 1 + nonceSize + sealedSize + ownerSize
)

var (
	ErrInvalidCiphertext   = errors.New("crypt: invalid ciphertext")
	ErrDecryptionFailed    = errors.New("crypt: decryption failed")
	ErrUnauthorized        = errors.New("crypt: unauthorized")
	ErrArithmeticOverflow  = errors.New("crypt: arithmetic overflow")
	ErrArithmeticUnderflow = errors.New("crypt: arithmetic underflow")
)

// Value is an opaque handle to an encrypted 64-bit amount. The zero Value
// is invalid. Values are created by Engine.Encrypt or by a homomorphic
// operation on existing Values and are destroyed only by being overwritten.
type Value struct {
	version uint8
	nonce   [nonceSize]byte
	sealed  [sealedSize]byte
	owner   OwnerTag
}

// Owner returns the authorization tag the handle was sealed for.
func (v Value) Owner() OwnerTag {
	return v.owner
}

// IsZero reports whether the handle is the invalid zero value.
func (v Value) IsZero() bool {
	return v.version == 0
}

// Bytes serializes the handle into its fixed wire layout:
// version(1) || nonce(24) || sealed(24) || owner(32).
func (v Value) Bytes() []byte {
	buf := make([]byte, 0, ValueSize)
	buf = append(buf, v.version)
	buf = append(buf, v.nonce[:]...)
	buf = append(buf, v.sealed[:]...)
	buf = append(buf, v.owner[:]...)
	return buf
}

// ValueFromBytes parses a serialized handle.
func ValueFromBytes(data []byte) (Value, error) {
	if len(data) != ValueSize {
		return Value{}, fmt.Errorf(
			"%w: expected %d bytes, got %d",
			ErrInvalidCiphertext, ValueSize, len(data),
		)
	}
	if data[0] != valueVersion {
		return Value{}, fmt.Errorf(
			"%w: unsupported version %d",
			ErrInvalidCiphertext, data[0],
		)
	}
	var v Value
	v.version = data[0]
	offset := 1
	copy(v.nonce[:], data[offset:offset+nonceSize])
	offset += nonceSize
	copy(v.sealed[:], data[offset:offset+sealedSize])
	offset += sealedSize
	copy(v.owner[:], data[offset:offset+ownerSize])
	return v, nil
}

// String renders the handle as hex for logging. The plaintext is not
// recoverable from this representation.
func (v Value) String() string {
	return hex.EncodeToString(v.sealed[:8])
}

// OwnerTag identifies the authorization that may decrypt a Value.
type OwnerTag [ownerSize]byte

// Equal returns true if both tags match.
func (t OwnerTag) Equal(other OwnerTag) bool {
	return subtle.ConstantTimeCompare(t[:], other[:]) == 1
}

// IsZero returns true if the tag is the zero value.
func (t OwnerTag) IsZero() bool {
	return t == OwnerTag{}
}
