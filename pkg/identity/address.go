// Package identity provides index-based addressing for ledger entries and
// authorized verification of encrypted identities.
//
// Entries are addressed by a sequence number under their parent, never by a
// real-world identity. An observer holding the full set of addresses learns
// nothing about who an entry belongs to; plaintext-identity addressing would
// leak that even with encrypted balances.
package identity

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// Derivation seeds, one per entry kind. Kept apart so a business entry and
// an employee entry at the same (parent, index) can never collide.
const (
	SeedBusiness = "entry"
	SeedEmployee = "employee"
)

// Address is the derived location of a ledger entry.
type Address [sha256.Size]byte

// DeriveAddress deterministically derives the address of the entry at the
// given index under the parent. The same (seed, parent, index) always
// yields the same address; distinct inputs never collide because every
// field is fixed-width framed before hashing.
func DeriveAddress(seed string, parent Address, index uint64) Address {
	h := sha256.New()

	var seedLen [4]byte
	binary.BigEndian.PutUint32(seedLen[:], uint32(len(seed)))
	h.Write(seedLen[:])
	h.Write([]byte(seed))
	h.Write(parent[:])

	var indexBuf [8]byte
	binary.BigEndian.PutUint64(indexBuf[:], index)
	h.Write(indexBuf[:])

	return Address(h.Sum(nil))
}

// AddressFromHex parses a 64-character hex string into an Address.
func AddressFromHex(s string) (Address, error) {
	if len(s) != sha256.Size*2 {
		return Address{}, fmt.Errorf(
			"invalid address hex length: expected %d, got %d",
			sha256.Size*2, len(s),
		)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, fmt.Errorf("decode address hex: %w", err)
	}
	var a Address
	copy(a[:], decoded)
	return a, nil
}

// Equal returns true if both addresses match.
func (a Address) Equal(other Address) bool {
	return subtle.ConstantTimeCompare(a[:], other[:]) == 1
}

// IsZero returns true if the address is the zero value.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Bytes returns a byte slice copy of the address.
func (a Address) Bytes() []byte {
	b := make([]byte, len(a))
	copy(b, a[:])
	return b
}

// String returns the hexadecimal representation.
func (a Address) String() string {
	return hex.EncodeToString(a[:])
}
