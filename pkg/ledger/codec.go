package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
)

// Persisted records carry an explicit version byte and reserved padding so
// the layout can grow without breaking old readers. Decoding accepts the
// previous version and rewrites it into the current layout on the next
// encode, which is how in-place migration works.

const (
	recordVersionLegacy  = 1 // no reserved padding
	recordVersionCurrent = 2

	recordPadding = 32
)

var ErrInvalidRecord = errors.New("ledger: invalid record")

const (
	employeeBodySize = 32 + 8 + 32 + 3*crypt.ValueSize + 8 + 1 + 1
	businessBodySize = 32 + 8 + 3*crypt.ValueSize + 8 + 1
	vaultBodySize    = 32 + 8 + 8 + 2*crypt.ValueSize + 1
)

// EncodeEmployee serializes an employee entry in the current layout:
// version(1) || business(32) || index(8, BE) || owner(32) ||
// identity(81) || rate(81) || accrued(81) || lastAccrual(8, BE) ||
// active(1) || delegated(1) || padding(32).
func EncodeEmployee(emp *Employee) []byte {
	emp.mu.Lock()
	defer emp.mu.Unlock()

	buf := make([]byte, 0, 1+employeeBodySize+recordPadding)
	buf = append(buf, recordVersionCurrent)
	buf = append(buf, emp.Business[:]...)
	buf = appendUint64(buf, emp.Index)
	buf = append(buf, emp.Owner[:]...)
	buf = append(buf, emp.EncryptedIdentity.Bytes()...)
	buf = append(buf, emp.EncryptedRate.Bytes()...)
	buf = append(buf, emp.EncryptedAccrued.Bytes()...)
	buf = appendUint64(buf, uint64(emp.LastAccrual))
	buf = append(buf, encodeBool(emp.Active), encodeBool(emp.Delegated))
	buf = append(buf, make([]byte, recordPadding)...)
	return buf
}

// DecodeEmployee parses an employee record. Both the current and the
// legacy (unpadded) layout are accepted; the entry address is re-derived
// from the business address and index rather than trusted from storage.
func DecodeEmployee(data []byte) (*Employee, error) {
	body, err := recordBody(data, employeeBodySize)
	if err != nil {
		return nil, fmt.Errorf("employee %w", err)
	}

	emp := &Employee{}
	offset := 0
	copy(emp.Business[:], body[offset:offset+32])
	offset += 32
	emp.Index = binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8
	copy(emp.Owner[:], body[offset:offset+32])
	offset += 32

	for _, dst := range []*crypt.Value{&emp.EncryptedIdentity, &emp.EncryptedRate, &emp.EncryptedAccrued} {
		v, err := crypt.ValueFromBytes(body[offset : offset+crypt.ValueSize])
		if err != nil {
			return nil, fmt.Errorf("employee record: %w", err)
		}
		*dst = v
		offset += crypt.ValueSize
	}

	emp.LastAccrual = int64(binary.BigEndian.Uint64(body[offset : offset+8]))
	offset += 8
	emp.Active = body[offset] == 1
	emp.Delegated = body[offset+1] == 1

	emp.Addr = identity.DeriveAddress(identity.SeedEmployee, emp.Business, emp.Index)
	return emp, nil
}

// EncodeBusiness serializes a business entry in the current layout.
func EncodeBusiness(biz *Business) []byte {
	biz.mu.Lock()
	defer biz.mu.Unlock()

	buf := make([]byte, 0, 1+businessBodySize+recordPadding)
	buf = append(buf, recordVersionCurrent)
	buf = append(buf, biz.Vault[:]...)
	buf = appendUint64(buf, biz.Index)
	buf = append(buf, biz.EncryptedOwnerID.Bytes()...)
	buf = append(buf, biz.EncryptedBalance.Bytes()...)
	buf = append(buf, biz.EncryptedEmployeeCount.Bytes()...)
	buf = appendUint64(buf, biz.NextEmployeeIndex)
	buf = append(buf, encodeBool(biz.Active))
	buf = append(buf, make([]byte, recordPadding)...)
	return buf
}

// DecodeBusiness parses a business record.
func DecodeBusiness(data []byte) (*Business, error) {
	body, err := recordBody(data, businessBodySize)
	if err != nil {
		return nil, fmt.Errorf("business %w", err)
	}

	biz := &Business{}
	offset := 0
	copy(biz.Vault[:], body[offset:offset+32])
	offset += 32
	biz.Index = binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8

	for _, dst := range []*crypt.Value{&biz.EncryptedOwnerID, &biz.EncryptedBalance, &biz.EncryptedEmployeeCount} {
		v, err := crypt.ValueFromBytes(body[offset : offset+crypt.ValueSize])
		if err != nil {
			return nil, fmt.Errorf("business record: %w", err)
		}
		*dst = v
		offset += crypt.ValueSize
	}

	biz.NextEmployeeIndex = binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8
	biz.Active = body[offset] == 1

	biz.Addr = identity.DeriveAddress(identity.SeedBusiness, biz.Vault, biz.Index)
	return biz, nil
}

// EncodeVault serializes the vault record in the current layout.
func EncodeVault(v *Vault) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()

	buf := make([]byte, 0, 1+vaultBodySize+recordPadding)
	buf = append(buf, recordVersionCurrent)
	buf = append(buf, v.Addr[:]...)
	buf = appendUint64(buf, v.TotalBalance)
	buf = appendUint64(buf, v.NextBusinessIndex)
	buf = append(buf, v.EncryptedBusinessCount.Bytes()...)
	buf = append(buf, v.EncryptedEmployeeCount.Bytes()...)
	buf = append(buf, encodeBool(v.Active))
	buf = append(buf, make([]byte, recordPadding)...)
	return buf
}

// DecodeVault parses a vault record.
func DecodeVault(data []byte) (*Vault, error) {
	body, err := recordBody(data, vaultBodySize)
	if err != nil {
		return nil, fmt.Errorf("vault %w", err)
	}

	v := &Vault{}
	offset := 0
	copy(v.Addr[:], body[offset:offset+32])
	offset += 32
	v.TotalBalance = binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8
	v.NextBusinessIndex = binary.BigEndian.Uint64(body[offset : offset+8])
	offset += 8

	for _, dst := range []*crypt.Value{&v.EncryptedBusinessCount, &v.EncryptedEmployeeCount} {
		val, err := crypt.ValueFromBytes(body[offset : offset+crypt.ValueSize])
		if err != nil {
			return nil, fmt.Errorf("vault record: %w", err)
		}
		*dst = val
		offset += crypt.ValueSize
	}

	v.Active = body[offset] == 1
	return v, nil
}

// recordBody validates version and size and returns the fixed-size body,
// stripped of the version byte and any reserved padding.
func recordBody(data []byte, bodySize int) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidRecord)
	}
	switch data[0] {
	case recordVersionLegacy:
		if len(data) != 1+bodySize {
			return nil, fmt.Errorf(
				"%w: legacy record size %d, expected %d",
				ErrInvalidRecord, len(data), 1+bodySize,
			)
		}
		return data[1:], nil
	case recordVersionCurrent:
		if len(data) != 1+bodySize+recordPadding {
			return nil, fmt.Errorf(
				"%w: record size %d, expected %d",
				ErrInvalidRecord, len(data), 1+bodySize+recordPadding,
			)
		}
		return data[1 : 1+bodySize], nil
	default:
		return nil, fmt.Errorf(
			"%w: unsupported version %d", ErrInvalidRecord, data[0],
		)
	}
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func encodeBool(b bool) byte {
	if b {
		return 1
	}
	return 0
}
