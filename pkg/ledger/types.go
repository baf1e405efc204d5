// Package ledger holds the accrual state machine: the vault, business
// entries, and employee entries, all addressed by index-derived addresses
// and carrying encrypted identities and amounts.
package ledger

import (
	"errors"
	"sync"
	"time"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
)

var (
	ErrInvalidTimestamp  = errors.New("ledger: invalid timestamp")
	ErrInactiveEmployee  = errors.New("ledger: employee entry is not active")
	ErrInactiveBusiness  = errors.New("ledger: business entry is not active")
	ErrAccountDelegated  = errors.New("ledger: account is delegated")
	ErrNotDelegated      = errors.New("ledger: account is not delegated")
	ErrInsufficientFunds = errors.New("ledger: insufficient funds in vault")
	ErrInvalidAmount     = errors.New("ledger: amount must be greater than zero")
	ErrAmountOverflow    = errors.New("ledger: vault total overflow")
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock returns wall-clock time.
type RealClock struct{}

// Now returns the current time.
func (RealClock) Now() time.Time {
	return time.Now()
}

// Vault is the single global pool. Funds from every business land here;
// an observer sees only the total balance change, never which business or
// employee an amount belongs to. The total is plaintext (unavoidable where
// real value moves) and is the reference for every sufficiency check.
type Vault struct {
	mu sync.Mutex

	Addr                   identity.Address
	TotalBalance           uint64
	NextBusinessIndex      uint64
	EncryptedBusinessCount crypt.Value
	EncryptedEmployeeCount crypt.Value
	Active                 bool
}

// Business is one employer's entry, addressed by index under the vault.
// The employer's identity is stored only as an encrypted digest.
type Business struct {
	mu sync.Mutex

	Vault                  identity.Address
	Index                  uint64
	Addr                   identity.Address
	EncryptedOwnerID       crypt.Value
	EncryptedBalance       crypt.Value
	EncryptedEmployeeCount crypt.Value
	NextEmployeeIndex      uint64
	Active                 bool
}

// Employee is one employee's accrual entry, addressed by index under its
// business. Rate and accrued balance are confidential; the accrued balance
// is monotonically non-decreasing except on settlement.
//
// While Delegated is true, only the delegation controller's execution
// context may mutate EncryptedAccrued and LastAccrual; the base ledger
// rejects direct mutation.
type Employee struct {
	mu sync.Mutex

	Business          identity.Address
	Index             uint64
	Addr              identity.Address
	Owner             crypt.OwnerTag
	EncryptedIdentity crypt.Value
	EncryptedRate     crypt.Value
	EncryptedAccrued  crypt.Value
	LastAccrual       int64 // unix seconds, 0 = uninitialized
	Active            bool
	Delegated         bool
}

// Snapshot returns a copy of the mutable accrual state, used when handing
// the entry to a delegated execution context.
func (e *Employee) Snapshot() EmployeeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EmployeeState{
		EncryptedAccrued: e.EncryptedAccrued,
		LastAccrual:      e.LastAccrual,
	}
}

// EmployeeState is the delegated slice of an Employee: exactly the fields
// the high-frequency execution context owns while delegation is active.
type EmployeeState struct {
	EncryptedAccrued crypt.Value
	LastAccrual      int64
}
