package ledger

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
)

// Ledger is the authoritative accrual ledger. It owns index issuance, the
// vault total, and every entry mutation. Each entry may be mutated by at
// most one in-flight transition at a time, enforced by per-entry locks.
type Ledger struct {
	engine *crypt.Engine
	clock  Clock
	log    *slog.Logger

	mu         sync.RWMutex
	vault      *Vault
	businesses map[identity.Address]*Business
	employees  map[identity.Address]*Employee
}

// New creates a Ledger. The engine is the confidential domain every entry
// is sealed in; clock may be nil for wall-clock time.
func New(engine *crypt.Engine, clock Clock, log *slog.Logger) *Ledger {
	if clock == nil {
		clock = RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{
		engine:     engine,
		clock:      clock,
		log:        log,
		businesses: make(map[identity.Address]*Business),
		employees:  make(map[identity.Address]*Employee),
	}
}

// Engine exposes the confidential domain for collaborators that perform
// authorized operations (settlement guard, delegation executor).
func (l *Ledger) Engine() *crypt.Engine {
	return l.engine
}

// InitVault creates the single global vault. Counts start as encryptions
// of zero so even "how many businesses exist" is hidden.
func (l *Ledger) InitVault(owner crypt.OwnerTag) (*Vault, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vault != nil {
		return nil, fmt.Errorf("ledger: vault already initialized")
	}

	bizCount, err := l.engine.Encrypt(0, owner)
	if err != nil {
		return nil, fmt.Errorf("seal business count: %w", err)
	}
	empCount, err := l.engine.Encrypt(0, owner)
	if err != nil {
		return nil, fmt.Errorf("seal employee count: %w", err)
	}

	l.vault = &Vault{
		Addr:                   identity.DeriveAddress("master_vault", identity.Address{}, 0),
		EncryptedBusinessCount: bizCount,
		EncryptedEmployeeCount: empCount,
		Active:                 true,
	}
	l.log.Info("vault initialized", "addr", l.vault.Addr.String())
	return l.vault, nil
}

// Vault returns the global vault, or nil before InitVault.
func (l *Ledger) Vault() *Vault {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault
}

// RegisterBusiness issues the next business index and creates the entry at
// the derived address. Indices are strictly increasing and never reused.
func (l *Ledger) RegisterBusiness(encryptedOwnerID crypt.Value, owner crypt.OwnerTag) (*Business, error) {
	if encryptedOwnerID.IsZero() {
		return nil, fmt.Errorf("%w: owner identity", crypt.ErrInvalidCiphertext)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vault == nil || !l.vault.Active {
		return nil, ErrInactiveBusiness
	}

	index := l.vault.NextBusinessIndex
	l.vault.NextBusinessIndex++

	balance, err := l.engine.Encrypt(0, owner)
	if err != nil {
		return nil, fmt.Errorf("seal balance: %w", err)
	}
	empCount, err := l.engine.Encrypt(0, owner)
	if err != nil {
		return nil, fmt.Errorf("seal employee count: %w", err)
	}

	biz := &Business{
		Vault:                  l.vault.Addr,
		Index:                  index,
		Addr:                   identity.DeriveAddress(identity.SeedBusiness, l.vault.Addr, index),
		EncryptedOwnerID:       encryptedOwnerID,
		EncryptedBalance:       balance,
		EncryptedEmployeeCount: empCount,
		Active:                 true,
	}
	l.businesses[biz.Addr] = biz

	if err := l.incrementCount(&l.vault.EncryptedBusinessCount, owner); err != nil {
		delete(l.businesses, biz.Addr)
		l.vault.NextBusinessIndex = index
		return nil, err
	}

	// Index only. The owner identity stays encrypted.
	l.log.Info("business registered", "index", index)
	return biz, nil
}

// AddEmployee issues the next employee index under the business and
// creates the entry. The entry's accrual clock starts now.
func (l *Ledger) AddEmployee(
	biz *Business,
	encryptedID crypt.Value,
	encryptedRate crypt.Value,
	owner crypt.OwnerTag,
) (*Employee, error) {
	if encryptedID.IsZero() || encryptedRate.IsZero() {
		return nil, crypt.ErrInvalidCiphertext
	}

	biz.mu.Lock()
	defer biz.mu.Unlock()
	if !biz.Active {
		return nil, ErrInactiveBusiness
	}

	index := biz.NextEmployeeIndex
	biz.NextEmployeeIndex++

	accrued, err := l.engine.Encrypt(0, owner)
	if err != nil {
		return nil, fmt.Errorf("seal accrued: %w", err)
	}

	emp := &Employee{
		Business:          biz.Addr,
		Index:             index,
		Addr:              identity.DeriveAddress(identity.SeedEmployee, biz.Addr, index),
		Owner:             owner,
		EncryptedIdentity: encryptedID,
		EncryptedRate:     encryptedRate,
		EncryptedAccrued:  accrued,
		LastAccrual:       l.clock.Now().Unix(),
		Active:            true,
	}

	l.mu.Lock()
	l.employees[emp.Addr] = emp
	l.mu.Unlock()

	if err := l.incrementCount(&biz.EncryptedEmployeeCount, owner); err != nil {
		l.mu.Lock()
		delete(l.employees, emp.Addr)
		l.mu.Unlock()
		biz.NextEmployeeIndex = index
		return nil, err
	}

	l.log.Info("employee added", "business", biz.Index, "index", index)
	return emp, nil
}

// Business looks up a business entry by address.
func (l *Ledger) Business(addr identity.Address) (*Business, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	biz, ok := l.businesses[addr]
	return biz, ok
}

// Employee looks up an employee entry by address.
func (l *Ledger) Employee(addr identity.Address) (*Employee, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	emp, ok := l.employees[addr]
	return emp, ok
}

// Deposit adds funds to the vault and to the business's encrypted balance.
// The plaintext amount is the public part (value actually moved); the
// per-business allocation stays encrypted.
func (l *Ledger) Deposit(biz *Business, amount uint64, encryptedAmount crypt.Value) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	if encryptedAmount.IsZero() {
		return crypt.ErrInvalidCiphertext
	}

	biz.mu.Lock()
	defer biz.mu.Unlock()
	if !biz.Active {
		return ErrInactiveBusiness
	}

	vault := l.Vault()
	vault.mu.Lock()
	defer vault.mu.Unlock()
	// Plaintext total first: a deposit the vault cannot hold is rejected
	// before any encrypted work happens.
	if vault.TotalBalance > math.MaxUint64-amount {
		return ErrAmountOverflow
	}

	newBalance, err := l.engine.Add(biz.EncryptedBalance, encryptedAmount)
	if err != nil {
		return fmt.Errorf("add deposit: %w", err)
	}
	vault.TotalBalance += amount
	biz.EncryptedBalance = newBalance

	// Amount intentionally not logged.
	l.log.Info("deposit received", "business", biz.Index)
	return nil
}

// ClaimExcess returns unallocated funds from the vault to the employer.
// The actual value movement is the caller's concern; this only maintains
// the plaintext total under the vault lock.
func (l *Ledger) ClaimExcess(biz *Business, amount uint64) error {
	if amount == 0 {
		return ErrInvalidAmount
	}
	biz.mu.Lock()
	defer biz.mu.Unlock()
	if !biz.Active {
		return ErrInactiveBusiness
	}

	vault := l.Vault()
	vault.mu.Lock()
	defer vault.mu.Unlock()
	if amount > vault.TotalBalance {
		return ErrInsufficientFunds
	}
	vault.TotalBalance -= amount

	l.log.Info("excess claimed", "business", biz.Index)
	return nil
}

// Tick computes elapsed seconds between an entry's last accrual stamp and
// now. Fails with ErrInvalidTimestamp on clock regression or an
// uninitialized stamp. Callers lock the entry (or work from a Snapshot)
// to obtain the stamp.
func Tick(lastAccrual, now int64) (uint64, error) {
	if lastAccrual == 0 {
		return 0, fmt.Errorf("%w: last accrual uninitialized", ErrInvalidTimestamp)
	}
	if now < lastAccrual {
		return 0, fmt.Errorf("%w: clock regression", ErrInvalidTimestamp)
	}
	return uint64(now - lastAccrual), nil
}

// Accrue advances the entry's accrued balance by rate*elapsed using the
// synchronous local path. Callers that must not see the engine use the
// computation protocol instead; the arithmetic is identical.
func (l *Ledger) Accrue(emp *Employee, now int64) error {
	emp.mu.Lock()
	defer emp.mu.Unlock()

	if !emp.Active {
		return ErrInactiveEmployee
	}
	if emp.Delegated {
		return ErrAccountDelegated
	}

	elapsed, err := Tick(emp.LastAccrual, now)
	if err != nil {
		return err
	}

	delta, err := l.engine.ScalarMul(emp.EncryptedRate, elapsed)
	if err != nil {
		return fmt.Errorf("accrual multiply: %w", err)
	}
	accrued, err := l.engine.Add(emp.EncryptedAccrued, delta)
	if err != nil {
		return fmt.Errorf("accrual add: %w", err)
	}

	emp.EncryptedAccrued = accrued
	emp.LastAccrual = now
	return nil
}

// UpdateRate replaces the confidential salary rate.
func (l *Ledger) UpdateRate(emp *Employee, encryptedRate crypt.Value) error {
	if encryptedRate.IsZero() {
		return crypt.ErrInvalidCiphertext
	}
	emp.mu.Lock()
	defer emp.mu.Unlock()
	if !emp.Active {
		return ErrInactiveEmployee
	}
	if emp.Delegated {
		return ErrAccountDelegated
	}
	emp.EncryptedRate = encryptedRate
	return nil
}

// Deactivate marks an entry inactive. Entries are never deleted, so issued
// indices stay burned and addresses stay stable.
func (l *Ledger) Deactivate(emp *Employee) {
	emp.mu.Lock()
	defer emp.mu.Unlock()
	emp.Active = false
}

// MarkDelegated hands the entry's accrual state to a delegated execution
// context. From here until Undelegate, every base-ledger mutation of the
// entry is rejected with ErrAccountDelegated.
func (l *Ledger) MarkDelegated(emp *Employee) (EmployeeState, error) {
	emp.mu.Lock()
	defer emp.mu.Unlock()
	if !emp.Active {
		return EmployeeState{}, ErrInactiveEmployee
	}
	if emp.Delegated {
		return EmployeeState{}, ErrAccountDelegated
	}
	emp.Delegated = true
	l.log.Info("entry delegated", "index", emp.Index)
	return EmployeeState{
		EncryptedAccrued: emp.EncryptedAccrued,
		LastAccrual:      emp.LastAccrual,
	}, nil
}

// Undelegate writes the delegated state back into the entry and returns
// it to base-ledger control. Write-back and flag clear are one atomic
// step under the entry lock.
func (l *Ledger) Undelegate(emp *Employee, st EmployeeState) error {
	emp.mu.Lock()
	defer emp.mu.Unlock()
	if !emp.Delegated {
		return ErrNotDelegated
	}
	emp.EncryptedAccrued = st.EncryptedAccrued
	emp.LastAccrual = st.LastAccrual
	emp.Delegated = false
	l.log.Info("entry undelegated", "index", emp.Index)
	return nil
}

// SettleDebit finalizes a settlement: checks sufficiency against the
// plaintext vault total, debits it, clears the settled amount from the
// encrypted accrued balance, and stamps the accrual clock. All mutations
// happen under the entry and vault locks; any error leaves every field
// untouched.
//
// settledAccrued must be the up-to-date encrypted accrual the amount was
// decrypted from, so the ciphertext subtraction cannot underflow. since is
// the accrual stamp that settlement was computed from; if the entry
// accrued again in the meantime the debit is stale and rejected, so one
// accrual period can never be settled twice.
func (l *Ledger) SettleDebit(
	emp *Employee,
	settledAccrued crypt.Value,
	encryptedAmount crypt.Value,
	amount uint64,
	since, now int64,
) error {
	emp.mu.Lock()
	defer emp.mu.Unlock()
	if !emp.Active {
		return ErrInactiveEmployee
	}
	if emp.Delegated {
		return ErrAccountDelegated
	}
	if emp.LastAccrual != since {
		return fmt.Errorf("%w: accrual advanced during settlement", ErrInvalidTimestamp)
	}

	remaining, err := l.engine.Sub(settledAccrued, encryptedAmount)
	if err != nil {
		return fmt.Errorf("settle subtract: %w", err)
	}

	vault := l.Vault()
	vault.mu.Lock()
	defer vault.mu.Unlock()
	if amount > vault.TotalBalance {
		return ErrInsufficientFunds
	}
	vault.TotalBalance -= amount

	emp.EncryptedAccrued = remaining
	emp.LastAccrual = now
	return nil
}

// Businesses returns all business entries, for persistence sweeps.
func (l *Ledger) Businesses() []*Business {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Business, 0, len(l.businesses))
	for _, biz := range l.businesses {
		out = append(out, biz)
	}
	return out
}

// Employees returns all employee entries, for persistence sweeps.
func (l *Ledger) Employees() []*Employee {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Employee, 0, len(l.employees))
	for _, emp := range l.employees {
		out = append(out, emp)
	}
	return out
}

// Restore installs previously persisted state into an empty ledger.
func (l *Ledger) Restore(vault *Vault, businesses []*Business, employees []*Employee) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.vault != nil || len(l.businesses) > 0 || len(l.employees) > 0 {
		return fmt.Errorf("ledger: restore into non-empty ledger")
	}
	l.vault = vault
	for _, biz := range businesses {
		l.businesses[biz.Addr] = biz
	}
	for _, emp := range employees {
		l.employees[emp.Addr] = emp
	}
	l.log.Info("ledger restored", "businesses", len(businesses), "employees", len(employees))
	return nil
}

// incrementCount homomorphically adds one to an encrypted counter.
func (l *Ledger) incrementCount(counter *crypt.Value, owner crypt.OwnerTag) error {
	one, err := l.engine.Encrypt(1, owner)
	if err != nil {
		return fmt.Errorf("seal one: %w", err)
	}
	next, err := l.engine.Add(*counter, one)
	if err != nil {
		return fmt.Errorf("increment count: %w", err)
	}
	*counter = next
	return nil
}
