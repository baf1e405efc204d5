// Package quietpay is a confidential salary accrual and settlement engine.
// Salaries accrue per second against encrypted rates; balances, rates, and
// identities stay encrypted at rest and in every log line, while the vault
// total backing them is tracked in plaintext for sufficiency checks.
package quietpay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quietpay/quietpay/internal/snapshot"
	"github.com/quietpay/quietpay/internal/store"
	"github.com/quietpay/quietpay/pkg/compute"
	"github.com/quietpay/quietpay/pkg/compute/localcluster"
	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/delegate"
	"github.com/quietpay/quietpay/pkg/identity"
	"github.com/quietpay/quietpay/pkg/ledger"
	"github.com/quietpay/quietpay/pkg/settle"
	"github.com/quietpay/quietpay/pkg/vaultlog"
)

var (
	ErrNotStarted = errors.New("quietpay: engine not started")
	ErrClosed     = errors.New("quietpay: engine closed")
)

// Config configures the engine instance.
type Config struct {
	// DataPath is the data directory. Created if missing.
	DataPath string
	// MinimumFreeGB is a free-space threshold for the record store.
	MinimumFreeGB uint
	// TickInterval is the delegated executors' accrual cadence. Zero
	// selects the default.
	TickInterval time.Duration
	// Logger is an optional structured logger. If nil, a stderr logger is
	// used.
	Logger *slog.Logger
	// Transfer receives settled amounts. May be nil when value movement is
	// handled elsewhere.
	Transfer settle.Transfer
}

func defaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}

// QuietPay is the main engine handle. It owns the sealing engine, the
// ledger, the record store, and the lifecycle of background components.
type QuietPay struct {
	log    *slog.Logger
	config Config

	engine     *crypt.Engine
	ledger     *ledger.Ledger
	storeMu    sync.RWMutex
	records    *store.Store
	cluster    *localcluster.Cluster
	protocol   *compute.Protocol
	controller *delegate.Controller
	guard      *settle.Guard
	journal    *vaultlog.Journal

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs an engine handle. New does not perform heavy I/O or
// start background goroutines. Call Start to initialize subsystems.
func New(conf Config) (*QuietPay, error) {
	if conf.DataPath == "" {
		return nil, fmt.Errorf("data path must be provided in config")
	}
	if conf.Logger == nil {
		conf.Logger = defaultLogger()
	}
	return &QuietPay{
		log:    conf.Logger,
		config: conf,
	}, nil
}

// Start initializes the sealing engine and record store, reloads
// persisted entries, and starts the local computation cluster. Safe to
// call multiple times; only the first call has effect.
func (q *QuietPay) Start(ctx context.Context) error {
	var startErr error
	q.startOnce.Do(func() {
		dataRoot := q.config.DataPath
		if err := os.MkdirAll(dataRoot, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", dataRoot, err)
			return
		}

		engine, err := loadOrCreateEngine(filepath.Join(dataRoot, "quietpay.key"))
		if err != nil {
			startErr = fmt.Errorf("init sealing engine: %w", err)
			return
		}
		q.engine = engine

		recordsPath := filepath.Join(dataRoot, "records")
		if err := os.MkdirAll(recordsPath, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", recordsPath, err)
			return
		}
		records, err := store.New(store.Config{
			Path:             recordsPath,
			MinimumFreeSpace: int(q.config.MinimumFreeGB),
			Logger:           logrus.New(),
		})
		if err != nil {
			startErr = fmt.Errorf("open record store: %w", err)
			return
		}
		q.storeMu.Lock()
		q.records = records
		q.storeMu.Unlock()

		q.journal = vaultlog.New(q.log)
		q.ledger = ledger.New(engine, nil, q.log)
		if err := q.reload(); err != nil {
			startErr = fmt.Errorf("reload records: %w", err)
			return
		}

		cluster, err := localcluster.New(engine.Key(), func(res *compute.Result) error {
			return q.protocol.Deliver(res)
		}, q.log)
		if err != nil {
			startErr = fmt.Errorf("start local cluster: %w", err)
			return
		}
		q.cluster = cluster
		q.protocol = compute.NewProtocol(cluster, cluster.PublicKey(), nil, q.log)
		q.controller = delegate.NewController(q.ledger, nil, q.config.TickInterval, q.log)
		q.guard = settle.NewGuard(
			q.ledger, q.protocol, q.controller, q.journal,
			q.config.Transfer, nil, q.log,
		)

		q.started.Store(true)
		q.log.Info("quietpay started", "path", dataRoot)
	})
	return startErr
}

// Run starts the engine, blocks until ctx is canceled, then performs a
// bounded graceful shutdown. A convenience for services.
func (q *QuietPay) Run(ctx context.Context) error {
	if err := q.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return q.Close(shutdownCtx)
}

// Close commits delegated entries, persists the ledger, and releases
// resources. Idempotent.
func (q *QuietPay) Close(ctx context.Context) error {
	var closeErr error
	q.closeOnce.Do(func() {
		q.started.Store(false)

		if q.controller != nil {
			if err := q.controller.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("commit delegations: %w", err))
			}
		}
		if q.cluster != nil {
			q.cluster.Close()
		}
		if q.ledger != nil {
			if err := q.persist(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("persist ledger: %w", err))
			}
		}
		if q.journal != nil {
			q.journal.Stop()
		}

		q.storeMu.Lock()
		records := q.records
		q.records = nil
		q.storeMu.Unlock()
		if records != nil {
			if err := records.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close record store: %w", err))
			}
		}
		q.log.Info("quietpay stopped")
	})
	return closeErr
}

// Ledger exposes the accrual ledger.
func (q *QuietPay) Ledger() *ledger.Ledger {
	return q.ledger
}

// Journal exposes the vault event journal.
func (q *QuietPay) Journal() *vaultlog.Journal {
	return q.journal
}

// Controller exposes the delegation controller.
func (q *QuietPay) Controller() *delegate.Controller {
	return q.controller
}

// InitVault creates the global vault.
func (q *QuietPay) InitVault(owner crypt.OwnerTag) (*ledger.Vault, error) {
	if !q.started.Load() {
		return nil, ErrNotStarted
	}
	vault, err := q.ledger.InitVault(owner)
	if err != nil {
		return nil, err
	}
	q.journal.Record(vaultlog.KindVaultInitialized, vault.Addr, nil)
	return vault, nil
}

// RegisterBusiness creates a business entry under the vault.
func (q *QuietPay) RegisterBusiness(encryptedOwnerID crypt.Value, owner crypt.OwnerTag) (*ledger.Business, error) {
	if !q.started.Load() {
		return nil, ErrNotStarted
	}
	biz, err := q.ledger.RegisterBusiness(encryptedOwnerID, owner)
	if err != nil {
		return nil, err
	}
	q.journal.Record(vaultlog.KindBusinessRegistered, biz.Addr, nil)
	return biz, nil
}

// AddEmployee creates an employee entry under the business.
func (q *QuietPay) AddEmployee(
	biz *ledger.Business,
	encryptedID, encryptedRate crypt.Value,
	owner crypt.OwnerTag,
) (*ledger.Employee, error) {
	if !q.started.Load() {
		return nil, ErrNotStarted
	}
	emp, err := q.ledger.AddEmployee(biz, encryptedID, encryptedRate, owner)
	if err != nil {
		return nil, err
	}
	q.journal.Record(vaultlog.KindEmployeeAdded, emp.Addr, nil)
	return emp, nil
}

// Deposit funds the vault on behalf of a business.
func (q *QuietPay) Deposit(biz *ledger.Business, amount uint64, encryptedAmount crypt.Value) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.ledger.Deposit(biz, amount, encryptedAmount); err != nil {
		return err
	}
	q.journal.Record(vaultlog.KindDeposit, biz.Addr, nil)
	return nil
}

// ClaimExcess returns unallocated vault funds to the employer.
func (q *QuietPay) ClaimExcess(biz *ledger.Business, amount uint64) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.ledger.ClaimExcess(biz, amount); err != nil {
		return err
	}
	q.journal.Record(vaultlog.KindExcessClaimed, biz.Addr, nil)
	return nil
}

// UpdateRate replaces an employee's confidential rate.
func (q *QuietPay) UpdateRate(emp *ledger.Employee, encryptedRate crypt.Value) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.ledger.UpdateRate(emp, encryptedRate); err != nil {
		return err
	}
	q.journal.Record(vaultlog.KindRateUpdated, emp.Addr, nil)
	return nil
}

// Deactivate retires an employee entry. The entry and its index remain.
func (q *QuietPay) Deactivate(emp *ledger.Employee) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	q.ledger.Deactivate(emp)
	q.journal.Record(vaultlog.KindDeactivated, emp.Addr, nil)
	return nil
}

// Delegate hands the entry to the high-frequency execution context.
func (q *QuietPay) Delegate(emp *ledger.Employee) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.controller.Delegate(emp); err != nil {
		return err
	}
	q.journal.Record(vaultlog.KindDelegated, emp.Addr, nil)
	return nil
}

// CommitAndUndelegate returns a delegated entry to base-ledger control.
func (q *QuietPay) CommitAndUndelegate(emp *ledger.Employee) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.controller.CommitAndUndelegate(emp); err != nil {
		return err
	}
	q.journal.Record(vaultlog.KindUndelegated, emp.Addr, nil)
	return nil
}

// Withdraw settles the entry's accrued balance. Only the caller learns the
// amount.
func (q *QuietPay) Withdraw(
	ctx context.Context,
	emp *ledger.Employee,
	proof settle.Proof,
	auth crypt.Authorization,
	to identity.Address,
) (uint64, error) {
	if !q.started.Load() {
		return 0, ErrNotStarted
	}
	return q.guard.Withdraw(ctx, emp, proof, auth, to)
}

// Snapshot persists the current ledger and exports the full record store
// to w as a compressed stream.
func (q *QuietPay) Snapshot(ctx context.Context, w io.Writer) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	if err := q.persist(); err != nil {
		return fmt.Errorf("persist before snapshot: %w", err)
	}
	q.storeMu.RLock()
	defer q.storeMu.RUnlock()
	if q.records == nil {
		return ErrClosed
	}
	return snapshot.Export(ctx, q.records, w)
}

// RestoreSnapshot loads a snapshot stream into the record store and
// reloads the ledger from it. Only valid on an empty engine.
func (q *QuietPay) RestoreSnapshot(ctx context.Context, r io.Reader) error {
	if !q.started.Load() {
		return ErrNotStarted
	}
	q.storeMu.RLock()
	records := q.records
	q.storeMu.RUnlock()
	if records == nil {
		return ErrClosed
	}
	if err := snapshot.Restore(ctx, records, r); err != nil {
		return err
	}
	return q.reload()
}

// persist writes the vault and every entry into the record store in one
// batch.
func (q *QuietPay) persist() error {
	q.storeMu.RLock()
	records := q.records
	q.storeMu.RUnlock()
	if records == nil {
		return ErrClosed
	}

	var batch [][2][]byte
	if vault := q.ledger.Vault(); vault != nil {
		batch = append(batch, [2][]byte{store.VaultKey(), ledger.EncodeVault(vault)})
	}
	for _, biz := range q.ledger.Businesses() {
		batch = append(batch, [2][]byte{store.BusinessKey(biz.Addr), ledger.EncodeBusiness(biz)})
	}
	for _, emp := range q.ledger.Employees() {
		batch = append(batch, [2][]byte{store.EmployeeKey(emp.Addr), ledger.EncodeEmployee(emp)})
	}
	if len(batch) == 0 {
		return nil
	}
	return records.WriteBatch(batch)
}

// reload rebuilds the in-memory ledger from the record store. Records
// persisted in the previous layout version decode transparently and are
// rewritten in the current layout on the next persist.
func (q *QuietPay) reload() error {
	q.storeMu.RLock()
	records := q.records
	q.storeMu.RUnlock()
	if records == nil {
		return ErrClosed
	}

	fresh := ledger.New(q.engine, nil, q.log)

	var vault *ledger.Vault
	raw, err := records.Read(store.VaultKey())
	switch {
	case err == nil:
		vault, err = ledger.DecodeVault(raw)
		if err != nil {
			return err
		}
	case errors.Is(err, store.ErrNotFound):
		// first run
	default:
		return err
	}

	var businesses []*ledger.Business
	bizRecords, err := records.ReadPrefix(store.BusinessPrefix())
	if err != nil {
		return err
	}
	for _, kv := range bizRecords {
		biz, err := ledger.DecodeBusiness(kv[1])
		if err != nil {
			return err
		}
		businesses = append(businesses, biz)
	}

	var employees []*ledger.Employee
	empRecords, err := records.ReadPrefix(store.EmployeePrefix())
	if err != nil {
		return err
	}
	for _, kv := range empRecords {
		emp, err := ledger.DecodeEmployee(kv[1])
		if err != nil {
			return err
		}
		// A delegated flag that survived a restart points at an executor
		// that no longer exists. The persisted snapshot is authoritative;
		// clear the flag so the entry is not locked out forever.
		if emp.Delegated {
			emp.Delegated = false
			q.log.Warn("cleared stale delegation flag", "entry", emp.Index)
		}
		employees = append(employees, emp)
	}

	if vault == nil && len(businesses) == 0 && len(employees) == 0 {
		q.ledger = fresh
		return nil
	}
	if err := fresh.Restore(vault, businesses, employees); err != nil {
		return err
	}
	q.ledger = fresh
	return nil
}

// loadOrCreateEngine reads the sealing key from path, generating and
// persisting a fresh one on first run.
func loadOrCreateEngine(path string) (*crypt.Engine, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, fmt.Errorf("key file %s: unexpected size %d", path, len(raw))
		}
		var key [32]byte
		copy(key[:], raw)
		return crypt.NewEngineFromKey(key), nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	engine, err := crypt.NewEngine()
	if err != nil {
		return nil, err
	}
	key := engine.Key()
	if err := os.WriteFile(path, key[:], 0o600); err != nil {
		return nil, fmt.Errorf("persist key file: %w", err)
	}
	return engine, nil
}
