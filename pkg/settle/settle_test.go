package settle

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quietpay/quietpay/pkg/compute"
	"github.com/quietpay/quietpay/pkg/compute/localcluster"
	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/delegate"
	"github.com/quietpay/quietpay/pkg/identity"
	"github.com/quietpay/quietpay/pkg/ledger"
	"github.com/quietpay/quietpay/pkg/vaultlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingTransfer collects payouts.
type recordingTransfer struct {
	mu    sync.Mutex
	calls []uint64
}

func (r *recordingTransfer) Transfer(_ identity.Address, amount uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, amount)
	return nil
}

type fixture struct {
	engine     *crypt.Engine
	ledger     *ledger.Ledger
	clock      *fakeClock
	auth       crypt.Authorization
	guard      *Guard
	controller *delegate.Controller
	journal    *vaultlog.Journal
	transfer   *recordingTransfer
	cluster    *localcluster.Cluster
	vault      *ledger.Vault
	biz        *ledger.Business
	emp        *ledger.Employee
	pub        ed25519.PublicKey
	priv       ed25519.PrivateKey
}

func newFixture(t *testing.T, rate uint64) *fixture {
	t.Helper()
	engine, err := crypt.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	auth, _ := crypt.NewAuthorization([]byte("worker"))
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := ledger.New(engine, clock, nil)

	if _, err := l.InitVault(auth.Tag()); err != nil {
		t.Fatalf("InitVault: %v", err)
	}
	ownerID, _ := engine.Encrypt(1, auth.Tag())
	biz, err := l.RegisterBusiness(ownerID, auth.Tag())
	if err != nil {
		t.Fatalf("RegisterBusiness: %v", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	encID, err := identity.EncryptIdentity(engine, pub, auth.Tag())
	if err != nil {
		t.Fatalf("EncryptIdentity: %v", err)
	}
	encRate, _ := engine.Encrypt(rate, auth.Tag())
	emp, err := l.AddEmployee(biz, encID, encRate, auth.Tag())
	if err != nil {
		t.Fatalf("AddEmployee: %v", err)
	}

	f := &fixture{
		engine:   engine,
		ledger:   l,
		clock:    clock,
		auth:     auth,
		transfer: &recordingTransfer{},
		vault:    l.Vault(),
		biz:      biz,
		emp:      emp,
		pub:      pub,
		priv:     priv,
	}

	var protocol *compute.Protocol
	cluster, err := localcluster.New(engine.Key(), func(res *compute.Result) error {
		return protocol.Deliver(res)
	}, nil)
	if err != nil {
		t.Fatalf("localcluster.New: %v", err)
	}
	t.Cleanup(cluster.Close)
	protocol = compute.NewProtocol(cluster, cluster.PublicKey(), nil, nil)

	f.cluster = cluster
	f.controller = delegate.NewController(l, clock, 5*time.Millisecond, nil)
	f.journal = vaultlog.New(nil)
	t.Cleanup(f.journal.Stop)
	f.guard = NewGuard(l, protocol, f.controller, f.journal, f.transfer, clock, nil)
	return f
}

func (f *fixture) deposit(t *testing.T, amount uint64) {
	t.Helper()
	enc, _ := f.engine.Encrypt(amount, f.auth.Tag())
	if err := f.ledger.Deposit(f.biz, amount, enc); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func (f *fixture) proof() Proof {
	challenge := []byte("withdrawal challenge")
	return Proof{
		Claimed:   f.pub,
		Challenge: challenge,
		Sig:       ed25519.Sign(f.priv, challenge),
	}
}

func (f *fixture) withdraw(t *testing.T) (uint64, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.guard.Withdraw(ctx, f.emp, f.proof(), f.auth, identity.Address{9})
}

func TestWithdrawSettlesAccrued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.deposit(t, 10_000)

	f.clock.advance(time.Hour)
	amount, err := f.withdraw(t)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if amount != 7200 { // rate 2 * 3600s
		t.Fatalf("amount: got %d, want 7200", amount)
	}

	if f.vault.TotalBalance != 10_000-7200 {
		t.Fatalf("vault total: got %d", f.vault.TotalBalance)
	}
	if got, _ := f.engine.Decrypt(f.emp.EncryptedAccrued, f.auth); got != 0 {
		t.Fatalf("accrued after settle: got %d, want 0", got)
	}
	if len(f.transfer.calls) != 1 || f.transfer.calls[0] != 7200 {
		t.Fatalf("transfer calls: %v", f.transfer.calls)
	}
}

func TestWithdrawPacing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.deposit(t, 100_000)

	f.clock.advance(time.Hour)
	if _, err := f.withdraw(t); err != nil {
		t.Fatalf("first Withdraw: %v", err)
	}

	f.clock.advance(30 * time.Second)
	if _, err := f.withdraw(t); !errors.Is(err, ErrWithdrawTooSoon) {
		t.Fatalf("expected ErrWithdrawTooSoon, got %v", err)
	}

	f.clock.advance(31 * time.Second)
	if _, err := f.withdraw(t); err != nil {
		t.Fatalf("Withdraw after interval: %v", err)
	}
}

func TestWithdrawConcurrentSettlesOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.deposit(t, 100_000)
	f.clock.advance(time.Hour)

	// Both goroutines target the same entry and the same accrual period.
	// Exactly one may settle it; the other must hit the pacing check.
	type outcome struct {
		amount uint64
		err    error
	}
	results := make(chan outcome, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			amount, err := f.guard.Withdraw(
				context.Background(), f.emp, f.proof(), f.auth, identity.Address{9},
			)
			results <- outcome{amount: amount, err: err}
		}()
	}
	wg.Wait()
	close(results)

	var paid uint64
	var settled, paced int
	for res := range results {
		switch {
		case res.err == nil:
			settled++
			paid += res.amount
		case errors.Is(res.err, ErrWithdrawTooSoon):
			paced++
		default:
			t.Fatalf("unexpected withdraw error: %v", res.err)
		}
	}
	if settled != 1 || paced != 1 {
		t.Fatalf("settled %d, paced %d; want 1 and 1", settled, paced)
	}
	if paid != 7200 { // rate 2 * 3600s, once
		t.Fatalf("paid: got %d, want 7200", paid)
	}
	if f.vault.TotalBalance != 100_000-7200 {
		t.Fatalf("vault total: got %d, want %d", f.vault.TotalBalance, 100_000-7200)
	}
	if len(f.transfer.calls) != 1 {
		t.Fatalf("transfer calls: %v", f.transfer.calls)
	}
}

func TestWithdrawNothingAccrued(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.deposit(t, 10_000)

	// No time has passed since onboarding.
	if _, err := f.withdraw(t); !errors.Is(err, ErrNothingAccrued) {
		t.Fatalf("expected ErrNothingAccrued, got %v", err)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.deposit(t, 1000)

	// 1200 accrued against a vault holding 1000.
	f.clock.advance(1200 * time.Second)
	if _, err := f.withdraw(t); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	if f.vault.TotalBalance != 1000 {
		t.Fatalf("vault total changed on failed withdraw: %d", f.vault.TotalBalance)
	}
	if len(f.transfer.calls) != 0 {
		t.Fatal("no transfer on failed withdraw")
	}
}

func TestWithdrawRejectsWrongIdentity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.deposit(t, 1000)
	f.clock.advance(time.Minute)

	otherPub, otherPriv, _ := ed25519.GenerateKey(rand.Reader)
	challenge := []byte("withdrawal challenge")
	proof := Proof{
		Claimed:   otherPub,
		Challenge: challenge,
		Sig:       ed25519.Sign(otherPriv, challenge),
	}

	ctx := context.Background()
	_, err := f.guard.Withdraw(ctx, f.emp, proof, f.auth, identity.Address{9})
	if !errors.Is(err, identity.ErrIdentityVerificationFailed) {
		t.Fatalf("expected ErrIdentityVerificationFailed, got %v", err)
	}
}

func TestWithdrawCommitsDelegatedEntryFirst(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 3)
	f.deposit(t, 100_000)

	if err := f.controller.Delegate(f.emp); err != nil {
		t.Fatalf("Delegate: %v", err)
	}
	f.clock.advance(time.Hour)
	time.Sleep(50 * time.Millisecond)

	amount, err := f.withdraw(t)
	if err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if amount != 3*3600 {
		t.Fatalf("amount: got %d, want %d", amount, 3*3600)
	}
	if f.emp.Delegated {
		t.Fatal("entry must be undelegated after settlement")
	}
}

func TestWithdrawJournalOmitsAmount(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 2)
	f.deposit(t, 10_000)
	f.clock.advance(time.Hour)

	if _, err := f.withdraw(t); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}

	events := f.journal.QueryByKind(vaultlog.KindSettlement, time.Time{})
	if len(events) != 1 {
		t.Fatalf("settlement events: %d", len(events))
	}
	if !events[0].Entry.Equal(f.emp.Addr) {
		t.Fatal("event must reference the entry address")
	}
	if len(events[0].Fields) != 0 {
		t.Fatalf("settlement event must carry no extra fields, got %v", events[0].Fields)
	}
}
