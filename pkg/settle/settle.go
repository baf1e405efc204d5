// Package settle gates withdrawal of accrued balances. The guard is the
// only place in the system where an accrued amount is decrypted: after
// pacing, identity verification, and a verified computation result, the
// withdrawer's own authorization opens their own balance, and nothing else.
package settle

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietpay/quietpay/pkg/compute"
	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/delegate"
	"github.com/quietpay/quietpay/pkg/identity"
	"github.com/quietpay/quietpay/pkg/ledger"
	"github.com/quietpay/quietpay/pkg/vaultlog"
)

var (
	ErrWithdrawTooSoon = errors.New("settle: minimum withdraw interval not elapsed")
	ErrNothingAccrued  = errors.New("settle: nothing accrued to withdraw")
)

// MinWithdrawInterval is the minimum spacing between two settlements of
// the same entry.
const MinWithdrawInterval = 60 * time.Second

// Transfer moves settled value out of the vault to the recipient. It is
// invoked after the ledger settlement has committed; an implementation
// that can fail transiently must retry internally or reconcile out of
// band, because the settlement is not rolled back on its account.
type Transfer interface {
	Transfer(to identity.Address, amount uint64) error
}

// Proof is the withdrawer's identity evidence: a signature over the
// challenge by the key enrolled at onboarding.
type Proof struct {
	Claimed   ed25519.PublicKey
	Challenge []byte
	Sig       []byte
}

// Guard runs the full settlement sequence for one ledger.
type Guard struct {
	ledger     *ledger.Ledger
	protocol   *compute.Protocol
	controller *delegate.Controller
	journal    *vaultlog.Journal
	transfer   Transfer
	clock      ledger.Clock
	log        *slog.Logger

	mu           sync.Mutex
	lastWithdraw map[identity.Address]int64
	nextOffset   map[identity.Address]uint64
	inFlight     map[identity.Address]*sync.Mutex
}

// NewGuard creates a Guard. controller and journal may be nil when
// delegation or event records are not in play; clock may be nil for
// wall-clock time.
func NewGuard(
	l *ledger.Ledger,
	protocol *compute.Protocol,
	controller *delegate.Controller,
	journal *vaultlog.Journal,
	transfer Transfer,
	clock ledger.Clock,
	log *slog.Logger,
) *Guard {
	if clock == nil {
		clock = ledger.RealClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		ledger:       l,
		protocol:     protocol,
		controller:   controller,
		journal:      journal,
		transfer:     transfer,
		clock:        clock,
		log:          log,
		lastWithdraw: make(map[identity.Address]int64),
		nextOffset:   make(map[identity.Address]uint64),
		inFlight:     make(map[identity.Address]*sync.Mutex),
	}
}

// Withdraw settles the entry's accrued balance and returns the settled
// amount. The sequence is pacing, identity verification, delegation
// commit, asynchronous accrual computation, then the atomic debit. Any
// failure before the debit leaves the entry untouched; a failed or forged
// computation result never reaches the ledger.
//
// Only the caller learns the amount. The journal record and all log
// output omit it.
func (g *Guard) Withdraw(
	ctx context.Context,
	emp *ledger.Employee,
	proof Proof,
	auth crypt.Authorization,
	to identity.Address,
) (uint64, error) {
	// One in-flight settlement per entry. Everything from the pacing check
	// to the debit runs under this lock, so two concurrent withdrawals can
	// never settle the same accrual period.
	entry := g.entryLock(emp.Addr)
	entry.Lock()
	defer entry.Unlock()

	now := g.clock.Now().Unix()

	g.mu.Lock()
	last := g.lastWithdraw[emp.Addr]
	g.mu.Unlock()
	if last != 0 && now-last < int64(MinWithdrawInterval/time.Second) {
		return 0, ErrWithdrawTooSoon
	}

	if err := identity.VerifyIdentity(
		g.ledger.Engine(), emp.EncryptedIdentity,
		proof.Claimed, proof.Challenge, proof.Sig, auth,
	); err != nil {
		return 0, err
	}

	// A delegated entry is committed back first so the settlement sees
	// every high-frequency tick.
	if g.controller != nil && g.controller.Delegated(emp.Addr) {
		if err := g.controller.CommitAndUndelegate(emp); err != nil {
			return 0, fmt.Errorf("commit delegated state: %w", err)
		}
		g.record(vaultlog.KindUndelegated, emp.Addr)
	}

	// Snapshot the accrual state under the entry lock; the stamp it carries
	// lets SettleDebit reject the debit if the entry accrued again before
	// the computation round trip finished.
	snap := emp.Snapshot()
	elapsed, err := ledger.Tick(snap.LastAccrual, now)
	if err != nil {
		return 0, err
	}

	id, err := g.protocol.Submit(emp, elapsed, g.issueOffset(emp.Addr))
	if err != nil {
		return 0, err
	}
	if err := g.protocol.Wait(ctx, id); err != nil {
		return 0, err
	}

	var amount uint64
	err = g.protocol.Apply(id, func(delta crypt.Value) error {
		settled, err := g.ledger.Engine().Add(snap.EncryptedAccrued, delta)
		if err != nil {
			return fmt.Errorf("bring accrued up to date: %w", err)
		}
		amount, err = g.ledger.Engine().Decrypt(settled, auth)
		if err != nil {
			return err
		}
		if amount == 0 {
			return ErrNothingAccrued
		}

		sealed, err := g.ledger.Engine().Encrypt(amount, emp.Owner)
		if err != nil {
			return fmt.Errorf("seal settlement amount: %w", err)
		}
		return g.ledger.SettleDebit(emp, settled, sealed, amount, snap.LastAccrual, now)
	})
	if err != nil {
		return 0, err
	}

	g.mu.Lock()
	g.lastWithdraw[emp.Addr] = now
	g.mu.Unlock()

	g.record(vaultlog.KindSettlement, emp.Addr)
	g.log.Info("settlement completed", "entry", emp.Index)

	if g.transfer != nil {
		if terr := g.transfer.Transfer(to, amount); terr != nil {
			g.log.Error("settled transfer failed", "entry", emp.Index, "error", terr)
			return amount, fmt.Errorf("transfer settled amount: %w", terr)
		}
	}
	return amount, nil
}

// issueOffset returns a strictly increasing per-entry computation offset,
// so request identifiers never collide with a consumed one.
func (g *Guard) issueOffset(addr identity.Address) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	off := g.nextOffset[addr]
	g.nextOffset[addr] = off + 1
	return off
}

// entryLock returns the per-entry settlement lock, creating it on first
// use.
func (g *Guard) entryLock(addr identity.Address) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	mu, ok := g.inFlight[addr]
	if !ok {
		mu = &sync.Mutex{}
		g.inFlight[addr] = mu
	}
	return mu
}

func (g *Guard) record(kind vaultlog.Kind, addr identity.Address) {
	if g.journal != nil {
		g.journal.Record(kind, addr, nil)
	}
}
