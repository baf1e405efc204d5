// Package delegate moves an employee entry's accrual state into a
// high-frequency execution context. While delegated, a dedicated goroutine
// owns the entry's accrued balance and advances it on a fast tick without
// touching the base ledger; commit writes the state back and returns
// control atomically.
package delegate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
	"github.com/quietpay/quietpay/pkg/ledger"
)

var (
	ErrAlreadyDelegated = errors.New("delegate: entry already delegated")
	ErrNotDelegated     = errors.New("delegate: entry is not delegated")
	ErrClosed           = errors.New("delegate: controller is closed")
)

// DefaultTickInterval is the executor's accrual cadence. Accrual
// granularity stays one second regardless; a fast tick only bounds how
// stale the delegated balance can be.
const DefaultTickInterval = 250 * time.Millisecond

// Controller tracks delegated entries and their executors.
type Controller struct {
	ledger   *ledger.Ledger
	clock    ledger.Clock
	log      *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	closed    bool
	executors map[identity.Address]*executor
}

// NewController creates a Controller. interval <= 0 selects the default
// tick cadence; clock may be nil for wall-clock time.
func NewController(l *ledger.Ledger, clock ledger.Clock, interval time.Duration, log *slog.Logger) *Controller {
	if clock == nil {
		clock = ledger.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		ledger:    l,
		clock:     clock,
		log:       log,
		interval:  interval,
		executors: make(map[identity.Address]*executor),
	}
}

// Delegate hands the entry to a fresh executor goroutine. The base ledger
// rejects mutations of the entry until CommitAndUndelegate.
func (c *Controller) Delegate(emp *ledger.Employee) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, exists := c.executors[emp.Addr]; exists {
		return ErrAlreadyDelegated
	}

	state, err := c.ledger.MarkDelegated(emp)
	if err != nil {
		if errors.Is(err, ledger.ErrAccountDelegated) {
			return ErrAlreadyDelegated
		}
		return err
	}

	ex := &executor{
		engine:   c.ledger.Engine(),
		clock:    c.clock,
		log:      c.log,
		interval: c.interval,
		rate:     emp.EncryptedRate, // immutable while delegated
		state:    state,
		mailbox:  make(chan command),
		done:     make(chan struct{}),
	}
	c.executors[emp.Addr] = ex
	go ex.run()
	return nil
}

// CommitAndUndelegate stops the entry's executor, waits for its final
// accrual tick, and writes the resulting state back into the base ledger.
func (c *Controller) CommitAndUndelegate(emp *ledger.Employee) error {
	c.mu.Lock()
	ex, ok := c.executors[emp.Addr]
	if !ok {
		c.mu.Unlock()
		return ErrNotDelegated
	}
	delete(c.executors, emp.Addr)
	c.mu.Unlock()

	final := ex.stop()
	if err := c.ledger.Undelegate(emp, final); err != nil {
		return fmt.Errorf("write back delegated state: %w", err)
	}
	return nil
}

// Peek returns the executor's current state without stopping it. Used by
// settlement to observe a delegated balance is being maintained.
func (c *Controller) Peek(addr identity.Address) (ledger.EmployeeState, bool) {
	c.mu.Lock()
	ex, ok := c.executors[addr]
	c.mu.Unlock()
	if !ok {
		return ledger.EmployeeState{}, false
	}
	return ex.peek(), true
}

// Delegated reports whether this controller runs an executor for addr.
func (c *Controller) Delegated(addr identity.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.executors[addr]
	return ok
}

// Close commits every remaining executor back to the ledger. Entries stay
// marked delegated if write-back fails; that is surfaced, not swallowed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	remaining := c.executors
	c.executors = make(map[identity.Address]*executor)
	c.mu.Unlock()

	var firstErr error
	for addr, ex := range remaining {
		final := ex.stop()
		if emp, ok := c.ledger.Employee(addr); ok {
			if err := c.ledger.Undelegate(emp, final); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type commandKind uint8

const (
	cmdPeek commandKind = iota
	cmdStop
)

type command struct {
	kind  commandKind
	reply chan ledger.EmployeeState
}

// executor is the actor owning one delegated entry's accrual state. All
// access goes through the mailbox; the state is never shared.
type executor struct {
	engine   *crypt.Engine
	clock    ledger.Clock
	log      *slog.Logger
	interval time.Duration
	rate     crypt.Value
	state    ledger.EmployeeState
	mailbox  chan command
	done     chan struct{}
}

func (ex *executor) run() {
	defer close(ex.done)
	ticker := time.NewTicker(ex.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ex.accrue()
		case cmd := <-ex.mailbox:
			switch cmd.kind {
			case cmdPeek:
				cmd.reply <- ex.state
			case cmdStop:
				ex.accrue()
				cmd.reply <- ex.state
				return
			}
		}
	}
}

// accrue advances the delegated balance by rate*elapsed. Whole seconds
// only; LastAccrual is not stamped on a zero-elapsed tick so fractional
// time is never dropped.
func (ex *executor) accrue() {
	now := ex.clock.Now().Unix()
	if ex.state.LastAccrual == 0 || now < ex.state.LastAccrual {
		return
	}
	elapsed := uint64(now - ex.state.LastAccrual)
	if elapsed == 0 {
		return
	}

	delta, err := ex.engine.ScalarMul(ex.rate, elapsed)
	if err != nil {
		ex.log.Warn("delegated accrual multiply failed", "error", err)
		return
	}
	accrued, err := ex.engine.Add(ex.state.EncryptedAccrued, delta)
	if err != nil {
		ex.log.Warn("delegated accrual add failed", "error", err)
		return
	}

	ex.state.EncryptedAccrued = accrued
	ex.state.LastAccrual = now
}

func (ex *executor) peek() ledger.EmployeeState {
	reply := make(chan ledger.EmployeeState, 1)
	select {
	case ex.mailbox <- command{kind: cmdPeek, reply: reply}:
		return <-reply
	case <-ex.done:
		return ex.state
	}
}

// stop performs a final accrual, returns the resulting state, and ends
// the actor goroutine. Idempotent against a finished executor.
func (ex *executor) stop() ledger.EmployeeState {
	reply := make(chan ledger.EmployeeState, 1)
	select {
	case ex.mailbox <- command{kind: cmdStop, reply: reply}:
		st := <-reply
		<-ex.done
		return st
	case <-ex.done:
		return ex.state
	}
}
