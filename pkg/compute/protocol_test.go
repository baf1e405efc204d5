package compute

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
	"github.com/quietpay/quietpay/pkg/ledger"
)

// manualCluster records queued requests and lets the test craft results.
type manualCluster struct {
	queued []Request
	err    error
}

func (c *manualCluster) Queue(req Request) error {
	if c.err != nil {
		return c.err
	}
	c.queued = append(c.queued, req)
	return nil
}

type protocolFixture struct {
	engine   *crypt.Engine
	auth     crypt.Authorization
	cluster  *manualCluster
	protocol *Protocol
	priv     ed25519.PrivateKey
	emp      *ledger.Employee
}

func newProtocolFixture(t *testing.T) *protocolFixture {
	t.Helper()
	engine, err := crypt.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	auth, _ := crypt.NewAuthorization([]byte("worker"))
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	rate, err := engine.Encrypt(5, auth.Tag())
	if err != nil {
		t.Fatalf("Encrypt rate: %v", err)
	}
	emp := &ledger.Employee{
		Addr:          identity.DeriveAddress(identity.SeedEmployee, identity.Address{1}, 0),
		Owner:         auth.Tag(),
		EncryptedRate: rate,
		LastAccrual:   time.Now().Unix(),
		Active:        true,
	}

	cluster := &manualCluster{}
	return &protocolFixture{
		engine:   engine,
		auth:     auth,
		cluster:  cluster,
		protocol: NewProtocol(cluster, pub, nil, nil),
		priv:     priv,
		emp:      emp,
	}
}

// result computes the product like the real cluster would and signs it.
func (f *protocolFixture) result(t *testing.T, req Request) *Result {
	t.Helper()
	product, err := f.engine.ScalarMul(req.EncryptedInput, req.Scalar)
	if err != nil {
		t.Fatalf("ScalarMul: %v", err)
	}
	res := &Result{
		RequestID:  req.ID,
		Outcome:    OutcomeSuccess,
		Ciphertext: product.Bytes(),
	}
	SignResult(f.priv, res)
	return res
}

func TestProtocolHappyPath(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, err := f.protocol.Submit(f.emp, 60, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if f.protocol.StateOf(id) != PhaseRequested {
		t.Fatalf("phase after submit: %s", f.protocol.StateOf(id))
	}
	if len(f.cluster.queued) != 1 {
		t.Fatalf("queued: %d requests", len(f.cluster.queued))
	}

	if err := f.protocol.Deliver(f.result(t, f.cluster.queued[0])); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if f.protocol.StateOf(id) != PhaseVerified {
		t.Fatalf("phase after deliver: %s", f.protocol.StateOf(id))
	}

	var applied uint64
	err = f.protocol.Apply(id, func(delta crypt.Value) error {
		v, err := f.engine.Decrypt(delta, f.auth)
		if err != nil {
			return err
		}
		applied = v
		return nil
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if applied != 300 { // rate 5 * elapsed 60
		t.Fatalf("applied delta: got %d, want 300", applied)
	}
	if f.protocol.StateOf(id) != PhaseApplied {
		t.Fatalf("phase after apply: %s", f.protocol.StateOf(id))
	}
}

func TestProtocolRejectsForgedSignature(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, err := f.protocol.Submit(f.emp, 60, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := f.result(t, f.cluster.queued[0])
	_, forger, _ := ed25519.GenerateKey(rand.Reader)
	SignResult(forger, res)

	if err := f.protocol.Deliver(res); !errors.Is(err, ErrSignatureVerification) {
		t.Fatalf("expected ErrSignatureVerification, got %v", err)
	}
	if f.protocol.StateOf(id) != PhaseRejected {
		t.Fatalf("phase after forged result: %s", f.protocol.StateOf(id))
	}
	// A rejected request never reaches the ledger.
	if err := f.protocol.Apply(id, func(crypt.Value) error { return nil }); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProtocolRejectsFailureOutcome(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, err := f.protocol.Submit(f.emp, 60, 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := &Result{RequestID: id, Outcome: OutcomeFailure}
	SignResult(f.priv, res)

	if err := f.protocol.Deliver(res); !errors.Is(err, ErrComputationFailed) {
		t.Fatalf("expected ErrComputationFailed, got %v", err)
	}
	if f.protocol.StateOf(id) != PhaseRejected {
		t.Fatalf("phase: %s", f.protocol.StateOf(id))
	}
}

func TestProtocolRejectsReplay(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, _ := f.protocol.Submit(f.emp, 60, 0)
	res := f.result(t, f.cluster.queued[0])
	if err := f.protocol.Deliver(res); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := f.protocol.Apply(id, func(crypt.Value) error { return nil }); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := f.protocol.Deliver(res); !errors.Is(err, ErrResultReplayed) {
		t.Fatalf("replayed Deliver: expected ErrResultReplayed, got %v", err)
	}
	if err := f.protocol.Apply(id, func(crypt.Value) error { return nil }); !errors.Is(err, ErrResultReplayed) {
		t.Fatalf("replayed Apply: expected ErrResultReplayed, got %v", err)
	}
}

func TestProtocolApplyRunsEffectOnce(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, _ := f.protocol.Submit(f.emp, 60, 0)
	if err := f.protocol.Deliver(f.result(t, f.cluster.queued[0])); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	var effects atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- f.protocol.Apply(id, func(crypt.Value) error {
			effects.Add(1)
			close(entered)
			<-release
			return nil
		})
	}()

	// While the first apply is inside its callback, a second Apply for the
	// same request must be turned away without running the effect again.
	<-entered
	err := f.protocol.Apply(id, func(crypt.Value) error {
		effects.Add(1)
		return nil
	})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("concurrent Apply: expected ErrInvalidState, got %v", err)
	}

	close(release)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if got := effects.Load(); got != 1 {
		t.Fatalf("apply effect ran %d times, want 1", got)
	}
	if err := f.protocol.Apply(id, func(crypt.Value) error { return nil }); !errors.Is(err, ErrResultReplayed) {
		t.Fatalf("expected ErrResultReplayed, got %v", err)
	}
}

func TestProtocolApplyRetriesAfterCallbackError(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, _ := f.protocol.Submit(f.emp, 60, 0)
	if err := f.protocol.Deliver(f.result(t, f.cluster.queued[0])); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	boom := errors.New("ledger unavailable")
	if err := f.protocol.Apply(id, func(crypt.Value) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if f.protocol.StateOf(id) != PhaseVerified {
		t.Fatalf("phase after failed apply: %s", f.protocol.StateOf(id))
	}
	if err := f.protocol.Apply(id, func(crypt.Value) error { return nil }); err != nil {
		t.Fatalf("retry Apply: %v", err)
	}
}

func TestProtocolRejectsMisdirectedResult(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	if _, err := f.protocol.Submit(f.emp, 60, 0); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := f.result(t, f.cluster.queued[0])
	res.RequestID = NewRequestID(f.emp.Addr, 999)
	if err := f.protocol.Deliver(res); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestProtocolSubmitRejectsInactiveEntry(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)
	f.emp.Active = false

	if _, err := f.protocol.Submit(f.emp, 60, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProtocolSubmitRejectsUnboundCallback(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)
	f.emp.Addr = identity.Address{}

	if _, err := f.protocol.Submit(f.emp, 60, 0); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProtocolSubmitRejectsOffsetReuse(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	if _, err := f.protocol.Submit(f.emp, 60, 7); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.protocol.Submit(f.emp, 60, 7); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestProtocolQueueFailureRollsBack(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)
	f.cluster.err = errors.New("cluster unavailable")

	if _, err := f.protocol.Submit(f.emp, 60, 0); err == nil {
		t.Fatal("Submit must surface queue failure")
	}

	// The offset is reusable after a failed queue.
	f.cluster.err = nil
	if _, err := f.protocol.Submit(f.emp, 60, 0); err != nil {
		t.Fatalf("Submit after rollback: %v", err)
	}
}

func TestProtocolWait(t *testing.T) {
	t.Parallel()
	f := newProtocolFixture(t)

	id, _ := f.protocol.Submit(f.emp, 60, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := f.protocol.Wait(ctx, id); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}

	res := f.result(t, f.cluster.queued[0])
	go func() {
		_ = f.protocol.Deliver(res)
	}()
	if err := f.protocol.Wait(context.Background(), id); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	if err := f.protocol.Wait(context.Background(), NewRequestID(f.emp.Addr, 42)); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("expected ErrUnknownRequest, got %v", err)
	}
}

func TestStateTransitions(t *testing.T) {
	t.Parallel()
	id := NewRequestID(identity.Address{1}, 0)

	s := Idle()
	s, err := s.Submitted(id)
	if err != nil {
		t.Fatalf("Submitted: %v", err)
	}
	if _, err := s.Applied(); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("apply before verify must fail, got %v", err)
	}

	s, err = s.Verified([]byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Verified: %v", err)
	}
	if _, err := s.Rejected(ErrComputationFailed); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("reject after verify must fail, got %v", err)
	}

	s, err = s.Applied()
	if err != nil {
		t.Fatalf("Applied: %v", err)
	}
	if _, err := s.Verified(nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("verify after apply must fail, got %v", err)
	}
}
