package compute

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/ledger"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now()
}

// appliedTTL is how long applied request identifiers are remembered for
// replay rejection. Far longer than any plausible callback latency.
const appliedTTL = 24 * time.Hour

// Protocol tracks outstanding computations and enforces the
// submit/verify/apply lifecycle. Submit returns immediately; Deliver
// arrives on a separate, externally triggered invocation, potentially much
// later or never. An undelivered request stays pending; there is no
// timeout and no cancel primitive.
type Protocol struct {
	clusterPub ed25519.PublicKey
	cluster    Cluster
	clock      Clock
	log        *slog.Logger

	mu      sync.Mutex
	pending map[RequestID]*pendingRequest
	applied map[RequestID]time.Time
}

type pendingRequest struct {
	state State
	req   Request
	// applying marks a verified request whose apply callback is running,
	// so a concurrent Apply cannot run the side effect a second time.
	applying bool
	// delivered closes when the request leaves PhaseRequested.
	delivered chan struct{}
}

// NewProtocol creates a Protocol bound to the cluster's public identity.
func NewProtocol(cluster Cluster, clusterPub ed25519.PublicKey, clock Clock, log *slog.Logger) *Protocol {
	if clock == nil {
		clock = realClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Protocol{
		clusterPub: clusterPub,
		cluster:    cluster,
		clock:      clock,
		log:        log,
		pending:    make(map[RequestID]*pendingRequest),
		applied:    make(map[RequestID]time.Time),
	}
}

// Submit packages (encrypted rate, elapsed seconds) as a computation
// request for the employee entry and queues it on the cluster. The request
// identifier is derived from the entry address and the caller-chosen
// offset; the callback target is the entry address itself, so the cluster
// cannot redirect the result to another account.
func (p *Protocol) Submit(emp *ledger.Employee, elapsed uint64, offset uint64) (RequestID, error) {
	if !emp.Active {
		return RequestID{}, fmt.Errorf("%w: employee entry inactive", ErrInvalidState)
	}
	if emp.Addr.IsZero() {
		return RequestID{}, fmt.Errorf("%w: callback target must be bound", ErrInvalidState)
	}

	id := NewRequestID(emp.Addr, offset)
	req := Request{
		ID:             id,
		EncryptedInput: emp.EncryptedRate,
		Scalar:         elapsed,
		Callback:       emp.Addr,
	}

	p.mu.Lock()
	if _, exists := p.pending[id]; exists {
		p.mu.Unlock()
		return RequestID{}, fmt.Errorf("%w: offset already in flight", ErrInvalidState)
	}
	if p.seenApplied(id) {
		p.mu.Unlock()
		return RequestID{}, fmt.Errorf("%w: offset already consumed", ErrInvalidState)
	}

	state, err := Idle().Submitted(id)
	if err != nil {
		p.mu.Unlock()
		return RequestID{}, err
	}
	p.pending[id] = &pendingRequest{state: state, req: req, delivered: make(chan struct{})}
	p.mu.Unlock()

	if err := p.cluster.Queue(req); err != nil {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
		return RequestID{}, fmt.Errorf("queue computation: %w", err)
	}

	p.log.Debug("computation queued", "request", id.String())
	return id, nil
}

// Deliver is the external callback invocation for a cluster result. The
// signature is verified against the cluster's known public identity and
// the specific request identifier before anything else; a result for a
// different request, a forged signature, or a replay is rejected even if
// its payload decodes to a plausible value.
func (p *Protocol) Deliver(res *Result) error {
	if res == nil {
		return fmt.Errorf("%w: nil result", ErrSignatureVerification)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seenApplied(res.RequestID) {
		return ErrResultReplayed
	}
	pend, ok := p.pending[res.RequestID]
	if !ok {
		return ErrUnknownRequest
	}

	if err := VerifyResult(p.clusterPub, pend.req.ID, res); err != nil {
		rejected, terr := pend.state.Rejected(ErrSignatureVerification)
		if terr != nil {
			return terr
		}
		pend.state = rejected
		close(pend.delivered)
		p.log.Warn("computation result rejected", "request", res.RequestID.String(), "reason", "signature")
		return err
	}

	if res.Outcome != OutcomeSuccess {
		rejected, terr := pend.state.Rejected(ErrComputationFailed)
		if terr != nil {
			return terr
		}
		pend.state = rejected
		close(pend.delivered)
		p.log.Warn("computation result rejected", "request", res.RequestID.String(), "reason", "cluster failure")
		return ErrComputationFailed
	}

	verified, err := pend.state.Verified(res.Ciphertext)
	if err != nil {
		return err
	}
	pend.state = verified
	close(pend.delivered)
	p.log.Debug("computation result verified", "request", res.RequestID.String())
	return nil
}

// Wait blocks until the request's result is delivered or ctx expires. It
// returns nil once the result is verified (or already applied), the
// recorded rejection reason for a rejected request, and ErrUnknownRequest
// for an identifier never submitted.
func (p *Protocol) Wait(ctx context.Context, id RequestID) error {
	p.mu.Lock()
	if p.seenApplied(id) {
		p.mu.Unlock()
		return nil
	}
	pend, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownRequest
	}
	delivered := pend.delivered
	p.mu.Unlock()

	select {
	case <-delivered:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch pend.state.Phase {
	case PhaseVerified, PhaseApplied:
		return nil
	case PhaseRejected:
		return pend.state.Reason
	default:
		return fmt.Errorf("%w: wait resolved in %s", ErrInvalidState, pend.state.Phase)
	}
}

// Apply consumes a verified result: decodes the ciphertext into the delta
// handle and runs the caller's apply function. On success the request is
// consumed and a replay of its result is rejected forever after. On
// failure the state is unchanged, per the no-partial-effect policy.
//
// The request is claimed before the callback runs, so concurrent Apply
// calls for the same identifier execute the side effect at most once.
func (p *Protocol) Apply(id RequestID, apply func(delta crypt.Value) error) error {
	p.mu.Lock()
	if p.seenApplied(id) {
		p.mu.Unlock()
		return ErrResultReplayed
	}
	pend, ok := p.pending[id]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownRequest
	}
	if pend.state.Phase != PhaseVerified {
		p.mu.Unlock()
		return fmt.Errorf("%w: apply from %s", ErrInvalidState, pend.state.Phase)
	}
	if pend.applying {
		p.mu.Unlock()
		return fmt.Errorf("%w: apply already in progress", ErrInvalidState)
	}
	pend.applying = true
	ciphertext := pend.state.Ciphertext
	p.mu.Unlock()

	delta, err := crypt.ValueFromBytes(ciphertext)
	if err != nil {
		p.releaseApplying(pend)
		return err
	}
	if err := apply(delta); err != nil {
		p.releaseApplying(pend)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pend.applying = false
	appliedState, err := pend.state.Applied()
	if err != nil {
		return err
	}
	pend.state = appliedState
	p.applied[id] = p.clock.Now()
	delete(p.pending, id)
	p.cleanupApplied()
	return nil
}

// releaseApplying returns a claimed request to Verified after a failed
// apply, so the caller can retry.
func (p *Protocol) releaseApplying(pend *pendingRequest) {
	p.mu.Lock()
	pend.applying = false
	p.mu.Unlock()
}

// StateOf reports the current phase of a request. Consumed requests
// report PhaseApplied; unknown requests report PhaseIdle.
func (p *Protocol) StateOf(id RequestID) Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seenApplied(id) {
		return PhaseApplied
	}
	if pend, ok := p.pending[id]; ok {
		return pend.state.Phase
	}
	return PhaseIdle
}

// seenApplied reports whether the identifier was consumed. Must be called
// with mu held.
func (p *Protocol) seenApplied(id RequestID) bool {
	_, ok := p.applied[id]
	return ok
}

// cleanupApplied evicts expired applied identifiers. Must be called with
// mu held.
func (p *Protocol) cleanupApplied() {
	cutoff := p.clock.Now().Add(-appliedTTL)
	for k, v := range p.applied {
		if v.Before(cutoff) {
			delete(p.applied, k)
		}
	}
}
