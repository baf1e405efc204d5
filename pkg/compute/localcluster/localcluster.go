// Package localcluster is an in-process computation cluster: it shares
// the ledger's sealing key, multiplies encrypted inputs on a worker pool,
// and delivers signed results through a callback. It stands in for an
// external secure-computation cluster in single-process deployments and
// in tests.
package localcluster

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/quietpay/quietpay/pkg/compute"
	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/workerpool"
)

// DeliverFunc receives a signed result. It is invoked from a worker
// goroutine, never from Queue's caller.
type DeliverFunc func(res *compute.Result) error

// Cluster multiplies encrypted rates by elapsed-time scalars. Its engine
// is constructed from the same key as the ledger's, so handles sealed on
// either side open on the other.
type Cluster struct {
	engine  *crypt.Engine
	priv    ed25519.PrivateKey
	pub     ed25519.PublicKey
	pool    *workerpool.WorkerPool
	deliver DeliverFunc
	log     *slog.Logger
	closed  atomic.Bool
}

// New creates a Cluster sharing the given sealing key. A fresh signing
// keypair is generated; callers bind the protocol to PublicKey().
func New(key [32]byte, deliver DeliverFunc, log *slog.Logger) (*Cluster, error) {
	if deliver == nil {
		return nil, fmt.Errorf("localcluster: deliver callback is required")
	}
	if log == nil {
		log = slog.Default()
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate cluster keypair: %w", err)
	}
	return &Cluster{
		engine:  crypt.NewEngineFromKey(key),
		priv:    priv,
		pub:     pub,
		pool:    workerpool.New(workerpool.Config{WorkerCount: 2}),
		deliver: deliver,
		log:     log,
	}, nil
}

// PublicKey returns the cluster's signing identity.
func (c *Cluster) PublicKey() ed25519.PublicKey {
	return c.pub
}

// Queue schedules the multiplication on the worker pool and returns
// immediately. The result, success or failure, arrives later through the
// deliver callback.
func (c *Cluster) Queue(req compute.Request) error {
	if c.closed.Load() {
		return fmt.Errorf("localcluster: cluster is closed")
	}

	room := c.pool.CreateRoom(1)
	err := room.Submit(func() interface{} {
		return c.run(req)
	})
	if err != nil {
		return fmt.Errorf("schedule computation: %w", err)
	}

	go func() {
		for _, r := range room.Collect() {
			if derr, ok := r.(error); ok && derr != nil {
				c.log.Warn("result delivery failed", "request", req.ID.String(), "error", derr)
			}
		}
	}()
	return nil
}

// run performs the multiplication and delivers the signed result. An
// arithmetic overflow is reported as a failure outcome, not an error:
// the requester decides what a failed computation means.
func (c *Cluster) run(req compute.Request) error {
	res := &compute.Result{
		RequestID: req.ID,
		Outcome:   compute.OutcomeSuccess,
	}

	product, err := c.engine.ScalarMul(req.EncryptedInput, req.Scalar)
	if err != nil {
		c.log.Warn("computation failed", "request", req.ID.String(), "error", err)
		res.Outcome = compute.OutcomeFailure
	} else {
		res.Ciphertext = product.Bytes()
	}

	compute.SignResult(c.priv, res)
	return c.deliver(res)
}

// Close stops the worker pool. In-flight computations drain.
func (c *Cluster) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.pool.Close()
	}
}
