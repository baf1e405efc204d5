// Package compute implements the asynchronous submit/verify/apply protocol
// that multiplies an encrypted rate by a public elapsed-time scalar off the
// main ledger path.
//
// The entity performing the multiplication never sees other accounts'
// data; the ledger never computes the product itself. What lets the ledger
// trust a result it could not compute is the signature check in Deliver,
// bound to the specific request identifier.
package compute

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/quietpay/quietpay/pkg/crypt"
	"github.com/quietpay/quietpay/pkg/identity"
)

var (
	ErrInvalidState          = errors.New("compute: invalid state for this operation")
	ErrComputationFailed     = errors.New("compute: cluster reported computation failure")
	ErrSignatureVerification = errors.New("compute: result signature verification failed")
	ErrResultReplayed        = errors.New("compute: result already applied")
	ErrUnknownRequest        = errors.New("compute: no such pending request")
)

// RequestID uniquely identifies one outstanding computation. It is derived
// deterministically from the requester and a caller-chosen offset, so
// offsets must not be reused concurrently for the same requester.
type RequestID [sha256.Size]byte

const requestIDSeed = "computation"

// NewRequestID derives the identifier for (requester, offset).
func NewRequestID(requester identity.Address, offset uint64) RequestID {
	h := sha256.New()
	h.Write([]byte(requestIDSeed))
	h.Write(requester[:])
	var offsetBuf [8]byte
	binary.BigEndian.PutUint64(offsetBuf[:], offset)
	h.Write(offsetBuf[:])
	return RequestID(h.Sum(nil))
}

// String returns the hexadecimal representation.
func (id RequestID) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero returns true for the zero identifier.
func (id RequestID) IsZero() bool {
	return id == RequestID{}
}

// Request describes one outstanding asynchronous computation: multiply the
// encrypted input by the plaintext scalar and deliver a signed result to
// the callback target. Consumed exactly once.
type Request struct {
	ID             RequestID
	EncryptedInput crypt.Value
	Scalar         uint64
	Callback       identity.Address
}

// Outcome is the cluster's reported result kind.
type Outcome uint8

const (
	OutcomeSuccess Outcome = 1
	OutcomeFailure Outcome = 2
)

// Result is the cluster's signed payload for one request. On success,
// Ciphertext holds the serialized product handle.
type Result struct {
	RequestID  RequestID
	Outcome    Outcome
	Ciphertext []byte
	Sig        []byte
}

// signingPayload is the canonical byte representation covered by the
// signature: requestID(32) || outcome(1) || len(4, BE) || ciphertext.
// Binding the request ID into the payload is what prevents a valid result
// from being replayed or redirected to a different request.
func (r *Result) signingPayload() []byte {
	buf := make([]byte, 0, 32+1+4+len(r.Ciphertext))
	buf = append(buf, r.RequestID[:]...)
	buf = append(buf, byte(r.Outcome))
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(r.Ciphertext)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, r.Ciphertext...)
	return buf
}

// SignResult signs the canonical payload with the cluster's private key.
func SignResult(priv ed25519.PrivateKey, r *Result) {
	r.Sig = ed25519.Sign(priv, r.signingPayload())
}

// VerifyResult checks a result's authenticity against the cluster's known
// public identity and the given request identifier.
func VerifyResult(clusterPub ed25519.PublicKey, expected RequestID, r *Result) error {
	if r.RequestID != expected {
		return fmt.Errorf("%w: result bound to different request", ErrSignatureVerification)
	}
	if len(clusterPub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: bad cluster key", ErrSignatureVerification)
	}
	if !ed25519.Verify(clusterPub, r.signingPayload(), r.Sig) {
		return ErrSignatureVerification
	}
	return nil
}

// Cluster is the external party performing encrypted multiplication. Queue
// must not block on computation; results arrive later via the protocol's
// Deliver callback, potentially much later or never.
type Cluster interface {
	Queue(req Request) error
}
