// Package vaultlog is a small, in-memory journal of vault activity.
//
// It supports:
// - Recording events (deposits, settlements, registrations, delegation)
// - Emitting structured output via slog.Logger
// - Keeping an in-memory history with TTL-based retention
// - Querying recent history (Tail, Query, QueryByKind)
//
// Events deliberately carry no amounts. An observer of the journal learns
// that activity happened on an entry, never how much moved.
//
// New starts a background cleanup goroutine that periodically removes
// expired events. Call Stop to terminate it when shutting down.
package vaultlog

import (
	"log/slog"
	"sync"
	"time"

	"github.com/quietpay/quietpay/pkg/identity"
)

const (
	cleanupInterval = 1 * time.Hour
	eventTTL        = 7 * 24 * time.Hour
)

// Kind classifies a vault event.
type Kind string

const (
	KindVaultInitialized   Kind = "vault_initialized"
	KindBusinessRegistered Kind = "business_registered"
	KindEmployeeAdded      Kind = "employee_added"
	KindDeposit            Kind = "deposit"
	KindSettlement         Kind = "settlement"
	KindRateUpdated        Kind = "rate_updated"
	KindDelegated          Kind = "delegated"
	KindUndelegated        Kind = "undelegated"
	KindExcessClaimed      Kind = "excess_claimed"
	KindDeactivated        Kind = "deactivated"
)

// Event is a single journal record. No amount field exists on purpose.
type Event struct {
	Timestamp time.Time
	Kind      Kind
	Entry     identity.Address
	Fields    map[string]string
}

func (e *Event) isExpired(now time.Time) bool {
	return now.After(e.Timestamp.Add(eventTTL))
}

// Journal stores events in memory and mirrors them to slog.
type Journal struct {
	logger *slog.Logger

	mu     sync.RWMutex
	events []Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Journal and starts the background TTL cleanup goroutine.
func New(logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	j := &Journal{
		logger: logger,
		events: make([]Event, 0),
		stopCh: make(chan struct{}),
	}
	j.wg.Add(1)
	go j.cleanupLoop()
	return j
}

// Stop terminates the background cleanup goroutine and waits for it to
// finish.
func (j *Journal) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

// Record stores an event and mirrors it to slog.
func (j *Journal) Record(kind Kind, entry identity.Address, fields map[string]string) {
	e := Event{
		Timestamp: time.Now(),
		Kind:      kind,
		Entry:     entry,
		Fields:    fields,
	}

	attrs := []any{
		"kind", string(kind),
		"entry", entry.String(),
	}
	if len(fields) > 0 {
		attrs = append(attrs, "fields", fields)
	}
	j.logger.Info("vault event", attrs...)

	j.mu.Lock()
	j.events = append(j.events, e)
	j.mu.Unlock()
}

// Tail returns the most recent limit events.
func (j *Journal) Tail(limit int) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	n := len(j.events)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Event, limit)
	copy(out, j.events[n-limit:])
	return out
}

// Query returns events for a specific entry since the given time.
func (j *Journal) Query(entry identity.Address, since time.Time) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for i := range j.events {
		e := &j.events[i]
		if e.Entry.Equal(entry) && !e.Timestamp.Before(since) {
			out = append(out, *e)
		}
	}
	return out
}

// QueryByKind returns events of one kind since the given time.
func (j *Journal) QueryByKind(kind Kind, since time.Time) []Event {
	j.mu.RLock()
	defer j.mu.RUnlock()

	var out []Event
	for i := range j.events {
		e := &j.events[i]
		if e.Kind == kind && !e.Timestamp.Before(since) {
			out = append(out, *e)
		}
	}
	return out
}

func (j *Journal) cleanupLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.cleanup(time.Now())
		case <-j.stopCh:
			return
		}
	}
}

func (j *Journal) cleanup(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()

	kept := j.events[:0]
	for i := range j.events {
		if !j.events[i].isExpired(now) {
			kept = append(kept, j.events[i])
		}
	}
	j.events = kept
}
