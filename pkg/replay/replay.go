// Package replay implements at-most-once nonce and event-key registration
// across pluggable backends: local embedded SQLite, remote Redis cache, and
// remote Postgres SQL. All backends preserve a linearizable
// register-if-absent invariant; a backend that cannot guarantee this must
// fail closed.
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/clawee/sidecar/pkg/invariant"
)

const (
	// EventKeyTTLFloor is the minimum TTL the store will honor for event
	// keys, even when a caller requests less.
	EventKeyTTLFloor = 60 * time.Second
	// NonceTTLFloor is the minimum TTL the store will honor for nonces.
	NonceTTLFloor = time.Second
)

const (
	namespaceNonce    = "nonce"
	namespaceEventKey = "event-key"
)

// Backend is the uniform register-if-absent primitive each storage
// technology implements. RegisterIfAbsent returns true iff hash was absent
// under namespace (so the caller may proceed), false on replay.
type Backend interface {
	RegisterIfAbsent(ctx context.Context, namespace, hash string, ttl time.Duration, now time.Time) (bool, error)
}

// WarnFunc receives a warning when a requested TTL is raised to a floor.
// Store.Warn defaults to a no-op; cmd/sidecar wires it to structured
// logging.
type WarnFunc func(msg string)

// Store is the replay-protection service built over a pluggable Backend.
type Store struct {
	Backend Backend
	Now     func() time.Time
	Warn    WarnFunc
	// Invariants, if non-nil, receives INV-006-REPLAY-LINEARIZABLE outcomes
	// for every RegisterIfAbsent call made through this Store, regardless
	// of which Backend is wired underneath.
	Invariants *invariant.Registry
}

// NewStore constructs a Store with the real clock and a no-op warn sink.
func NewStore(backend Backend) *Store {
	return &Store{Backend: backend, Now: time.Now, Warn: func(string) {}}
}

func (s *Store) clampAndRegister(ctx context.Context, namespace, hash string, ttl, floor time.Duration) (bool, error) {
	if ttl < floor {
		s.warn(fmt.Sprintf("requested TTL %s for %s hash %q is below the %s floor; raising to the floor", ttl, namespace, hash, floor))
		ttl = floor
	}
	return s.registerAndRecord(ctx, namespace, hash, ttl)
}

// registerAndRecord calls through to the backend and feeds
// INV-006-REPLAY-LINEARIZABLE from the outcome: the backend's
// RegisterIfAbsent contract is the linearizability guarantee this
// invariant checks, so any backend returning an error here is a violation
// regardless of which storage technology is wired in.
func (s *Store) registerAndRecord(ctx context.Context, namespace, hash string, ttl time.Duration) (bool, error) {
	registered, err := s.Backend.RegisterIfAbsent(ctx, namespace, hash, ttl, s.now())
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	s.Invariants.Check("INV-006-REPLAY-LINEARIZABLE", err == nil, reason, nil)
	return registered, err
}

func (s *Store) warn(msg string) {
	if s.Warn != nil {
		s.Warn(msg)
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// RegisterNonce registers hash in the nonce namespace. The floor is 1
// second; requests below it are silently raised without a warning, since
// sub-second nonce TTLs are routine rather than a caller mistake.
func (s *Store) RegisterNonce(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	if ttl < NonceTTLFloor {
		ttl = NonceTTLFloor
	}
	return s.registerAndRecord(ctx, namespaceNonce, hash, ttl)
}

// RegisterEventKey registers hash in the event-key namespace, clamping to
// the 60-second floor and warning when the caller's requested TTL was
// raised.
func (s *Store) RegisterEventKey(ctx context.Context, hash string, ttl time.Duration) (bool, error) {
	return s.clampAndRegister(ctx, namespaceEventKey, hash, ttl, EventKeyTTLFloor)
}
