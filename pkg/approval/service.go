package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Service wraps a Store with the FSM transitions above, serving as the
// approval gate's sole entrypoint into the approval subsystem.
type Service struct {
	Store Store
	Now   func() time.Time
}

// NewService constructs a Service over store with the real clock.
func NewService(store Store) *Service {
	return &Service{Store: store, Now: time.Now}
}

// EnsurePending implements the approval gate's get-or-create step: if a
// pending record already exists for fingerprint, it is upgraded in place
// (required_approvals/roles/max_uses monotonically increased); otherwise a
// fresh pending record is created. The caller's store performs this under
// a single write so creation is idempotent across concurrent requests for
// the same fingerprint.
func (s *Service) EnsurePending(ctx context.Context, fingerprint string, requiredApprovals int, requiredRoles []string, maxUses int, reason string, metadata map[string]any, initiator string, enforceSoD bool, ttl time.Duration) (*Record, error) {
	now := s.Now()
	existing, err := s.Store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("lookup pending approval: %w", err)
	}
	if existing != nil {
		ApplyExpiry(existing, now)
		if existing.Status == Pending {
			Upgrade(existing, requiredApprovals, requiredRoles, maxUses)
			if err := s.Store.Save(ctx, existing); err != nil {
				return nil, fmt.Errorf("upgrade pending approval: %w", err)
			}
			return existing, nil
		}
	}
	rec := &Record{
		ID:                 uuid.NewString(),
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		Status:             Pending,
		RequiredApprovals:  requiredApprovals,
		RequiredRoles:      requiredRoles,
		MaxUses:            maxUses,
		RequestFingerprint: fingerprint,
		Reason:             reason,
		Metadata:           metadata,
		InitiatorActor:     initiator,
		EnforceSoD:         enforceSoD,
	}
	if err := s.Store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create pending approval: %w", err)
	}
	return rec, nil
}

// Approve looks up id, applies the Approve transition, and persists the
// result.
func (s *Service) Approve(ctx context.Context, id, actor, role string) (*Record, error) {
	rec, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("approval record %s not found", id)
	}
	if err := Approve(rec, actor, role, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save approved record: %w", err)
	}
	return rec, nil
}

// Deny looks up id, applies the Deny transition, and persists the result.
func (s *Service) Deny(ctx context.Context, id, actor string) (*Record, error) {
	rec, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("approval record %s not found", id)
	}
	if err := Deny(rec, actor, s.Now()); err != nil {
		return nil, err
	}
	if err := s.Store.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("save denied record: %w", err)
	}
	return rec, nil
}

// ConsumeApproved performs the atomic single-row update §4.3 describes:
// increment use_count iff status=approved, fingerprint matches, not
// expired, and use_count<max_uses. Returns whether the row was updated.
// This goes straight to the store's conditional UPDATE rather than
// reading the record into Go first and writing it back, so two concurrent
// callers consuming the same single-use approval can't both win.
func (s *Service) ConsumeApproved(ctx context.Context, id, fingerprint string) (bool, error) {
	return s.Store.ConsumeApproved(ctx, id, fingerprint, s.Now())
}

// FindUsableApproval looks up the pending-or-resolved record for
// fingerprint and reports whether it is an approved, not-expired,
// not-exhausted record the approval gate can accept without creating a
// new pending request.
func (s *Service) FindUsableApproval(ctx context.Context, fingerprint string) (*Record, bool, error) {
	rec, err := s.Store.GetByFingerprint(ctx, fingerprint)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}
	now := s.Now()
	ApplyExpiry(rec, now)
	usable := rec.Status == Approved && rec.UseCount < rec.MaxUses &&
		!now.UTC().After(rec.ExpiresAt.UTC())
	return rec, usable, nil
}

// List returns pending/resolved records in stable creation order, applying
// lazy expiry to each.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	recs, err := s.Store.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	now := s.Now()
	for i := range recs {
		ApplyExpiry(&recs[i], now)
	}
	return recs, nil
}
