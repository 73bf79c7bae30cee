package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the persistence contract the approval service relies on.
// GetByID+Save is a plain read-modify-write: it is only safe for
// transitions a single actor drives one at a time (create, approve, deny,
// quorum upgrade). ConsumeApproved is different: concurrent requests can
// race to spend the same single-use approval, so it is a single
// conditional UPDATE with the consumption precondition in its WHERE
// clause, not a read followed by an unconditional write — RowsAffected,
// not the in-memory check, is what decides whether consumption happened.
type Store interface {
	GetByFingerprint(ctx context.Context, fingerprint string) (*Record, error)
	GetByID(ctx context.Context, id string) (*Record, error)
	Create(ctx context.Context, r *Record) error
	Save(ctx context.Context, r *Record) error
	ConsumeApproved(ctx context.Context, id, fingerprint string, now time.Time) (bool, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// SQLiteStore implements Store against the local embedded database.
type SQLiteStore struct {
	DB *sql.DB
}

func (s *SQLiteStore) GetByFingerprint(ctx context.Context, fingerprint string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, created_at, expires_at, status, required_approvals, required_roles,
		       approval_actors, approval_actor_roles, max_uses, use_count, last_used_at,
		       request_fingerprint, reason, metadata, resolved_by, resolved_at,
		       initiator_actor, enforce_sod
		FROM approval_records WHERE request_fingerprint = ?
		ORDER BY created_at DESC LIMIT 1
	`, fingerprint)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) GetByID(ctx context.Context, id string) (*Record, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, created_at, expires_at, status, required_approvals, required_roles,
		       approval_actors, approval_actor_roles, max_uses, use_count, last_used_at,
		       request_fingerprint, reason, metadata, resolved_by, resolved_at,
		       initiator_actor, enforce_sod
		FROM approval_records WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func (s *SQLiteStore) Create(ctx context.Context, r *Record) error {
	roles, _ := json.Marshal(r.RequiredRoles)
	actors, _ := json.Marshal(r.ApprovalActors)
	actorRoles, _ := json.Marshal(r.ApprovalActorRoles)
	meta, _ := json.Marshal(r.Metadata)
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO approval_records
		(id, created_at, expires_at, status, required_approvals, required_roles,
		 approval_actors, approval_actor_roles, max_uses, use_count, last_used_at,
		 request_fingerprint, reason, metadata, resolved_by, resolved_at,
		 initiator_actor, enforce_sod)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, r.ID, r.CreatedAt, r.ExpiresAt, string(r.Status), r.RequiredApprovals, string(roles),
		string(actors), string(actorRoles), r.MaxUses, r.UseCount, r.LastUsedAt,
		r.RequestFingerprint, r.Reason, string(meta), r.ResolvedBy, r.ResolvedAt,
		r.InitiatorActor, boolToInt(r.EnforceSoD))
	if err != nil {
		return fmt.Errorf("create approval record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Save(ctx context.Context, r *Record) error {
	roles, _ := json.Marshal(r.RequiredRoles)
	actors, _ := json.Marshal(r.ApprovalActors)
	actorRoles, _ := json.Marshal(r.ApprovalActorRoles)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE approval_records SET
			status=?, required_approvals=?, required_roles=?, approval_actors=?,
			approval_actor_roles=?, max_uses=?, use_count=?, last_used_at=?,
			resolved_by=?, resolved_at=?
		WHERE id=?
	`, string(r.Status), r.RequiredApprovals, string(roles), string(actors), string(actorRoles),
		r.MaxUses, r.UseCount, r.LastUsedAt, r.ResolvedBy, r.ResolvedAt, r.ID)
	if err != nil {
		return fmt.Errorf("save approval record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("save approval record: no row for id %s", r.ID)
	}
	return nil
}

// ConsumeApproved atomically spends one use of an approved record: the
// status/fingerprint/expiry/use_count check that fsm.ConsumeApproved
// expresses as a pure function is enforced here as the WHERE clause of a
// single UPDATE, so two concurrent callers can never both observe
// use_count<max_uses and both increment it. Exactly one wins; RowsAffected
// reports which.
func (s *SQLiteStore) ConsumeApproved(ctx context.Context, id, fingerprint string, now time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE approval_records
		SET use_count = use_count + 1, last_used_at = ?
		WHERE id = ? AND status = 'approved' AND request_fingerprint = ?
		  AND use_count < max_uses AND expires_at >= ?
	`, now, id, fingerprint, now)
	if err != nil {
		return false, fmt.Errorf("consume approval record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, created_at, expires_at, status, required_approvals, required_roles,
		       approval_actors, approval_actor_roles, max_uses, use_count, last_used_at,
		       request_fingerprint, reason, metadata, resolved_by, resolved_at,
		       initiator_actor, enforce_sod
		FROM approval_records ORDER BY created_at ASC, id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		r, err := scanRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row *sql.Row) (*Record, error) {
	return scanInto(row)
}

func scanRecordRows(rows *sql.Rows) (*Record, error) {
	return scanInto(rows)
}

func scanInto(s scannable) (*Record, error) {
	var r Record
	var status, rolesJSON, actorsJSON, actorRolesJSON, metaJSON string
	var enforceSoD int
	var lastUsedAt, resolvedAt sql.NullTime
	var resolvedBy, initiator sql.NullString
	err := s.Scan(&r.ID, &r.CreatedAt, &r.ExpiresAt, &status, &r.RequiredApprovals, &rolesJSON,
		&actorsJSON, &actorRolesJSON, &r.MaxUses, &r.UseCount, &lastUsedAt,
		&r.RequestFingerprint, &r.Reason, &metaJSON, &resolvedBy, &resolvedAt,
		&initiator, &enforceSoD)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)
	_ = json.Unmarshal([]byte(rolesJSON), &r.RequiredRoles)
	_ = json.Unmarshal([]byte(actorsJSON), &r.ApprovalActors)
	_ = json.Unmarshal([]byte(actorRolesJSON), &r.ApprovalActorRoles)
	_ = json.Unmarshal([]byte(metaJSON), &r.Metadata)
	if lastUsedAt.Valid {
		r.LastUsedAt = &lastUsedAt.Time
	}
	if resolvedAt.Valid {
		r.ResolvedAt = &resolvedAt.Time
	}
	r.ResolvedBy = resolvedBy.String
	r.InitiatorActor = initiator.String
	r.EnforceSoD = enforceSoD != 0
	return &r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
