// Package audit appends and replays the third of the three hash-chained
// ledgers: operator actions taken through the control surface (approve,
// deny, reload, conformance export, budget resume), as distinct from the
// approval decisions ledger and the security-conformance ledger.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Record is one logged operator action. Detail carries action-specific
// fields (e.g. the catalog name for a reload, the approval id for an
// approve/deny) as opaque JSON so the ledger's chain hash covers it without
// the audit package needing to know every action's shape.
type Record struct {
	ID        int64           `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// Writer appends audit records to the embedded store, the same database
// the approval service and budget controller use — an operator action log
// has no reason to depend on a second external database when the process
// already owns a local one.
type Writer struct {
	DB       *sql.DB
	HashSalt []byte
	Redact   bool
	Now      func() time.Time
}

func (w *Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

// Append logs one action. Writes are best-effort from the caller's
// perspective (callers should not fail the operator action itself on an
// audit write error) but are never silently dropped: a failed Append
// returns an error the caller is expected to route to the alert notifier.
func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	detail := rec.Detail
	if detail == nil {
		detail = json.RawMessage("{}")
	}
	_, err := w.DB.ExecContext(ctx, `
		INSERT INTO audit_log (created_at, actor, action, detail)
		VALUES (?, ?, ?, ?)
	`, w.now(), rec.Actor, rec.Action, string(detail))
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// List returns up to limit audit records in monotone insertion order,
// satisfying the ledger Source[Record] contract spec.md §5 requires for
// the audit ledger ("monotone insertion order for audit").
func (w *Writer) List(ctx context.Context, limit int) ([]Record, error) {
	rows, err := w.DB.QueryContext(ctx, `
		SELECT id, created_at, actor, action, detail
		FROM audit_log ORDER BY id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var detail string
		if err := rows.Scan(&rec.ID, &rec.CreatedAt, &rec.Actor, &rec.Action, &detail); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		rec.Detail = json.RawMessage(detail)
		out = append(out, rec)
	}
	return out, rows.Err()
}
