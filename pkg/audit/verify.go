package audit

import (
	"context"
	"fmt"
	"time"
)

// ChainRow is the subset of a persisted audit_events row the verifier
// needs to recompute and check a hash link.
type ChainRow struct {
	EventID     string
	RequestID   string
	Timestamp   string
	Actor       string
	Action      string
	Decision    string
	PayloadJSON string
	PrevHash    string
	Hash        string
}

// VerifyResult reports the outcome of walking a slice of chain rows.
type VerifyResult struct {
	Valid       bool
	FirstBadRow int // -1 when Valid
	EventCount  int
}

// VerifyChain recomputes each row's hash from its own fields and checks
// that it matches both the stored hash and the next row's prev_hash. The
// first row's prev_hash is taken on faith (it may point to an event
// outside the window being checked); every subsequent row's prev_hash must
// equal the previous row's hash exactly.
func VerifyChain(rows []ChainRow) VerifyResult {
	for i, row := range rows {
		recomputed := ComputeHash(row.RequestID, row.EventID, row.Timestamp, row.Actor, row.Action, row.Decision, row.PayloadJSON, row.PrevHash)
		if recomputed != row.Hash {
			return VerifyResult{Valid: false, FirstBadRow: i, EventCount: len(rows)}
		}
		if i > 0 && row.PrevHash != rows[i-1].Hash {
			return VerifyResult{Valid: false, FirstBadRow: i, EventCount: len(rows)}
		}
	}
	return VerifyResult{Valid: true, FirstBadRow: -1, EventCount: len(rows)}
}

// RowsInWindow fetches every audit_events row with ts in [start, end),
// ordered by insertion order, for digest export and chain verification.
func (l *Log) RowsInWindow(ctx context.Context, start, end time.Time) ([]ChainRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash
		  FROM audit_events
		 WHERE ts >= $1 AND ts < $2
		 ORDER BY id ASC`, start, end)
	if err != nil {
		return nil, fmt.Errorf("audit: query window: %w", err)
	}
	defer rows.Close()

	var out []ChainRow
	for rows.Next() {
		var r ChainRow
		var ts time.Time
		if err := rows.Scan(&r.EventID, &r.RequestID, &ts, &r.Actor, &r.Action, &r.Decision, &r.PayloadJSON, &r.PrevHash, &r.Hash); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		r.Timestamp = ts.UTC().Format("2006-01-02T15:04:05.000000Z")
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit: iterate rows: %w", err)
	}
	return out, nil
}
