// Package audit implements the transactional, hash-chained append-only
// audit log (Stage D). Every append is serialized cluster-wide by a
// Postgres transaction-scoped advisory lock so the hash chain never forks
// under concurrent writers, and the hash of each event is a rigid
// concatenation contract rather than a structural JSON hash, so it can be
// recomputed by an external verifier with nothing but the raw fields.
package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/casf-systems/verifier-gateway/pkg/canonicalize"
	"github.com/casf-systems/verifier-gateway/pkg/model"
)

// advisoryLockKey is an arbitrary, fixed 64-bit key identifying the audit
// chain's writer lock. Any process appending to audit_events must hold it
// for the duration of its transaction.
const advisoryLockKey int64 = 0x43415346_41554454 // "CASFAUDT" in ASCII hex

// schemaDDL creates the audit_events table if absent. Applied once at
// startup; the gateway does not ship a separate migration tool.
//
// payload is TEXT, not JSONB: the stored bytes are the exact canonical
// JSON that went into the hash, and JSONB would reorder keys on storage,
// breaking hash recomputation for every verifier reading the row back.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS audit_events (
	id          BIGSERIAL PRIMARY KEY,
	event_id    TEXT NOT NULL UNIQUE,
	request_id  TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	actor       TEXT NOT NULL,
	action      TEXT NOT NULL,
	decision    TEXT NOT NULL,
	payload     TEXT NOT NULL,
	prev_hash   TEXT NOT NULL,
	hash        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS audit_events_ts_idx ON audit_events (ts);
`

// Log is a Postgres-backed hash-chained audit log.
type Log struct {
	db *sql.DB
}

// Open connects to dsn and ensures the audit_events schema exists.
func Open(ctx context.Context, dsn string) (*Log, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: ensure schema: %w", err)
	}
	return &Log{db: db}, nil
}

// FromDB wraps an already-open *sql.DB without touching schema, used by
// tests that inject a mock driver and by callers that manage migrations
// externally.
func FromDB(db *sql.DB) *Log {
	return &Log{db: db}
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	return l.db.Close()
}

// Ping verifies connectivity, used by the readiness probe.
func (l *Log) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Append writes one hash-chained event. The request_id, event_id,
// timestamp, actor, action, decision and canonical payload JSON are
// concatenated with the chain's previous hash and hashed with SHA-256 hex;
// the genesis event's prev_hash is the empty string. The whole read of the
// prior hash plus the insert runs inside one transaction serialized by a
// process-global advisory lock, so concurrent appenders can never observe
// and extend the same prev_hash.
func (l *Log) Append(ctx context.Context, requestID, eventID, actor, action string, decision model.Decision, payload map[string]interface{}) (*model.AuditEvent, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("audit: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return nil, fmt.Errorf("audit: acquire writer lock: %w", err)
	}

	var prevHash string
	err = tx.QueryRowContext(ctx, `SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1`).Scan(&prevHash)
	switch {
	case err == sql.ErrNoRows:
		prevHash = ""
	case err != nil:
		return nil, fmt.Errorf("audit: read prev hash: %w", err)
	}

	ts := nowUTC()
	payloadJSON, err := canonicalize.JCSString(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: canonicalize payload: %w", err)
	}

	hash := ComputeHash(requestID, eventID, ts, actor, action, string(decision), payloadJSON, prevHash)

	event := &model.AuditEvent{
		EventID:   eventID,
		RequestID: requestID,
		Timestamp: ts,
		Actor:     actor,
		Action:    action,
		Decision:  decision,
		Payload:   payload,
		PrevHash:  prevHash,
		Hash:      hash,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO audit_events (event_id, request_id, ts, actor, action, decision, payload, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.EventID, event.RequestID, event.Timestamp, event.Actor, event.Action,
		string(event.Decision), payloadJSON, event.PrevHash, event.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("audit: commit: %w", err)
	}

	return event, nil
}

// ComputeHash implements the rigid hash contract:
//
//	SHA256_HEX(request_id || event_id || ts || actor || action || decision || canonical_json(payload) || prev_hash)
//
// It is exported so external verifiers (and the digest exporter) can
// recompute a row's hash from nothing but its own fields.
func ComputeHash(requestID, eventID, ts, actor, action, decision, payloadJSON, prevHash string) string {
	h := sha256.New()
	h.Write([]byte(requestID))
	h.Write([]byte(eventID))
	h.Write([]byte(ts))
	h.Write([]byte(actor))
	h.Write([]byte(action))
	h.Write([]byte(decision))
	h.Write([]byte(payloadJSON))
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil))
}

// nowUTC returns the current time formatted as ISO-8601 with a literal Z
// suffix, matching the canonical timestamp format the hash contract and
// canonical_json both require.
func nowUTC() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
}
