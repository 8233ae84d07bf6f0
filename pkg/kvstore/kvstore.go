// Package kvstore wires the two atomic primitives the verification pipeline
// needs from a remote key-value store: increment-with-expiry for rate
// limiting, and get-or-claim for idempotent replay detection. Both are
// implemented as single Lua scripts so the check-then-act sequence is
// race-free across concurrent callers hitting the same key.
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrExpireScript atomically increments key and, only on the first
// increment, sets its expiry. Concurrent callers racing on the same fresh
// key never both apply a TTL.
var incrExpireScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("EXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// claimScript atomically claims a request_id key: if unset, it stores the
// caller's claim value and returns nil (new request); if already set, it
// returns the stored value unchanged (replay).
var claimScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
	return existing
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
return false
`)

// Store wraps a Redis client with the two primitives the pipeline needs.
type Store struct {
	client *redis.Client
}

// New constructs a Store from a redis:// connection URL.
func New(url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("kvstore: parse redis url: %w", err)
	}
	return &Store{client: redis.NewClient(opts)}, nil
}

// Ping verifies connectivity, used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

// RateLimitResult reports the outcome of an increment-with-expiry check.
type RateLimitResult struct {
	Allowed bool
	Count   int64
}

// CheckAndIncrement atomically increments the counter at key (scoped by the
// caller, e.g. "sms:<tenant>:<patient>") and reports whether the
// resulting count is still within limit. windowSeconds is only applied to
// the key's TTL the first time it is created within the window.
func (s *Store) CheckAndIncrement(ctx context.Context, key string, limit int64, windowSeconds int) (RateLimitResult, error) {
	res, err := incrExpireScript.Run(ctx, s.client, []string{key}, windowSeconds).Result()
	if err != nil {
		return RateLimitResult{}, fmt.Errorf("kvstore: rate limit script: %w", err)
	}
	count, ok := res.(int64)
	if !ok {
		return RateLimitResult{}, fmt.Errorf("kvstore: unexpected rate limit script result %T", res)
	}
	return RateLimitResult{Allowed: count <= limit, Count: count}, nil
}

// claimRecord is the JSON value stored under a claimed request_id key.
type claimRecord struct {
	Fingerprint string          `json:"fp"`
	Decision    json.RawMessage `json:"decision"`
}

// ReplayResult reports the outcome of a get-or-claim check.
type ReplayResult struct {
	// IsNew is true when this call established the claim; the caller owns
	// computing and storing the decision via StoreDecision.
	IsNew bool
	// FingerprintMatch is false when a claim already exists for this
	// request_id but the accompanying request body hashes differently —
	// the id was reused for a different request.
	FingerprintMatch bool
	// CachedDecision is the previously stored decision, present only when
	// IsNew is false, FingerprintMatch is true, and a decision had already
	// been recorded (it may still be nil if the original call is still
	// in-flight).
	CachedDecision json.RawMessage
}

// ErrClaimUnavailable wraps any error talking to the store during a claim
// check, distinguishing "the store said no" from "we couldn't ask".
var ErrClaimUnavailable = errors.New("kvstore: replay check unavailable")

// CheckAndClaim implements the idempotency gate: it atomically claims
// requestID if unclaimed, or returns the existing claim. fingerprint is the
// caller-computed hash of the semantically meaningful request body (see
// Fingerprint). ttl governs how long a claim, and any decision recorded
// against it, survives.
func (s *Store) CheckAndClaim(ctx context.Context, requestID, fingerprint string, ttl time.Duration) (ReplayResult, error) {
	key := requestKey(requestID)
	claim := claimRecord{Fingerprint: fingerprint}
	claimJSON, err := json.Marshal(claim)
	if err != nil {
		return ReplayResult{}, fmt.Errorf("%w: marshal claim: %v", ErrClaimUnavailable, err)
	}

	res, err := claimScript.Run(ctx, s.client, []string{key}, string(claimJSON), int(ttl.Seconds())).Result()
	if err != nil && err != redis.Nil {
		return ReplayResult{}, fmt.Errorf("%w: %v", ErrClaimUnavailable, err)
	}

	// A false return (Lua boolean false, surfaced by go-redis as a nil reply
	// with redis.Nil) means the claim was new.
	if res == nil {
		return ReplayResult{IsNew: true, FingerprintMatch: true}, nil
	}

	stored, ok := res.(string)
	if !ok {
		return ReplayResult{}, fmt.Errorf("%w: unexpected claim result %T", ErrClaimUnavailable, res)
	}

	var existing claimRecord
	if err := json.Unmarshal([]byte(stored), &existing); err != nil {
		return ReplayResult{}, fmt.Errorf("%w: unmarshal stored claim: %v", ErrClaimUnavailable, err)
	}

	if existing.Fingerprint != fingerprint {
		return ReplayResult{IsNew: false, FingerprintMatch: false}, nil
	}

	// A pending claim stores "decision":null, which decodes into the raw
	// message as the literal null; report it as no decision.
	cached := existing.Decision
	if string(cached) == "null" {
		cached = nil
	}

	return ReplayResult{IsNew: false, FingerprintMatch: true, CachedDecision: cached}, nil
}

// StoreDecision records the computed decision against an already-claimed
// request_id, preserving the claim's original TTL (SET XX KEEPTTL) so a
// slow writer never resets the replay window. A claim that has already
// expired is a silent no-op: the XX mode simply matches nothing.
func (s *Store) StoreDecision(ctx context.Context, requestID, fingerprint string, decision json.RawMessage) error {
	key := requestKey(requestID)
	claim := claimRecord{Fingerprint: fingerprint, Decision: decision}
	claimJSON, err := json.Marshal(claim)
	if err != nil {
		return fmt.Errorf("kvstore: marshal decision claim: %w", err)
	}
	err = s.client.SetArgs(ctx, key, string(claimJSON), redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("kvstore: store decision: %w", err)
	}
	return nil
}

func requestKey(requestID string) string {
	return fmt.Sprintf("casf:req:%s", requestID)
}
