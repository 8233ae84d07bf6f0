// Package digest builds the offline daily anchor digest of the audit
// hash-chain: a single summary row covering one UTC day, verified for
// chain continuity and signed so it can be anchored externally (WORM
// storage, a SIEM, or a transparency log) independent of the live system.
package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/casf-systems/verifier-gateway/pkg/audit"
	"github.com/casf-systems/verifier-gateway/pkg/canonicalize"
)

// Result is the emitted digest document.
type Result struct {
	GeneratedAt string `json:"generated_at"`
	Window      string `json:"window"`
	EventCount  int    `json:"event_count"`
	FirstHash   string `json:"first_hash,omitempty"`
	LastHash    string `json:"last_hash,omitempty"`
	ChainValid  bool   `json:"chain_valid"`
	DigestHash  string `json:"digest_hash"`
	// Signature is a compact JWS over the digest payload. Export never
	// sets it; it is present only when the caller attaches one from Sign.
	Signature string `json:"signature,omitempty"`
}

// chainPayload is the subset of Result that feeds digest_hash, matching
// the canonical field set signed externally.
type chainPayload struct {
	Window     string `json:"window"`
	EventCount int    `json:"event_count"`
	FirstHash  string `json:"first_hash"`
	LastHash   string `json:"last_hash"`
	ChainValid bool   `json:"chain_valid"`
}

// WindowReader is the slice of *audit.Log the digest builder needs,
// narrowed so it can be faked in tests without a live Postgres.
type WindowReader interface {
	RowsInWindow(ctx context.Context, start, end time.Time) ([]audit.ChainRow, error)
}

// Export builds the digest for date (YYYY-MM-DD, UTC). If date is empty,
// yesterday (UTC) is used, matching the offline nightly-job contract.
func Export(ctx context.Context, reader WindowReader, date string) (*Result, error) {
	if date == "" {
		date = time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	}

	start, err := time.Parse("2006-01-02", date)
	if err != nil {
		return nil, fmt.Errorf("digest: invalid date %q: %w", date, err)
	}
	start = start.UTC()
	end := start.AddDate(0, 0, 1)

	rows, err := reader.RowsInWindow(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("digest: read window: %w", err)
	}

	generatedAt := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")

	if len(rows) == 0 {
		return &Result{
			GeneratedAt: generatedAt,
			Window:      date,
			EventCount:  0,
			ChainValid:  true,
			DigestHash:  emptyDigestHash(date),
		}, nil
	}

	verification := audit.VerifyChain(rows)

	payload := chainPayload{
		Window:     date,
		EventCount: len(rows),
		FirstHash:  rows[0].Hash,
		LastHash:   rows[len(rows)-1].Hash,
		ChainValid: verification.Valid,
	}
	digestHash, err := canonicalize.CanonicalHash(payload)
	if err != nil {
		return nil, fmt.Errorf("digest: canonical hash: %w", err)
	}

	return &Result{
		GeneratedAt: generatedAt,
		Window:      payload.Window,
		EventCount:  payload.EventCount,
		FirstHash:   payload.FirstHash,
		LastHash:    payload.LastHash,
		ChainValid:  payload.ChainValid,
		DigestHash:  digestHash,
	}, nil
}

func emptyDigestHash(date string) string {
	h := sha256.Sum256([]byte("empty:" + date))
	return hex.EncodeToString(h[:])
}

// Sign produces a compact JWS (HS256) over the digest's canonical payload
// fields, so an external anchor service can verify the digest was emitted
// by a holder of key without re-deriving it from the raw audit log.
func Sign(result *Result, key []byte) (string, error) {
	claims := jwt.MapClaims{
		"window":      result.Window,
		"event_count": result.EventCount,
		"first_hash":  result.FirstHash,
		"last_hash":   result.LastHash,
		"chain_valid": result.ChainValid,
		"digest_hash": result.DigestHash,
		"iat":         time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(key)
}

// ExitCode maps a digest outcome to the process exit codes the offline
// job contract requires: 0 when the chain verified clean, 1 when it
// verified broken (the digest is still emitted), 2 is reserved for the
// caller to use on a connectivity/unexpected error before a Result even
// exists.
func ExitCode(result *Result) int {
	if result.ChainValid {
		return 0
	}
	return 1
}
