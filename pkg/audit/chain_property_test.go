//go:build property
// +build property

package audit

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// buildChain fabricates a well-linked chain of n events with the given
// payload seeds.
func buildChain(payloads []string) []ChainRow {
	rows := make([]ChainRow, 0, len(payloads))
	prev := ""
	for i, p := range payloads {
		row := ChainRow{
			EventID:     fmt.Sprintf("e-%d", i),
			RequestID:   fmt.Sprintf("r-%d", i),
			Timestamp:   fmt.Sprintf("2026-08-01T00:00:%02d.000000Z", i%60),
			Actor:       "role:system",
			Action:      "cliniccloud.list_appointments",
			Decision:    "ALLOW",
			PayloadJSON: fmt.Sprintf(`{"seed":%q}`, p),
			PrevHash:    prev,
		}
		row.Hash = ComputeHash(row.RequestID, row.EventID, row.Timestamp, row.Actor, row.Action, row.Decision, row.PayloadJSON, row.PrevHash)
		prev = row.Hash
		rows = append(rows, row)
	}
	return rows
}

func flipByte(s string, pos int) string {
	b := []byte(s)
	i := pos % len(b)
	b[i] ^= 0x01
	return string(b)
}

func TestChainProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("well-linked chains always verify", prop.ForAll(
		func(payloads []string) bool {
			res := VerifyChain(buildChain(payloads))
			return res.Valid && res.FirstBadRow == -1
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("any single-byte tamper is rejected at the tampered row", prop.ForAll(
		func(payloads []string, idx, pos, field int) bool {
			if len(payloads) == 0 {
				return true
			}
			rows := buildChain(payloads)
			i := idx % len(rows)

			switch field % 3 {
			case 0:
				rows[i].Hash = flipByte(rows[i].Hash, pos)
			case 1:
				if rows[i].PrevHash == "" {
					return true // genesis prev_hash has no bytes to flip
				}
				rows[i].PrevHash = flipByte(rows[i].PrevHash, pos)
			default:
				rows[i].PayloadJSON = flipByte(rows[i].PayloadJSON, pos)
			}

			res := VerifyChain(rows)
			return !res.Valid && res.FirstBadRow == i
		},
		gen.SliceOf(gen.AlphaString()),
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 1<<20),
		gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
