package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildValidChain(n int) []ChainRow {
	rows := make([]ChainRow, 0, n)
	prev := ""
	for i := 0; i < n; i++ {
		eventID := "evt-" + string(rune('a'+i))
		h := ComputeHash("req", eventID, "2026-07-29T00:00:00.000000Z", "role:doctor", "cliniccloud.list_appointments", "ALLOW", "{}", prev)
		rows = append(rows, ChainRow{
			EventID: eventID, RequestID: "req", Timestamp: "2026-07-29T00:00:00.000000Z",
			Actor: "role:doctor", Action: "cliniccloud.list_appointments", Decision: "ALLOW", PayloadJSON: "{}",
			PrevHash: prev, Hash: h,
		})
		prev = h
	}
	return rows
}

func TestVerifyChain_ValidChainPasses(t *testing.T) {
	result := VerifyChain(buildValidChain(4))
	assert.True(t, result.Valid)
	assert.Equal(t, -1, result.FirstBadRow)
	assert.Equal(t, 4, result.EventCount)
}

func TestVerifyChain_DetectsFlippedHashByte(t *testing.T) {
	rows := buildValidChain(3)
	b := []byte(rows[1].Hash)
	if b[0] == 'f' {
		b[0] = '0'
	} else {
		b[0] = 'f'
	}
	rows[1].Hash = string(b)
	result := VerifyChain(rows)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.FirstBadRow)
}

func TestVerifyChain_DetectsBrokenLink(t *testing.T) {
	rows := buildValidChain(4)
	rows[2].PrevHash = "tampered"
	result := VerifyChain(rows)
	assert.False(t, result.Valid)
	assert.Equal(t, 2, result.FirstBadRow)
}

func TestVerifyChain_DetectsTamperedPayload(t *testing.T) {
	rows := buildValidChain(3)
	rows[1].PayloadJSON = `{"tampered":true}`
	result := VerifyChain(rows)
	assert.False(t, result.Valid)
	assert.Equal(t, 1, result.FirstBadRow)
}

func TestVerifyChain_EmptyChainIsValid(t *testing.T) {
	result := VerifyChain(nil)
	assert.True(t, result.Valid)
	assert.Equal(t, 0, result.EventCount)
}
