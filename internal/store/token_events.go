package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// TokenEvent is one entry in a token's append-only audit trail. Entries are
// hash-chained per token so gaps or rewrites are detectable.
type TokenEvent struct {
	TokenID   string          `json:"token_id"`
	TokenSeq  int             `json:"token_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTokenEventHash(prevHash, tokenID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, tokenID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// EventTypeForStatus names the audit event recorded for a status change.
func EventTypeForStatus(status string) string {
	return "token." + status
}
