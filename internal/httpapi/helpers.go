package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// hashBatchPayload derives the idempotency fingerprint for a batch's
// items: the same commit_id with a byte-identical item set hashes
// identically, so the orchestrator's idempotent-replay check can tell a
// true replay from a reused commit_id with different contents.
func hashBatchPayload(items []ingestRequest) string {
	body, _ := json.Marshal(items)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
