// Package audit implements the append-only, hash-chained record of probe
// executions. The hub stores the chain durably; the agent keeps a bounded
// in-memory ring with the same entry shape.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Entry is one record in the audit chain.
//
// The canonical serialisation used for hashing is the JSON form of this
// struct; encoding/json emits fields in declaration order, so the order
// below is the documented canonical field order. Changing it breaks every
// existing chain.
type Entry struct {
	ID         int64  `json:"id"`
	Timestamp  string `json:"timestamp"`
	Probe      string `json:"probe"`
	Source     string `json:"source"` // agent name or "integration:<pack>"
	Status     string `json:"status"`
	DurationMs int64  `json:"durationMs"`
	APIKeyID   string `json:"apiKeyId,omitempty"`
	Digest     string `json:"digest,omitempty"` // SHA-256 of the response body
	PrevHash   string `json:"prev_hash"`
}

// Hash returns the SHA-256 hex digest of the entry's canonical
// serialisation. Entry i+1 stores this value of entry i as its PrevHash,
// which makes the chain tamper-evident.
func Hash(e *Entry) string {
	data, err := json.Marshal(e)
	if err != nil {
		// Entry contains only marshallable scalar fields; this cannot
		// happen with a well-formed entry.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ResponseDigest hashes an arbitrary response body for the Digest field.
func ResponseDigest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// VerifyResult reports the outcome of a chain walk.
type VerifyResult struct {
	Valid    bool `json:"valid"`
	BrokenAt int  `json:"brokenAt,omitempty"` // 1-based position of the first bad entry
}

// VerifyChain walks the full chain from its genesis entry. The first
// entry's PrevHash must be empty, and every later entry's PrevHash must
// equal the hash of its predecessor as stored. Positions are 1-based.
func VerifyChain(entries []Entry) VerifyResult {
	if len(entries) == 0 {
		return VerifyResult{Valid: true}
	}
	if entries[0].PrevHash != "" {
		return VerifyResult{Valid: false, BrokenAt: 1}
	}
	return verifyLinks(entries)
}

// VerifyLinks checks only the links between the entries present, without
// requiring the first entry to be the genesis entry. This is the check the
// agent ring uses after eviction: validity is meaningful from the oldest
// still-present entry onward.
func VerifyLinks(entries []Entry) VerifyResult {
	return verifyLinks(entries)
}

func verifyLinks(entries []Entry) VerifyResult {
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != Hash(&entries[i-1]) {
			return VerifyResult{Valid: false, BrokenAt: i + 1}
		}
	}
	return VerifyResult{Valid: true}
}
