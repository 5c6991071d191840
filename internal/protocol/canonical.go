package protocol

import (
	"encoding/json"
	"fmt"
)

// Canonicalize produces the canonical serialisation of a JSON document:
// UTF-8, object keys sorted lexicographically, no insignificant whitespace.
// Both hub and agent sign and verify over this form, so the two sides agree
// byte-for-byte regardless of how the payload was originally encoded.
//
// The implementation round-trips through encoding/json, which emits map keys
// in sorted order and no whitespace.
func Canonicalize(raw []byte) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalizeValue marshals v and canonicalises the result.
func CanonicalizeValue(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize value: %w", err)
	}
	return Canonicalize(raw)
}
