package protocol

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// SignPayload signs the canonical form of the envelope's payload with an
// ECDSA P-256 key and stores the base64 signature on the envelope.
//
// Signing covers only the payload subtree, not the whole envelope — the id
// and timestamp vary per frame and carry no authority.
func SignPayload(env *Envelope, key *ecdsa.PrivateKey) error {
	canonical, err := Canonicalize(env.Payload)
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	digest := sha256.Sum256(canonical)
	sig, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return fmt.Errorf("sign payload: %w", err)
	}
	env.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyPayload checks the envelope's signature against the canonical form
// of its payload using the given public key.
func VerifyPayload(env *Envelope, pub *ecdsa.PublicKey) error {
	if env.Signature == "" {
		return fmt.Errorf("envelope is unsigned")
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	canonical, err := Canonicalize(env.Payload)
	if err != nil {
		return fmt.Errorf("verify payload: %w", err)
	}
	digest := sha256.Sum256(canonical)
	if !ecdsa.VerifyASN1(pub, digest[:], sig) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
