// Package protocol defines the message envelope exchanged between the hub
// and its agents, the typed payloads carried inside it, the canonical JSON
// form used for signing, and the ECDSA sign/verify helpers.
//
// Every frame on the agent socket is one Envelope serialised as a JSON text
// message. The payload schema is keyed on the type tag.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the envelope type tag.
type MessageType string

const (
	TypeAgentRegister      MessageType = "agent.register"
	TypeHubAck             MessageType = "hub.ack"
	TypeAgentHeartbeat     MessageType = "agent.heartbeat"
	TypeProbeRequest       MessageType = "probe.request"
	TypeProbeResponse      MessageType = "probe.response"
	TypeProbeError         MessageType = "probe.error"
	TypeHubUpdateAvailable MessageType = "hub.update_available"
)

// knownTypes is the set of valid envelope type tags.
var knownTypes = map[MessageType]bool{
	TypeAgentRegister:      true,
	TypeHubAck:             true,
	TypeAgentHeartbeat:     true,
	TypeProbeRequest:       true,
	TypeProbeResponse:      true,
	TypeProbeError:         true,
	TypeHubUpdateAvailable: true,
}

// MaxFrameSize is the per-frame payload cap on the agent socket.
const MaxFrameSize = 1 << 20 // 1 MiB

// Envelope is the only frame exchanged over the agent socket.
//
// Signature is base64 over the canonicalised payload (see Canonicalize);
// empty when unsigned. AgentID is required on every message from a
// registered agent.
type Envelope struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Timestamp string          `json:"timestamp"`
	AgentID   string          `json:"agentId,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope around an already-marshalled payload.
func NewEnvelope(t MessageType, agentID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		AgentID:   agentID,
		Payload:   raw,
	}, nil
}

// Validate checks the envelope against the schema: id, type, and timestamp
// must be present, the type must be known, and the payload must be a JSON
// value (possibly null for heartbeats).
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope missing id")
	}
	if e.Type == "" {
		return fmt.Errorf("envelope missing type")
	}
	if !knownTypes[e.Type] {
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("envelope missing timestamp")
	}
	return nil
}

// DecodePayload unmarshals the payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("envelope %s has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}
