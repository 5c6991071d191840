package protocol

import "github.com/sonde-sh/sonde/internal/probe"

// PackStatus describes one loaded pack in a registration frame.
type PackStatus struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"` // "active" or "disabled"
}

// Attestation is the agent's snapshot of its identity-affecting state.
// The hub stores it as the baseline and flags drift across reconnects.
type Attestation struct {
	OSVersion  string   `json:"osVersion,omitempty"`
	BinaryHash string   `json:"binaryHash,omitempty"`
	Packs      []string `json:"packs,omitempty"`
	ConfigHash string   `json:"configHash,omitempty"`
	Runtime    string   `json:"runtime,omitempty"`
}

// RegisterPayload is carried by agent.register.
type RegisterPayload struct {
	Name            string       `json:"name"`
	OS              string       `json:"os"`
	Version         string       `json:"version"`
	Packs           []PackStatus `json:"packs,omitempty"`
	EnrollmentToken string       `json:"enrollmentToken,omitempty"`
	Attestation     *Attestation `json:"attestation,omitempty"`
}

// AckPayload is carried by hub.ack in response to agent.register.
// On enrollment it also delivers the minted credentials; on rejection only
// Error is set and the socket is closed afterwards.
type AckPayload struct {
	AgentID   string `json:"agentId,omitempty"`
	CertPEM   string `json:"certPem,omitempty"`
	KeyPEM    string `json:"keyPem,omitempty"`
	CACertPEM string `json:"caCertPem,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HeartbeatPayload is carried by agent.heartbeat.
type HeartbeatPayload struct {
	Uptime int64 `json:"uptimeSeconds,omitempty"`
}

// ProbeRequestPayload is carried by probe.request from hub to agent.
type ProbeRequestPayload struct {
	Probe     string         `json:"probe"`
	Params    map[string]any `json:"params,omitempty"`
	TimeoutMs int64          `json:"timeoutMs,omitempty"`
	Requester string         `json:"requester,omitempty"`
	RequestID string         `json:"requestId"`
}

// ProbeResponsePayload is carried by probe.response and probe.error.
// It is the wire form of a probe result.
type ProbeResponsePayload = probe.Response

// UpdateAvailablePayload is carried by hub.update_available after the hub
// notices a registering agent runs an older version than the fleet setting.
type UpdateAvailablePayload struct {
	CurrentVersion string `json:"currentVersion"`
	LatestVersion  string `json:"latestVersion"`
}

// ErrorFrame is the bare error reply used for protocol-level failures
// (malformed frames, id mismatch, bad signature). It is not an Envelope:
// protocol errors stay local to the offending frame.
type ErrorFrame struct {
	Error string `json:"error"`
}
