package store

import (
	"time"

	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
)

// AgentStatus is the fleet view of an agent.
type AgentStatus string

const (
	AgentOnline   AgentStatus = "online"
	AgentOffline  AgentStatus = "offline"
	AgentDegraded AgentStatus = "degraded"
)

// Agent is the persisted fleet record for one enrolled agent.
type Agent struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	OS       string      `json:"os"`
	Version  string      `json:"version"`
	Status   AgentStatus `json:"status"`
	LastSeen time.Time   `json:"lastSeen,omitzero"`

	// Packs is the last-reported pack inventory.
	Packs []protocol.PackStatus `json:"packs,omitempty"`

	// APIKeyID references the key minted at enrollment.
	APIKeyID string `json:"apiKeyId,omitempty"`

	// CertPEM is the issued leaf certificate; its public key verifies the
	// agent's payload signatures. CertFingerprint is the hex SHA-256 of the
	// leaf's DER bytes.
	CertPEM         string `json:"certPem,omitempty"`
	CertFingerprint string `json:"certFingerprint,omitempty"`

	// Baseline is the attestation captured at enrollment. Drift on a later
	// reconnect marks the agent degraded unless Version changed too.
	Baseline *protocol.Attestation `json:"baseline,omitempty"`

	// DegradedReason is set while Status is degraded.
	DegradedReason string `json:"degradedReason,omitempty"`

	EnrolledAt time.Time `json:"enrolledAt"`
}

// Integration is a configured server-side integration pack instance.
type Integration struct {
	ID        string            `json:"id"`
	Pack      string            `json:"pack"`
	Config    map[string]string `json:"config,omitempty"`
	Creds     probe.Credentials `json:"creds"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt,omitzero"`
}

// IntegrationEvent records a state change or notable result for an
// integration, kept separately so deleting the integration can cascade.
type IntegrationEvent struct {
	ID            uint64    `json:"id"`
	IntegrationID string    `json:"integrationId"`
	Kind          string    `json:"kind"` // e.g. "token_refreshed", "test_failed"
	Detail        string    `json:"detail,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
