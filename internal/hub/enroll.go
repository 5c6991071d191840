package hub

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/sonde-sh/sonde/internal/auth"
	"github.com/sonde-sh/sonde/internal/ca"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/metrics"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

// Enrollment handles agent.register frames: token consumption, credential
// minting, certificate issuance, attestation tracking, and the version
// advisory.
type Enrollment struct {
	store      *store.Store
	ca         *ca.CA // nil when the hub runs without a CA
	dispatcher *Dispatcher
	bus        *events.Bus
	log        *slog.Logger
	clock      clock.Clock

	// latestVersion returns the fleet's advised agent version ("" disables
	// the advisory). Read per registration so the setting can change live.
	latestVersion func() string
}

// NewEnrollment wires the enrollment handler.
func NewEnrollment(st *store.Store, authority *ca.CA, d *Dispatcher, bus *events.Bus, log *slog.Logger, clk clock.Clock, latestVersion func() string) *Enrollment {
	if clk == nil {
		clk = clock.Real{}
	}
	if latestVersion == nil {
		latestVersion = func() string { return "" }
	}
	return &Enrollment{
		store:         st,
		ca:            authority,
		dispatcher:    d,
		bus:           bus,
		log:           log,
		clock:         clk,
		latestVersion: latestVersion,
	}
}

// HandleRegister processes one agent.register frame. The returned agent id
// is "" when registration was rejected; rejection sends an error ack and the
// caller closes the socket.
func (e *Enrollment) HandleRegister(conn Conn, env *protocol.Envelope, authCtx *AuthContext) (string, error) {
	var reg protocol.RegisterPayload
	if err := env.DecodePayload(&reg); err != nil {
		writeError(conn, "Invalid message format")
		return "", err
	}
	if reg.Name == "" {
		writeError(conn, "Invalid message format")
		return "", fmt.Errorf("register frame missing agent name")
	}

	token := reg.EnrollmentToken
	if token == "" {
		token = authCtx.EnrollToken
	}

	enrolled := false
	if token != "" {
		_, err := e.store.ConsumeEnrollToken(auth.HashToken(token), reg.Name, e.clock.Now().UTC())
		if err != nil {
			reason := "Invalid token"
			switch {
			case strings.Contains(err.Error(), "already used"):
				reason = "Token already used"
			case strings.Contains(err.Error(), "expired"):
				reason = "Token expired"
			}
			metrics.EnrollmentsTotal.WithLabelValues("rejected").Inc()
			e.sendAck(conn, &protocol.AckPayload{Error: "Enrollment token rejected: " + reason})
			return "", fmt.Errorf("enrollment token rejected for %s: %w", reg.Name, err)
		}
		enrolled = true
	} else if authCtx.APIKeyID == "" && authCtx.CertName == "" {
		e.sendAck(conn, &protocol.AckPayload{Error: "Not authorized"})
		return "", fmt.Errorf("register without token or credential from %s", conn.RemoteAddr())
	}

	// Stable id: reuse the record keyed by name across re-registrations.
	agent, err := e.store.GetAgentByName(reg.Name)
	isNew := err != nil
	if isNew {
		agent = &store.Agent{
			ID:         uuid.NewString(),
			Name:       reg.Name,
			EnrolledAt: e.clock.Now().UTC(),
		}
	}

	e.applyAttestation(agent, &reg)

	agent.OS = reg.OS
	agent.Version = reg.Version
	agent.Packs = reg.Packs
	agent.LastSeen = e.clock.Now().UTC()
	if agent.Status != store.AgentDegraded {
		agent.Status = store.AgentOnline
	}

	ack := &protocol.AckPayload{AgentID: agent.ID}
	if enrolled {
		key, plaintext, err := auth.GenerateKey("agent "+reg.Name, auth.ScopeAgent(reg.Name))
		if err != nil {
			return "", fmt.Errorf("minting api key for %s: %w", reg.Name, err)
		}
		if err := e.store.SaveAPIKey(key); err != nil {
			return "", fmt.Errorf("saving api key for %s: %w", reg.Name, err)
		}
		agent.APIKeyID = key.ID
		ack.APIKey = plaintext

		if e.ca != nil {
			certPEM, keyPEM, err := e.ca.IssueAgentCert(reg.Name, agent.ID)
			if err != nil {
				// CA failure degrades to key-only enrollment.
				e.log.Error("certificate issuance failed, enrolling without mTLS", "agent", reg.Name, "error", err)
			} else {
				agent.CertPEM = string(certPEM)
				if fp, err := ca.Fingerprint(certPEM); err == nil {
					agent.CertFingerprint = fp
				}
				ack.CertPEM = string(certPEM)
				ack.KeyPEM = string(keyPEM)
				ack.CACertPEM = string(e.ca.CertPEM())
			}
		}
		metrics.EnrollmentsTotal.WithLabelValues("accepted").Inc()
		e.bus.Publish(events.Event{Type: events.AgentEnrolled, Agent: reg.Name})
	}

	if err := e.store.SaveAgent(agent); err != nil {
		return "", fmt.Errorf("saving agent %s: %w", reg.Name, err)
	}

	e.dispatcher.Register(agent.ID, agent.Name, conn)
	e.bus.Publish(events.Event{Type: events.AgentConnected, Agent: agent.Name})

	if err := e.sendAck(conn, ack); err != nil {
		return "", err
	}
	e.log.Info("agent registered", "agent", agent.Name, "agentId", agent.ID, "version", agent.Version, "enrolled", enrolled)

	if latest := e.latestVersion(); latest != "" && semverLess(reg.Version, latest) {
		adv, err := protocol.NewEnvelope(protocol.TypeHubUpdateAvailable, agent.ID, protocol.UpdateAvailablePayload{
			CurrentVersion: reg.Version,
			LatestVersion:  latest,
		})
		if err == nil {
			if e.ca != nil {
				_ = protocol.SignPayload(adv, e.ca.SigningKey())
			}
			_ = conn.WriteJSON(adv)
		}
	}
	return agent.ID, nil
}

// applyAttestation compares the reported attestation against the stored
// baseline. Drift marks the agent degraded unless its version changed (a
// self-update legitimately resets the baseline). The new attestation always
// becomes the baseline.
func (e *Enrollment) applyAttestation(agent *store.Agent, reg *protocol.RegisterPayload) {
	if reg.Attestation == nil {
		return
	}
	versionChanged := agent.Version != "" && agent.Version != reg.Version
	if agent.Baseline != nil && !versionChanged && !reflect.DeepEqual(agent.Baseline, reg.Attestation) {
		agent.Status = store.AgentDegraded
		agent.DegradedReason = "attestation drift since last registration"
		e.log.Warn("attestation mismatch", "agent", agent.Name)
		e.bus.Publish(events.Event{Type: events.AgentDegraded, Agent: agent.Name, Detail: agent.DegradedReason})
	} else if versionChanged || agent.Status == store.AgentDegraded && reflect.DeepEqual(agent.Baseline, reg.Attestation) {
		agent.Status = store.AgentOnline
		agent.DegradedReason = ""
	}
	agent.Baseline = reg.Attestation
}

func (e *Enrollment) sendAck(conn Conn, ack *protocol.AckPayload) error {
	env, err := protocol.NewEnvelope(protocol.TypeHubAck, ack.AgentID, ack)
	if err != nil {
		return err
	}
	if e.ca != nil {
		if err := protocol.SignPayload(env, e.ca.SigningKey()); err != nil {
			return err
		}
	}
	return conn.WriteJSON(env)
}

// semverLess compares dotted-triple versions; a is strictly older than b.
// Non-numeric segments compare as zero.
func semverLess(a, b string) bool {
	pa, pb := semverParts(a), semverParts(b)
	for i := 0; i < 3; i++ {
		if pa[i] != pb[i] {
			return pa[i] < pb[i]
		}
	}
	return false
}

func semverParts(v string) [3]int {
	var out [3]int
	v = strings.TrimPrefix(v, "v")
	for i, part := range strings.SplitN(v, ".", 3) {
		if i >= 3 {
			break
		}
		n, err := strconv.Atoi(strings.SplitN(part, "-", 2)[0])
		if err == nil {
			out[i] = n
		}
	}
	return out
}
