package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sonde-sh/sonde/internal/auth"
	"github.com/sonde-sh/sonde/internal/ca"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

// AuthContext is the credential evaluated at upgrade time, carried into the
// per-connection loop for the register step.
type AuthContext struct {
	// APIKeyID is set when the bearer credential resolved to a valid key.
	APIKeyID string
	// EnrollToken holds the plaintext enrollment token when the bearer
	// credential was a valid unused token; consumed at register.
	EnrollToken string
	// CertName is the CN of a CA-verified client certificate.
	CertName string
}

// SessionValidator checks a dashboard request's session cookie. Dashboard
// session management is out of core; the hub consumes only this contract.
type SessionValidator func(r *http.Request) bool

// Transport accepts websocket upgrades on /ws/agent and /ws/dashboard and
// runs the per-connection read loops.
type Transport struct {
	log        *slog.Logger
	store      *store.Store
	dispatcher *Dispatcher
	enroll     *Enrollment
	ca         *ca.CA // nil without mTLS
	clock      clock.Clock
	sessions   SessionValidator
	upgrader   websocket.Upgrader
}

// NewTransport wires the websocket transport.
func NewTransport(log *slog.Logger, st *store.Store, d *Dispatcher, enroll *Enrollment, authority *ca.CA, clk clock.Clock, sessions SessionValidator) *Transport {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Transport{
		log:        log,
		store:      st,
		dispatcher: d,
		enroll:     enroll,
		ca:         authority,
		clock:      clk,
		sessions:   sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers; dashboard origin policy is enforced
			// by the session cookie check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleAgent upgrades an agent connection after the credential gate.
func (t *Transport) HandleAgent(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := t.authenticateAgent(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn := newWSConn(ws)
	go t.agentLoop(ws, conn, authCtx)
}

// authenticateAgent applies the upgrade gate: a CA-signed client cert wins,
// otherwise the bearer credential must be a valid API key or a valid unused
// enrollment token.
func (t *Transport) authenticateAgent(r *http.Request) (*AuthContext, bool) {
	if t.ca != nil && r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		name, err := t.ca.VerifyClientCert(r.TLS.PeerCertificates[0])
		if err == nil {
			return &AuthContext{CertName: name}, true
		}
		t.log.Warn("client certificate rejected", "remote", r.RemoteAddr, "error", err)
	}

	bearer := auth.ExtractBearerToken(r)
	if bearer == "" {
		return nil, false
	}
	hash := auth.HashToken(bearer)

	if key, err := t.store.GetAPIKeyByHash(hash); err == nil {
		_ = t.store.TouchAPIKey(key.ID, t.clock.Now().UTC())
		return &AuthContext{APIKeyID: key.ID}, true
	}
	if tok, err := t.store.GetEnrollToken(hash); err == nil {
		if !tok.Used() && !tok.Expired(t.clock.Now()) {
			return &AuthContext{EnrollToken: bearer}, true
		}
	}
	return nil, false
}

// agentLoop reads frames until the socket closes. Protocol errors stay local
// to the offending frame; only auth rejection at register closes the socket.
func (t *Transport) agentLoop(ws *websocket.Conn, conn Conn, authCtx *AuthContext) {
	defer func() {
		t.dispatcher.RemoveBySocket(conn)
		_ = conn.Close()
	}()

	// boundID is the agent id this socket registered as; frames claiming a
	// different id are rejected without closing.
	var boundID string

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var env protocol.Envelope
		if err := unmarshalEnvelope(data, &env); err != nil {
			writeError(conn, "Invalid message format")
			continue
		}

		if env.AgentID != "" && boundID != "" && env.AgentID != boundID {
			t.log.Warn("agent id mismatch on socket", "claimed", env.AgentID, "bound", boundID, "remote", conn.RemoteAddr())
			writeError(conn, "Agent ID mismatch")
			continue
		}

		if env.AgentID != "" {
			if !t.verifySignature(conn, &env) {
				continue
			}
		}

		switch env.Type {
		case protocol.TypeAgentRegister:
			id, err := t.enroll.HandleRegister(conn, &env, authCtx)
			if err != nil {
				t.log.Warn("registration failed", "remote", conn.RemoteAddr(), "error", err)
				if id == "" && boundID == "" {
					return // rejected before any registration; ack already sent
				}
				continue
			}
			boundID = id

		case protocol.TypeAgentHeartbeat:
			t.handleHeartbeat(env.AgentID)

		case protocol.TypeProbeResponse, protocol.TypeProbeError:
			var resp probe.Response
			if err := env.DecodePayload(&resp); err != nil {
				writeError(conn, "Invalid message format")
				continue
			}
			t.dispatcher.HandleResponse(env.AgentID, &resp)

		default:
			writeError(conn, "Invalid message format")
		}
	}
}

// verifySignature enforces signatures for agents that hold an issued cert:
// a stored certificate makes a valid signature mandatory on every frame.
func (t *Transport) verifySignature(conn Conn, env *protocol.Envelope) bool {
	agent, err := t.store.GetAgent(env.AgentID)
	if err != nil || agent.CertPEM == "" {
		return true
	}
	pub, err := ca.PublicKeyFromCertPEM([]byte(agent.CertPEM))
	if err != nil {
		t.log.Error("stored agent cert unreadable", "agent", agent.Name, "error", err)
		return true
	}
	if err := protocol.VerifyPayload(env, pub); err != nil {
		t.log.Warn("frame signature rejected", "agent", agent.Name, "error", err)
		writeError(conn, "Invalid signature")
		return false
	}
	return true
}

func (t *Transport) handleHeartbeat(agentID string) {
	if agentID == "" {
		return
	}
	agent, err := t.store.GetAgent(agentID)
	if err != nil {
		return
	}
	agent.LastSeen = t.clock.Now().UTC()
	if agent.Status == store.AgentOffline {
		agent.Status = store.AgentOnline
	}
	if err := t.store.SaveAgent(agent); err != nil {
		t.log.Error("saving heartbeat", "agent", agent.Name, "error", err)
	}
}

// HandleDashboard upgrades a dashboard observer after the session check and
// streams presence updates until close.
func (t *Transport) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	if t.sessions == nil || !t.sessions(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := newWSConn(ws)
	t.dispatcher.AttachDashboard(conn)
	go func() {
		defer func() {
			t.dispatcher.DetachDashboard(conn)
			_ = conn.Close()
		}()
		for {
			// Dashboards only listen; drain until close.
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// unmarshalEnvelope decodes and schema-validates one frame.
func unmarshalEnvelope(data []byte, env *protocol.Envelope) error {
	if err := json.Unmarshal(data, env); err != nil {
		return err
	}
	return env.Validate()
}
