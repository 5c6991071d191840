package hub

import (
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/metrics"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
)

// DefaultProbeTimeout bounds an outbound probe when neither the request nor
// the pack manifest sets one.
const DefaultProbeTimeout = 30 * time.Second

// AgentInfo is the dashboard-facing identity of an online agent.
type AgentInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type liveAgent struct {
	name string
	conn Conn
}

type pendingProbe struct {
	agentID string
	seq     uint64 // send order, for id-less response attribution
	ch      chan *probe.Response
	timer   clock.Timer
}

// Dispatcher is the canonical registry of live agent sessions. It correlates
// outbound probe requests with inbound responses and fans presence changes
// out to dashboard observers.
type Dispatcher struct {
	log   *slog.Logger
	clock clock.Clock

	// signKey signs outbound probe payloads when the hub holds a CA key.
	signKey *ecdsa.PrivateKey

	mu         sync.Mutex
	agents     map[string]*liveAgent // agentId -> {name, conn}
	names      map[string]string     // name -> agentId
	socks      map[Conn]string       // conn -> agentId
	pending    map[string]*pendingProbe
	nextSeq    uint64
	dashboards map[Conn]struct{}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(log *slog.Logger, clk clock.Clock) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Dispatcher{
		log:        log,
		clock:      clk,
		agents:     make(map[string]*liveAgent),
		names:      make(map[string]string),
		socks:      make(map[Conn]string),
		pending:    make(map[string]*pendingProbe),
		dashboards: make(map[Conn]struct{}),
	}
}

// SetSigningKey installs the key used to sign outbound probe payloads.
func (d *Dispatcher) SetSigningKey(key *ecdsa.PrivateKey) { d.signKey = key }

// Register binds an agent id and name to a socket. If the agent was already
// bound to a different socket, the old socket's index entry is dropped
// without touching the agent, so the old socket's eventual close is a no-op
// for this agent.
func (d *Dispatcher) Register(agentID, name string, conn Conn) {
	d.mu.Lock()
	if cur, ok := d.agents[agentID]; ok && cur.conn != conn {
		delete(d.socks, cur.conn)
		d.log.Info("agent reconnected on new socket", "agent", name, "agentId", agentID)
	}
	d.agents[agentID] = &liveAgent{name: name, conn: conn}
	d.names[name] = agentID
	d.socks[conn] = agentID
	count := len(d.agents)
	d.mu.Unlock()

	metrics.ConnectedAgents.Set(float64(count))
	d.broadcastStatus()
}

// RemoveBySocket removes the agent bound to conn, but only if conn is still
// that agent's current socket. A superseded socket's close must not evict
// the re-registered agent.
func (d *Dispatcher) RemoveBySocket(conn Conn) {
	d.mu.Lock()
	agentID, ok := d.socks[conn]
	if !ok {
		d.mu.Unlock()
		return
	}
	cur, live := d.agents[agentID]
	if !live || cur.conn != conn {
		delete(d.socks, conn)
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.RemoveAgent(agentID)
}

// RemoveAgent evicts an agent from all indexes and fails its in-flight
// probes with a disconnect error.
func (d *Dispatcher) RemoveAgent(agentID string) {
	d.mu.Lock()
	cur, ok := d.agents[agentID]
	if !ok {
		d.mu.Unlock()
		return
	}
	name := cur.name
	delete(d.agents, agentID)
	delete(d.names, name)
	delete(d.socks, cur.conn)

	var stale []*pendingProbe
	for id, p := range d.pending {
		if p.agentID == agentID {
			stale = append(stale, p)
			delete(d.pending, id)
		}
	}
	count := len(d.agents)
	d.mu.Unlock()

	for _, p := range stale {
		p.timer.Stop()
		p.ch <- probe.ErrorResponse("", fmt.Sprintf("Agent %s disconnected", name), 0, probe.Metadata{})
	}
	metrics.ConnectedAgents.Set(float64(count))
	d.log.Info("agent removed", "agent", name, "agentId", agentID)
	d.broadcastStatus()
}

// IsOnline reports whether the named agent has a live session.
func (d *Dispatcher) IsOnline(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.names[name]
	return ok
}

// OnlineAgents returns the online set sorted by registration map order.
func (d *Dispatcher) OnlineAgents() []AgentInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]AgentInfo, 0, len(d.agents))
	for id, a := range d.agents {
		out = append(out, AgentInfo{ID: id, Name: a.name})
	}
	return out
}

// Resolve maps an agent name or id to its live session.
func (d *Dispatcher) Resolve(nameOrID string) (agentID, name string, conn Conn, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, found := d.agents[nameOrID]; found {
		return nameOrID, a.name, a.conn, true
	}
	if id, found := d.names[nameOrID]; found {
		a := d.agents[id]
		return id, a.name, a.conn, true
	}
	return "", "", nil, false
}

// AgentIDFor returns the agent id bound to conn ("" if none).
func (d *Dispatcher) AgentIDFor(conn Conn) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.socks[conn]
}

// SendProbe dispatches one probe to an online agent and blocks until the
// correlated response, the timeout, or disconnect. Errored responses are
// returned as responses, not Go errors, so callers can inspect the status.
func (d *Dispatcher) SendProbe(nameOrID string, req probe.Request, timeout time.Duration) (*probe.Response, error) {
	agentID, name, conn, ok := d.Resolve(nameOrID)
	if !ok {
		return nil, fmt.Errorf("Agent not found or offline")
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	requestID := uuid.NewString()
	payload := protocol.ProbeRequestPayload{
		Probe:     req.Probe,
		Params:    req.Params,
		TimeoutMs: timeout.Milliseconds(),
		Requester: req.Requester,
		RequestID: requestID,
	}
	env, err := protocol.NewEnvelope(protocol.TypeProbeRequest, agentID, payload)
	if err != nil {
		return nil, err
	}
	if d.signKey != nil {
		if err := protocol.SignPayload(env, d.signKey); err != nil {
			return nil, err
		}
	}

	ch := make(chan *probe.Response, 1)
	p := &pendingProbe{agentID: agentID, ch: ch}
	p.timer = d.clock.AfterFunc(timeout, func() {
		d.mu.Lock()
		_, still := d.pending[requestID]
		delete(d.pending, requestID)
		d.mu.Unlock()
		if still {
			ch <- &probe.Response{
				Probe:  req.Probe,
				Status: probe.StatusTimeout,
				Data: map[string]any{
					"error": fmt.Sprintf("Probe '%s' timed out after %dms", req.Probe, timeout.Milliseconds()),
				},
				DurationMs: timeout.Milliseconds(),
				RequestID:  requestID,
			}
		}
	})
	d.mu.Lock()
	p.seq = d.nextSeq
	d.nextSeq++
	d.pending[requestID] = p
	d.mu.Unlock()

	if err := conn.WriteJSON(env); err != nil {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
		p.timer.Stop()
		return nil, fmt.Errorf("sending probe to %s: %w", name, err)
	}

	return <-ch, nil
}

// HandleResponse correlates an inbound probe response. It prefers the echoed
// request id and falls back to the oldest pending request for the agent, for
// agents that do not echo the id. Late responses after timeout are dropped.
func (d *Dispatcher) HandleResponse(agentID string, resp *probe.Response) {
	d.mu.Lock()
	var p *pendingProbe
	if resp.RequestID != "" {
		if q, ok := d.pending[resp.RequestID]; ok && q.agentID == agentID {
			p = q
			delete(d.pending, resp.RequestID)
		}
	}
	if p == nil && resp.RequestID == "" {
		oldest := ""
		for id, q := range d.pending {
			if q.agentID != agentID {
				continue
			}
			if p == nil || q.seq < p.seq {
				p, oldest = q, id
			}
		}
		if p != nil {
			delete(d.pending, oldest)
		}
	}
	d.mu.Unlock()

	if p == nil {
		d.log.Debug("dropping uncorrelated probe response", "agentId", agentID, "requestId", resp.RequestID)
		return
	}
	p.timer.Stop()
	p.ch <- resp
}

// PendingCount reports the number of in-flight probes.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// AttachDashboard registers a dashboard observer and immediately sends it
// the current online set.
func (d *Dispatcher) AttachDashboard(conn Conn) {
	d.mu.Lock()
	d.dashboards[conn] = struct{}{}
	d.mu.Unlock()
	_ = conn.WriteJSON(d.statusMessage())
}

// DetachDashboard removes a dashboard observer.
func (d *Dispatcher) DetachDashboard(conn Conn) {
	d.mu.Lock()
	delete(d.dashboards, conn)
	d.mu.Unlock()
}

func (d *Dispatcher) statusMessage() map[string]any {
	agents := d.OnlineAgents()
	ids := make([]string, 0, len(agents))
	for _, a := range agents {
		ids = append(ids, a.ID)
	}
	return map[string]any{
		"type":           "agent.status",
		"onlineAgentIds": ids,
		"onlineAgents":   agents,
	}
}

// broadcastStatus pushes the online set to every dashboard observer. Writes
// happen outside the dispatcher lock; a failed observer is dropped.
func (d *Dispatcher) broadcastStatus() {
	msg := d.statusMessage()
	d.mu.Lock()
	observers := make([]Conn, 0, len(d.dashboards))
	for c := range d.dashboards {
		observers = append(observers, c)
	}
	d.mu.Unlock()
	for _, c := range observers {
		if err := c.WriteJSON(msg); err != nil {
			d.DetachDashboard(c)
			_ = c.Close()
		}
	}
}
