package agent

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
)

const (
	heartbeatInterval = 30 * time.Second
	maxBackoff        = 60 * time.Second
)

// State is the connection lifecycle phase.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateRegistered   State = "registered"
	StateDisconnected State = "disconnected"
)

// Connection maintains the agent's session with the hub: dial, register,
// heartbeat, probe dispatch, and auto-reconnect with exponential backoff.
type Connection struct {
	cfg      *Config
	cfgPath  string
	executor *Executor
	registry *probe.Registry
	log      *slog.Logger
	clock    clock.Clock
	version  string

	// enrollToken is sent on the first registration only; cleared once the
	// hub acks with minted credentials.
	enrollToken string

	signKey *ecdsa.PrivateKey // issued leaf key, signs outbound payloads
	hubPub  *ecdsa.PublicKey  // pinned CA public key, verifies hub frames
	caPool  *x509.CertPool

	mu      sync.Mutex
	state   State
	ws      *websocket.Conn
	started time.Time
}

// NewConnection builds the connection from the agent config. enrollToken is
// optional and used for first enrollment.
func NewConnection(cfg *Config, cfgPath string, executor *Executor, registry *probe.Registry, log *slog.Logger, clk clock.Clock, version, enrollToken string) (*Connection, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	c := &Connection{
		cfg:         cfg,
		cfgPath:     cfgPath,
		executor:    executor,
		registry:    registry,
		log:         log,
		clock:       clk,
		version:     version,
		enrollToken: enrollToken,
		state:       StateIdle,
	}
	if err := c.loadCredentials(); err != nil {
		return nil, err
	}
	return c, nil
}

// loadCredentials reads the issued key and pinned CA cert if configured.
func (c *Connection) loadCredentials() error {
	if c.cfg.KeyPath != "" {
		keyPEM, err := os.ReadFile(c.cfg.KeyPath)
		if err != nil {
			return fmt.Errorf("reading key %s: %w", c.cfg.KeyPath, err)
		}
		block, _ := pem.Decode(keyPEM)
		if block == nil {
			return fmt.Errorf("invalid key PEM at %s", c.cfg.KeyPath)
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing key %s: %w", c.cfg.KeyPath, err)
		}
		c.signKey = key
	}
	if c.cfg.CACertPath != "" {
		caPEM, err := os.ReadFile(c.cfg.CACertPath)
		if err != nil {
			return fmt.Errorf("reading CA cert %s: %w", c.cfg.CACertPath, err)
		}
		block, _ := pem.Decode(caPEM)
		if block == nil {
			return fmt.Errorf("invalid CA PEM at %s", c.cfg.CACertPath)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("parsing CA cert: %w", err)
		}
		pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("CA public key is %T, want *ecdsa.PublicKey", cert.PublicKey)
		}
		c.hubPub = pub
		c.caPool = x509.NewCertPool()
		c.caPool.AddCert(cert)
	}
	return nil
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run connects and serves until ctx is cancelled, reconnecting with
// exponential backoff min(1s * 2^attempts, 60s) on any drop.
func (c *Connection) Run(ctx context.Context) error {
	c.started = c.clock.Now()
	attempts := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return ctx.Err()
		}
		c.setState(StateConnecting)
		err := c.serveOnce(ctx)
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return ctx.Err()
		}
		// A session that reached Registered resets the backoff curve.
		if c.State() == StateRegistered {
			attempts = 0
		}
		c.setState(StateDisconnected)

		backoff := reconnectBackoff(attempts)
		attempts++
		c.log.Warn("connection lost, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		case <-c.clock.After(backoff):
		}
	}
}

// reconnectBackoff is min(1s * 2^attempts, 60s). The exponent is clamped
// before shifting; a long outage pushes attempts past the width of Duration.
func reconnectBackoff(attempts int) time.Duration {
	if attempts >= 6 {
		return maxBackoff
	}
	return time.Duration(1<<uint(attempts)) * time.Second
}

// EnrollOnce performs a single dial + register round-trip and disconnects.
// Used by the enroll command, where a rejected token must fail immediately
// instead of entering the reconnect loop.
func (c *Connection) EnrollOnce(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()
	ws.SetReadLimit(protocol.MaxFrameSize)
	return c.register()
}

// serveOnce dials, registers, and pumps frames until the socket drops.
func (c *Connection) serveOnce(ctx context.Context) error {
	ws, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()
	ws.SetReadLimit(protocol.MaxFrameSize)

	if err := c.register(); err != nil {
		return err
	}

	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeatLoop(hbCtx)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Validate() != nil {
			c.log.Warn("dropping malformed frame from hub")
			continue
		}
		if env.Signature != "" && c.hubPub != nil {
			if err := protocol.VerifyPayload(&env, c.hubPub); err != nil {
				c.log.Warn("hub frame signature rejected", "type", env.Type, "error", err)
				continue
			}
		}
		c.handleFrame(ctx, &env)
	}
}

func (c *Connection) dial(ctx context.Context) (*websocket.Conn, error) {
	url := strings.TrimRight(c.cfg.HubURL, "/") + "/ws/agent"
	url = strings.Replace(url, "http://", "ws://", 1)
	url = strings.Replace(url, "https://", "wss://", 1)

	header := http.Header{}
	bearer := c.cfg.APIKey
	if bearer == "" {
		bearer = c.enrollToken
	}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	if c.cfg.CertPath != "" && c.cfg.KeyPath != "" && c.caPool != nil {
		cert, err := tls.LoadX509KeyPair(c.cfg.CertPath, c.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("loading client cert: %w", err)
		}
		// The hub CA is self-signed: skip hostname verification and pin the
		// chain on the CA instead.
		pool := c.caPool
		dialer.TLSClientConfig = &tls.Config{
			Certificates:       []tls.Certificate{cert},
			InsecureSkipVerify: true,
			VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
				if len(rawCerts) == 0 {
					return fmt.Errorf("hub presented no certificate")
				}
				leaf, err := x509.ParseCertificate(rawCerts[0])
				if err != nil {
					return err
				}
				_, err = leaf.Verify(x509.VerifyOptions{Roots: pool})
				return err
			},
		}
	}

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	return ws, nil
}

// register announces identity and waits for the hub ack.
func (c *Connection) register() error {
	payload := protocol.RegisterPayload{
		Name:            c.cfg.AgentName,
		OS:              runtime.GOOS,
		Version:         c.version,
		Packs:           c.packList(),
		EnrollmentToken: c.enrollToken,
		Attestation:     c.attestation(),
	}
	env, err := protocol.NewEnvelope(protocol.TypeAgentRegister, c.cfg.AgentID, payload)
	if err != nil {
		return err
	}
	if err := c.send(env); err != nil {
		return err
	}

	// The ack is the first frame after register.
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	_ = ws.SetReadDeadline(time.Now().Add(30 * time.Second))
	defer ws.SetReadDeadline(time.Time{})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return fmt.Errorf("waiting for ack: %w", err)
		}
		var ackEnv protocol.Envelope
		if err := json.Unmarshal(data, &ackEnv); err != nil {
			continue
		}
		if ackEnv.Type != protocol.TypeHubAck {
			continue
		}
		var ack protocol.AckPayload
		if err := ackEnv.DecodePayload(&ack); err != nil {
			return err
		}
		if ack.Error != "" {
			return fmt.Errorf("registration rejected: %s", ack.Error)
		}
		return c.applyAck(&ack)
	}
}

// applyAck persists minted credentials and binds the agent id.
func (c *Connection) applyAck(ack *protocol.AckPayload) error {
	changed := false
	if ack.AgentID != "" && ack.AgentID != c.cfg.AgentID {
		c.cfg.AgentID = ack.AgentID
		changed = true
	}
	if ack.APIKey != "" {
		c.cfg.APIKey = ack.APIKey
		c.enrollToken = ""
		changed = true
	}
	if ack.CertPEM != "" && ack.KeyPEM != "" && ack.CACertPEM != "" {
		dir, err := ConfigDir()
		if err != nil {
			return err
		}
		paths := map[string]string{
			"agent.crt": ack.CertPEM,
			"agent.key": ack.KeyPEM,
			"ca.crt":    ack.CACertPEM,
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
		for name, content := range paths {
			if err := os.WriteFile(dir+"/"+name, []byte(content), 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", name, err)
			}
		}
		c.cfg.CertPath = dir + "/agent.crt"
		c.cfg.KeyPath = dir + "/agent.key"
		c.cfg.CACertPath = dir + "/ca.crt"
		changed = true
		if err := c.loadCredentials(); err != nil {
			return err
		}
	}
	if changed && c.cfgPath != "" {
		if err := c.cfg.SaveConfig(c.cfgPath); err != nil {
			return fmt.Errorf("saving config: %w", err)
		}
	}
	c.setState(StateRegistered)
	c.log.Info("registered with hub", "agentId", c.cfg.AgentID)
	return nil
}

func (c *Connection) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := protocol.NewEnvelope(protocol.TypeAgentHeartbeat, c.cfg.AgentID, protocol.HeartbeatPayload{
				Uptime: int64(c.clock.Since(c.started).Seconds()),
			})
			if err != nil {
				continue
			}
			if err := c.send(env); err != nil {
				return
			}
		}
	}
}

func (c *Connection) handleFrame(ctx context.Context, env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeProbeRequest:
		var req protocol.ProbeRequestPayload
		if err := env.DecodePayload(&req); err != nil {
			c.log.Warn("malformed probe request", "error", err)
			return
		}
		// Probes run concurrently; correlation is by request id, not order.
		go c.runProbe(ctx, &req)

	case protocol.TypeHubUpdateAvailable:
		var adv protocol.UpdateAvailablePayload
		if err := env.DecodePayload(&adv); err == nil {
			c.log.Info("agent update available", "current", adv.CurrentVersion, "latest", adv.LatestVersion)
		}

	case protocol.TypeHubAck:
		// Late ack (e.g. re-register path); nothing to do.

	default:
		c.log.Debug("ignoring frame", "type", env.Type)
	}
}

func (c *Connection) runProbe(ctx context.Context, req *protocol.ProbeRequestPayload) {
	resp := c.executor.Execute(ctx, &probe.Request{
		Probe:     req.Probe,
		Params:    req.Params,
		TimeoutMs: req.TimeoutMs,
		Requester: req.Requester,
		RequestID: req.RequestID,
	})
	msgType := protocol.TypeProbeResponse
	if resp.Status != probe.StatusSuccess {
		msgType = protocol.TypeProbeError
	}
	env, err := protocol.NewEnvelope(msgType, c.cfg.AgentID, resp)
	if err != nil {
		c.log.Error("encoding probe response", "probe", req.Probe, "error", err)
		return
	}
	if err := c.send(env); err != nil {
		c.log.Error("sending probe response", "probe", req.Probe, "error", err)
	}
}

// send signs (when a key is loaded) and writes one frame. Writes are
// serialized; gorilla permits a single writer.
func (c *Connection) send(env *protocol.Envelope) error {
	if c.signKey != nil {
		if err := protocol.SignPayload(env, c.signKey); err != nil {
			return err
		}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return fmt.Errorf("not connected")
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) packList() []protocol.PackStatus {
	var out []protocol.PackStatus
	for _, p := range c.registry.All() {
		status := "active"
		if c.executor.disabled[p.Manifest.Name] {
			status = "disabled"
		}
		out = append(out, protocol.PackStatus{
			Name:    p.Manifest.Name,
			Version: p.Manifest.Version,
			Status:  status,
		})
	}
	return out
}

// attestation snapshots the identity-affecting state: OS, binary hash, pack
// identifiers, config hash, runtime.
func (c *Connection) attestation() *protocol.Attestation {
	att := &protocol.Attestation{
		OSVersion: runtime.GOOS + "/" + runtime.GOARCH,
		Runtime:   runtime.Version(),
	}
	if exe, err := os.Executable(); err == nil {
		if data, err := os.ReadFile(exe); err == nil {
			sum := sha256.Sum256(data)
			att.BinaryHash = hex.EncodeToString(sum[:])
		}
	}
	for _, p := range c.registry.All() {
		att.Packs = append(att.Packs, p.Manifest.Name+"@"+p.Manifest.Version)
	}
	sort.Strings(att.Packs)
	if c.cfgPath != "" {
		if data, err := os.ReadFile(c.cfgPath); err == nil {
			sum := sha256.Sum256(data)
			att.ConfigHash = hex.EncodeToString(sum[:])
		}
	}
	return att
}
