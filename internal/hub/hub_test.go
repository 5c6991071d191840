package hub

// Shared test doubles for the hub package: an in-memory Conn, a manual
// clock, and constructors for the stores and registries the components wire
// against.

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSigningKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	return key
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "sonde.db"), "")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// fakeConn is an in-memory Conn recording every frame written to it.
type fakeConn struct {
	mu      sync.Mutex
	frames  []json.RawMessage
	closed  bool
	failAll bool

	// onWrite, when set, runs after each successful write with the raw frame.
	onWrite func(raw json.RawMessage)
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	if c.failAll {
		c.mu.Unlock()
		return errors.New("write on broken conn")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.frames = append(c.frames, raw)
	cb := c.onWrite
	c.mu.Unlock()
	if cb != nil {
		cb(raw)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test:0" }

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) lastFrame(t *testing.T) json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames written")
	}
	return c.frames[len(c.frames)-1]
}

// lastEnvelope decodes the most recent frame as an Envelope.
func (c *fakeConn) lastEnvelope(t *testing.T) *protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(c.lastFrame(t), &env); err != nil {
		t.Fatalf("decoding frame: %v", err)
	}
	return &env
}

// envelopeOfType returns the first recorded envelope with the given type.
func (c *fakeConn) envelopeOfType(t *testing.T, want protocol.MessageType) *protocol.Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, raw := range c.frames {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) == nil && env.Type == want {
			return &env
		}
	}
	t.Fatalf("no %s frame recorded", want)
	return nil
}

// manualClock is a Clock whose Now only moves via Advance. After fires
// immediately so retry backoffs do not slow tests down; AfterFunc timers
// never fire on their own.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func (c *manualClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *manualClock) AfterFunc(time.Duration, func()) clock.Timer { return noopTimer{} }

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

// registerFrame builds an agent.register envelope.
func registerFrame(t *testing.T, reg protocol.RegisterPayload) *protocol.Envelope {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeAgentRegister, "", reg)
	if err != nil {
		t.Fatal(err)
	}
	return env
}

func decodeAck(t *testing.T, env *protocol.Envelope) *protocol.AckPayload {
	t.Helper()
	if env.Type != protocol.TypeHubAck {
		t.Fatalf("frame type = %s, want %s", env.Type, protocol.TypeHubAck)
	}
	var ack protocol.AckPayload
	if err := env.DecodePayload(&ack); err != nil {
		t.Fatalf("decoding ack: %v", err)
	}
	return &ack
}

// countingPack builds an integration pack whose single probe "ping" runs the
// given handler.
func countingPack(t *testing.T, handler probe.IntegrationHandler) *probe.Registry {
	t.Helper()
	reg := probe.NewRegistry()
	err := reg.Register(&probe.Pack{
		Manifest: probe.Manifest{
			Name:    "fakeapi",
			Version: "1.0.0",
			Probes: []probe.Spec{
				{Name: "ping", Description: "counting test probe", Capability: probe.CapabilityObserve},
			},
		},
		Kind:        probe.KindIntegration,
		Integration: map[string]probe.IntegrationHandler{"ping": handler},
	})
	if err != nil {
		t.Fatalf("registering pack: %v", err)
	}
	return reg
}

func seedIntegration(t *testing.T, st *store.Store, creds probe.Credentials) *store.Integration {
	t.Helper()
	in := &store.Integration{ID: "int-1", Pack: "fakeapi", Creds: creds, Enabled: true}
	if err := st.SaveIntegration(in); err != nil {
		t.Fatalf("seeding integration: %v", err)
	}
	return in
}

func drainBus(bus *events.Bus) func() []events.Event {
	ch, cancel := bus.Subscribe(128)
	return func() []events.Event {
		cancel()
		var out []events.Event
		for e := range ch {
			out = append(out, e)
		}
		return out
	}
}
