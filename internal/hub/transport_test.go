package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonde-sh/sonde/internal/auth"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

type transportFixture struct {
	store      *store.Store
	dispatcher *Dispatcher
	server     *httptest.Server
}

func newTransportFixture(t *testing.T) *transportFixture {
	t.Helper()
	st := testStore(t)
	d := NewDispatcher(testLogger(), nil)
	enroll := NewEnrollment(st, nil, d, events.NewBus(), testLogger(), nil, nil)
	tr := NewTransport(testLogger(), st, d, enroll, nil, nil, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/agent", tr.HandleAgent)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &transportFixture{store: st, dispatcher: d, server: srv}
}

func (f *transportFixture) dial(t *testing.T, bearer string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent"
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dialing agent socket: %v (status %d)", err, status)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func (f *transportFixture) mintToken(t *testing.T) string {
	t.Helper()
	tok, plaintext, err := auth.GenerateEnrollToken("", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.store.SaveEnrollToken(tok); err != nil {
		t.Fatal(err)
	}
	return plaintext
}

func wsSend(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// wsRead reads one frame and splits it into an envelope or a bare error.
func wsRead(t *testing.T, ws *websocket.Conn) (*protocol.Envelope, string) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err == nil && env.Type != "" {
		return &env, ""
	}
	var ef protocol.ErrorFrame
	if err := json.Unmarshal(data, &ef); err != nil {
		t.Fatalf("unrecognised frame: %s", data)
	}
	return nil, ef.Error
}

func registerOverWire(t *testing.T, f *transportFixture, ws *websocket.Conn, name, token string) *protocol.AckPayload {
	t.Helper()
	wsSend(t, ws, registerFrame(t, protocol.RegisterPayload{
		Name: name, OS: "linux", Version: "1.0.0", EnrollmentToken: token,
	}))
	env, bare := wsRead(t, ws)
	if env == nil {
		t.Fatalf("got error frame %q, want ack", bare)
	}
	return decodeAck(t, env)
}

func TestAgentSocketEnrollAndProbe(t *testing.T) {
	f := newTransportFixture(t)
	token := f.mintToken(t)
	ws := f.dial(t, token)

	ack := registerOverWire(t, f, ws, "srv1", "")
	if ack.Error != "" {
		t.Fatalf("ack error = %q", ack.Error)
	}
	if ack.APIKey == "" {
		t.Fatal("no api key delivered")
	}
	waitFor(t, func() bool { return f.dispatcher.IsOnline("srv1") })

	// Hub-initiated probe round trip over the live socket.
	done := make(chan *probe.Response, 1)
	go func() {
		resp, err := f.dispatcher.SendProbe("srv1", probe.Request{Probe: "system.uptime"}, 2*time.Second)
		if err != nil {
			t.Errorf("SendProbe: %v", err)
		}
		done <- resp
	}()

	env, bare := wsRead(t, ws)
	if env == nil || env.Type != protocol.TypeProbeRequest {
		t.Fatalf("frame = %v / %q, want probe.request", env, bare)
	}
	var req protocol.ProbeRequestPayload
	if err := env.DecodePayload(&req); err != nil {
		t.Fatal(err)
	}
	respEnv, err := protocol.NewEnvelope(protocol.TypeProbeResponse, ack.AgentID, probe.Response{
		Probe:     req.Probe,
		Status:    probe.StatusSuccess,
		Data:      map[string]any{"uptimeSeconds": float64(12)},
		RequestID: req.RequestID,
	})
	if err != nil {
		t.Fatal(err)
	}
	wsSend(t, ws, respEnv)

	select {
	case resp := <-done:
		if resp.Status != probe.StatusSuccess {
			t.Errorf("status = %s", resp.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("probe response not correlated")
	}
}

func TestAgentSocketRejectsUnauthenticated(t *testing.T) {
	f := newTransportFixture(t)
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("unauthenticated dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v", resp)
	}
}

func TestAgentSocketIDMismatch(t *testing.T) {
	f := newTransportFixture(t)
	ws := f.dial(t, f.mintToken(t))
	ack := registerOverWire(t, f, ws, "srv1", "")
	if ack.Error != "" {
		t.Fatal(ack.Error)
	}

	hb, err := protocol.NewEnvelope(protocol.TypeAgentHeartbeat, "someone-else", protocol.HeartbeatPayload{})
	if err != nil {
		t.Fatal(err)
	}
	wsSend(t, ws, hb)
	env, bare := wsRead(t, ws)
	if env != nil || bare != "Agent ID mismatch" {
		t.Errorf("frame = %v / %q, want Agent ID mismatch", env, bare)
	}

	// The socket survives the rejected frame.
	if !f.dispatcher.IsOnline("srv1") {
		t.Error("agent evicted by a mismatched frame")
	}
}

func TestAgentSocketMalformedFrame(t *testing.T) {
	f := newTransportFixture(t)
	ws := f.dial(t, f.mintToken(t))
	ack := registerOverWire(t, f, ws, "srv1", "")
	if ack.Error != "" {
		t.Fatal(ack.Error)
	}

	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"not":"an envelope"}`)); err != nil {
		t.Fatal(err)
	}
	env, bare := wsRead(t, ws)
	if env != nil || bare != "Invalid message format" {
		t.Errorf("frame = %v / %q, want Invalid message format", env, bare)
	}
}

func TestAgentSocketDisconnectEvictsAgent(t *testing.T) {
	f := newTransportFixture(t)
	ws := f.dial(t, f.mintToken(t))
	ack := registerOverWire(t, f, ws, "srv1", "")
	if ack.Error != "" {
		t.Fatal(ack.Error)
	}
	waitFor(t, func() bool { return f.dispatcher.IsOnline("srv1") })

	ws.Close()
	waitFor(t, func() bool { return !f.dispatcher.IsOnline("srv1") })
}

func TestAgentSocketHeartbeatUpdatesLastSeen(t *testing.T) {
	f := newTransportFixture(t)
	ws := f.dial(t, f.mintToken(t))
	ack := registerOverWire(t, f, ws, "srv1", "")
	if ack.Error != "" {
		t.Fatal(ack.Error)
	}

	before, err := f.store.GetAgent(ack.AgentID)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	hb, err := protocol.NewEnvelope(protocol.TypeAgentHeartbeat, ack.AgentID, protocol.HeartbeatPayload{Uptime: 60})
	if err != nil {
		t.Fatal(err)
	}
	wsSend(t, ws, hb)

	waitFor(t, func() bool {
		agent, err := f.store.GetAgent(ack.AgentID)
		return err == nil && agent.LastSeen.After(before.LastSeen)
	})
}

func TestAgentSocketReusedTokenClosesSocket(t *testing.T) {
	f := newTransportFixture(t)
	token := f.mintToken(t)
	ws1 := f.dial(t, token)
	if ack := registerOverWire(t, f, ws1, "srv1", ""); ack.Error != "" {
		t.Fatal(ack.Error)
	}

	// The token is consumed; a second socket presenting it passes the upgrade
	// gate only if unused, so dial fails outright.
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws/agent"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("used token passed the upgrade gate")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("handshake response = %v", resp)
	}
}
