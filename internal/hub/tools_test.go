package hub

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/events"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/protocol"
	"github.com/sonde-sh/sonde/internal/store"
)

type toolsFixture struct {
	store      *store.Store
	dispatcher *Dispatcher
	tools      *Tools
}

func newToolsFixture(t *testing.T) *toolsFixture {
	t.Helper()
	st := testStore(t)
	reg := runbookPack(t, false)
	x := NewIntegrationExecutor(reg, st, testLogger(), newManualClock(), nil, 0)
	d := NewDispatcher(testLogger(), nil)
	r := NewRouter(d, x, st, events.NewBus(), testLogger(), nil, 0, 0)
	e := NewRunbookEngine(r, reg, st, testLogger(), nil)
	tools := NewTools(r, e, d, st, reg, nil, time.Minute)
	return &toolsFixture{store: st, dispatcher: d, tools: tools}
}

// connectAgent registers a live agent whose conn answers every probe request
// with a success response.
func (f *toolsFixture) connectAgent(t *testing.T, id, name string) {
	t.Helper()
	c := &fakeConn{}
	c.onWrite = func(raw json.RawMessage) {
		var env protocol.Envelope
		if json.Unmarshal(raw, &env) != nil || env.Type != protocol.TypeProbeRequest {
			return
		}
		var req protocol.ProbeRequestPayload
		_ = env.DecodePayload(&req)
		f.dispatcher.HandleResponse(id, &probe.Response{
			Probe:     req.Probe,
			Status:    probe.StatusSuccess,
			Data:      map[string]any{"ok": true},
			RequestID: req.RequestID,
		})
	}
	if err := f.store.SaveAgent(&store.Agent{ID: id, Name: name, Status: store.AgentOnline, LastSeen: time.Now().UTC()}); err != nil {
		t.Fatal(err)
	}
	f.dispatcher.Register(id, name, c)
}

func TestToolNames(t *testing.T) {
	f := newToolsFixture(t)
	names := f.tools.Names()
	if len(names) != 9 {
		t.Errorf("tool count = %d, want 9", len(names))
	}
	if _, err := f.tools.Call(context.Background(), "no_such_tool", nil, ""); err == nil {
		t.Error("unknown tool accepted")
	}
}

func TestProbeToolIntegrationRoute(t *testing.T) {
	f := newToolsFixture(t)
	seedIntegration(t, f.store, probe.Credentials{})

	out, err := f.tools.Call(context.Background(), "probe", map[string]any{"probe": "fakeapi.ping"}, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	resp := out.(*probe.Response)
	if resp.Status != probe.StatusSuccess {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestProbeToolAgentRoute(t *testing.T) {
	f := newToolsFixture(t)
	f.connectAgent(t, "id-1", "srv1")

	out, err := f.tools.Call(context.Background(), "probe", map[string]any{"probe": "system.uptime", "agent": "srv1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp := out.(*probe.Response); resp.Status != probe.StatusSuccess {
		t.Errorf("status = %s", resp.Status)
	}
}

func TestProbeToolOfflineAgent(t *testing.T) {
	f := newToolsFixture(t)
	lastSeen := time.Date(2026, 8, 20, 9, 30, 0, 0, time.UTC)
	if err := f.store.SaveAgent(&store.Agent{ID: "id-1", Name: "srv1", Status: store.AgentOffline, LastSeen: lastSeen}); err != nil {
		t.Fatal(err)
	}

	_, err := f.tools.Call(context.Background(), "probe", map[string]any{"probe": "system.uptime", "agent": "srv1"}, "")
	want := "srv1 offline, last seen " + lastSeen.Format(time.RFC3339)
	if err == nil || err.Error() != want {
		t.Errorf("err = %v, want %q", err, want)
	}

	_, err = f.tools.Call(context.Background(), "probe", map[string]any{"probe": "system.uptime", "agent": "ghost"}, "")
	if err == nil || err.Error() != "agent ghost not found" {
		t.Errorf("err = %v", err)
	}
}

func TestListAgentsStatusOverride(t *testing.T) {
	f := newToolsFixture(t)
	f.connectAgent(t, "id-1", "srv1")
	// Stored as online but silent past the offline window.
	stale := &store.Agent{ID: "id-2", Name: "srv2", Status: store.AgentOnline, LastSeen: time.Now().UTC().Add(-10 * time.Minute)}
	if err := f.store.SaveAgent(stale); err != nil {
		t.Fatal(err)
	}

	out, err := f.tools.Call(context.Background(), "list_agents", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatal(err)
	}
	var parsed struct {
		Agents []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"agents"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if len(parsed.Agents) != 2 {
		t.Fatalf("agents = %d", len(parsed.Agents))
	}
	byName := map[string]string{}
	for _, a := range parsed.Agents {
		byName[a.Name] = a.Status
	}
	if byName["srv1"] != "online" {
		t.Errorf("srv1 status = %s", byName["srv1"])
	}
	if byName["srv2"] != "offline" {
		t.Errorf("srv2 status = %s, want offline override", byName["srv2"])
	}
}

func TestAgentOverview(t *testing.T) {
	f := newToolsFixture(t)
	f.connectAgent(t, "id-1", "srv1")
	for i := 0; i < 3; i++ {
		if _, err := f.store.AppendAudit(audit.Entry{Probe: "system.uptime", Source: "srv1", Status: "success"}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := f.store.AppendAudit(audit.Entry{Probe: "system.uptime", Source: "other", Status: "success"}); err != nil {
		t.Fatal(err)
	}

	out, err := f.tools.Call(context.Background(), "agent_overview", map[string]any{"agent": "srv1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["online"] != true {
		t.Error("online = false")
	}
	recent := m["recentActivity"].([]audit.Entry)
	if len(recent) != 3 {
		t.Errorf("recent entries = %d, want 3 (filtered by agent)", len(recent))
	}
}

func TestListCapabilities(t *testing.T) {
	f := newToolsFixture(t)
	out, err := f.tools.Call(context.Background(), "list_capabilities", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	runbooks := m["runbooks"].([]string)
	if len(runbooks) != 1 || runbooks[0] != "connectivity-test" {
		t.Errorf("runbooks = %v", runbooks)
	}
}

func TestQueryLogsAuditSource(t *testing.T) {
	f := newToolsFixture(t)
	for i := 0; i < 5; i++ {
		if _, err := f.store.AppendAudit(audit.Entry{Probe: "fakeapi.ping", Source: "integration:fakeapi", Status: "success"}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := f.tools.Call(context.Background(), "query_logs", map[string]any{"source": "audit", "limit": float64(3)}, "")
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	entries := m["entries"].([]audit.Entry)
	if len(entries) != 3 {
		t.Errorf("entries = %d, want 3", len(entries))
	}
}

func TestQueryLogsAgentSourceRequiresAgent(t *testing.T) {
	f := newToolsFixture(t)
	if _, err := f.tools.Call(context.Background(), "query_logs", map[string]any{"source": "systemd"}, ""); err == nil {
		t.Error("agent-sourced query without agent accepted")
	}
}

func TestCheckCriticalPath(t *testing.T) {
	f := newToolsFixture(t)
	f.connectAgent(t, "id-1", "srv1")
	f.connectAgent(t, "id-2", "srv2")

	out, err := f.tools.Call(context.Background(), "check_critical_path", map[string]any{"path": "srv1 -> srv2"}, "")
	if err != nil {
		t.Fatal(err)
	}
	m := out.(map[string]any)
	if m["healthy"] != true {
		t.Errorf("healthy = %v", m["healthy"])
	}

	// Break the second hop: the walk stops there and reports the position.
	f.dispatcher.RemoveAgent("id-2")
	out, err = f.tools.Call(context.Background(), "check_critical_path", map[string]any{"path": "srv1 -> srv2 -> srv1"}, "")
	if err != nil {
		t.Fatal(err)
	}
	m = out.(map[string]any)
	if m["healthy"] != false {
		t.Error("broken path reported healthy")
	}
	if m["brokenAt"] != 2 {
		t.Errorf("brokenAt = %v, want 2", m["brokenAt"])
	}
}

func TestTrendingSummary(t *testing.T) {
	f := newToolsFixture(t)
	seed := []struct {
		probe, status string
		dur           int64
	}{
		{"system.uptime", "success", 10},
		{"system.uptime", "success", 30},
		{"fakeapi.ping", "error", 100},
		{"fakeapi.ping", "success", 50},
		{"fakeapi.ping", "timeout", 200},
	}
	for _, s := range seed {
		if _, err := f.store.AppendAudit(audit.Entry{Probe: s.probe, Source: "srv1", Status: s.status, DurationMs: s.dur}); err != nil {
			t.Fatal(err)
		}
	}

	out, err := f.tools.Call(context.Background(), "trending_summary", map[string]any{"hours": float64(1)}, "")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(out)
	var parsed struct {
		Executions int `json:"executions"`
		Probes     []struct {
			Probe       string  `json:"probe"`
			Total       int     `json:"total"`
			FailureRate float64 `json:"failureRate"`
			AvgMs       int64   `json:"avgDurationMs"`
		} `json:"probes"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Executions != 5 {
		t.Errorf("executions = %d", parsed.Executions)
	}
	if len(parsed.Probes) != 2 {
		t.Fatalf("probe buckets = %d", len(parsed.Probes))
	}
	// Worst failure rate sorts first.
	if parsed.Probes[0].Probe != "fakeapi.ping" {
		t.Errorf("first bucket = %s", parsed.Probes[0].Probe)
	}
	if got := parsed.Probes[0].FailureRate; got < 0.66 || got > 0.67 {
		t.Errorf("failure rate = %v", got)
	}
	if parsed.Probes[1].AvgMs != 20 {
		t.Errorf("uptime avg = %d, want 20", parsed.Probes[1].AvgMs)
	}

	// Probe filter narrows the window.
	out, err = f.tools.Call(context.Background(), "trending_summary", map[string]any{"probe": "system.uptime"}, "")
	if err != nil {
		t.Fatal(err)
	}
	data, _ = json.Marshal(out)
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatal(err)
	}
	if parsed.Executions != 2 {
		t.Errorf("filtered executions = %d", parsed.Executions)
	}
}

func TestDiagnoseTool(t *testing.T) {
	f := newToolsFixture(t)
	seedIntegration(t, f.store, probe.Credentials{})

	out, err := f.tools.Call(context.Background(), "diagnose", map[string]any{"category": "connectivity-test"}, "")
	if err != nil {
		t.Fatal(err)
	}
	res := out.(*RunbookResult)
	if res.Category != "connectivity-test" || res.Summary.ProbesRun != 2 {
		t.Errorf("result = %+v", res.Summary)
	}
	if !strings.Contains(res.Summary.Text, "2/2 probes succeeded") {
		t.Errorf("summary text = %q", res.Summary.Text)
	}
}
