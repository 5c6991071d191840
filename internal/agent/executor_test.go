package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/scrub"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPack registers a local pack with one plain probe, one parameterised
// probe, and one act-level probe.
func testPack(t *testing.T) *probe.Registry {
	t.Helper()
	reg := probe.NewRegistry()
	err := reg.Register(&probe.Pack{
		Manifest: probe.Manifest{
			Name:    "fakesys",
			Version: "1.0.0",
			Probes: []probe.Spec{
				{Name: "env.dump", Capability: probe.CapabilityObserve},
				{
					Name:       "service.status",
					Capability: probe.CapabilityObserve,
					Params: map[string]any{
						"type":     "object",
						"required": []any{"unit"},
						"properties": map[string]any{
							"unit": map[string]any{"type": "string"},
						},
					},
				},
				{Name: "service.restart", Capability: probe.CapabilityAct},
			},
		},
		Kind: probe.KindLocal,
		Local: map[string]probe.LocalHandler{
			"env.dump": func(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
				out, err := exec(ctx, "env")
				if err != nil {
					return nil, err
				}
				return map[string]any{"env": string(out)}, nil
			},
			"service.status": func(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
				unit, _ := params["unit"].(string)
				out, err := exec(ctx, "systemctl", "is-active", unit)
				if err != nil {
					return nil, err
				}
				return map[string]any{"unit": unit, "state": string(out)}, nil
			},
			"service.restart": func(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
				t.Error("act-level handler executed")
				return nil, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

// stubExec answers commands from a canned table keyed on the binary name.
func stubExec(outputs map[string]string) probe.ExecFunc {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		out, ok := outputs[name]
		if !ok {
			return nil, errors.New(name + ": command not found")
		}
		return []byte(out), nil
	}
}

func newExecutor(t *testing.T, reg *probe.Registry, disabled []string, exec probe.ExecFunc) *Executor {
	t.Helper()
	return NewExecutor(reg, disabled, scrub.New(), audit.NewRing(0), exec, testLogger(), nil, "1.0.0")
}

func respErr(t *testing.T, resp *probe.Response) string {
	t.Helper()
	m, ok := resp.Data.(map[string]any)
	if !ok {
		t.Fatalf("data = %T", resp.Data)
	}
	msg, _ := m["error"].(string)
	return msg
}

func TestExecuteSuccess(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(map[string]string{"env": "HOME=/root"}))
	resp := e.Execute(context.Background(), &probe.Request{Probe: "fakesys.env.dump", RequestID: "r1"})
	if resp.Status != probe.StatusSuccess {
		t.Fatalf("status = %s, data %v", resp.Status, resp.Data)
	}
	if resp.RequestID != "r1" {
		t.Errorf("requestId = %s", resp.RequestID)
	}
	if resp.Metadata.PackName != "fakesys" || resp.Metadata.AgentVersion != "1.0.0" {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
}

func TestExecuteScrubsOutput(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(map[string]string{"env": "HOME=/root\nDB_PASSWORD=hunter2"}))
	resp := e.Execute(context.Background(), &probe.Request{Probe: "fakesys.env.dump"})
	if resp.Status != probe.StatusSuccess {
		t.Fatalf("status = %s", resp.Status)
	}
	env := resp.Data.(map[string]any)["env"].(string)
	if env != "HOME=/root\nDB_PASSWORD="+scrub.Redacted {
		t.Errorf("scrubbed output = %q", env)
	}
}

func TestExecuteUnknownPackAndProbe(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(nil))
	cases := []struct {
		probe, want string
	}{
		{"nosuch.probe", "Unknown pack: nosuch"},
		{"fakesys.nosuch", "Unknown probe: fakesys.nosuch"},
		{"bare", `invalid probe name "bare" (want pack.probe)`},
	}
	for _, tc := range cases {
		resp := e.Execute(context.Background(), &probe.Request{Probe: tc.probe})
		if resp.Status != probe.StatusError {
			t.Errorf("%s: status = %s", tc.probe, resp.Status)
		}
		if got := respErr(t, resp); got != tc.want {
			t.Errorf("%s: error = %q, want %q", tc.probe, got, tc.want)
		}
	}
}

func TestExecuteDisabledPack(t *testing.T) {
	e := newExecutor(t, testPack(t), []string{"fakesys"}, stubExec(nil))
	resp := e.Execute(context.Background(), &probe.Request{Probe: "fakesys.env.dump"})
	if got := respErr(t, resp); got != "Pack disabled: fakesys" {
		t.Errorf("error = %q", got)
	}
}

func TestExecuteCapabilityGate(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(nil))
	resp := e.Execute(context.Background(), &probe.Request{Probe: "fakesys.service.restart"})
	if resp.Status != probe.StatusError {
		t.Fatalf("status = %s", resp.Status)
	}
	if got := respErr(t, resp); got != "Probe requires capability act, policy permits observe only" {
		t.Errorf("error = %q", got)
	}
}

func TestExecuteValidatesParams(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(map[string]string{"systemctl": "active\n"}))

	resp := e.Execute(context.Background(), &probe.Request{Probe: "fakesys.service.status"})
	if resp.Status != probe.StatusError {
		t.Errorf("missing param accepted: %+v", resp)
	}

	resp = e.Execute(context.Background(), &probe.Request{
		Probe:  "fakesys.service.status",
		Params: map[string]any{"unit": "nginx"},
	})
	if resp.Status != probe.StatusSuccess {
		t.Errorf("status = %s, data %v", resp.Status, resp.Data)
	}
}

func TestExecuteTimeout(t *testing.T) {
	reg := probe.NewRegistry()
	err := reg.Register(&probe.Pack{
		Manifest: probe.Manifest{
			Name:    "slow",
			Version: "1.0.0",
			Probes:  []probe.Spec{{Name: "wait", Capability: probe.CapabilityObserve}},
		},
		Kind: probe.KindLocal,
		Local: map[string]probe.LocalHandler{
			"wait": func(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	e := newExecutor(t, reg, nil, stubExec(nil))

	resp := e.Execute(context.Background(), &probe.Request{Probe: "slow.wait", TimeoutMs: 20})
	if resp.Status != probe.StatusTimeout {
		t.Errorf("status = %s, want timeout", resp.Status)
	}
}

func TestExecuteAppendsToRing(t *testing.T) {
	e := newExecutor(t, testPack(t), nil, stubExec(map[string]string{"env": "X=1"}))
	e.Execute(context.Background(), &probe.Request{Probe: "fakesys.env.dump"})
	e.Execute(context.Background(), &probe.Request{Probe: "fakesys.nosuch"})

	entries := e.Ring().Entries()
	if len(entries) != 2 {
		t.Fatalf("ring entries = %d", len(entries))
	}
	if entries[0].Source != "local" || entries[0].Status != "success" {
		t.Errorf("entry 1 = %+v", entries[0])
	}
	if entries[1].Status != "error" {
		t.Errorf("entry 2 = %+v", entries[1])
	}
	if res := e.Ring().Verify(); !res.Valid {
		t.Errorf("ring chain invalid at %d", res.BrokenAt)
	}
}

func TestRunCommandCapturesOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := RunCommand(ctx, "echo", "hello")
	if err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if string(out) != "hello\n" {
		t.Errorf("out = %q", out)
	}

	if _, err := RunCommand(ctx, "false"); err == nil {
		t.Error("failing command returned nil error")
	}
}
