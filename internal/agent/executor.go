package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/scrub"
)

// maxExecOutput caps captured stdout from local commands.
const maxExecOutput = 1 << 20 // 1 MiB

// Executor runs local probes on the agent host: pack resolution, parameter
// validation, the injected exec seam, output scrubbing, and the local audit
// ring.
type Executor struct {
	registry *probe.Registry
	disabled map[string]bool
	scrubber *scrub.Scrubber
	ring     *audit.Ring
	exec     probe.ExecFunc
	log      *slog.Logger
	clock    clock.Clock
	version  string
}

// NewExecutor wires the executor. exec defaults to the real command runner;
// tests inject a stub.
func NewExecutor(registry *probe.Registry, disabledPacks []string, scrubber *scrub.Scrubber, ring *audit.Ring, execFn probe.ExecFunc, log *slog.Logger, clk clock.Clock, version string) *Executor {
	if execFn == nil {
		execFn = RunCommand
	}
	if clk == nil {
		clk = clock.Real{}
	}
	disabled := make(map[string]bool, len(disabledPacks))
	for _, p := range disabledPacks {
		disabled[p] = true
	}
	return &Executor{
		registry: registry,
		disabled: disabled,
		scrubber: scrubber,
		ring:     ring,
		exec:     execFn,
		log:      log,
		clock:    clk,
		version:  version,
	}
}

// Execute runs one probe request and always returns a structured response;
// handler errors become status "error".
func (e *Executor) Execute(ctx context.Context, req *probe.Request) *probe.Response {
	start := e.clock.Now()
	resp := e.run(ctx, req, start)
	resp.RequestID = req.RequestID
	if e.ring != nil {
		e.ring.Append(audit.Entry{
			Probe:      resp.Probe,
			Source:     "local",
			Status:     string(resp.Status),
			DurationMs: resp.DurationMs,
		})
	}
	return resp
}

func (e *Executor) run(ctx context.Context, req *probe.Request, start time.Time) *probe.Response {
	meta := probe.Metadata{AgentVersion: e.version, Capability: probe.CapabilityObserve}

	packName, rest, err := probe.SplitName(req.Probe)
	if err != nil {
		return probe.ErrorResponse(req.Probe, err.Error(), 0, meta)
	}
	if e.disabled[packName] {
		return probe.ErrorResponse(req.Probe, "Pack disabled: "+packName, 0, meta)
	}
	pack, ok := e.registry.Get(packName)
	if !ok || pack.Kind != probe.KindLocal {
		return probe.ErrorResponse(req.Probe, "Unknown pack: "+packName, 0, meta)
	}
	meta.PackName = pack.Manifest.Name
	meta.PackVersion = pack.Manifest.Version

	handler, ok := pack.Local[rest]
	if !ok {
		return probe.ErrorResponse(req.Probe, "Unknown probe: "+req.Probe, 0, meta)
	}

	spec, _ := pack.Manifest.Spec(rest)
	if spec != nil {
		meta.Capability = spec.Capability
		// Only observe-level probes run under the current policy.
		if spec.Capability != probe.CapabilityObserve {
			return probe.ErrorResponse(req.Probe, "Probe requires capability "+string(spec.Capability)+", policy permits observe only", 0, meta)
		}
		if len(spec.Params) > 0 {
			if err := probe.ValidateParams(spec.Params, req.Params); err != nil {
				return probe.ErrorResponse(req.Probe, err.Error(), 0, meta)
			}
		}
	}

	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	} else if spec != nil && spec.TimeoutMs > 0 {
		timeout = time.Duration(spec.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := handler(runCtx, req.Params, e.exec)
	dur := e.clock.Since(start).Milliseconds()
	if err != nil {
		status := probe.StatusError
		if runCtx.Err() == context.DeadlineExceeded {
			status = probe.StatusTimeout
		}
		return &probe.Response{
			Probe:      req.Probe,
			Status:     status,
			Data:       map[string]any{"error": err.Error()},
			DurationMs: dur,
			Metadata:   meta,
		}
	}

	if e.scrubber != nil {
		data = e.scrubber.Scrub(data)
	}
	return &probe.Response{
		Probe:      req.Probe,
		Status:     probe.StatusSuccess,
		Data:       data,
		DurationMs: dur,
		Metadata:   meta,
	}
}

// Ring exposes the local audit ring.
func (e *Executor) Ring() *audit.Ring { return e.ring }

// RunCommand is the production exec seam: it runs a named binary with an
// argv list (never a shell), honours the context deadline, and caps stdout
// at 1 MiB.
func RunCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}
	out, readErr := io.ReadAll(io.LimitReader(stdout, maxExecOutput))
	// drain past the cap so the child is not blocked on a full pipe
	_, _ = io.Copy(io.Discard, stdout)
	waitErr := cmd.Wait()
	if readErr != nil {
		return out, readErr
	}
	if waitErr != nil {
		msg := stderr.String()
		if msg == "" {
			msg = waitErr.Error()
		}
		return out, fmt.Errorf("%s: %s", name, msg)
	}
	return out, nil
}
