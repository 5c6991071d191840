// Package packs provides the built-in probe packs (system, network,
// httpbin) and the YAML manifest loader for external packs.
package packs

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/sonde-sh/sonde/internal/probe"
)

// System returns the built-in local pack for host diagnostics.
func System() *probe.Pack {
	return &probe.Pack{
		Kind: probe.KindLocal,
		Manifest: probe.Manifest{
			Name:        "system",
			Version:     "1.0.0",
			Description: "Host-level diagnostics: disk, memory, uptime, services, logs",
			Requires: probe.Requirements{
				Commands: []string{"df", "uptime", "systemctl", "journalctl"},
			},
			Probes: []probe.Spec{
				{Name: "disk.usage", Description: "Filesystem usage per mount", Capability: probe.CapabilityObserve, TimeoutMs: 10000},
				{Name: "memory", Description: "Memory and swap usage", Capability: probe.CapabilityObserve, TimeoutMs: 10000},
				{Name: "uptime", Description: "Host uptime and load", Capability: probe.CapabilityObserve, TimeoutMs: 5000},
				{Name: "service.status", Description: "systemd unit state", Capability: probe.CapabilityObserve, TimeoutMs: 10000,
					Params: map[string]any{
						"type":       "object",
						"properties": map[string]any{"unit": map[string]any{"type": "string"}},
						"required":   []any{"unit"},
					}},
				{Name: "log.read", Description: "Read recent log lines from a source", Capability: probe.CapabilityObserve, TimeoutMs: 15000,
					Params: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"source": map[string]any{"type": "string"},
							"unit":   map[string]any{"type": "string"},
							"lines":  map[string]any{"type": "integer"},
						},
					}},
			},
			Runbook: &probe.RunbookSpec{
				Category: "system-health",
				Probes:   []string{"system.disk.usage", "system.memory", "system.uptime"},
				Parallel: true,
			},
		},
		Local: map[string]probe.LocalHandler{
			"disk.usage":     diskUsage,
			"memory":         memoryUsage,
			"uptime":         uptimeProbe,
			"service.status": serviceStatus,
			"log.read":       logRead,
		},
		Findings: systemFindings,
	}
}

func diskUsage(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	out, err := exec(ctx, "df", "-Pk")
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	type mount struct {
		Filesystem string `json:"filesystem"`
		SizeKB     int64  `json:"sizeKb"`
		UsedKB     int64  `json:"usedKb"`
		AvailKB    int64  `json:"availKb"`
		UsedPct    int    `json:"usedPercent"`
		MountedOn  string `json:"mountedOn"`
	}
	var mounts []mount
	for _, line := range lines[1:] {
		f := strings.Fields(line)
		if len(f) < 6 {
			continue
		}
		size, _ := strconv.ParseInt(f[1], 10, 64)
		used, _ := strconv.ParseInt(f[2], 10, 64)
		avail, _ := strconv.ParseInt(f[3], 10, 64)
		pct, _ := strconv.Atoi(strings.TrimSuffix(f[4], "%"))
		mounts = append(mounts, mount{
			Filesystem: f[0], SizeKB: size, UsedKB: used, AvailKB: avail,
			UsedPct: pct, MountedOn: f[5],
		})
	}
	return map[string]any{"mounts": mounts}, nil
}

func memoryUsage(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	out, err := exec(ctx, "free", "-k")
	if err != nil {
		return nil, err
	}
	result := map[string]any{}
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		f := strings.Fields(line)
		if len(f) < 3 {
			continue
		}
		key := strings.ToLower(strings.TrimSuffix(f[0], ":"))
		if key != "mem" && key != "swap" {
			continue
		}
		total, _ := strconv.ParseInt(f[1], 10, 64)
		used, _ := strconv.ParseInt(f[2], 10, 64)
		entry := map[string]any{"totalKb": total, "usedKb": used}
		if total > 0 {
			entry["usedPercent"] = int(used * 100 / total)
		}
		result[key] = entry
	}
	return result, nil
}

func uptimeProbe(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	out, err := exec(ctx, "uptime")
	if err != nil {
		return nil, err
	}
	return map[string]any{"uptime": strings.TrimSpace(string(out))}, nil
}

func serviceStatus(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	unit, _ := params["unit"].(string)
	if unit == "" {
		return nil, fmt.Errorf("unit parameter is required")
	}
	out, err := exec(ctx, "systemctl", "is-active", unit)
	state := strings.TrimSpace(string(out))
	if state == "" && err != nil {
		return nil, err
	}
	return map[string]any{"unit": unit, "state": state, "active": state == "active"}, nil
}

func logRead(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	source, _ := params["source"].(string)
	lines := 50
	if n, ok := params["lines"].(float64); ok && n > 0 {
		lines = int(n)
	}
	var out []byte
	var err error
	switch source {
	case "", "systemd":
		args := []string{"-n", strconv.Itoa(lines), "--no-pager", "-o", "short-iso"}
		if unit, _ := params["unit"].(string); unit != "" {
			args = append(args, "-u", unit)
		}
		out, err = exec(ctx, "journalctl", args...)
	case "docker":
		container, _ := params["unit"].(string)
		if container == "" {
			return nil, fmt.Errorf("unit parameter (container name) is required for docker logs")
		}
		out, err = exec(ctx, "docker", "logs", "--tail", strconv.Itoa(lines), container)
	case "nginx":
		out, err = exec(ctx, "tail", "-n", strconv.Itoa(lines), "/var/log/nginx/error.log")
	default:
		return nil, fmt.Errorf("unknown log source %q", source)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"source": source, "lines": strings.Split(strings.TrimRight(string(out), "\n"), "\n")}, nil
}

// systemFindings derives findings from the system-health runbook results.
func systemFindings(results map[string]*probe.Response) []probe.Finding {
	var findings []probe.Finding

	if r, ok := results["system.disk.usage"]; ok && r.Status == probe.StatusSuccess {
		if data, ok := r.Data.(map[string]any); ok {
			if mounts, ok := data["mounts"].([]any); ok {
				for _, m := range mounts {
					mm, ok := m.(map[string]any)
					if !ok {
						continue
					}
					pct, _ := mm["usedPercent"].(float64)
					mount, _ := mm["mountedOn"].(string)
					switch {
					case pct >= 95:
						findings = append(findings, probe.Finding{
							Severity: probe.SeverityCritical,
							Title:    "Filesystem nearly full",
							Detail:   fmt.Sprintf("%s is at %.0f%% capacity", mount, pct),
							Probes:   []string{"system.disk.usage"},
						})
					case pct >= 85:
						findings = append(findings, probe.Finding{
							Severity: probe.SeverityWarning,
							Title:    "Filesystem filling up",
							Detail:   fmt.Sprintf("%s is at %.0f%% capacity", mount, pct),
							Probes:   []string{"system.disk.usage"},
						})
					}
				}
			}
		}
	}

	if r, ok := results["system.memory"]; ok && r.Status == probe.StatusSuccess {
		if data, ok := r.Data.(map[string]any); ok {
			if mem, ok := data["mem"].(map[string]any); ok {
				if pct, _ := mem["usedPercent"].(float64); pct >= 90 {
					findings = append(findings, probe.Finding{
						Severity: probe.SeverityWarning,
						Title:    "High memory usage",
						Detail:   fmt.Sprintf("memory is at %.0f%% utilisation", pct),
						Probes:   []string{"system.memory"},
					})
				}
			}
		}
	}

	for name, r := range results {
		if r.Status != probe.StatusSuccess {
			msg := ""
			if m, ok := r.Data.(map[string]any); ok {
				msg, _ = m["error"].(string)
			}
			findings = append(findings, probe.Finding{
				Severity: probe.SeverityInfo,
				Title:    "Probe failed",
				Detail:   fmt.Sprintf("%s: %s", name, msg),
				Probes:   []string{name},
			})
		}
	}
	return findings
}
