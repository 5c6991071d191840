package packs

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sonde-sh/sonde/internal/probe"
)

// Network returns the built-in local pack for network diagnostics.
func Network() *probe.Pack {
	return &probe.Pack{
		Kind: probe.KindLocal,
		Manifest: probe.Manifest{
			Name:        "network",
			Version:     "1.0.0",
			Description: "Network reachability and name resolution",
			Requires: probe.Requirements{
				Commands: []string{"ping"},
			},
			Probes: []probe.Spec{
				{Name: "ping", Description: "ICMP reachability of a host", Capability: probe.CapabilityObserve, TimeoutMs: 15000,
					Params: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"host":  map[string]any{"type": "string"},
							"count": map[string]any{"type": "integer"},
						},
						"required": []any{"host"},
					}},
				{Name: "dns.lookup", Description: "Resolve a hostname", Capability: probe.CapabilityObserve, TimeoutMs: 10000,
					Params: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"host": map[string]any{"type": "string"},
						},
						"required": []any{"host"},
					}},
			},
		},
		Local: map[string]probe.LocalHandler{
			"ping":       pingProbe,
			"dns.lookup": dnsLookup,
		},
	}
}

func pingProbe(ctx context.Context, params map[string]any, exec probe.ExecFunc) (any, error) {
	host, _ := params["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("host parameter is required")
	}
	count := 3
	if n, ok := params["count"].(float64); ok && n > 0 && n <= 10 {
		count = int(n)
	}
	out, err := exec(ctx, "ping", "-c", strconv.Itoa(count), "-W", "2", host)
	text := string(out)
	result := map[string]any{"host": host, "reachable": err == nil}
	for _, line := range strings.Split(text, "\n") {
		if strings.Contains(line, "packet loss") {
			result["summary"] = strings.TrimSpace(line)
		}
		if strings.HasPrefix(line, "rtt") || strings.HasPrefix(line, "round-trip") {
			result["rtt"] = strings.TrimSpace(line)
		}
	}
	if err != nil && result["summary"] == nil {
		return nil, err
	}
	return result, nil
}

// dnsLookup resolves through the stdlib resolver; resolution is a library
// call, not a subprocess, so the exec seam is unused here.
func dnsLookup(ctx context.Context, params map[string]any, _ probe.ExecFunc) (any, error) {
	host, _ := params["host"].(string)
	if host == "" {
		return nil, fmt.Errorf("host parameter is required")
	}
	addrs, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", host, err)
	}
	return map[string]any{"host": host, "addresses": addrs}, nil
}
