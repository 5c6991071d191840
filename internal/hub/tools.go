package hub

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sonde-sh/sonde/internal/audit"
	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/store"
)

// Tools is the MCP tool surface as plain handlers: JSON params in, JSON
// result out. Failures become {isError:true, error} envelopes at the server
// layer.
type Tools struct {
	router     *Router
	engine     *RunbookEngine
	dispatcher *Dispatcher
	store      *store.Store
	registry   *probe.Registry
	clock      clock.Clock

	// offlineAfter is the last-seen age past which an agent reads offline.
	offlineAfter time.Duration
}

// NewTools wires the tool handlers.
func NewTools(r *Router, e *RunbookEngine, d *Dispatcher, st *store.Store, registry *probe.Registry, clk clock.Clock, offlineAfter time.Duration) *Tools {
	if clk == nil {
		clk = clock.Real{}
	}
	if offlineAfter <= 0 {
		offlineAfter = time.Minute
	}
	return &Tools{router: r, engine: e, dispatcher: d, store: st, registry: registry, clock: clk, offlineAfter: offlineAfter}
}

// Names lists the available tools.
func (t *Tools) Names() []string {
	return []string{
		"probe", "diagnose", "list_agents", "agent_overview",
		"list_capabilities", "health_check", "query_logs",
		"check_critical_path", "trending_summary",
	}
}

// Call dispatches one tool invocation.
func (t *Tools) Call(ctx context.Context, name string, params map[string]any, apiKeyID string) (any, error) {
	switch name {
	case "probe":
		return t.probe(ctx, params, apiKeyID)
	case "diagnose":
		return t.diagnose(ctx, params, apiKeyID)
	case "list_agents":
		return t.listAgents()
	case "agent_overview":
		return t.agentOverview(params)
	case "list_capabilities":
		return t.listCapabilities(params)
	case "health_check":
		return t.healthCheck(ctx, params, apiKeyID)
	case "query_logs":
		return t.queryLogs(ctx, params, apiKeyID)
	case "check_critical_path":
		return t.checkCriticalPath(ctx, params, apiKeyID)
	case "trending_summary":
		return t.trendingSummary(params)
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func (t *Tools) probe(ctx context.Context, params map[string]any, apiKeyID string) (any, error) {
	probeName := stringParam(params, "probe")
	if probeName == "" {
		return nil, fmt.Errorf("probe is required")
	}
	agent := stringParam(params, "agent")
	if agent != "" {
		if err := t.requireOnline(agent); err != nil {
			return nil, err
		}
	}
	return t.router.Execute(ctx, probe.Request{
		Probe:     probeName,
		Params:    mapParam(params, "params"),
		TimeoutMs: intParam(params, "timeoutMs"),
		Requester: "mcp",
	}, agent, apiKeyID)
}

func (t *Tools) diagnose(ctx context.Context, params map[string]any, apiKeyID string) (any, error) {
	category := stringParam(params, "category")
	if category == "" {
		return nil, fmt.Errorf("category is required")
	}
	agent := stringParam(params, "agent")
	if agent != "" {
		if err := t.requireOnline(agent); err != nil {
			return nil, err
		}
	}
	return t.engine.ExecuteDiagnostic(ctx, category, mapParam(params, "params"), agent, apiKeyID)
}

func (t *Tools) listAgents() (any, error) {
	records, err := t.store.ListAgents()
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	type row struct {
		ID       string                `json:"id"`
		Name     string                `json:"name"`
		OS       string                `json:"os"`
		Version  string                `json:"version"`
		Status   string                `json:"status"`
		LastSeen string                `json:"lastSeen,omitempty"`
		Packs    []protocolPackSummary `json:"packs,omitempty"`
	}
	out := make([]row, 0, len(records))
	for _, a := range records {
		status := string(a.Status)
		if !t.dispatcher.IsOnline(a.Name) && now.Sub(a.LastSeen) > t.offlineAfter {
			status = string(store.AgentOffline)
		}
		r := row{ID: a.ID, Name: a.Name, OS: a.OS, Version: a.Version, Status: status}
		if !a.LastSeen.IsZero() {
			r.LastSeen = a.LastSeen.Format(time.RFC3339)
		}
		for _, p := range a.Packs {
			r.Packs = append(r.Packs, protocolPackSummary{Name: p.Name, Version: p.Version, Status: p.Status})
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]any{"agents": out}, nil
}

type protocolPackSummary struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

func (t *Tools) agentOverview(params map[string]any) (any, error) {
	name := stringParam(params, "agent")
	if name == "" {
		return nil, fmt.Errorf("agent is required")
	}
	a, err := t.store.GetAgentByName(name)
	if err != nil {
		return nil, fmt.Errorf("agent %s not found", name)
	}
	entries, err := t.store.ListAudit(0)
	if err != nil {
		return nil, err
	}
	var recent []audit.Entry
	for i := len(entries) - 1; i >= 0 && len(recent) < 20; i-- {
		if entries[i].Source == name {
			recent = append(recent, entries[i])
		}
	}
	return map[string]any{
		"agent":          a,
		"online":         t.dispatcher.IsOnline(name),
		"recentActivity": recent,
	}, nil
}

func (t *Tools) listCapabilities(params map[string]any) (any, error) {
	type probeRow struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Capability  string `json:"capability"`
	}
	type packRow struct {
		Name        string     `json:"name"`
		Version     string     `json:"version"`
		Kind        string     `json:"kind"`
		Description string     `json:"description"`
		Probes      []probeRow `json:"probes"`
		Runbook     string     `json:"runbook,omitempty"`
	}
	var out []packRow
	for _, p := range t.registry.All() {
		row := packRow{
			Name:        p.Manifest.Name,
			Version:     p.Manifest.Version,
			Kind:        string(p.Kind),
			Description: p.Manifest.Description,
		}
		for _, spec := range p.Manifest.Probes {
			row.Probes = append(row.Probes, probeRow{
				Name:        p.Manifest.Name + "." + spec.Name,
				Description: spec.Description,
				Capability:  string(spec.Capability),
			})
		}
		if p.Manifest.Runbook != nil {
			row.Runbook = p.Manifest.Runbook.Category
		}
		out = append(out, row)
	}
	return map[string]any{"packs": out, "runbooks": t.engine.Categories()}, nil
}

func (t *Tools) healthCheck(ctx context.Context, params map[string]any, apiKeyID string) (any, error) {
	agent := stringParam(params, "agent")
	if agent != "" {
		if err := t.requireOnline(agent); err != nil {
			return nil, err
		}
	}
	return t.engine.HealthCheck(ctx, agent, stringsParam(params, "categories"), apiKeyID)
}

// queryLogs routes a log query either to the audit chain ("audit" source) or
// to the system.log.read probe on an agent with the source forwarded.
func (t *Tools) queryLogs(ctx context.Context, params map[string]any, apiKeyID string) (any, error) {
	source := stringParam(params, "source")
	if source == "" {
		return nil, fmt.Errorf("source is required")
	}
	if source == "audit" {
		limit := int(intParam(params, "limit"))
		if limit <= 0 {
			limit = 100
		}
		entries, err := t.store.ListAudit(limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"source": "audit", "entries": entries}, nil
	}

	agent := stringParam(params, "agent")
	if agent == "" {
		return nil, fmt.Errorf("agent is required for source %q", source)
	}
	if err := t.requireOnline(agent); err != nil {
		return nil, err
	}
	probeParams := mapParam(params, "params")
	if probeParams == nil {
		probeParams = map[string]any{}
	}
	probeParams["source"] = source
	return t.router.Execute(ctx, probe.Request{
		Probe:     "system.log.read",
		Params:    probeParams,
		Requester: "mcp:query_logs",
	}, agent, apiKeyID)
}

// checkCriticalPath probes an ordered chain of hops and reports where it
// breaks. Each hop is "agent" (reachability via system.uptime) or
// "agent:probe.name"; hops are separated by "->".
func (t *Tools) checkCriticalPath(ctx context.Context, params map[string]any, apiKeyID string) (any, error) {
	path := stringParam(params, "path")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	hops := strings.Split(path, "->")
	type hopResult struct {
		Hop    string `json:"hop"`
		Agent  string `json:"agent"`
		Probe  string `json:"probe"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}
	results := make([]hopResult, 0, len(hops))
	brokenAt := 0

	for i, raw := range hops {
		hop := strings.TrimSpace(raw)
		agent, probeName := hop, "system.uptime"
		if a, p, ok := strings.Cut(hop, ":"); ok {
			agent, probeName = strings.TrimSpace(a), strings.TrimSpace(p)
		}
		hr := hopResult{Hop: hop, Agent: agent, Probe: probeName}

		if err := t.requireOnline(agent); err != nil {
			hr.Status = "unreachable"
			hr.Error = err.Error()
		} else {
			resp, err := t.router.Execute(ctx, probe.Request{Probe: probeName, Requester: "mcp:check_critical_path"}, agent, apiKeyID)
			switch {
			case err != nil:
				hr.Status = "error"
				hr.Error = err.Error()
			case resp.Status != probe.StatusSuccess:
				hr.Status = string(resp.Status)
				if m, ok := resp.Data.(map[string]any); ok {
					hr.Error, _ = m["error"].(string)
				}
			default:
				hr.Status = "ok"
			}
		}
		results = append(results, hr)
		if hr.Status != "ok" {
			brokenAt = i + 1
			break
		}
	}

	out := map[string]any{
		"path":    path,
		"hops":    results,
		"healthy": brokenAt == 0,
	}
	if brokenAt > 0 {
		out["brokenAt"] = brokenAt
	}
	return out, nil
}

// trendingSummary aggregates the audit chain over a window: per-probe totals,
// failure rates, and average duration.
func (t *Tools) trendingSummary(params map[string]any) (any, error) {
	hours := intParam(params, "hours")
	if hours <= 0 {
		hours = 24
	}
	probeFilter := stringParam(params, "probe")
	agentFilter := stringParam(params, "agent")
	cutoff := t.clock.Now().Add(-time.Duration(hours) * time.Hour)

	entries, err := t.store.ListAudit(0)
	if err != nil {
		return nil, err
	}

	type bucket struct {
		Probe      string  `json:"probe"`
		Total      int     `json:"total"`
		Succeeded  int     `json:"succeeded"`
		Failed     int     `json:"failed"`
		TimedOut   int     `json:"timedOut"`
		AvgMs      int64   `json:"avgDurationMs"`
		FailurePct float64 `json:"failureRate"`
		totalMs    int64
	}
	buckets := map[string]*bucket{}
	total := 0

	for _, e := range entries {
		ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
		if err != nil || ts.Before(cutoff) {
			continue
		}
		if probeFilter != "" && e.Probe != probeFilter {
			continue
		}
		if agentFilter != "" && e.Source != agentFilter {
			continue
		}
		b, ok := buckets[e.Probe]
		if !ok {
			b = &bucket{Probe: e.Probe}
			buckets[e.Probe] = b
		}
		b.Total++
		b.totalMs += e.DurationMs
		switch e.Status {
		case string(probe.StatusSuccess):
			b.Succeeded++
		case string(probe.StatusTimeout):
			b.TimedOut++
		default:
			b.Failed++
		}
		total++
	}

	rows := make([]*bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Total > 0 {
			b.AvgMs = b.totalMs / int64(b.Total)
			b.FailurePct = float64(b.Failed+b.TimedOut) / float64(b.Total)
		}
		rows = append(rows, b)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].FailurePct != rows[j].FailurePct {
			return rows[i].FailurePct > rows[j].FailurePct
		}
		return rows[i].Total > rows[j].Total
	})

	return map[string]any{
		"windowHours": hours,
		"executions":  total,
		"probes":      rows,
	}, nil
}

// requireOnline rejects tools targeting an offline agent with its last-seen
// time.
func (t *Tools) requireOnline(agent string) error {
	if t.dispatcher.IsOnline(agent) {
		return nil
	}
	a, err := t.store.GetAgentByName(agent)
	if err != nil {
		return fmt.Errorf("agent %s not found", agent)
	}
	last := "never"
	if !a.LastSeen.IsZero() {
		last = a.LastSeen.Format(time.RFC3339)
	}
	return fmt.Errorf("%s offline, last seen %s", agent, last)
}

func stringParam(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intParam(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func mapParam(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func stringsParam(m map[string]any, key string) []string {
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
