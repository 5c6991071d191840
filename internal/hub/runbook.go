package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sonde-sh/sonde/internal/clock"
	"github.com/sonde-sh/sonde/internal/probe"
	"github.com/sonde-sh/sonde/internal/store"
)

// RunbookSummary aggregates one runbook execution.
type RunbookSummary struct {
	ProbesRun       int            `json:"probesRun"`
	ProbesSucceeded int            `json:"probesSucceeded"`
	ProbesFailed    int            `json:"probesFailed"`
	FindingCounts   map[string]int `json:"findingCounts"`
	TotalDurationMs int64          `json:"totalDurationMs"`
	Text            string         `json:"summaryText"`
}

// RunbookResult is the outcome of one diagnostic runbook execution.
type RunbookResult struct {
	Category string                     `json:"category"`
	Findings []probe.Finding            `json:"findings"`
	Results  map[string]*probe.Response `json:"results"`
	Summary  RunbookSummary             `json:"summary"`
}

// HealthCategory is one category's slice of a fleet health check.
type HealthCategory struct {
	Category string          `json:"category"`
	Status   string          `json:"status"` // "healthy", "degraded", "critical"
	Findings []probe.Finding `json:"findings"`
	Skipped  bool            `json:"skipped,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// HealthReport is the unified output of the health_check runner.
type HealthReport struct {
	Agent      string           `json:"agent,omitempty"`
	Categories []HealthCategory `json:"categories"`
	Findings   []probe.Finding  `json:"findings"`
	Status     string           `json:"status"`
}

// RunbookEngine executes declarative probe plans through the router and
// synthesises severity-sorted findings.
type RunbookEngine struct {
	router   *Router
	registry *probe.Registry // all packs, local and integration
	store    *store.Store
	log      *slog.Logger
	clock    clock.Clock
}

// NewRunbookEngine wires the engine. registry must contain every pack whose
// manifest can contribute a runbook.
func NewRunbookEngine(r *Router, registry *probe.Registry, st *store.Store, log *slog.Logger, clk clock.Clock) *RunbookEngine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &RunbookEngine{router: r, registry: registry, store: st, log: log, clock: clk}
}

// findRunbook resolves a category to its contributing pack.
func (e *RunbookEngine) findRunbook(category string) (*probe.Pack, *probe.RunbookSpec, error) {
	for _, p := range e.registry.All() {
		if p.Manifest.Runbook != nil && p.Manifest.Runbook.Category == category {
			return p, p.Manifest.Runbook, nil
		}
	}
	return nil, nil, fmt.Errorf("unknown runbook category %q", category)
}

// Categories lists every registered runbook category, sorted.
func (e *RunbookEngine) Categories() []string {
	var out []string
	for _, p := range e.registry.All() {
		if p.Manifest.Runbook != nil {
			out = append(out, p.Manifest.Runbook.Category)
		}
	}
	sort.Strings(out)
	return out
}

// ExecuteDiagnostic runs the runbook registered under category. Individual
// probe failures are recorded as results and feed findings; only parameter
// validation and unknown categories abort.
func (e *RunbookEngine) ExecuteDiagnostic(ctx context.Context, category string, params map[string]any, agent, apiKeyID string) (*RunbookResult, error) {
	pack, spec, err := e.findRunbook(category)
	if err != nil {
		return nil, err
	}
	if err := probe.ValidateParams(spec.Params, params); err != nil {
		return nil, err
	}

	start := e.clock.Now()
	results := make(map[string]*probe.Response, len(spec.Probes))

	runOne := func(name string) *probe.Response {
		resp, err := e.router.Execute(ctx, probe.Request{Probe: name, Params: params, Requester: "runbook:" + category}, agent, apiKeyID)
		if err != nil {
			return probe.ErrorResponse(name, err.Error(), 0, probe.Metadata{})
		}
		return resp
	}

	if spec.Parallel {
		var wg sync.WaitGroup
		var mu sync.Mutex
		for _, name := range spec.Probes {
			wg.Add(1)
			go func(name string) {
				defer wg.Done()
				resp := runOne(name)
				mu.Lock()
				results[name] = resp
				mu.Unlock()
			}(name)
		}
		wg.Wait()
	} else {
		for _, name := range spec.Probes {
			results[name] = runOne(name)
		}
	}

	var findings []probe.Finding
	if pack.Findings != nil {
		findings = pack.Findings(results)
	}
	sort.SliceStable(findings, func(i, j int) bool {
		return probe.SeverityLess(findings[i].Severity, findings[j].Severity)
	})

	return &RunbookResult{
		Category: category,
		Findings: findings,
		Results:  results,
		Summary:  summarize(category, results, findings, e.clock.Since(start).Milliseconds()),
	}, nil
}

func summarize(category string, results map[string]*probe.Response, findings []probe.Finding, totalMs int64) RunbookSummary {
	s := RunbookSummary{FindingCounts: map[string]int{}, TotalDurationMs: totalMs}
	for _, r := range results {
		s.ProbesRun++
		if r.Status == probe.StatusSuccess {
			s.ProbesSucceeded++
		} else {
			s.ProbesFailed++
		}
	}
	for _, f := range findings {
		s.FindingCounts[string(f.Severity)]++
	}
	s.Text = fmt.Sprintf("%s: %d/%d probes succeeded, %d finding(s)",
		category, s.ProbesSucceeded, s.ProbesRun, len(findings))
	return s
}

// HealthCheck discovers which runbooks apply and executes each, composing a
// unified report. A runbook applies when an online agent carries its pack or
// an integration for the pack is active. Runbooks whose param schema
// requires user input are skipped.
func (e *RunbookEngine) HealthCheck(ctx context.Context, agent string, categories []string, apiKeyID string) (*HealthReport, error) {
	wanted := map[string]bool{}
	for _, c := range categories {
		wanted[c] = true
	}

	report := &HealthReport{Agent: agent, Status: "healthy"}
	for _, p := range e.registry.All() {
		rb := p.Manifest.Runbook
		if rb == nil {
			continue
		}
		if len(wanted) > 0 && !wanted[rb.Category] {
			continue
		}

		applies, target := e.applies(p, agent)
		if !applies {
			continue
		}
		if req := probe.RequiredParams(rb.Params); len(req) > 0 {
			report.Categories = append(report.Categories, HealthCategory{
				Category: rb.Category,
				Skipped:  true,
				Reason:   "requires parameters: " + strings.Join(req, ", "),
			})
			continue
		}

		res, err := e.ExecuteDiagnostic(ctx, rb.Category, nil, target, apiKeyID)
		if err != nil {
			report.Categories = append(report.Categories, HealthCategory{
				Category: rb.Category,
				Status:   "critical",
				Findings: []probe.Finding{{Severity: probe.SeverityCritical, Title: "runbook failed", Detail: err.Error()}},
			})
			report.Status = "critical"
			continue
		}
		cat := HealthCategory{Category: rb.Category, Status: healthStatus(res.Findings), Findings: res.Findings}
		report.Categories = append(report.Categories, cat)
		report.Findings = append(report.Findings, res.Findings...)
		report.Status = worseStatus(report.Status, cat.Status)
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		return probe.SeverityLess(report.Findings[i].Severity, report.Findings[j].Severity)
	})
	return report, nil
}

// applies decides whether a pack's runbook can run right now, and against
// which agent for local packs.
func (e *RunbookEngine) applies(p *probe.Pack, agent string) (bool, string) {
	if p.Kind == probe.KindIntegration {
		_, err := e.store.GetIntegrationByPack(p.Manifest.Name)
		return err == nil, ""
	}
	if agent != "" {
		if e.router.dispatcher.IsOnline(agent) && agentHasPack(e.store, agent, p.Manifest.Name) {
			return true, agent
		}
		return false, ""
	}
	for _, a := range e.router.dispatcher.OnlineAgents() {
		if agentHasPack(e.store, a.Name, p.Manifest.Name) {
			return true, a.Name
		}
	}
	return false, ""
}

func agentHasPack(st *store.Store, agentName, packName string) bool {
	a, err := st.GetAgentByName(agentName)
	if err != nil {
		return false
	}
	for _, p := range a.Packs {
		if p.Name == packName && p.Status == "active" {
			return true
		}
	}
	return false
}

func healthStatus(findings []probe.Finding) string {
	status := "healthy"
	for _, f := range findings {
		switch f.Severity {
		case probe.SeverityCritical:
			return "critical"
		case probe.SeverityWarning:
			status = "degraded"
		}
	}
	return status
}

func worseStatus(a, b string) string {
	rank := map[string]int{"healthy": 0, "degraded": 1, "critical": 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
