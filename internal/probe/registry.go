package probe

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind distinguishes where a pack's probes run.
type Kind string

const (
	// KindLocal packs shell out on the agent host.
	KindLocal Kind = "local"
	// KindIntegration packs run on the hub and call external HTTP APIs.
	KindIntegration Kind = "integration"
)

// LocalHandler executes one local probe on the agent. The exec function is
// injected per-call.
type LocalHandler func(ctx context.Context, params map[string]any, exec ExecFunc) (any, error)

// IntegrationHandler executes one integration probe on the hub. The fetch
// function is injected per-call and carries the probe's cancellation.
type IntegrationHandler func(ctx context.Context, params map[string]any, config map[string]any, creds *Credentials, fetch FetchFunc) (any, error)

// Pack bundles a manifest with its probe handlers. Exactly one of the two
// handler maps is populated, matching Kind — the registry is a static map
// of name to pack, and the two handler variants are the two concrete arms
// of the probe sum type.
type Pack struct {
	Manifest Manifest
	Kind     Kind

	// Local holds handlers for KindLocal packs, keyed by short probe name.
	Local map[string]LocalHandler

	// Integration holds handlers for KindIntegration packs.
	Integration map[string]IntegrationHandler

	// TestConnection optionally verifies integration credentials.
	TestConnection IntegrationHandler

	// Findings optionally synthesises findings for the pack's runbook.
	Findings FindingsFunc
}

// Validate checks that handlers line up with the manifest.
func (p *Pack) Validate() error {
	if err := p.Manifest.Validate(); err != nil {
		return err
	}
	switch p.Kind {
	case KindLocal:
		if len(p.Integration) > 0 {
			return fmt.Errorf("pack %s: local pack carries integration handlers", p.Manifest.Name)
		}
		for _, spec := range p.Manifest.Probes {
			if _, ok := p.Local[spec.Name]; !ok {
				return fmt.Errorf("pack %s: no handler for probe %s", p.Manifest.Name, spec.Name)
			}
		}
	case KindIntegration:
		if len(p.Local) > 0 {
			return fmt.Errorf("pack %s: integration pack carries local handlers", p.Manifest.Name)
		}
		for _, spec := range p.Manifest.Probes {
			if _, ok := p.Integration[spec.Name]; !ok {
				return fmt.Errorf("pack %s: no handler for probe %s", p.Manifest.Name, spec.Name)
			}
		}
	default:
		return fmt.Errorf("pack %s: unknown kind %q", p.Manifest.Name, p.Kind)
	}
	return nil
}

// Registry is the static name -> pack map consumed by the agent executor
// and the hub integration executor.
type Registry struct {
	mu    sync.RWMutex
	packs map[string]*Pack
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{packs: make(map[string]*Pack)}
}

// Register adds a pack. Duplicate names are rejected.
func (r *Registry) Register(p *Pack) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.packs[p.Manifest.Name]; exists {
		return fmt.Errorf("pack %s already registered", p.Manifest.Name)
	}
	r.packs[p.Manifest.Name] = p
	return nil
}

// Get returns the pack with the given name.
func (r *Registry) Get(name string) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[name]
	return p, ok
}

// Has reports whether a pack with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.packs[name]
	return ok
}

// All returns every registered pack, sorted by name.
func (r *Registry) All() []*Pack {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Pack, 0, len(r.packs))
	for _, p := range r.packs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Manifest.Name < out[j].Manifest.Name
	})
	return out
}

// SplitName splits a fully qualified probe name into pack name and the
// remainder. Probe names may themselves contain dots ("system.disk.usage"
// resolves to pack "system", probe "disk.usage").
func SplitName(full string) (pack, rest string, err error) {
	i := strings.IndexByte(full, '.')
	if i <= 0 || i == len(full)-1 {
		return "", "", fmt.Errorf("invalid probe name %q (want pack.probe)", full)
	}
	return full[:i], full[i+1:], nil
}
