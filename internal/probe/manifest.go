package probe

import (
	"encoding/json"
	"fmt"
)

// Requirements lists what a local pack needs on the host before its probes
// can run: unix group memberships, readable files, and resolvable commands.
type Requirements struct {
	Groups   []string `json:"groups,omitempty" yaml:"groups"`
	Files    []string `json:"files,omitempty" yaml:"files"`
	Commands []string `json:"commands,omitempty" yaml:"commands"`
}

// Spec declares one probe inside a manifest.
type Spec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Capability  Capability     `json:"capability" yaml:"capability"`
	Params      map[string]any `json:"params,omitempty" yaml:"params"` // JSON schema document
	TimeoutMs   int64          `json:"timeoutMs,omitempty" yaml:"timeoutMs"`
}

// RunbookSpec is a pack's contribution to the runbook engine.
type RunbookSpec struct {
	Category string         `json:"category" yaml:"category"`
	Probes   []string       `json:"probes" yaml:"probes"`
	Parallel bool           `json:"parallel" yaml:"parallel"`
	Params   map[string]any `json:"params,omitempty" yaml:"params"` // JSON schema document
}

// Manifest describes a pack: identity, host requirements, its probes, and
// an optional runbook contribution. Signature, when present, covers the
// canonical manifest bytes (SigningBytes).
type Manifest struct {
	Name        string       `json:"name" yaml:"name"`
	Version     string       `json:"version" yaml:"version"`
	Description string       `json:"description" yaml:"description"`
	Requires    Requirements `json:"requires,omitempty" yaml:"requires"`
	Probes      []Spec       `json:"probes" yaml:"probes"`
	Detect      []string     `json:"detect,omitempty" yaml:"detect"` // presence hints (paths, commands)
	Runbook     *RunbookSpec `json:"runbook,omitempty" yaml:"runbook"`
	Signature   string       `json:"signature,omitempty" yaml:"signature"`
}

// Validate checks structural manifest invariants.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("manifest missing name")
	}
	if m.Version == "" {
		return fmt.Errorf("manifest %s missing version", m.Name)
	}
	if len(m.Probes) == 0 {
		return fmt.Errorf("manifest %s declares no probes", m.Name)
	}
	seen := make(map[string]bool, len(m.Probes))
	for _, p := range m.Probes {
		if p.Name == "" {
			return fmt.Errorf("manifest %s has a probe without a name", m.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("manifest %s declares probe %s twice", m.Name, p.Name)
		}
		seen[p.Name] = true
		switch p.Capability {
		case CapabilityObserve, CapabilityAct, CapabilityAdmin:
		case "":
			return fmt.Errorf("probe %s.%s missing capability", m.Name, p.Name)
		default:
			return fmt.Errorf("probe %s.%s has unknown capability %q", m.Name, p.Name, p.Capability)
		}
	}
	if m.Runbook != nil {
		if m.Runbook.Category == "" {
			return fmt.Errorf("manifest %s runbook missing category", m.Name)
		}
		if len(m.Runbook.Probes) == 0 {
			return fmt.Errorf("manifest %s runbook lists no probes", m.Name)
		}
	}
	return nil
}

// Spec returns the declaration of the named probe (short name, without the
// pack prefix).
func (m *Manifest) Spec(name string) (*Spec, bool) {
	for i := range m.Probes {
		if m.Probes[i].Name == name {
			return &m.Probes[i], true
		}
	}
	return nil, false
}

// SigningBytes returns the canonical manifest bytes covered by Signature:
// the JSON serialisation of the manifest with the signature field cleared.
// Struct field order is fixed by declaration, so this form is stable.
func (m *Manifest) SigningBytes() ([]byte, error) {
	clone := *m
	clone.Signature = ""
	data, err := json.Marshal(&clone)
	if err != nil {
		return nil, fmt.Errorf("manifest signing bytes: %w", err)
	}
	return data, nil
}
