package packs

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/sonde-sh/sonde/internal/probe"
)

// LoadManifest reads one pack manifest from a YAML file.
func LoadManifest(path string) (*probe.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m probe.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// ScanDir finds pack manifests (*.yaml, *.yml) under dir. Unreadable or
// invalid files are reported but do not stop the scan.
func ScanDir(dir string) ([]*probe.Manifest, []error) {
	var out []*probe.Manifest
	var errs []error
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		paths, _ := filepath.Glob(filepath.Join(dir, pattern))
		for _, path := range paths {
			m, err := LoadManifest(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			out = append(out, m)
		}
	}
	return out, errs
}

// MissingRequirements checks a manifest's host requirements and returns what
// the host lacks, grouped for the structured install error.
func MissingRequirements(m *probe.Manifest) map[string][]string {
	missing := map[string][]string{}
	for _, f := range m.Requires.Files {
		if _, err := os.Stat(f); err != nil {
			missing["files"] = append(missing["files"], f)
		}
	}
	for _, c := range m.Requires.Commands {
		if _, err := exec.LookPath(c); err != nil {
			missing["commands"] = append(missing["commands"], c)
		}
	}
	if len(m.Requires.Groups) > 0 {
		member := currentGroups()
		for _, g := range m.Requires.Groups {
			if !member[g] {
				missing["groups"] = append(missing["groups"], g)
			}
		}
	}
	return missing
}

// currentGroups resolves the invoking user's group names, primary included.
// An unresolvable user reads as member of nothing.
func currentGroups() map[string]bool {
	member := map[string]bool{}
	u, err := user.Current()
	if err != nil {
		return member
	}
	ids, err := u.GroupIds()
	if err != nil {
		return member
	}
	for _, id := range ids {
		if g, err := user.LookupGroupId(id); err == nil {
			member[g.Name] = true
		}
	}
	return member
}

// Builtin returns the built-in packs registered on both hub and agent.
func Builtin() []*probe.Pack {
	return []*probe.Pack{System(), Network(), HTTPBin()}
}

// NewRegistry builds a registry holding the given packs.
func NewRegistry(packList ...*probe.Pack) (*probe.Registry, error) {
	r := probe.NewRegistry()
	for _, p := range packList {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}
