package topology

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Topology Types
// =============================================================================

// Topology is the operator's declaration of the fleet.
type Topology struct {
	Project string          `yaml:"project"`
	Jobs    []JobDef        `yaml:"jobs"`
	Probes  []ProbeDef      `yaml:"probes"`
	Compose []ComposeSource `yaml:"compose"`
}

// JobDef declares one deployable unit.
type JobDef struct {
	Name string `yaml:"name"`

	// ComposeID pins the job to a control-plane compose. When empty the job is
	// resolved by name.
	ComposeID string `yaml:"compose_id"`

	Source domain.SourceRef `yaml:"source"`

	// CorrectedPath is the compose path to switch to when a deployment fails
	// with path_not_found. Empty disables automatic remediation for the job.
	CorrectedPath string `yaml:"corrected_path"`
}

// ProbeDef declares one service probe.
type ProbeDef struct {
	Name           string `yaml:"name"`
	Tier           string `yaml:"tier"`
	Kind           string `yaml:"kind"`
	Target         string `yaml:"target"`
	ExpectedStatus []int  `yaml:"expected_status"`
}

// ComposeSource points at a compose file whose published ports become probes.
type ComposeSource struct {
	File string `yaml:"file"`
	Host string `yaml:"host"`
	Tier string `yaml:"tier"`
}

// =============================================================================
// Parsing
// =============================================================================

// Parse decodes and validates a topology document.
func Parse(data []byte) (*Topology, error) {
	if strings.TrimSpace(string(data)) == "" {
		return nil, ErrEmptyInput
	}

	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, NewTopologyError("", err.Error(), ErrInvalidYAML)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Validate checks names are unique and probes are well formed.
func (t *Topology) Validate() error {
	jobs := make(map[string]bool, len(t.Jobs))
	for i, j := range t.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if strings.TrimSpace(j.Name) == "" {
			return NewTopologyError(field+".name", "job name is required", ErrInvalidTopology)
		}
		if jobs[j.Name] {
			return NewTopologyError(field+".name", "job "+j.Name+" declared twice", ErrDuplicateName)
		}
		jobs[j.Name] = true
		if j.Source != (domain.SourceRef{}) {
			if err := j.Source.Validate(); err != nil {
				return NewTopologyError(field+".source", err.Error(), ErrInvalidTopology)
			}
		}
	}

	probes := make(map[string]bool, len(t.Probes))
	for i, p := range t.Probes {
		field := fmt.Sprintf("probes[%d]", i)
		if probes[p.Name] {
			return NewTopologyError(field+".name", "probe "+p.Name+" declared twice", ErrDuplicateName)
		}
		probes[p.Name] = true
		if err := p.ToProbe().Validate(); err != nil {
			return NewTopologyError(field, err.Error(), ErrInvalidTopology)
		}
	}

	for i, c := range t.Compose {
		field := fmt.Sprintf("compose[%d]", i)
		if strings.TrimSpace(c.File) == "" {
			return NewTopologyError(field+".file", "compose file is required", ErrInvalidTopology)
		}
		if !domain.Tier(c.Tier).Valid() {
			return NewTopologyError(field+".tier", "unknown tier "+c.Tier, ErrInvalidTopology)
		}
	}

	return nil
}

// ToProbe converts a declaration into a domain probe.
func (p ProbeDef) ToProbe() domain.ServiceProbe {
	return domain.ServiceProbe{
		Name:                p.Name,
		Tier:                domain.Tier(strings.ToLower(p.Tier)),
		Kind:                domain.ProbeKind(strings.ToLower(p.Kind)),
		Target:              p.Target,
		ExpectedStatusCodes: p.ExpectedStatus,
	}
}

// StaticProbes returns the probes declared inline.
func (t *Topology) StaticProbes() []domain.ServiceProbe {
	probes := make([]domain.ServiceProbe, 0, len(t.Probes))
	for _, p := range t.Probes {
		probes = append(probes, p.ToProbe())
	}
	return probes
}

// SelectJobs returns the named jobs in the order given. No names selects all jobs.
func (t *Topology) SelectJobs(names []string) ([]JobDef, error) {
	if len(names) == 0 {
		return append([]JobDef(nil), t.Jobs...), nil
	}

	byName := make(map[string]JobDef, len(t.Jobs))
	for _, j := range t.Jobs {
		byName[j.Name] = j
	}

	var (
		selected []JobDef
		missing  []string
	)
	for _, n := range names {
		j, ok := byName[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		selected = append(selected, j)
	}
	if len(missing) > 0 {
		return nil, NewTopologyError("jobs", "unknown job "+strings.Join(missing, ", "), ErrUnknownJob)
	}
	return selected, nil
}

// MergeProbes appends extra probes, skipping any whose name is already taken.
// Inline declarations win over compose-derived ones.
func MergeProbes(base, extra []domain.ServiceProbe) []domain.ServiceProbe {
	seen := make(map[string]bool, len(base))
	merged := append([]domain.ServiceProbe(nil), base...)
	for _, p := range base {
		seen[p.Name] = true
	}
	for _, p := range extra {
		if seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		merged = append(merged, p)
	}
	return merged
}

// IsUnknownJob reports whether err came from selecting an undeclared job.
func IsUnknownJob(err error) bool {
	return errors.Is(err, ErrUnknownJob)
}
