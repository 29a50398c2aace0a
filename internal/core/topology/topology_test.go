package topology

import (
	"errors"
	"testing"

	"github.com/artpar/fleetpilot/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTopology = `
project: platform-staging
jobs:
  - name: infra
    compose_id: c-infra
    source:
      repository: https://github.com/acme/platform
      branch: main
      path: deploy/infra.yml
    corrected_path: deploy/infra/docker-compose.yml
  - name: backend
    source:
      repository: https://github.com/acme/platform
      branch: main
      path: deploy/backend.yml
probes:
  - name: postgres
    tier: infrastructure
    kind: tcp
    target: "localhost:5432"
  - name: api
    tier: backend
    kind: HTTP
    target: "http://localhost:8080/health"
    expected_status: [200]
compose:
  - file: deploy/frontend.yml
    host: 10.0.0.5
    tier: frontend
`

// =============================================================================
// Parse Tests
// =============================================================================

func TestParse_Valid(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	require.NoError(t, err)

	assert.Equal(t, "platform-staging", topo.Project)
	require.Len(t, topo.Jobs, 2)
	assert.Equal(t, "c-infra", topo.Jobs[0].ComposeID)
	assert.Equal(t, "deploy/infra/docker-compose.yml", topo.Jobs[0].CorrectedPath)
	assert.Equal(t, "main", topo.Jobs[1].Source.Branch)

	probes := topo.StaticProbes()
	require.Len(t, probes, 2)
	assert.Equal(t, domain.ProbeTCP, probes[0].Kind)
	assert.Equal(t, domain.TierInfrastructure, probes[0].Tier)
	assert.Equal(t, domain.ProbeHTTP, probes[1].Kind)
	assert.Equal(t, []int{200}, probes[1].ExpectedStatusCodes)

	require.Len(t, topo.Compose, 1)
	assert.Equal(t, "10.0.0.5", topo.Compose[0].Host)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("   \n"))
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("jobs: [unterminated"))
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParse_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		expected error
	}{
		{
			name:     "job without name",
			doc:      "jobs:\n  - compose_id: x\n",
			expected: ErrInvalidTopology,
		},
		{
			name:     "duplicate job",
			doc:      "jobs:\n  - name: a\n  - name: a\n",
			expected: ErrDuplicateName,
		},
		{
			name:     "incomplete source",
			doc:      "jobs:\n  - name: a\n    source: {branch: main}\n",
			expected: ErrInvalidTopology,
		},
		{
			name:     "unknown probe kind",
			doc:      "probes:\n  - {name: a, kind: udp, target: 'x:1'}\n",
			expected: ErrInvalidTopology,
		},
		{
			name:     "unknown tier",
			doc:      "probes:\n  - {name: a, kind: tcp, tier: edge, target: 'x:1'}\n",
			expected: ErrInvalidTopology,
		},
		{
			name:     "duplicate probe",
			doc:      "probes:\n  - {name: a, kind: tcp, target: 'x:1'}\n  - {name: a, kind: tcp, target: 'x:2'}\n",
			expected: ErrDuplicateName,
		},
		{
			name:     "compose without file",
			doc:      "compose:\n  - {host: localhost}\n",
			expected: ErrInvalidTopology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expected)

			var topoErr *TopologyError
			assert.True(t, errors.As(err, &topoErr))
		})
	}
}

// =============================================================================
// Selection Tests
// =============================================================================

func TestSelectJobs(t *testing.T) {
	topo, err := Parse([]byte(sampleTopology))
	require.NoError(t, err)

	all, err := topo.SelectJobs(nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	selected, err := topo.SelectJobs([]string{"backend"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "backend", selected[0].Name)

	_, err = topo.SelectJobs([]string{"backend", "frontend", "edge"})
	require.Error(t, err)
	assert.True(t, IsUnknownJob(err))
	assert.EqualError(t, err, "jobs: unknown job frontend, edge")
}

func TestMergeProbes_InlineWins(t *testing.T) {
	base := []domain.ServiceProbe{{Name: "api", Kind: domain.ProbeHTTP, Target: "http://a/health"}}
	extra := []domain.ServiceProbe{
		{Name: "api", Kind: domain.ProbeTCP, Target: "a:80"},
		{Name: "redis", Kind: domain.ProbeTCP, Target: "a:6379"},
	}

	merged := MergeProbes(base, extra)

	require.Len(t, merged, 2)
	assert.Equal(t, domain.ProbeHTTP, merged[0].Kind)
	assert.Equal(t, "redis", merged[1].Name)
}
