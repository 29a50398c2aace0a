package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceProbe_Validate(t *testing.T) {
	valid := ServiceProbe{Name: "api", Tier: TierBackend, Kind: ProbeHTTP, Target: "http://localhost:8080/health"}
	assert.NoError(t, valid.Validate())

	noTier := valid
	noTier.Tier = ""
	assert.NoError(t, noTier.Validate())

	tests := []struct {
		name   string
		mutate func(p *ServiceProbe)
		want   error
	}{
		{"missing name", func(p *ServiceProbe) { p.Name = "" }, ErrProbeNameRequired},
		{"missing target", func(p *ServiceProbe) { p.Target = "" }, ErrProbeTargetRequired},
		{"unknown kind", func(p *ServiceProbe) { p.Kind = "icmp" }, ErrUnknownProbeKind},
		{"unknown tier", func(p *ServiceProbe) { p.Tier = "edge" }, ErrUnknownTier},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			assert.ErrorIs(t, p.Validate(), tt.want)
		})
	}
}

func TestServiceProbe_Expects(t *testing.T) {
	p := ServiceProbe{Kind: ProbeHTTP}
	assert.True(t, p.Expects(200))
	assert.True(t, p.Expects(301))
	assert.True(t, p.Expects(302))
	assert.False(t, p.Expects(204))
	assert.False(t, p.Expects(500))

	p.ExpectedStatusCodes = []int{204}
	assert.True(t, p.Expects(204))
	assert.False(t, p.Expects(200))
}

func TestProbeResult_Status(t *testing.T) {
	assert.True(t, ProbeResult{Status: ProbePassed}.Passed())
	assert.True(t, ProbeResult{Status: ProbeWarned}.Warned())
	assert.True(t, ProbeResult{Status: ProbeFailed}.Failed())
	assert.False(t, ProbeResult{Status: ProbeWarned}.Passed())
}
