package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

func verdicts(approved ...bool) []contracts.Verdict {
	out := make([]contracts.Verdict, len(approved))
	for i, a := range approved {
		out[i] = contracts.Verdict{Source: "rev", Approved: a, Score: 0.8}
	}
	return out
}

func TestDefaultCountingRule(t *testing.T) {
	g, err := NewGate(DefaultConfig())
	require.NoError(t, err)

	internal := contracts.Verdict{Source: contracts.SourceInternal, Approved: true, Score: 0.9}

	// Internal + one external = 2 of 4: approved at the default threshold.
	d, err := g.Decide(internal, verdicts(true, false, false), true)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, 2, d.Approvals)
	assert.Equal(t, 4, d.Sources)

	// Internal alone is 1 of 4: rejected.
	d, err = g.Decide(internal, verdicts(false, false, false), false)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, 1, d.Approvals)
}

func TestInternalNotCounted(t *testing.T) {
	g, err := NewGate(Config{MinTotalApprovals: 2, CountInternal: false})
	require.NoError(t, err)

	internal := contracts.Verdict{Source: contracts.SourceInternal, Approved: true}

	// Internal approval contributes nothing; one external approval fails.
	d, err := g.Decide(internal, verdicts(true, false, false), false)
	require.NoError(t, err)
	assert.False(t, d.Approved)
	assert.Equal(t, 1, d.Approvals)
	assert.Equal(t, 3, d.Sources)

	d, err = g.Decide(internal, verdicts(true, true, false), true)
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestRequireExternalConsensus(t *testing.T) {
	g, err := NewGate(Config{MinTotalApprovals: 2, CountInternal: true, RequireExternalConsensus: true})
	require.NoError(t, err)

	internal := contracts.Verdict{Source: contracts.SourceInternal, Approved: true}

	// Threshold met, but the review round itself lacked consensus.
	d, err := g.Decide(internal, verdicts(true, false, false), false)
	require.NoError(t, err)
	assert.False(t, d.Approved)

	d, err = g.Decide(internal, verdicts(true, true, false), true)
	require.NoError(t, err)
	assert.True(t, d.Approved)
}

func TestCELPolicyOverridesCounting(t *testing.T) {
	g, err := NewGate(Config{
		CountInternal: true,
		Policy:        "internal_approved && internal_score >= 0.85 && external_approvals >= 1",
	})
	require.NoError(t, err)

	d, err := g.Decide(contracts.Verdict{Approved: true, Score: 0.9}, verdicts(true, false, false), true)
	require.NoError(t, err)
	assert.True(t, d.Approved)

	d, err = g.Decide(contracts.Verdict{Approved: true, Score: 0.8}, verdicts(true, true, true), true)
	require.NoError(t, err)
	assert.False(t, d.Approved, "internal score below policy floor")
}

func TestCELPolicyCompileError(t *testing.T) {
	_, err := NewGate(Config{Policy: "this is not CEL ((("})
	assert.Error(t, err)
}

func TestCELPolicyMustReturnBool(t *testing.T) {
	g, err := NewGate(Config{Policy: "external_approvals + 1"})
	require.NoError(t, err)
	_, err = g.Decide(contracts.Verdict{}, verdicts(true), true)
	assert.Error(t, err)
}
