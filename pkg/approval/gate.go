// Package approval combines the internal quality verdict and the external
// reviewer verdicts under the double-gate threshold rule. The arithmetic of
// the threshold is deliberately explicit configuration: how many opinion
// sources must approve, and whether the internal verdict is one of the
// counted sources or a separate prerequisite that already gated the cycle.
// Deployments that need a richer rule than counting can supply a CEL
// expression instead.
package approval

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// Config parameterizes the double gate.
type Config struct {
	// MinTotalApprovals is the number of approving opinion sources required
	// across internal + external.
	MinTotalApprovals int

	// CountInternal controls whether the internal post-train verdict is one
	// of the counted sources. When false the internal verdict is treated as
	// a prerequisite already enforced by the post-train gate, and only
	// external verdicts are counted.
	CountInternal bool

	// RequireExternalConsensus additionally demands that the review round's
	// own consensus threshold was met.
	RequireExternalConsensus bool

	// Policy, when non-empty, is a CEL expression evaluated instead of the
	// counting rule. Variables: internal_approved (bool), internal_score
	// (double), external_approvals (int), external_total (int),
	// external_consensus (bool). Must evaluate to a bool.
	Policy string
}

// DefaultConfig returns the design default: 2 approving sources out of
// 1 internal + up to 3 external.
func DefaultConfig() Config {
	return Config{
		MinTotalApprovals: 2,
		CountInternal:     true,
	}
}

// Gate evaluates the approval decision for a cycle.
type Gate struct {
	cfg     Config
	program cel.Program
}

// NewGate creates the gate, compiling the CEL policy if one is configured.
func NewGate(cfg Config) (*Gate, error) {
	g := &Gate{cfg: cfg}
	if cfg.Policy != "" {
		env, err := cel.NewEnv(
			cel.Variable("internal_approved", cel.BoolType),
			cel.Variable("internal_score", cel.DoubleType),
			cel.Variable("external_approvals", cel.IntType),
			cel.Variable("external_total", cel.IntType),
			cel.Variable("external_consensus", cel.BoolType),
		)
		if err != nil {
			return nil, fmt.Errorf("approval policy environment: %w", err)
		}
		ast, issues := env.Compile(cfg.Policy)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("approval policy compile: %w", issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("approval policy program: %w", err)
		}
		g.program = prg
	}
	return g, nil
}

// Decide computes the approval decision from the internal post-train verdict
// and the collected external verdicts.
func (g *Gate) Decide(internal contracts.Verdict, external []contracts.Verdict, externalConsensus bool) (contracts.Decision, error) {
	approvals := 0
	sources := len(external)
	for _, v := range external {
		if v.Approved {
			approvals++
		}
	}
	if g.cfg.CountInternal {
		sources++
		if internal.Approved {
			approvals++
		}
	}

	if g.program != nil {
		return g.decidePolicy(internal, approvals, sources, len(external), externalConsensus)
	}

	approved := approvals >= g.cfg.MinTotalApprovals
	if g.cfg.RequireExternalConsensus && !externalConsensus {
		approved = false
	}

	return contracts.Decision{
		Approved:  approved,
		Approvals: approvals,
		Sources:   sources,
		Rationale: g.rationale(approved, approvals, sources, externalConsensus),
	}, nil
}

func (g *Gate) decidePolicy(internal contracts.Verdict, approvals, sources, externalTotal int, externalConsensus bool) (contracts.Decision, error) {
	externalApprovals := approvals
	if g.cfg.CountInternal && internal.Approved {
		externalApprovals--
	}
	out, _, err := g.program.Eval(map[string]any{
		"internal_approved":  internal.Approved,
		"internal_score":     internal.Score,
		"external_approvals": externalApprovals,
		"external_total":     externalTotal,
		"external_consensus": externalConsensus,
	})
	if err != nil {
		return contracts.Decision{}, fmt.Errorf("approval policy eval: %w", err)
	}
	approved, ok := out.Value().(bool)
	if !ok {
		return contracts.Decision{}, fmt.Errorf("approval policy returned %T, want bool", out.Value())
	}
	return contracts.Decision{
		Approved:  approved,
		Approvals: approvals,
		Sources:   sources,
		Rationale: "policy expression: " + g.cfg.Policy,
	}, nil
}

func (g *Gate) rationale(approved bool, approvals, sources int, externalConsensus bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d sources approved (threshold %d)", approvals, sources, g.cfg.MinTotalApprovals)
	if g.cfg.RequireExternalConsensus {
		fmt.Fprintf(&b, ", external consensus %v", externalConsensus)
	}
	if !approved {
		b.WriteString(": rejected")
	}
	return b.String()
}
