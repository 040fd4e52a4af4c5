// Package review fans a model artifact out to the configured external
// reviewer services and computes reviewer-level consensus. Reviewers are
// independent third parties: each call is concurrently issued and
// independently timed out, and a reviewer that fails to respond is recorded
// as a non-approving verdict rather than a blocking error, so a cycle can
// never stall on one unreachable service.
package review

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// Reviewer is one configured external reviewer collaborator. Review returns
// the service's raw verdict payload, which is schema-validated before it is
// trusted.
type Reviewer interface {
	ID() string
	Review(ctx context.Context, artifactDescriptor string) ([]byte, error)
}

// verdictSchema constrains the heterogeneous reviewer payloads: approved is
// mandatory, score must sit in [0,1].
const verdictSchema = `{
	"type": "object",
	"required": ["approved", "score"],
	"properties": {
		"approved": {"type": "boolean"},
		"score": {"type": "number", "minimum": 0, "maximum": 1},
		"rationale": {"type": "string"}
	}
}`

// Result is the outcome of one review round.
type Result struct {
	Verdicts  []contracts.Verdict
	Approvals int
	Consensus bool
}

// Aggregator collects external reviewer verdicts for a cycle.
type Aggregator struct {
	reviewers    []Reviewer
	timeout      time.Duration
	minApprovals int
	schema       *jsonschema.Schema
	logger       *slog.Logger
	clock        func() time.Time
}

// NewAggregator creates an aggregator over the configured reviewer set.
// Consensus requires minApprovals approving verdicts among respondents.
func NewAggregator(reviewers []Reviewer, timeout time.Duration, minApprovals int, logger *slog.Logger) (*Aggregator, error) {
	schema, err := jsonschema.CompileString("verdict.json", verdictSchema)
	if err != nil {
		return nil, fmt.Errorf("compile verdict schema: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		reviewers:    reviewers,
		timeout:      timeout,
		minApprovals: minApprovals,
		schema:       schema,
		logger:       logger,
		clock:        time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (a *Aggregator) WithClock(clock func() time.Time) *Aggregator {
	a.clock = clock
	return a
}

// Collect invokes every reviewer concurrently and returns one verdict per
// reviewer: the validated payload on success, a non-approving verdict on
// timeout, transport failure, or a payload that fails schema validation.
func (a *Aggregator) Collect(ctx context.Context, artifactDescriptor string) Result {
	verdicts := make([]contracts.Verdict, len(a.reviewers))

	type done struct{ idx int }
	ch := make(chan done, len(a.reviewers))
	for i, r := range a.reviewers {
		go func(idx int, r Reviewer) {
			verdicts[idx] = a.collectOne(ctx, r, artifactDescriptor)
			ch <- done{idx}
		}(i, r)
	}
	for range a.reviewers {
		<-ch
	}

	res := Result{Verdicts: verdicts}
	for _, v := range verdicts {
		if v.Approved {
			res.Approvals++
		}
	}
	res.Consensus = res.Approvals >= a.minApprovals
	a.logger.Info("external review round complete",
		"approvals", res.Approvals,
		"reviewers", len(a.reviewers),
		"consensus", res.Consensus,
	)
	return res
}

func (a *Aggregator) collectOne(ctx context.Context, r Reviewer, artifactDescriptor string) contracts.Verdict {
	cctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	payload, err := r.Review(cctx, artifactDescriptor)
	if err != nil {
		a.logger.Warn("reviewer unavailable", "reviewer", r.ID(), "error", err)
		return a.nonApproving(r.ID(), "reviewer timed out or failed: "+err.Error())
	}

	var generic any
	if err := json.Unmarshal(payload, &generic); err != nil {
		return a.nonApproving(r.ID(), "reviewer payload is not valid JSON")
	}
	if err := a.schema.Validate(generic); err != nil {
		a.logger.Warn("reviewer payload failed schema validation", "reviewer", r.ID(), "error", err)
		return a.nonApproving(r.ID(), "reviewer payload failed schema validation")
	}

	var v contracts.Verdict
	if err := json.Unmarshal(payload, &v); err != nil {
		return a.nonApproving(r.ID(), "reviewer payload could not be decoded")
	}
	v.Source = r.ID()
	if v.Timestamp.IsZero() {
		v.Timestamp = a.clock().UTC()
	}
	v.Rationale = strings.TrimSpace(v.Rationale)
	return v
}

func (a *Aggregator) nonApproving(source, rationale string) contracts.Verdict {
	return contracts.Verdict{
		Source:    source,
		Approved:  false,
		Score:     0,
		Rationale: rationale,
		Timestamp: a.clock().UTC(),
	}
}

// MinApprovals exposes the configured consensus threshold.
func (a *Aggregator) MinApprovals() int {
	return a.minApprovals
}

// ReviewerCount exposes the size of the configured reviewer set.
func (a *Aggregator) ReviewerCount() int {
	return len(a.reviewers)
}
