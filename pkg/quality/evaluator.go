// Package quality wraps the external bias/toxicity/fairness analyzer into
// the pre- and post-training quality gates. Only the collaborator's verdict
// is consumed here; the scoring models themselves are outside the core.
package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// GateStage names which of the two gate invocations is being made.
type GateStage string

const (
	StagePre  GateStage = "pre"
	StagePost GateStage = "post"
)

// Analyzer is the external quality-analysis collaborator.
type Analyzer interface {
	Analyze(ctx context.Context, descriptor string, stage GateStage) (contracts.Verdict, error)
}

// Evaluator invokes the analyzer with a mandatory timeout and applies the
// configured score threshold. It produces exactly one internal verdict per
// gate stage.
type Evaluator struct {
	analyzer Analyzer
	timeout  time.Duration
	minScore float64
	logger   *slog.Logger
	clock    func() time.Time
}

// NewEvaluator creates a quality gate evaluator.
func NewEvaluator(analyzer Analyzer, timeout time.Duration, minScore float64, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		analyzer: analyzer,
		timeout:  timeout,
		minScore: minScore,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate calls the analyzer for one gate stage. A timeout or transport
// failure is reported as ErrCollaboratorTimeout; the stage policy for that
// is the caller's to apply.
func (e *Evaluator) Evaluate(ctx context.Context, descriptor string, stage GateStage) (contracts.Verdict, error) {
	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	v, err := e.analyzer.Analyze(cctx, descriptor, stage)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return contracts.Verdict{}, fmt.Errorf("quality gate %s: %w", stage, contracts.ErrCollaboratorTimeout)
		}
		return contracts.Verdict{}, fmt.Errorf("quality gate %s: %w", stage, err)
	}

	v.Source = contracts.SourceInternal
	if v.Timestamp.IsZero() {
		v.Timestamp = e.clock().UTC()
	}
	e.logger.Info("quality gate verdict",
		"stage", string(stage),
		"approved", v.Approved,
		"score", v.Score,
	)
	return v, nil
}

// Passed reports whether a verdict clears the gate: the analyzer approved
// and the score meets the configured minimum.
func (e *Evaluator) Passed(v contracts.Verdict) bool {
	return v.Approved && v.Score >= e.minScore
}
