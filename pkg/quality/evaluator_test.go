package quality

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

type fakeAnalyzer struct {
	verdict contracts.Verdict
	err     error
	delay   time.Duration
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, _ string, _ GateStage) (contracts.Verdict, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return contracts.Verdict{}, ctx.Err()
		}
	}
	return f.verdict, f.err
}

func TestEvaluateStampsInternalSource(t *testing.T) {
	e := NewEvaluator(&fakeAnalyzer{
		verdict: contracts.Verdict{Approved: true, Score: 0.92},
	}, time.Second, 0.7, nil)

	v, err := e.Evaluate(context.Background(), "dataset-1", StagePre)
	require.NoError(t, err)
	assert.Equal(t, contracts.SourceInternal, v.Source)
	assert.False(t, v.Timestamp.IsZero())
	assert.True(t, e.Passed(v))
}

func TestEvaluateTimeout(t *testing.T) {
	e := NewEvaluator(&fakeAnalyzer{delay: time.Second}, 10*time.Millisecond, 0.7, nil)

	_, err := e.Evaluate(context.Background(), "model-1", StagePost)
	assert.ErrorIs(t, err, contracts.ErrCollaboratorTimeout)
}

func TestPassedThreshold(t *testing.T) {
	e := NewEvaluator(nil, time.Second, 0.7, nil)

	assert.True(t, e.Passed(contracts.Verdict{Approved: true, Score: 0.7}))
	assert.False(t, e.Passed(contracts.Verdict{Approved: true, Score: 0.69}))
	assert.False(t, e.Passed(contracts.Verdict{Approved: false, Score: 0.99}))
}
