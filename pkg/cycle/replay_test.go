package cycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/approval"
	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/crypto"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
	"github.com/Cognate-Labs/aegis/core/pkg/quality"
	"github.com/Cognate-Labs/aegis/core/pkg/review"
)

// rebuildMachine constructs a fresh machine over the harness's existing
// chain and primes it from replayed state, the way a restarted process
// would.
func (h *harness) rebuildMachine(t *testing.T) *cycle.Machine {
	t.Helper()
	ctx := context.Background()

	state, err := cycle.Rebuild(ctx, h.chain)
	require.NoError(t, err)

	trainer := &fakeTrainer{result: cycle.TrainResult{ArtifactHash: "model-xyz", Fidelity: 0.88}}
	analyzer := &fakeAnalyzer{pre: approving(), post: approving()}
	q := quality.NewEvaluator(analyzer, 100*time.Millisecond, 0.7, nil)
	agg, err := review.NewAggregator([]review.Reviewer{
		&fakeReviewer{id: "rev-a", payload: `{"approved": true, "score": 0.9}`},
		&fakeReviewer{id: "rev-b", payload: `{"approved": true, "score": 0.9}`},
	}, 50*time.Millisecond, 2, nil)
	require.NoError(t, err)
	gate, err := approval.NewGate(approval.DefaultConfig())
	require.NoError(t, err)

	m, err := cycle.NewMachine(cycle.Config{
		DatasetDescriptor:   "dataset://control-questions",
		Sizer:               dataset.Sizer{MinSamples: 100, MaxSamples: 1000},
		TrainingTimeout:     time.Second,
		CheckpointPublicKey: h.keys.PublicKey,
	}, h.chain, trainer, q, agg, gate, nil)
	require.NoError(t, err)
	require.NoError(t, m.Restore(state))
	return m
}

func TestRebuildRecoversParkedCycle(t *testing.T) {
	h := newHarness(t)
	c := h.runToPark(t)

	state, err := cycle.Rebuild(context.Background(), h.chain)
	require.NoError(t, err)

	require.NotNil(t, state.Current)
	assert.Equal(t, c.ID, state.Current.ID)
	assert.Equal(t, contracts.StageAwaitingCheckpoint, state.Current.Stage)
	assert.Equal(t, c.ArtifactHash, state.Current.ArtifactHash)
	assert.Equal(t, c.DatasetRange, state.Current.DatasetRange)
	require.NotNil(t, state.Current.PreVerdict)
	require.NotNil(t, state.Current.PostVerdict)
	require.NotNil(t, state.Current.Decision)
	assert.Len(t, state.Current.Reviews, 3)

	// Nothing has been activated, so no sizing prior and no version yet.
	assert.Nil(t, state.LastFidelity)
	assert.Empty(t, state.ModelVersion)
}

func TestRebuildAfterActivation(t *testing.T) {
	h := newHarness(t)
	c := h.runToPark(t)
	ctx := context.Background()

	sig, err := crypto.SignCommitment(contracts.Commitment{
		CycleID:           c.ID,
		ModelArtifactHash: c.ArtifactHash,
		Decision:          "approved",
	}, h.keys.SecretKey)
	require.NoError(t, err)
	require.NoError(t, h.machine.SubmitCheckpoint(ctx, c.ID, sig, h.keys.PublicKey))

	state, err := cycle.Rebuild(ctx, h.chain)
	require.NoError(t, err)

	assert.Nil(t, state.Current, "activated cycle is terminal")
	require.NotNil(t, state.LastFidelity)
	assert.InDelta(t, 0.93, *state.LastFidelity, 1e-9)
	assert.Equal(t, "0.2.0", state.ModelVersion)
}

func TestRebuildIgnoresRejectedCycleFidelity(t *testing.T) {
	// A cycle that trained but was rejected post-train must not seed the
	// sizing prior.
	h := newHarness(t, func(_ *cycle.Config, _ *fakeTrainer, a *fakeAnalyzer, _ *[]review.Reviewer) {
		a.post = contracts.Verdict{Approved: false, Score: 0.2}
	})
	c := h.runToPark(t)
	require.Equal(t, contracts.StageRejected, c.Stage)

	state, err := cycle.Rebuild(context.Background(), h.chain)
	require.NoError(t, err)
	assert.Nil(t, state.Current)
	assert.Nil(t, state.LastFidelity)
}

func TestRestoredMachineContinues(t *testing.T) {
	h := newHarness(t)
	c := h.runToPark(t)
	ctx := context.Background()

	m2 := h.rebuildMachine(t)

	// The restored machine refuses a new cycle while the replayed one is
	// still parked, and accepts the checkpoint for it.
	_, err := m2.Begin(ctx, "manual")
	assert.ErrorIs(t, err, contracts.ErrCycleInProgress)

	sig, err := crypto.SignCommitment(contracts.Commitment{
		CycleID:           c.ID,
		ModelArtifactHash: c.ArtifactHash,
		Decision:          "approved",
	}, h.keys.SecretKey)
	require.NoError(t, err)
	require.NoError(t, m2.SubmitCheckpoint(ctx, c.ID, sig, h.keys.PublicKey))
	assert.Equal(t, "0.2.0", m2.ModelVersion())
}

func TestRestoredVersionAdvancesFromReplay(t *testing.T) {
	h := newHarness(t)
	c := h.runToPark(t)
	ctx := context.Background()

	sig, err := crypto.SignCommitment(contracts.Commitment{
		CycleID:           c.ID,
		ModelArtifactHash: c.ArtifactHash,
		Decision:          "approved",
	}, h.keys.SecretKey)
	require.NoError(t, err)
	require.NoError(t, h.machine.SubmitCheckpoint(ctx, c.ID, sig, h.keys.PublicKey))

	m2 := h.rebuildMachine(t)
	assert.Equal(t, "0.2.0", m2.ModelVersion())

	// Next activation mints 0.3.0, not a replayed duplicate.
	c2, err := m2.Begin(ctx, "scheduled")
	require.NoError(t, err)
	require.NoError(t, m2.Run(ctx))
	got, _ := m2.Get(c2.ID)
	require.Equal(t, contracts.StageAwaitingCheckpoint, got.Stage)

	sig2, err := crypto.SignCommitment(contracts.Commitment{
		CycleID:           c2.ID,
		ModelArtifactHash: got.ArtifactHash,
		Decision:          "approved",
	}, h.keys.SecretKey)
	require.NoError(t, err)
	require.NoError(t, m2.SubmitCheckpoint(ctx, c2.ID, sig2, h.keys.PublicKey))
	assert.Equal(t, "0.3.0", m2.ModelVersion())
}

func TestRebuildRefusesTamperedLedger(t *testing.T) {
	h := newHarness(t)
	h.runToPark(t)

	h.store.Corrupt(3, 0, 'X')

	_, err := cycle.Rebuild(context.Background(), h.chain)
	require.Error(t, err)
	var ierr *chain.IntegrityError
	assert.ErrorAs(t, err, &ierr)
}
