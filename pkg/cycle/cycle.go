// Package cycle owns the training-cycle lifecycle: the Cycle record, the
// state machine that sequences gates and approvals, and ledger replay. A
// cycle advances through a fixed transition graph; every transition is
// committed to the hash-chained ledger before the in-memory stage moves, so
// the ledger write is the point of commitment.
package cycle

import (
	"context"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
)

// Cycle is one training-and-approval attempt. It is mutated only by the
// Machine and becomes immutable once it reaches a terminal stage. Terminal
// cycles are never deleted; they remain in history for audit.
type Cycle struct {
	ID        string          `json:"id"`
	Stage     contracts.Stage `json:"stage"`
	Trigger   string          `json:"trigger"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	DatasetRange dataset.Range        `json:"dataset_range"`
	PreVerdict   *contracts.Verdict   `json:"pre_verdict,omitempty"`
	PostVerdict  *contracts.Verdict   `json:"post_verdict,omitempty"`
	Reviews      []contracts.Verdict  `json:"reviews,omitempty"`
	Decision     *contracts.Decision  `json:"decision,omitempty"`

	ArtifactHash string  `json:"artifact_hash,omitempty"`
	Fidelity     float64 `json:"fidelity,omitempty"`
	ModelVersion string  `json:"model_version,omitempty"`
	FailReason   string  `json:"fail_reason,omitempty"`
}

// TrainResult is what the external trainer collaborator reports back.
type TrainResult struct {
	ArtifactHash string  `json:"artifact_hash"`
	Fidelity     float64 `json:"fidelity"`
}

// Trainer is the external model-training collaborator. Training has no
// partial-success meaning: a timeout or error fails the cycle.
type Trainer interface {
	Train(ctx context.Context, datasetDescriptor string, size dataset.Range) (TrainResult, error)
}

// stageGraph is the fixed directed transition graph. No stage may be
// skipped or revisited; the only backward-free exits are the quality exits
// into Rejected and the abort/timeout exits into Failed.
var stageGraph = map[contracts.Stage][]contracts.Stage{
	contracts.StageIdle:               {contracts.StageDatasetSizing, contracts.StageFailed},
	contracts.StageDatasetSizing:      {contracts.StagePreTrainGate, contracts.StageFailed},
	contracts.StagePreTrainGate:       {contracts.StageTraining, contracts.StageRejected, contracts.StageFailed},
	contracts.StageTraining:           {contracts.StagePostTrainGate, contracts.StageFailed},
	contracts.StagePostTrainGate:      {contracts.StageExternalReview, contracts.StageRejected, contracts.StageFailed},
	contracts.StageExternalReview:     {contracts.StageApprovalDecision, contracts.StageRejected, contracts.StageFailed},
	contracts.StageApprovalDecision:   {contracts.StageAwaitingCheckpoint, contracts.StageRejected, contracts.StageFailed},
	contracts.StageAwaitingCheckpoint: {contracts.StageActivated, contracts.StageFailed},
}

// ValidTransition reports whether from -> to is an edge of the graph.
func ValidTransition(from, to contracts.Stage) bool {
	for _, next := range stageGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// clone returns a copy safe to hand to callers outside the machine's lock.
func (c *Cycle) clone() *Cycle {
	cp := *c
	if c.PreVerdict != nil {
		v := *c.PreVerdict
		cp.PreVerdict = &v
	}
	if c.PostVerdict != nil {
		v := *c.PostVerdict
		cp.PostVerdict = &v
	}
	if c.Decision != nil {
		d := *c.Decision
		cp.Decision = &d
	}
	cp.Reviews = append([]contracts.Verdict(nil), c.Reviews...)
	return &cp
}
