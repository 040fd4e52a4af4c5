// Package contracts defines the immutable record types shared across the
// autonomy core: cycle stages, verdicts, ledger event payloads, checkpoint
// commitments, and votes. These records cross package boundaries and are
// serialized into the ledger, so their field sets are append-only.
package contracts

import (
	"time"
)

// Stage is one node in the fixed cycle transition graph.
type Stage string

const (
	StageIdle               Stage = "IDLE"
	StageDatasetSizing      Stage = "DATASET_SIZING"
	StagePreTrainGate       Stage = "PRE_TRAIN_GATE"
	StageTraining           Stage = "TRAINING"
	StagePostTrainGate      Stage = "POST_TRAIN_GATE"
	StageExternalReview     Stage = "EXTERNAL_REVIEW"
	StageApprovalDecision   Stage = "APPROVAL_DECISION"
	StageAwaitingCheckpoint Stage = "AWAITING_CHECKPOINT"
	StageActivated          Stage = "ACTIVATED"
	StageRejected           Stage = "REJECTED"
	StageFailed             Stage = "FAILED"
)

// Terminal reports whether a cycle in this stage is finished.
// Terminal cycles are immutable and remain in history for audit.
func (s Stage) Terminal() bool {
	return s == StageActivated || s == StageRejected || s == StageFailed
}

// SourceInternal identifies the in-house quality gate as a verdict source,
// as opposed to one of the configured external reviewer identities.
const SourceInternal = "internal"

// Verdict is a single opinion about model or dataset quality.
type Verdict struct {
	Source    string    `json:"source"`
	Approved  bool      `json:"approved"`
	Score     float64   `json:"score"`
	Rationale string    `json:"rationale,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Decision is the computed approval outcome of a cycle.
type Decision struct {
	Approved  bool   `json:"approved"`
	Approvals int    `json:"approvals"`
	Sources   int    `json:"sources"`
	Rationale string `json:"rationale,omitempty"`
}

// Commitment binds a checkpoint signature to one specific cycle outcome.
// Signing anything less than the full tuple would let a stale signature be
// replayed against a different cycle, so the canonical encoding covers all
// three fields.
type Commitment struct {
	CycleID           string `json:"cycle_id"`
	ModelArtifactHash string `json:"model_artifact_hash"`
	Decision          string `json:"decision"`
}

// Event kinds recorded on the ledger.
const (
	EventStageTransition    = "stage_transition"
	EventCheckpointApproval = "checkpoint_approval"
	EventVote               = "vote"
	EventAbort              = "abort"
)

// StageTransition is the ledger payload written for every cycle stage change,
// regardless of outcome. It carries enough of the cycle's in-progress fields
// that the current cycle can be rebuilt by replaying the ledger.
type StageTransition struct {
	CycleID      string     `json:"cycle_id"`
	From         Stage      `json:"from"`
	To           Stage      `json:"to"`
	Trigger      string     `json:"trigger,omitempty"`
	DatasetMin   int        `json:"dataset_min,omitempty"`
	DatasetMax   int        `json:"dataset_max,omitempty"`
	Verdict      *Verdict   `json:"verdict,omitempty"`
	Reviews      []Verdict  `json:"reviews,omitempty"`
	Decision     *Decision  `json:"decision,omitempty"`
	ArtifactHash string     `json:"artifact_hash,omitempty"`
	Fidelity     float64    `json:"fidelity,omitempty"`
	ModelVersion string     `json:"model_version,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Vote is one community ballot on a control question, gated by proof-of-work.
type Vote struct {
	QuestionID string    `json:"question_id"`
	VoterID    string    `json:"voter_id"`
	Option     string    `json:"option"`
	Nonce      string    `json:"nonce"`
	PowHash    string    `json:"pow_hash"`
	Challenge  string    `json:"challenge"`
	Timestamp  time.Time `json:"timestamp"`
}

// Key returns the replay-protection key for the vote. A given
// (voter, question) pair may be recorded at most once.
func (v Vote) Key() string {
	return v.VoterID + "/" + v.QuestionID
}
