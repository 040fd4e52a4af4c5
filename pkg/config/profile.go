package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Cognate-Labs/aegis/core/pkg/dataset"
)

// Profile is a deployment profile: everything about a deployment's gate
// thresholds, reviewer set, and triggering policy that is data rather than
// code.
type Profile struct {
	Name      string          `yaml:"name" json:"name"`
	Dataset   DatasetConfig   `yaml:"dataset" json:"dataset"`
	Quality   QualityConfig   `yaml:"quality" json:"quality"`
	Review    ReviewConfig    `yaml:"review" json:"review"`
	Approval  ApprovalConfig  `yaml:"approval" json:"approval"`
	Training  TrainingConfig  `yaml:"training" json:"training"`
	Vote      VoteConfig      `yaml:"vote" json:"vote"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// CheckpointTimeoutSeconds optionally bounds AwaitingCheckpoint.
	// Zero leaves it unbounded.
	CheckpointTimeoutSeconds int `yaml:"checkpoint_timeout_seconds,omitempty" json:"checkpoint_timeout_seconds,omitempty"`

	// InitialModelVersion seeds the semver sequence. Defaults to 0.1.0.
	InitialModelVersion string `yaml:"initial_model_version,omitempty" json:"initial_model_version,omitempty"`
}

// DatasetConfig bounds the sizing band arithmetic.
type DatasetConfig struct {
	Descriptor string `yaml:"descriptor" json:"descriptor"`
	MinSamples int    `yaml:"min_samples" json:"min_samples"`
	MaxSamples int    `yaml:"max_samples" json:"max_samples"`
}

// QualityConfig parameterizes the internal pre/post-train gates.
type QualityConfig struct {
	MinScore       float64 `yaml:"min_score" json:"min_score"`
	TimeoutSeconds int     `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ReviewerConfig identifies one external reviewer service.
type ReviewerConfig struct {
	ID  string `yaml:"id" json:"id"`
	URL string `yaml:"url" json:"url"`
}

// ReviewConfig parameterizes the external review round.
type ReviewConfig struct {
	Reviewers      []ReviewerConfig `yaml:"reviewers" json:"reviewers"`
	MinApprovals   int              `yaml:"min_approvals" json:"min_approvals"`
	TimeoutSeconds int              `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// ApprovalConfig parameterizes the double gate.
type ApprovalConfig struct {
	MinTotalApprovals       int    `yaml:"min_total_approvals" json:"min_total_approvals"`
	CountInternal           bool   `yaml:"count_internal" json:"count_internal"`
	RequireExternalConsensus bool  `yaml:"require_external_consensus" json:"require_external_consensus"`
	RejectOnFailedConsensus bool   `yaml:"reject_on_failed_consensus" json:"reject_on_failed_consensus"`
	Policy                  string `yaml:"policy,omitempty" json:"policy,omitempty"`
}

// TrainingConfig bounds the trainer collaborator call.
type TrainingConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// VoteConfig parameterizes the proof-of-work gate.
type VoteConfig struct {
	Difficulty          int `yaml:"difficulty" json:"difficulty"`
	BucketMinutes       int `yaml:"bucket_minutes" json:"bucket_minutes"`
	ReplayHorizonHours  int `yaml:"replay_horizon_hours" json:"replay_horizon_hours"`
	ChallengesPerMinute int `yaml:"challenges_per_minute" json:"challenges_per_minute"`
}

// SchedulerConfig selects the triggering policy.
type SchedulerConfig struct {
	Mode      string `yaml:"mode" json:"mode"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	TriggerAt string `yaml:"trigger_at,omitempty" json:"trigger_at,omitempty"`
}

// LoadProfile reads and validates a profile YAML.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}
	return &p, nil
}

// Validate checks the invariants a profile must hold before any component
// is built from it.
func (p *Profile) Validate() error {
	if p.Dataset.MinSamples <= 0 || p.Dataset.MaxSamples < p.Dataset.MinSamples {
		return fmt.Errorf("dataset sample bounds invalid: min=%d max=%d", p.Dataset.MinSamples, p.Dataset.MaxSamples)
	}
	if p.Quality.MinScore < 0 || p.Quality.MinScore > 1 {
		return fmt.Errorf("quality min_score %v outside [0,1]", p.Quality.MinScore)
	}
	if len(p.Review.Reviewers) == 0 {
		return fmt.Errorf("at least one external reviewer required")
	}
	if p.Review.MinApprovals <= 0 || p.Review.MinApprovals > len(p.Review.Reviewers) {
		return fmt.Errorf("review min_approvals %d invalid for %d reviewers", p.Review.MinApprovals, len(p.Review.Reviewers))
	}
	if p.Approval.MinTotalApprovals <= 0 {
		return fmt.Errorf("approval min_total_approvals must be positive")
	}
	if p.Vote.Difficulty <= 0 || p.Vote.Difficulty > 256 {
		return fmt.Errorf("vote difficulty %d outside (0,256]", p.Vote.Difficulty)
	}
	if p.Scheduler.Mode == "scheduled" && p.Scheduler.TriggerAt == "" {
		return fmt.Errorf("scheduled mode requires trigger_at")
	}
	return nil
}

// Sizer builds the dataset sizer from the configured sample bounds.
func (p *Profile) Sizer() dataset.Sizer {
	return dataset.Sizer{MinSamples: p.Dataset.MinSamples, MaxSamples: p.Dataset.MaxSamples}
}

// QualityTimeout returns the quality gate timeout as a duration.
func (p *Profile) QualityTimeout() time.Duration {
	return time.Duration(p.Quality.TimeoutSeconds) * time.Second
}

// ReviewTimeout returns the per-reviewer timeout as a duration.
func (p *Profile) ReviewTimeout() time.Duration {
	return time.Duration(p.Review.TimeoutSeconds) * time.Second
}

// TrainingTimeout returns the trainer call bound as a duration.
func (p *Profile) TrainingTimeout() time.Duration {
	return time.Duration(p.Training.TimeoutSeconds) * time.Second
}

// CheckpointTimeout returns the optional AwaitingCheckpoint bound; zero
// means unbounded.
func (p *Profile) CheckpointTimeout() time.Duration {
	return time.Duration(p.CheckpointTimeoutSeconds) * time.Second
}
