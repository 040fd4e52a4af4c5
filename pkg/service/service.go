package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/crypto"
	"github.com/Cognate-Labs/aegis/core/pkg/cycle"
	"github.com/Cognate-Labs/aegis/core/pkg/scheduler"
	"github.com/Cognate-Labs/aegis/core/pkg/vote"
)

// Service is the facade over the core: everything a calling surface may do
// goes through here.
type Service struct {
	machine *cycle.Machine
	sched   *scheduler.Scheduler
	votes   *vote.Submitter
	chain   *chain.Chain
	logger  *slog.Logger
}

// New wires the facade.
func New(machine *cycle.Machine, sched *scheduler.Scheduler, votes *vote.Submitter, ch *chain.Chain, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{machine: machine, sched: sched, votes: votes, chain: ch, logger: logger}
}

// TriggerCycle starts a cycle through the scheduler, which owns the master
// enable flag and launches the run.
func (s *Service) TriggerCycle(ctx context.Context, mode scheduler.Mode) (*cycle.Cycle, error) {
	return s.sched.Trigger(ctx, mode)
}

// CurrentCycle returns the most recent cycle, or nil before the first
// trigger.
func (s *Service) CurrentCycle() *cycle.Cycle {
	return s.machine.Current()
}

// GetCycle returns one cycle by id.
func (s *Service) GetCycle(id string) (*cycle.Cycle, bool) {
	return s.machine.Get(id)
}

// CycleHistory returns all cycles, oldest first.
func (s *Service) CycleHistory() []*cycle.Cycle {
	return s.machine.History()
}

// AbortCycle moves the in-flight cycle to Failed on operator action.
func (s *Service) AbortCycle(ctx context.Context, reason string) error {
	if reason == "" {
		reason = "operator abort"
	}
	return s.machine.Abort(ctx, reason)
}

// SubmitCheckpoint applies a human checkpoint signature to the parked cycle.
func (s *Service) SubmitCheckpoint(ctx context.Context, cycleID, signature, publicKey string) error {
	return s.machine.SubmitCheckpoint(ctx, cycleID, signature, publicKey)
}

// GenerateKeypair mints a fresh signing keypair. The secret key crosses
// this boundary exactly once and is never persisted.
func (s *Service) GenerateKeypair() (*crypto.Keypair, error) {
	return crypto.GenerateKeypair()
}

// IssueChallenge returns the proof-of-work challenge for one voter and
// question.
func (s *Service) IssueChallenge(ctx context.Context, voterID, questionID string) (string, error) {
	return s.votes.Challenge(ctx, voterID, questionID)
}

// SubmitVote runs the vote acceptance flow.
func (s *Service) SubmitVote(ctx context.Context, v contracts.Vote) error {
	return s.votes.Submit(ctx, v)
}

// TallyVotes counts recorded votes per option for one question.
func (s *Service) TallyVotes(ctx context.Context, questionID string) (map[string]int, error) {
	return s.votes.Tally(ctx, questionID)
}

// LedgerStatus reports the chain length and head hash after a full
// verification pass.
type LedgerStatus struct {
	Length uint64 `json:"length"`
	Head   string `json:"head,omitempty"`
	Intact bool   `json:"intact"`
	Fault  string `json:"fault,omitempty"`
}

// VerifyLedger re-verifies the whole chain. A verification failure is
// reported, not returned as an error: the caller asked a question and got
// an answer.
func (s *Service) VerifyLedger(ctx context.Context) (LedgerStatus, error) {
	n, err := s.chain.Len(ctx)
	if err != nil {
		return LedgerStatus{}, fmt.Errorf("ledger length: %w", err)
	}
	status := LedgerStatus{Length: n, Intact: true}
	if head := s.chain.Head(); head != nil {
		status.Head = head.Hash
	}
	if err := s.chain.VerifyAll(ctx); err != nil {
		status.Intact = false
		status.Fault = err.Error()
		s.logger.Error("ledger verification failed", "error", err)
	}
	return status, nil
}

// LedgerBlocks returns blocks with index in [from, to].
func (s *Service) LedgerBlocks(ctx context.Context, from, to uint64) ([]*chain.Block, error) {
	return s.chain.Range(ctx, from, to)
}

// ModelVersion returns the currently active model version.
func (s *Service) ModelVersion() string {
	return s.machine.ModelVersion()
}
