// Package vote accepts community ballots on control questions. Every
// accepted vote clears three hurdles in order: payload validation, the
// proof-of-work gate, and the one-vote-per-voter-per-question store check.
// Only then does it reach the ledger; a vote that is on the chain is by
// construction one that did the work.
package vote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
	"github.com/Cognate-Labs/aegis/core/pkg/pow"
)

// Submitter runs the vote acceptance flow.
type Submitter struct {
	gate   *pow.Gate
	store  Store
	chain  *chain.Chain
	logger *slog.Logger
	clock  func() time.Time
}

// NewSubmitter wires the flow. The chain is shared with the cycle state
// machine; its internal serialization keeps vote blocks and stage blocks
// from racing.
func NewSubmitter(gate *pow.Gate, store Store, ch *chain.Chain, logger *slog.Logger) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{gate: gate, store: store, chain: ch, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *Submitter) WithClock(clock func() time.Time) *Submitter {
	s.clock = clock
	return s
}

// Challenge issues the proof-of-work challenge a voter must solve for one
// question.
func (s *Submitter) Challenge(ctx context.Context, voterID, questionID string) (string, error) {
	return s.gate.IssueChallenge(ctx, voterID, questionID)
}

// Submit validates, work-checks, records, and chains one vote. Rejections
// leave no trace on the ledger or the store.
func (s *Submitter) Submit(ctx context.Context, v contracts.Vote) error {
	if v.VoterID == "" || v.QuestionID == "" || v.Option == "" {
		return fmt.Errorf("%w: voter id, question id, and option required", contracts.ErrValidation)
	}
	if err := s.gate.Verify(ctx, v); err != nil {
		return err
	}

	// The store's uniqueness constraint is the atomic claim on the pair;
	// the gate's replay cache is a fast path in front of it.
	v.Timestamp = s.clock().UTC()
	if err := s.store.Record(ctx, v); err != nil {
		if errors.Is(err, ErrDuplicate) {
			return fmt.Errorf("%w: vote already recorded", pow.ErrReplay)
		}
		return err
	}

	// The ledger append is the commit point. If it does not commit, release
	// the claim so the voter can retry the same solution.
	if _, err := s.chain.Append(ctx, contracts.EventVote, v); err != nil {
		if derr := s.store.Discard(ctx, v); derr != nil {
			s.logger.Error("vote discard after failed append", "question", v.QuestionID, "voter", v.VoterID, "error", derr)
		}
		return fmt.Errorf("chain vote: %w", err)
	}

	// Burn the replay slot only once the vote is on the chain. A mark
	// failure is tolerable: the store still refuses the pair.
	if err := s.gate.MarkSeen(ctx, v); err != nil {
		s.logger.Warn("replay cache mark failed", "question", v.QuestionID, "voter", v.VoterID, "error", err)
	}
	s.logger.Info("vote recorded", "question", v.QuestionID, "voter", v.VoterID)
	return nil
}

// Tally counts recorded votes per option for one question.
func (s *Submitter) Tally(ctx context.Context, questionID string) (map[string]int, error) {
	votes, err := s.store.ByQuestion(ctx, questionID)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, 4)
	for _, v := range votes {
		counts[v.Option]++
	}
	return counts, nil
}
