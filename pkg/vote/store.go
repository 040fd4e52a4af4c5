package vote

import (
	"context"
	"errors"
	"sync"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// ErrDuplicate reports a (voter, question) pair that has already voted.
var ErrDuplicate = errors.New("vote: already recorded for this voter and question")

// Store indexes accepted votes for tallying and is the durable uniqueness
// authority for (voter, question) pairs. The ledger remains the
// authoritative record; the store is a queryable view over it.
type Store interface {
	// Record persists the vote, refusing a second vote for the same
	// (voter, question) pair with ErrDuplicate.
	Record(ctx context.Context, v contracts.Vote) error
	// Discard releases a recorded pair whose ledger append did not commit.
	Discard(ctx context.Context, v contracts.Vote) error
	// ByQuestion returns all recorded votes for one question.
	ByQuestion(ctx context.Context, questionID string) ([]contracts.Vote, error)
}

// MemoryStore keeps votes in process memory.
type MemoryStore struct {
	mu         sync.RWMutex
	byKey      map[string]contracts.Vote
	byQuestion map[string][]contracts.Vote
}

// NewMemoryStore creates an empty in-memory vote store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byKey:      make(map[string]contracts.Vote),
		byQuestion: make(map[string][]contracts.Vote),
	}
}

func (s *MemoryStore) Record(_ context.Context, v contracts.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[v.Key()]; ok {
		return ErrDuplicate
	}
	s.byKey[v.Key()] = v
	s.byQuestion[v.QuestionID] = append(s.byQuestion[v.QuestionID], v)
	return nil
}

func (s *MemoryStore) Discard(_ context.Context, v contracts.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[v.Key()]; !ok {
		return nil
	}
	delete(s.byKey, v.Key())
	votes := s.byQuestion[v.QuestionID]
	for i := range votes {
		if votes[i].VoterID == v.VoterID {
			s.byQuestion[v.QuestionID] = append(votes[:i], votes[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) ByQuestion(_ context.Context, questionID string) ([]contracts.Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]contracts.Vote(nil), s.byQuestion[questionID]...), nil
}
