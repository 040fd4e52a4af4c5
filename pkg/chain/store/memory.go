package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
)

// MemoryStore keeps blocks in a slice. Blocks are copied on the way in and
// out so callers cannot mutate stored state.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks []chain.Block
}

// NewMemoryStore creates an empty in-memory block store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.blocks)) + 1; b.Index != want {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, want, b.Index)
	}
	s.blocks = append(s.blocks, *b)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, index uint64) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index == 0 || index > uint64(len(s.blocks)) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	b := s.blocks[index-1]
	return &b, nil
}

func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if to > uint64(len(s.blocks)) {
		to = uint64(len(s.blocks))
	}
	var out []*chain.Block
	for i := from; i <= to; i++ {
		b := s.blocks[i-1]
		out = append(out, &b)
	}
	return out, nil
}

func (s *MemoryStore) Head(_ context.Context) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	b := s.blocks[len(s.blocks)-1]
	return &b, nil
}

func (s *MemoryStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}

// Corrupt overwrites one byte of a stored block's payload. Test hook for
// integrity verification; not part of the BlockStore contract.
func (s *MemoryStore) Corrupt(index uint64, offset int, value byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index == 0 || index > uint64(len(s.blocks)) {
		return fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	payload := s.blocks[index-1].Payload
	if offset < 0 || offset >= len(payload) {
		return fmt.Errorf("offset %d out of payload bounds", offset)
	}
	payload[offset] = value
	return nil
}
