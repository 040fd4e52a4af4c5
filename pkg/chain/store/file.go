package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
)

// FileStore persists blocks as one JSON document per line in an append-only
// file, fsynced on every append. It keeps the full block list in memory;
// the file is the durability layer, not the read path.
type FileStore struct {
	mu     sync.RWMutex
	path   string
	file   *os.File
	blocks []chain.Block
}

// NewFileStore opens (or creates) the ledger file at path and loads any
// existing blocks.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.load(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	s.file = f
	return s, nil
}

func (s *FileStore) load() error {
	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var b chain.Block
		if err := json.Unmarshal(scanner.Bytes(), &b); err != nil {
			return fmt.Errorf("ledger file line %d: %w", line, err)
		}
		if want := uint64(len(s.blocks)) + 1; b.Index != want {
			return fmt.Errorf("ledger file line %d: %w: expected index %d, got %d", line, ErrOutOfOrder, want, b.Index)
		}
		s.blocks = append(s.blocks, b)
	}
	return scanner.Err()
}

// Close releases the underlying file handle.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *FileStore) Append(_ context.Context, b *chain.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if want := uint64(len(s.blocks)) + 1; b.Index != want {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, want, b.Index)
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	if _, err := s.file.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write block: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync ledger file: %w", err)
	}
	s.blocks = append(s.blocks, *b)
	return nil
}

func (s *FileStore) Get(_ context.Context, index uint64) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index == 0 || index > uint64(len(s.blocks)) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	b := s.blocks[index-1]
	return &b, nil
}

func (s *FileStore) Range(_ context.Context, from, to uint64) ([]*chain.Block, error) {
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

func (s *FileStore) Head(_ context.Context) (*chain.Block, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.blocks) == 0 {
		return nil, nil
	}
	b := s.blocks[len(s.blocks)-1]
	return &b, nil
}

func (s *FileStore) Len(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.blocks)), nil
}
