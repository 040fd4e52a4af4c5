package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/chain/store"
)

func block(index uint64, prev string) *chain.Block {
	return &chain.Block{
		Index:       index,
		Kind:        "stage_transition",
		PrevHash:    prev,
		PayloadHash: "ph",
		Payload:     json.RawMessage(`{"cycle":"c-1"}`),
		Timestamp:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		Hash:        "h" + prev,
	}
}

func TestMemoryStoreAppendGet(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, block(1, chain.GenesisHash)))
	require.NoError(t, s.Append(ctx, block(2, "hgenesis")))

	b, err := s.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Index)

	_, err = s.Get(ctx, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreRejectsOutOfOrder(t *testing.T) {
	s := store.NewMemoryStore()
	err := s.Append(context.Background(), block(5, "x"))
	assert.ErrorIs(t, err, store.ErrOutOfOrder)
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	ctx := context.Background()

	s, err := store.NewFileStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Append(ctx, block(1, chain.GenesisHash)))
	require.NoError(t, s.Append(ctx, block(2, "hgenesis")))
	require.NoError(t, s.Close())

	// Reopen and confirm the persisted tail is visible.
	s2, err := store.NewFileStore(path)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	n, err := s2.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	head, err := s2.Head(ctx)
	require.NoError(t, err)
	require.NotNil(t, head)
	assert.Equal(t, uint64(2), head.Index)

	blocks, err := s2.Range(ctx, 1, 2)
	require.NoError(t, err)
	assert.Len(t, blocks, 2)
}

func TestFileStoreEmptyHead(t *testing.T) {
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "ledger.jsonl"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	head, err := s.Head(context.Background())
	require.NoError(t, err)
	assert.Nil(t, head)
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, block(1, chain.GenesisHash)))
	require.NoError(t, s.Append(ctx, block(2, "hgenesis")))

	b, err := s.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, chain.GenesisHash, b.PrevHash)
	assert.JSONEq(t, `{"cycle":"c-1"}`, string(b.Payload))

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head.Index)

	err = s.Append(ctx, block(7, "x"))
	assert.ErrorIs(t, err, store.ErrOutOfOrder)
}

func TestSQLiteStoreChainIntegration(t *testing.T) {
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer func() { _ = s.Close() }()
	ctx := context.Background()

	c, err := chain.New(ctx, s)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := c.Append(ctx, "stage_transition", map[string]int{"step": i})
		require.NoError(t, err)
	}
	require.NoError(t, c.VerifyAll(ctx))
}
