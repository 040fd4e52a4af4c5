package chain_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
	"github.com/Cognate-Labs/aegis/core/pkg/chain/store"
)

type event struct {
	Cycle string `json:"cycle"`
	Note  string `json:"note"`
}

func newChain(t *testing.T) (*chain.Chain, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	c, err := chain.New(context.Background(), s)
	require.NoError(t, err)
	return c, s
}

func TestAppendLinksBlocks(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()

	b1, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: "start"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), b1.Index)
	assert.Equal(t, chain.GenesisHash, b1.PrevHash)

	b2, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: "next"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b2.Index)
	assert.Equal(t, b1.Hash, b2.PrevHash)
	assert.Equal(t, b2, c.Head())
}

func TestVerifyCleanChain(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, c.VerifyAll(ctx))
}

func TestVerifyEmptyChain(t *testing.T) {
	c, _ := newChain(t)
	require.NoError(t, c.VerifyAll(context.Background()))
}

func TestVerifyDetectsPayloadMutation(t *testing.T) {
	c, s := newChain(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Corrupt(3, 5, 'X'))

	err := c.VerifyAll(ctx)
	require.Error(t, err)
	var ierr *chain.IntegrityError
	require.True(t, errors.As(err, &ierr))
	assert.Equal(t, uint64(3), ierr.Index)
}

func TestVerifyReportsFirstDivergence(t *testing.T) {
	c, s := newChain(t)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
	}

	require.NoError(t, s.Corrupt(5, 0, '?'))
	require.NoError(t, s.Corrupt(2, 0, '?'))

	var ierr *chain.IntegrityError
	require.True(t, errors.As(c.VerifyAll(ctx), &ierr))
	assert.Equal(t, uint64(2), ierr.Index)
}

func TestVerifySubrange(t *testing.T) {
	c, s := newChain(t)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := c.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: fmt.Sprintf("step-%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, c.Verify(ctx, 4, 8))

	require.NoError(t, s.Corrupt(6, 1, '~'))
	var ierr *chain.IntegrityError
	require.True(t, errors.As(c.Verify(ctx, 4, 8), &ierr))
	assert.Equal(t, uint64(6), ierr.Index)
}

func TestSignedBlockCarriesSignature(t *testing.T) {
	c, _ := newChain(t)
	b, err := c.AppendSigned(context.Background(), "checkpoint_approval",
		event{Cycle: "c-1", Note: "approved"}, "deadbeef", "ab12")
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", b.Signature)
	assert.Equal(t, "ab12", b.Signer)
	require.NoError(t, c.VerifyAll(context.Background()))
}

func TestConcurrentAppendsDoNotRace(t *testing.T) {
	c, _ := newChain(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := c.Append(ctx, "vote", event{Cycle: "q-1", Note: fmt.Sprintf("voter-%d", n)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	n, err := c.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), n)
	require.NoError(t, c.VerifyAll(ctx))
}

func TestReopenResumesFromHead(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	c1, err := chain.New(ctx, s)
	require.NoError(t, err)
	_, err = c1.Append(ctx, "stage_transition", event{Cycle: "c-1"})
	require.NoError(t, err)

	c2, err := chain.New(ctx, s)
	require.NoError(t, err)
	b, err := c2.Append(ctx, "stage_transition", event{Cycle: "c-1", Note: "resumed"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Index)
	require.NoError(t, c2.VerifyAll(ctx))
}

func TestClockInjection(t *testing.T) {
	c, _ := newChain(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c.WithClock(func() time.Time { return fixed })

	b, err := c.Append(context.Background(), "stage_transition", event{Cycle: "c-1"})
	require.NoError(t, err)
	assert.Equal(t, fixed, b.Timestamp)
}
