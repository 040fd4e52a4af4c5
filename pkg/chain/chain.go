// Package chain implements the tamper-evident approval ledger: an
// append-only sequence of hash-linked blocks persisted through an injected
// store. Append is the sole mutation; a single serialized writer assigns
// indices so linkage never races. Any party holding the blocks can re-verify
// the whole chain offline.
package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/canonicalize"
)

// GenesisHash is the fixed prev-hash constant of the first block.
const GenesisHash = "genesis"

// Block is one immutable entry in the ledger.
type Block struct {
	Index       uint64          `json:"index"`
	Kind        string          `json:"kind"`
	PrevHash    string          `json:"prev_hash"`
	PayloadHash string          `json:"payload_hash"`
	Payload     json.RawMessage `json:"payload"`
	Timestamp   time.Time       `json:"timestamp"`
	Hash        string          `json:"hash"`

	// Signature and Signer are set only on golden-checkpoint blocks.
	Signature string `json:"signature,omitempty"`
	Signer    string `json:"signer,omitempty"`
}

// DecodePayload unmarshals the block payload into v.
func (b *Block) DecodePayload(v any) error {
	return json.Unmarshal(b.Payload, v)
}

// BlockStore is the abstract append-only persistence the chain writes
// through. Implementations live in chain/store.
type BlockStore interface {
	Append(ctx context.Context, b *Block) error
	Get(ctx context.Context, index uint64) (*Block, error)
	Range(ctx context.Context, from, to uint64) ([]*Block, error)
	Head(ctx context.Context) (*Block, error)
	Len(ctx context.Context) (uint64, error)
}

// IntegrityError reports the first divergent index found during
// verification. It is fatal: no further appends should be trusted until the
// divergence is investigated.
type IntegrityError struct {
	Index  uint64
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity violation at block %d: %s", e.Index, e.Reason)
}

// Chain is the single authoritative ledger writer.
type Chain struct {
	mu    sync.Mutex
	store BlockStore
	head  *Block
	clock func() time.Time
}

// New creates a chain over the given store, loading the current head so
// appends resume from the persisted tail.
func New(ctx context.Context, store BlockStore) (*Chain, error) {
	head, err := store.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain: load head: %w", err)
	}
	return &Chain{store: store, head: head, clock: time.Now}, nil
}

// WithClock overrides the clock for testing.
func (c *Chain) WithClock(clock func() time.Time) *Chain {
	c.clock = clock
	return c
}

// Append canonicalizes payload, links it to the current head, persists the
// block, and only then advances the in-memory head. The store write is the
// point of commitment: a caller must not consider its own state advanced
// until Append returns.
func (c *Chain) Append(ctx context.Context, kind string, payload any) (*Block, error) {
	return c.AppendSigned(ctx, kind, payload, "", "")
}

// AppendSigned appends a block carrying a detached signature. Used for
// golden-checkpoint blocks; all other callers go through Append.
func (c *Chain) AppendSigned(ctx context.Context, kind string, payload any, signature, signer string) (*Block, error) {
	raw, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("chain: canonicalize payload: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var index uint64 = 1
	prevHash := GenesisHash
	if c.head != nil {
		index = c.head.Index + 1
		prevHash = c.head.Hash
	}

	b := &Block{
		Index:       index,
		Kind:        kind,
		PrevHash:    prevHash,
		PayloadHash: canonicalize.HashBytes(raw),
		Payload:     raw,
		Timestamp:   c.clock().UTC(),
		Signature:   signature,
		Signer:      signer,
	}
	b.Hash = blockHash(b)

	if err := c.store.Append(ctx, b); err != nil {
		return nil, fmt.Errorf("chain: persist block %d: %w", index, err)
	}
	c.head = b
	return b, nil
}

// Head returns the most recently committed block, or nil on an empty chain.
func (c *Chain) Head() *Block {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// Len returns the number of committed blocks.
func (c *Chain) Len(ctx context.Context) (uint64, error) {
	return c.store.Len(ctx)
}

// Get retrieves one block by index.
func (c *Chain) Get(ctx context.Context, index uint64) (*Block, error) {
	return c.store.Get(ctx, index)
}

// Range returns blocks with index in [from, to]. Blocks are immutable once
// written, so reads take no lock.
func (c *Chain) Range(ctx context.Context, from, to uint64) ([]*Block, error) {
	return c.store.Range(ctx, from, to)
}

// Verify recomputes payload hashes, block hashes, and linkage across
// [from, to] and returns an IntegrityError naming the first divergent index.
func (c *Chain) Verify(ctx context.Context, from, to uint64) error {
	blocks, err := c.store.Range(ctx, from, to)
	if err != nil {
		return fmt.Errorf("chain: read range: %w", err)
	}

	var prevHash string
	if from <= 1 {
		prevHash = GenesisHash
	} else {
		prev, err := c.store.Get(ctx, from-1)
		if err != nil {
			return fmt.Errorf("chain: read block %d: %w", from-1, err)
		}
		prevHash = prev.Hash
	}

	expect := from
	for _, b := range blocks {
		if b.Index != expect {
			return &IntegrityError{Index: expect, Reason: fmt.Sprintf("missing block, found index %d", b.Index)}
		}
		if b.PrevHash != prevHash {
			return &IntegrityError{Index: b.Index, Reason: fmt.Sprintf("prev hash mismatch: expected %s, got %s", prevHash, b.PrevHash)}
		}
		if got := canonicalize.HashBytes(b.Payload); got != b.PayloadHash {
			return &IntegrityError{Index: b.Index, Reason: "payload hash mismatch"}
		}
		if got := blockHash(b); got != b.Hash {
			return &IntegrityError{Index: b.Index, Reason: "block hash mismatch"}
		}
		prevHash = b.Hash
		expect++
	}
	return nil
}

// VerifyAll verifies the entire chain.
func (c *Chain) VerifyAll(ctx context.Context) error {
	n, err := c.store.Len(ctx)
	if err != nil {
		return fmt.Errorf("chain: read length: %w", err)
	}
	if n == 0 {
		return nil
	}
	return c.Verify(ctx, 1, n)
}

// blockHash covers every field except the hash itself and the detached
// signature. The signature is excluded so a signer can sign the commitment
// before the block exists; tampering with it is still detected because the
// checkpoint payload it signs is hash-covered.
func blockHash(b *Block) string {
	input := struct {
		Index       uint64 `json:"index"`
		Kind        string `json:"kind"`
		PrevHash    string `json:"prev_hash"`
		PayloadHash string `json:"payload_hash"`
		Timestamp   string `json:"timestamp"`
	}{b.Index, b.Kind, b.PrevHash, b.PayloadHash, b.Timestamp.Format(time.RFC3339Nano)}

	raw, err := canonicalize.JCS(input)
	if err != nil {
		// The input is a fixed flat struct; canonicalization cannot fail.
		panic(fmt.Sprintf("chain: block hash input not canonicalizable: %v", err))
	}
	return canonicalize.HashBytes(raw)
}
