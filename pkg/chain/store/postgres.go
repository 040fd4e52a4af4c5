package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"

	_ "github.com/lib/pq"
)

// PostgresStore is the durable SQL backend for shared deployments. Schema
// mirrors the SQLite store; placeholders follow Postgres conventions.
type PostgresStore struct {
	db *sql.DB
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS blocks (
	block_index BIGINT PRIMARY KEY,
	kind TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	payload BYTEA NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	hash TEXT NOT NULL,
	signature TEXT NOT NULL DEFAULT '',
	signer TEXT NOT NULL DEFAULT ''
);
`

// NewPostgresStore wraps an existing connection. Call Init before use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the blocks table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgSchema)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, b *chain.Block) error {
	head, err := s.Len(ctx)
	if err != nil {
		return err
	}
	if b.Index != head+1 {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, head+1, b.Index)
	}
	query := `INSERT INTO blocks (
		block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.db.ExecContext(ctx, query,
		b.Index, b.Kind, b.PrevHash, b.PayloadHash, []byte(b.Payload),
		b.Timestamp.UTC(), b.Hash, b.Signature, b.Signer,
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, index uint64) (*chain.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks WHERE block_index = $1`, index)
	b, err := scanPgBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return b, err
}

func (s *PostgresStore) Range(ctx context.Context, from, to uint64) ([]*chain.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks WHERE block_index >= $1 AND block_index <= $2 ORDER BY block_index ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*chain.Block
	for rows.Next() {
		b, err := scanPgBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Head(ctx context.Context) (*chain.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks ORDER BY block_index DESC LIMIT 1`)
	b, err := scanPgBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *PostgresStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

func scanPgBlock(r rowScanner) (*chain.Block, error) {
	var (
		b       chain.Block
		payload []byte
	)
	if err := r.Scan(&b.Index, &b.Kind, &b.PrevHash, &b.PayloadHash, &payload, &b.Timestamp, &b.Hash, &b.Signature, &b.Signer); err != nil {
		return nil, err
	}
	b.Payload = payload
	return &b, nil
}
