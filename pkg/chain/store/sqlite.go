package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists blocks in a single SQLite table, strictly ordered by
// index. The PRIMARY KEY rejects any attempt to rewrite an existing index.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the database at path and runs the schema migration.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The chain serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	return NewSQLiteStore(db)
}

// DB exposes the underlying connection so other stores can share the same
// database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// NewSQLiteStore wraps an existing connection and runs the schema migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS blocks (
        block_index INTEGER PRIMARY KEY,
        kind TEXT NOT NULL,
        prev_hash TEXT NOT NULL,
        payload_hash TEXT NOT NULL,
        payload BLOB NOT NULL,
        timestamp TEXT NOT NULL,
        hash TEXT NOT NULL,
        signature TEXT NOT NULL DEFAULT '',
        signer TEXT NOT NULL DEFAULT ''
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(ctx context.Context, b *chain.Block) error {
	head, err := s.Len(ctx)
	if err != nil {
		return err
	}
	if b.Index != head+1 {
		return fmt.Errorf("%w: expected index %d, got %d", ErrOutOfOrder, head+1, b.Index)
	}
	query := `INSERT INTO blocks (
		block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		b.Index, b.Kind, b.PrevHash, b.PayloadHash, []byte(b.Payload),
		b.Timestamp.UTC().Format(time.RFC3339Nano), b.Hash, b.Signature, b.Signer,
	)
	if err != nil {
		return fmt.Errorf("insert block %d: %w", b.Index, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, index uint64) (*chain.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks WHERE block_index = ?`, index)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrNotFound, index)
	}
	return b, err
}

func (s *SQLiteStore) Range(ctx context.Context, from, to uint64) ([]*chain.Block, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks WHERE block_index >= ? AND block_index <= ? ORDER BY block_index ASC`, from, to)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*chain.Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Head(ctx context.Context) (*chain.Block, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT block_index, kind, prev_hash, payload_hash, payload, timestamp, hash, signature, signer
		 FROM blocks ORDER BY block_index DESC LIMIT 1`)
	b, err := scanBlock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

func (s *SQLiteStore) Len(ctx context.Context) (uint64, error) {
	var n uint64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBlock(r rowScanner) (*chain.Block, error) {
	var (
		b       chain.Block
		payload []byte
		ts      string
	)
	if err := r.Scan(&b.Index, &b.Kind, &b.PrevHash, &b.PayloadHash, &payload, &ts, &b.Hash, &b.Signature, &b.Signer); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse block timestamp: %w", err)
	}
	b.Payload = payload
	b.Timestamp = t
	return &b, nil
}
