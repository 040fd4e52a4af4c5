package vote

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// PostgresStore persists the vote index in the same Postgres database as the
// ledger, for deployments running on DATABASE_URL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the store and runs its migration.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS votes (
	voter_id    TEXT NOT NULL,
	question_id TEXT NOT NULL,
	option      TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	pow_hash    TEXT NOT NULL,
	challenge   TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (voter_id, question_id)
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vote store: migrate: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Record(ctx context.Context, v contracts.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (voter_id, question_id, option, nonce, pow_hash, challenge, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		v.VoterID, v.QuestionID, v.Option, v.Nonce, v.PowHash, v.Challenge, v.Timestamp.UTC(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicate
		}
		return fmt.Errorf("vote store: record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Discard(ctx context.Context, v contracts.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM votes WHERE voter_id = $1 AND question_id = $2`,
		v.VoterID, v.QuestionID,
	)
	if err != nil {
		return fmt.Errorf("vote store: discard: %w", err)
	}
	return nil
}

func (s *PostgresStore) ByQuestion(ctx context.Context, questionID string) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT voter_id, question_id, option, nonce, pow_hash, challenge, recorded_at
		 FROM votes WHERE question_id = $1 ORDER BY recorded_at`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("vote store: query: %w", err)
	}
	defer rows.Close()

	var votes []contracts.Vote
	for rows.Next() {
		var (
			v  contracts.Vote
			ts time.Time
		)
		if err := rows.Scan(&v.VoterID, &v.QuestionID, &v.Option, &v.Nonce, &v.PowHash, &v.Challenge, &ts); err != nil {
			return nil, fmt.Errorf("vote store: scan: %w", err)
		}
		v.Timestamp = ts
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
