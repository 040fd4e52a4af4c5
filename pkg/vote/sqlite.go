package vote

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Cognate-Labs/aegis/core/pkg/contracts"
)

// SQLiteStore persists the vote index in the same sqlite database as the
// ledger, so one file carries everything a deployment needs.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the store and runs its migration.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS votes (
	voter_id    TEXT NOT NULL,
	question_id TEXT NOT NULL,
	option      TEXT NOT NULL,
	nonce       TEXT NOT NULL,
	pow_hash    TEXT NOT NULL,
	challenge   TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (voter_id, question_id)
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("vote store: migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Record(ctx context.Context, v contracts.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO votes (voter_id, question_id, option, nonce, pow_hash, challenge, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.VoterID, v.QuestionID, v.Option, v.Nonce, v.PowHash, v.Challenge,
		v.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY") {
			return ErrDuplicate
		}
		return fmt.Errorf("vote store: record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Discard(ctx context.Context, v contracts.Vote) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM votes WHERE voter_id = ? AND question_id = ?`,
		v.VoterID, v.QuestionID,
	)
	if err != nil {
		return fmt.Errorf("vote store: discard: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ByQuestion(ctx context.Context, questionID string) ([]contracts.Vote, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT voter_id, question_id, option, nonce, pow_hash, challenge, recorded_at
		 FROM votes WHERE question_id = ? ORDER BY recorded_at`,
		questionID,
	)
	if err != nil {
		return nil, fmt.Errorf("vote store: query: %w", err)
	}
	defer rows.Close()

	var votes []contracts.Vote
	for rows.Next() {
		var v contracts.Vote
		var ts string
		if err := rows.Scan(&v.VoterID, &v.QuestionID, &v.Option, &v.Nonce, &v.PowHash, &v.Challenge, &ts); err != nil {
			return nil, fmt.Errorf("vote store: scan: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("vote store: timestamp %q: %w", ts, err)
		}
		v.Timestamp = t
		votes = append(votes, v)
	}
	return votes, rows.Err()
}
