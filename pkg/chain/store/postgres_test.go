package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/Cognate-Labs/aegis/core/pkg/chain"
)

func TestPostgresStore_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	ctx := context.Background()
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	b := &chain.Block{
		Index:       1,
		Kind:        "stage_transition",
		PrevHash:    chain.GenesisHash,
		PayloadHash: "ph",
		Payload:     json.RawMessage(`{"cycle":"c-1"}`),
		Timestamp:   ts,
		Hash:        "h1",
	}

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO blocks").
		WithArgs(b.Index, b.Kind, b.PrevHash, b.PayloadHash, []byte(b.Payload), ts, b.Hash, "", "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Append(ctx, b); err != nil {
		t.Errorf("error was not expected while appending block: %s", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %s", err)
	}
}

func TestPostgresStore_Head(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	ts := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"block_index", "kind", "prev_hash", "payload_hash", "payload", "timestamp", "hash", "signature", "signer",
	}).AddRow(3, "vote", "h2", "ph3", []byte(`{}`), ts, "h3", "", "")
	mock.ExpectQuery("SELECT block_index").WillReturnRows(rows)

	head, err := s.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if head == nil || head.Index != 3 {
		t.Fatalf("expected head index 3, got %+v", head)
	}
}

func TestPostgresStore_HeadEmpty(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("an error '%s' was not expected when opening a stub database connection", err)
	}
	defer func() { _ = db.Close() }()

	s := NewPostgresStore(db)
	mock.ExpectQuery("SELECT block_index").
		WillReturnRows(sqlmock.NewRows([]string{
			"block_index", "kind", "prev_hash", "payload_hash", "payload", "timestamp", "hash", "signature", "signer",
		}))

	head, err := s.Head(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
	if head != nil {
		t.Fatalf("expected nil head on empty store, got %+v", head)
	}
}
