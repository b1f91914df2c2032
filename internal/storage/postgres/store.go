// Package postgres implements storage.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/internal/storage"
	"github.com/R3E-Network/raffle/internal/storage/migrations"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn and applies migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveSnapshot(ctx context.Context, snap raffle.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO raffle_state (id, snapshot, updated_at)
		VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = EXCLUDED.updated_at
	`, raw, time.Now().UTC())
	return err
}

func (s *Store) LoadSnapshot(ctx context.Context) (raffle.Snapshot, error) {
	var raw []byte
	err := s.db.GetContext(ctx, &raw, `SELECT snapshot FROM raffle_state WHERE id = 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return raffle.Snapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return raffle.Snapshot{}, err
	}
	var snap raffle.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return raffle.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

type roundRow struct {
	Round       int64     `db:"round"`
	RequestID   string    `db:"request_id"`
	Winner      string    `db:"winner"`
	Amount      int64     `db:"amount"`
	Players     int       `db:"players"`
	RandomValue string    `db:"random_value"`
	FinalizedAt time.Time `db:"finalized_at"`
}

func (s *Store) RecordRound(ctx context.Context, rec storage.RoundRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO raffle_rounds (round, request_id, winner, amount, players, random_value, finalized_at)
		VALUES (:round, :request_id, :winner, :amount, :players, :random_value, :finalized_at)
		ON CONFLICT (round) DO NOTHING
	`, roundRow{
		Round:       int64(rec.Round),
		RequestID:   string(rec.RequestID),
		Winner:      string(rec.Winner),
		Amount:      rec.Amount,
		Players:     rec.Players,
		RandomValue: rec.RandomValue,
		FinalizedAt: rec.FinalizedAt.UTC(),
	})
	return err
}

func (s *Store) ListRounds(ctx context.Context, limit int) ([]storage.RoundRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []roundRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT round, request_id, winner, amount, players, random_value, finalized_at
		FROM raffle_rounds
		ORDER BY round DESC
		LIMIT $1
	`, limit); err != nil {
		return nil, err
	}
	out := make([]storage.RoundRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.RoundRecord{
			Round:       uint64(r.Round),
			RequestID:   raffle.RequestID(r.RequestID),
			Winner:      raffle.Participant(r.Winner),
			Amount:      r.Amount,
			Players:     r.Players,
			RandomValue: r.RandomValue,
			FinalizedAt: r.FinalizedAt,
		})
	}
	return out, nil
}
