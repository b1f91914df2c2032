// Package storage persists raffle state and finalized rounds.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/R3E-Network/raffle/internal/raffle"
)

// ErrNotFound is returned when no snapshot has been saved yet.
var ErrNotFound = errors.New("not found")

// RoundRecord is the history entry written when a round is paid out.
type RoundRecord struct {
	Round       uint64             `json:"round" db:"round"`
	RequestID   raffle.RequestID   `json:"request_id" db:"request_id"`
	Winner      raffle.Participant `json:"winner" db:"winner"`
	Amount      int64              `json:"amount" db:"amount"`
	Players     int                `json:"players" db:"players"`
	RandomValue string             `json:"random_value" db:"random_value"`
	FinalizedAt time.Time          `json:"finalized_at" db:"finalized_at"`
}

// SnapshotStore keeps the latest machine snapshot.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap raffle.Snapshot) error
	LoadSnapshot(ctx context.Context) (raffle.Snapshot, error)
}

// RoundStore keeps the history of finalized rounds.
type RoundStore interface {
	RecordRound(ctx context.Context, rec RoundRecord) error
	// ListRounds returns up to limit rounds, newest first.
	ListRounds(ctx context.Context, limit int) ([]RoundRecord, error)
}

// Store combines both.
type Store interface {
	SnapshotStore
	RoundStore
}
