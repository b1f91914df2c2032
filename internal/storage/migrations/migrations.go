// Package migrations creates the raffle schema.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

var statements = []string{
	`CREATE TABLE IF NOT EXISTS raffle_state (
		id         SMALLINT PRIMARY KEY CHECK (id = 1),
		snapshot   JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS raffle_rounds (
		round        BIGINT PRIMARY KEY,
		request_id   TEXT NOT NULL,
		winner       TEXT NOT NULL,
		amount       BIGINT NOT NULL CHECK (amount >= 0),
		players      INTEGER NOT NULL,
		random_value TEXT NOT NULL,
		finalized_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS raffle_rounds_winner_idx ON raffle_rounds (winner)`,
}

// Apply runs every statement in order. Statements are idempotent.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
