package storage

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle/internal/raffle"
)

func TestMemory_Snapshot(t *testing.T) {
	m := NewMemory()
	_, err := m.LoadSnapshot(context.Background())
	require.ErrorIs(t, err, ErrNotFound)

	snap := raffle.Snapshot{
		State:         raffle.StateCalculating,
		Players:       []raffle.Participant{"a", "b"},
		Balance:       20,
		LastTimestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Round:         4,
		Unpaid: &raffle.UnpaidPrize{
			Round:       4,
			RequestID:   "req-4",
			Winner:      "b",
			Amount:      20,
			RandomValue: new(big.Int).Lsh(big.NewInt(1), 200),
			Players:     2,
			Attempts:    1,
		},
	}
	require.NoError(t, m.SaveSnapshot(context.Background(), snap))

	got, err := m.LoadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, snap.Players, got.Players)
	assert.Equal(t, snap.Round, got.Round)
	require.NotNil(t, got.Unpaid)
	assert.Equal(t, 0, snap.Unpaid.RandomValue.Cmp(got.Unpaid.RandomValue))
	assert.True(t, snap.LastTimestamp.Equal(got.LastTimestamp))
	require.NoError(t, got.Validate())
}

func TestMemory_Rounds(t *testing.T) {
	m := NewMemory()
	for i := uint64(1); i <= 5; i++ {
		require.NoError(t, m.RecordRound(context.Background(), RoundRecord{Round: i, Winner: "w"}))
	}
	require.NoError(t, m.RecordRound(context.Background(), RoundRecord{Round: 3, Winner: "dup"}))

	got, err := m.ListRounds(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Round)
	assert.Equal(t, uint64(4), got[1].Round)

	all, err := m.ListRounds(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, raffle.Participant("w"), all[2].Winner)
}
