package raffle

import (
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AddEntry(t *testing.T) {
	p := NewPool(10)

	require.NoError(t, p.AddEntry("alice", 10))
	require.NoError(t, p.AddEntry("bob", 25))
	require.NoError(t, p.AddEntry("alice", 10))

	assert.Equal(t, 3, p.Count())
	assert.Equal(t, int64(45), p.Balance())
	assert.Equal(t, []Participant{"alice", "bob", "alice"}, p.Players())
}

func TestPool_InsufficientFee(t *testing.T) {
	p := NewPool(10)
	require.NoError(t, p.AddEntry("alice", 10))

	err := p.AddEntry("bob", 9)
	require.ErrorIs(t, err, ErrInsufficientFee)
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, int64(10), p.Balance())
}

func TestPool_BalanceOverflow(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.AddEntry("alice", math.MaxInt64-1))

	err := p.AddEntry("bob", 2)
	require.ErrorIs(t, err, ErrBalanceOverflow)
	assert.Equal(t, 1, p.Count())
	assert.Equal(t, int64(math.MaxInt64-1), p.Balance())

	require.NoError(t, p.AddEntry("bob", 1))
	assert.Equal(t, int64(math.MaxInt64), p.Balance())
}

func TestPool_PlayerAt(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.AddEntry("a", 1))
	require.NoError(t, p.AddEntry("b", 1))

	got, err := p.PlayerAt(1)
	require.NoError(t, err)
	assert.Equal(t, Participant("b"), got)

	for _, idx := range []int{-1, 2, 100} {
		_, err := p.PlayerAt(idx)
		assert.ErrorIs(t, err, ErrIndexOutOfRange, "index %d", idx)
	}
}

func TestPool_PlayersIsCopy(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.AddEntry("a", 1))

	players := p.Players()
	players[0] = "mallory"

	got, err := p.PlayerAt(0)
	require.NoError(t, err)
	assert.Equal(t, Participant("a"), got)
}

func TestPool_Reset(t *testing.T) {
	p := NewPool(1)
	require.NoError(t, p.AddEntry("a", 1))
	p.Reset()

	assert.Zero(t, p.Count())
	assert.Zero(t, p.Balance())
	_, err := p.PlayerAt(0)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
}

func TestSelectWinner(t *testing.T) {
	cases := []struct {
		name  string
		value *big.Int
		count int
		want  int
	}{
		{"modulo", big.NewInt(7), 3, 1},
		{"single player", big.NewInt(123456789), 1, 0},
		{"zero", big.NewInt(0), 5, 0},
		{"exact multiple", big.NewInt(10), 5, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := SelectWinner(tc.value, tc.count)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestSelectWinner_LargeValue(t *testing.T) {
	// 2^256 - 1 is odd.
	top := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	got, err := SelectWinner(top, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, got)
}

func TestSelectWinner_Errors(t *testing.T) {
	_, err := SelectWinner(big.NewInt(1), 0)
	assert.ErrorIs(t, err, ErrEmptyPool)

	_, err = SelectWinner(nil, 3)
	assert.ErrorIs(t, err, ErrInvalidRandomness)

	_, err = SelectWinner(big.NewInt(-1), 3)
	assert.ErrorIs(t, err, ErrInvalidRandomness)
}
