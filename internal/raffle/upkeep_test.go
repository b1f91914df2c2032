package raffle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCheckUpkeep(t *testing.T) {
	interval := time.Minute
	cases := []struct {
		name    string
		state   State
		now     time.Time
		players int
		balance int64
		want    bool
	}{
		{"all conditions hold", StateOpen, t0.Add(interval), 1, 10, true},
		{"calculating", StateCalculating, t0.Add(interval), 1, 10, false},
		{"interval not elapsed", StateOpen, t0.Add(interval - time.Nanosecond), 1, 10, false},
		{"no players", StateOpen, t0.Add(interval), 0, 10, false},
		{"no balance", StateOpen, t0.Add(interval), 1, 0, false},
		{"clock behind last timestamp", StateOpen, t0.Add(-time.Hour), 1, 10, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := CheckUpkeep(tc.state, t0, interval, tc.players, tc.balance, tc.now)
			assert.Equal(t, tc.want, d.Needed)
			assert.Equal(t, tc.state, d.State)
			assert.Equal(t, tc.now.Sub(t0), d.Elapsed)
			assert.Equal(t, tc.players, d.PlayerCount)
			assert.Equal(t, tc.balance, d.Balance)
		})
	}
}
