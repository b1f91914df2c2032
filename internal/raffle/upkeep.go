package raffle

import "time"

// CheckUpkeep reports whether a round may close: the raffle is open, the
// interval has elapsed since lastTimestamp, and the pool holds players and
// funds.
func CheckUpkeep(state State, lastTimestamp time.Time, interval time.Duration, playerCount int, balance int64, now time.Time) Diagnostics {
	elapsed := now.Sub(lastTimestamp)
	return Diagnostics{
		Needed:      state == StateOpen && elapsed >= interval && playerCount > 0 && balance > 0,
		State:       state,
		Elapsed:     elapsed,
		PlayerCount: playerCount,
		Balance:     balance,
	}
}
