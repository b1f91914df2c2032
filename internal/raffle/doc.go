// Package raffle implements the winner-selection state machine of an
// automated raffle: participants pay an entrance fee into a pool, an
// automation caller closes entry once the interval has elapsed and asks an
// external coordinator for verifiable randomness, and the coordinator's
// answer picks a single winner who is paid the whole pool.
//
// At most one randomness request is outstanding at a time, fulfillments are
// accepted only for that request, and a round is finalized in a single step
// only after the payout succeeded. A failed payout keeps the round in
// Calculating with its prize retained for RetryPayout.
package raffle
