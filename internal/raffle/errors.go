package raffle

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientFee       = errors.New("insufficient entrance fee")
	ErrNotOpen               = errors.New("raffle is not open")
	ErrUpkeepNotNeeded       = errors.New("upkeep not needed")
	ErrRequestAlreadyPending = errors.New("randomness request already pending")
	ErrUnknownOrStaleRequest = errors.New("unknown or stale randomness request")
	ErrPayoutFailed          = errors.New("payout failed")
	ErrIndexOutOfRange       = errors.New("player index out of range")

	ErrEmptyPool          = errors.New("no players in pool")
	ErrBalanceOverflow    = errors.New("pool balance overflow")
	ErrInvalidRandomness  = errors.New("invalid random value")
	ErrInvalidParticipant = errors.New("invalid participant")
	ErrPayoutInProgress   = errors.New("payout already in progress")
	ErrNoUnpaidPrize      = errors.New("no unpaid prize")
	ErrInvalidConfig      = errors.New("invalid raffle config")
	ErrInvalidSnapshot    = errors.New("invalid raffle snapshot")
)

// UpkeepNotNeededError carries the diagnostics of a rejected upkeep.
type UpkeepNotNeededError struct {
	Diagnostics Diagnostics
}

func (e *UpkeepNotNeededError) Error() string {
	d := e.Diagnostics
	return fmt.Sprintf("%s: state=%s elapsed=%s players=%d balance=%d",
		ErrUpkeepNotNeeded, d.State, d.Elapsed, d.PlayerCount, d.Balance)
}

func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}

// PayoutError reports a failed prize transfer. The prize stays retained.
type PayoutError struct {
	Round  uint64
	Winner Participant
	Amount int64
	Err    error
}

func (e *PayoutError) Error() string {
	return fmt.Sprintf("%s: round %d winner %s amount %d: %v", ErrPayoutFailed, e.Round, e.Winner, e.Amount, e.Err)
}

func (e *PayoutError) Is(target error) bool {
	return target == ErrPayoutFailed
}

func (e *PayoutError) Unwrap() error {
	return e.Err
}
