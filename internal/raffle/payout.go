package raffle

import "context"

// Payout moves the prize out of the pool's custody. A failed Transfer must
// leave no funds moved.
type Payout interface {
	Transfer(ctx context.Context, recipient Participant, amount int64) error
}

// PayoutFunc adapts a function to Payout.
type PayoutFunc func(ctx context.Context, recipient Participant, amount int64) error

func (f PayoutFunc) Transfer(ctx context.Context, recipient Participant, amount int64) error {
	return f(ctx, recipient, amount)
}
