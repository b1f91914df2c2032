package raffle

import (
	"fmt"
	"math"
)

// Pool holds the current round's entrants in insertion order and the pooled
// balance.
type Pool struct {
	fee     int64
	players []Participant
	balance int64
}

// NewPool returns an empty pool charging fee per entry.
func NewPool(fee int64) *Pool {
	return &Pool{fee: fee}
}

// AddEntry appends p when amount covers the fee. The whole amount is pooled.
func (p *Pool) AddEntry(participant Participant, amount int64) error {
	if amount < p.fee {
		return fmt.Errorf("%w: got %d, need %d", ErrInsufficientFee, amount, p.fee)
	}
	if amount > math.MaxInt64-p.balance {
		return fmt.Errorf("%w: balance %d, amount %d", ErrBalanceOverflow, p.balance, amount)
	}
	p.players = append(p.players, participant)
	p.balance += amount
	return nil
}

// PlayerAt returns the entrant at index.
func (p *Pool) PlayerAt(index int) (Participant, error) {
	if index < 0 || index >= len(p.players) {
		return "", fmt.Errorf("%w: index %d, players %d", ErrIndexOutOfRange, index, len(p.players))
	}
	return p.players[index], nil
}

// Players returns a copy of the entrants.
func (p *Pool) Players() []Participant {
	out := make([]Participant, len(p.players))
	copy(out, p.players)
	return out
}

func (p *Pool) Balance() int64 { return p.balance }

func (p *Pool) Count() int { return len(p.players) }

// Reset clears entrants and balance.
func (p *Pool) Reset() {
	p.players = nil
	p.balance = 0
}

func (p *Pool) restore(players []Participant, balance int64) {
	p.players = append([]Participant(nil), players...)
	p.balance = balance
}
