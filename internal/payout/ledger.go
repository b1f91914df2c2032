// Package payout moves prizes to winners.
package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/R3E-Network/raffle/internal/raffle"
)

var (
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	ErrInvalidAmount     = errors.New("invalid transfer amount")
)

// Transfer is one completed credit.
type Transfer struct {
	Recipient raffle.Participant `json:"recipient"`
	Amount    int64              `json:"amount"`
	At        time.Time          `json:"at"`
}

// Ledger credits prizes to in-memory accounts. A transfer either credits the
// full amount or nothing.
type Ledger struct {
	mu        sync.Mutex
	balances  map[raffle.Participant]int64
	denied    map[raffle.Participant]error
	transfers []Transfer
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[raffle.Participant]int64),
		denied:   make(map[raffle.Participant]error),
	}
}

// Transfer credits amount to recipient.
func (l *Ledger) Transfer(ctx context.Context, recipient raffle.Participant, amount int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if amount < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err, ok := l.denied[recipient]; ok {
		return err
	}
	l.balances[recipient] += amount
	l.transfers = append(l.transfers, Transfer{Recipient: recipient, Amount: amount, At: time.Now().UTC()})
	return nil
}

// Deny makes transfers to recipient fail until Allow is called.
func (l *Ledger) Deny(recipient raffle.Participant) {
	l.mu.Lock()
	l.denied[recipient] = fmt.Errorf("%w: %s", ErrRecipientRejected, recipient)
	l.mu.Unlock()
}

// Allow lifts a Deny.
func (l *Ledger) Allow(recipient raffle.Participant) {
	l.mu.Lock()
	delete(l.denied, recipient)
	l.mu.Unlock()
}

// BalanceOf returns the credited total for p.
func (l *Ledger) BalanceOf(p raffle.Participant) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[p]
}

// Transfers returns completed transfers, oldest first.
func (l *Ledger) Transfers() []Transfer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Transfer(nil), l.transfers...)
}
