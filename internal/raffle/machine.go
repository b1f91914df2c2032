package raffle

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/R3E-Network/raffle/internal/events"
)

// Notifier receives the machine's notifications after each transition.
type Notifier interface {
	Log(events.Event)
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source used for initialization and round
// finalization.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.clock = now
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option {
	return func(m *Machine) {
		if n != nil {
			m.notifier = n
		}
	}
}

// Machine is the lottery state machine. Transitions are serialized; each
// either applies fully or returns an error without changing state.
type Machine struct {
	mu sync.Mutex

	cfg       Config
	pool      *Pool
	requester *Requester
	payout    Payout
	notifier  Notifier
	clock     func() time.Time

	state         State
	lastTimestamp time.Time
	round         uint64
	recentWinner  Participant

	// unpaid is set from winner selection until the transfer succeeds.
	unpaid       *UnpaidPrize
	transferring bool
}

// New builds an open machine whose first round starts now.
func New(cfg Config, coord Coordinator, payout Payout, opts ...Option) (*Machine, error) {
	m, err := newMachine(cfg, coord, payout, opts)
	if err != nil {
		return nil, err
	}
	m.state = StateOpen
	m.lastTimestamp = m.clock()
	m.round = 1
	return m, nil
}

// Restore rebuilds a machine from a snapshot taken by Snapshot.
func Restore(cfg Config, snap Snapshot, coord Coordinator, payout Payout, opts ...Option) (*Machine, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	m, err := newMachine(cfg, coord, payout, opts)
	if err != nil {
		return nil, err
	}
	m.state = snap.State
	m.pool.restore(snap.Players, snap.Balance)
	m.requester.restore(snap.Pending)
	m.lastTimestamp = snap.LastTimestamp
	m.round = snap.Round
	if m.round == 0 {
		m.round = 1
	}
	m.recentWinner = snap.RecentWinner
	if snap.Unpaid != nil {
		u := snap.Unpaid.clone()
		m.unpaid = &u
	}
	return m, nil
}

func newMachine(cfg Config, coord Coordinator, payout Payout, opts []Option) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if coord == nil {
		return nil, fmt.Errorf("%w: coordinator is required", ErrInvalidConfig)
	}
	if payout == nil {
		return nil, fmt.Errorf("%w: payout is required", ErrInvalidConfig)
	}
	m := &Machine{
		pool:      NewPool(cfg.EntranceFee),
		requester: NewRequester(coord, cfg.Request),
		payout:    payout,
		notifier:  events.Discard{},
		clock:     func() time.Time { return time.Now().UTC() },
	}
	m.cfg = cfg
	m.cfg.Request = m.requester.Config()
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Enter adds participant to the current round.
func (m *Machine) Enter(participant Participant, amount int64) error {
	m.mu.Lock()
	if m.state != StateOpen {
		m.mu.Unlock()
		return ErrNotOpen
	}
	if strings.TrimSpace(string(participant)) == "" {
		m.mu.Unlock()
		return ErrInvalidParticipant
	}
	if err := m.pool.AddEntry(participant, amount); err != nil {
		m.mu.Unlock()
		return err
	}
	ev := m.event(events.EventEntered)
	ev.Participant = string(participant)
	ev.Amount = amount
	m.mu.Unlock()

	m.notify(ev)
	return nil
}

// CheckUpkeep evaluates automation eligibility at now. It never mutates.
func (m *Machine) CheckUpkeep(now time.Time) Diagnostics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkUpkeepLocked(now)
}

func (m *Machine) checkUpkeepLocked(now time.Time) Diagnostics {
	return CheckUpkeep(m.state, m.lastTimestamp, m.cfg.Interval, m.pool.Count(), m.pool.Balance(), now)
}

// PerformUpkeep closes entry and requests randomness. It is the only
// Open→Calculating transition.
func (m *Machine) PerformUpkeep(ctx context.Context, now time.Time) (PendingRequest, error) {
	m.mu.Lock()
	if p, ok := m.requester.Pending(); ok {
		m.mu.Unlock()
		return PendingRequest{}, fmt.Errorf("%w: %s", ErrRequestAlreadyPending, p.ID)
	}
	d := m.checkUpkeepLocked(now)
	if !d.Needed {
		m.mu.Unlock()
		return PendingRequest{}, &UpkeepNotNeededError{Diagnostics: d}
	}
	pending, err := m.requester.Request(ctx, now)
	if err != nil {
		m.mu.Unlock()
		return PendingRequest{}, err
	}
	m.state = StateCalculating
	ev := m.event(events.EventRandomnessRequested)
	ev.RequestID = string(pending.ID)
	m.mu.Unlock()

	m.notify(ev)
	return pending, nil
}

// FulfillRandomness accepts the coordinator's answer for the pending
// request, picks the winner and pays out the pool. When the transfer fails
// the round stays Calculating, the pool is untouched, and the selected prize
// is kept for RetryPayout.
func (m *Machine) FulfillRandomness(ctx context.Context, id RequestID, randomValue *big.Int) (Participant, error) {
	m.mu.Lock()
	if err := m.requester.Match(id); err != nil {
		m.mu.Unlock()
		return "", err
	}
	if randomValue == nil || randomValue.Sign() < 0 {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrInvalidRandomness, randomValue)
	}
	players := m.pool.Players()
	if len(players) == 0 {
		// Unreachable while PerformUpkeep guards on the player count.
		m.mu.Unlock()
		return "", fmt.Errorf("%w: request %s pending with no players", ErrEmptyPool, id)
	}
	value, err := m.requester.Fulfill(id, randomValue)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	idx, err := SelectWinner(value, len(players))
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	m.unpaid = &UnpaidPrize{
		Round:       m.round,
		RequestID:   id,
		Winner:      players[idx],
		Amount:      m.pool.Balance(),
		RandomValue: value,
		Players:     len(players),
	}
	m.transferring = true
	prize := m.unpaid.clone()
	m.mu.Unlock()

	return m.settle(ctx, prize)
}

// RetryPayout resends the retained prize to the same winner with the same
// amount. No new randomness is drawn.
func (m *Machine) RetryPayout(ctx context.Context) (Participant, error) {
	m.mu.Lock()
	if m.transferring {
		m.mu.Unlock()
		return "", ErrPayoutInProgress
	}
	if m.unpaid == nil {
		m.mu.Unlock()
		return "", ErrNoUnpaidPrize
	}
	m.transferring = true
	prize := m.unpaid.clone()
	m.mu.Unlock()

	return m.settle(ctx, prize)
}

// settle performs the transfer without holding the lock, then finalizes the
// round in one step if it succeeded.
func (m *Machine) settle(ctx context.Context, prize UnpaidPrize) (Participant, error) {
	transferErr := m.payout.Transfer(ctx, prize.Winner, prize.Amount)

	m.mu.Lock()
	m.transferring = false
	if transferErr != nil {
		m.unpaid.Attempts++
		m.unpaid.LastError = transferErr.Error()
		ev := m.event(events.EventPayoutFailed)
		ev.Round = prize.Round
		ev.Participant = string(prize.Winner)
		ev.RequestID = string(prize.RequestID)
		ev.Amount = prize.Amount
		ev.Error = transferErr.Error()
		m.mu.Unlock()

		m.notify(ev)
		return "", &PayoutError{Round: prize.Round, Winner: prize.Winner, Amount: prize.Amount, Err: transferErr}
	}

	now := m.clock()
	m.pool.Reset()
	if now.After(m.lastTimestamp) {
		m.lastTimestamp = now
	}
	m.unpaid = nil
	m.recentWinner = prize.Winner
	m.state = StateOpen
	ev := m.event(events.EventWinnerPicked)
	ev.Round = prize.Round
	ev.Participant = string(prize.Winner)
	ev.RequestID = string(prize.RequestID)
	ev.Amount = prize.Amount
	ev.Players = prize.Players
	ev.RandomValue = prize.RandomValue.String()
	m.round++
	m.mu.Unlock()

	m.notify(ev)
	return prize.Winner, nil
}

func (m *Machine) event(t events.EventType) events.Event {
	return events.Event{Type: t, Timestamp: m.clock(), Round: m.round}
}

func (m *Machine) notify(ev events.Event) {
	m.notifier.Log(ev)
}

// EntranceFee returns the minimum stake.
func (m *Machine) EntranceFee() int64 { return m.cfg.EntranceFee }

// Interval returns the minimum round length.
func (m *Machine) Interval() time.Duration { return m.cfg.Interval }

// RequestConfig returns the coordinator request parameters.
func (m *Machine) RequestConfig() RequestConfig { return m.cfg.Request }

// State returns the current lottery state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// PlayerAt returns the entrant at index in the current round.
func (m *Machine) PlayerAt(index int) (Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.PlayerAt(index)
}

// Players returns the current round's entrants in entry order.
func (m *Machine) Players() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Players()
}

// PlayerCount returns the number of entries in the current round.
func (m *Machine) PlayerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Count()
}

// Balance returns the pooled stake of the current round.
func (m *Machine) Balance() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool.Balance()
}

// LastTimestamp returns when the current round opened.
func (m *Machine) LastTimestamp() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTimestamp
}

// Round returns the current round number, starting at 1.
func (m *Machine) Round() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.round
}

// RecentWinner returns the winner of the last finalized round.
func (m *Machine) RecentWinner() Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recentWinner
}

// Pending returns the outstanding randomness request, if any.
func (m *Machine) Pending() (PendingRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requester.Pending()
}

// Unpaid returns the prize awaiting a successful transfer, if any.
func (m *Machine) Unpaid() (UnpaidPrize, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.unpaid == nil {
		return UnpaidPrize{}, false
	}
	return m.unpaid.clone(), true
}

// Snapshot captures the full machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		State:         m.state,
		Players:       m.pool.Players(),
		Balance:       m.pool.Balance(),
		LastTimestamp: m.lastTimestamp,
		Round:         m.round,
		RecentWinner:  m.recentWinner,
	}
	if p, ok := m.requester.Pending(); ok {
		snap.Pending = &p
	}
	if m.unpaid != nil {
		u := m.unpaid.clone()
		snap.Unpaid = &u
	}
	return snap
}
