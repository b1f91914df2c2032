package raffle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle/internal/events"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeCoordinator struct {
	mu    sync.Mutex
	calls []RequestConfig
	err   error
	next  int
}

func (c *fakeCoordinator) RequestRandomness(_ context.Context, cfg RequestConfig) (RequestID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.calls = append(c.calls, cfg)
	c.next++
	return RequestID(fmt.Sprintf("req-%d", c.next)), nil
}

func (c *fakeCoordinator) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type transfer struct {
	Recipient Participant
	Amount    int64
}

type fakePayout struct {
	mu        sync.Mutex
	fail      error
	transfers []transfer
	attempts  int
	during    func()
}

func (p *fakePayout) Transfer(_ context.Context, recipient Participant, amount int64) error {
	p.mu.Lock()
	p.attempts++
	during := p.during
	fail := p.fail
	p.mu.Unlock()

	if during != nil {
		during()
	}
	if fail != nil {
		return fail
	}

	p.mu.Lock()
	p.transfers = append(p.transfers, transfer{Recipient: recipient, Amount: amount})
	p.mu.Unlock()
	return nil
}

func (p *fakePayout) setFail(err error) {
	p.mu.Lock()
	p.fail = err
	p.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Log(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) ofType(t events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type harness struct {
	m      *Machine
	coord  *fakeCoordinator
	payout *fakePayout
	events *recorder
	clock  *clock
}

const (
	testFee      = int64(100)
	testInterval = 30 * time.Second
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		coord:  &fakeCoordinator{},
		payout: &fakePayout{},
		events: &recorder{},
		clock:  &clock{now: t0},
	}
	m, err := New(Config{EntranceFee: testFee, Interval: testInterval, Request: RequestConfig{KeyHash: "0xabc", SubscriptionID: 7}},
		h.coord, h.payout, WithClock(h.clock.Now), WithNotifier(h.events))
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) enter(t *testing.T, players ...Participant) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, h.m.Enter(p, testFee))
	}
}

// closeRound enters players, passes the interval and performs upkeep.
func (h *harness) closeRound(t *testing.T, players ...Participant) PendingRequest {
	t.Helper()
	h.enter(t, players...)
	now := h.clock.Advance(testInterval + time.Second)
	pending, err := h.m.PerformUpkeep(context.Background(), now)
	require.NoError(t, err)
	return pending
}
