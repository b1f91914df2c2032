package oracle

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/R3E-Network/raffle/internal/raffle"
)

// Manual is a coordinator whose requests are answered by an explicit call to
// Fulfill. It backs externally fulfilled deployments and tests.
type Manual struct {
	mu        sync.Mutex
	prefix    string
	next      int
	requests  []raffle.RequestConfig
	fulfiller Fulfiller
	err       error
}

// NewManual returns a Manual coordinator issuing ids prefix-1, prefix-2, ...
func NewManual(prefix string) *Manual {
	if prefix == "" {
		prefix = "req"
	}
	return &Manual{prefix: prefix}
}

// SetFulfiller registers the receiver of Fulfill calls.
func (m *Manual) SetFulfiller(f Fulfiller) {
	m.mu.Lock()
	m.fulfiller = f
	m.mu.Unlock()
}

// FailWith makes subsequent requests fail with err until cleared with nil.
func (m *Manual) FailWith(err error) {
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
}

func (m *Manual) RequestRandomness(ctx context.Context, cfg raffle.RequestConfig) (raffle.RequestID, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.next++
	m.requests = append(m.requests, cfg)
	return raffle.RequestID(fmt.Sprintf("%s-%d", m.prefix, m.next)), nil
}

// Requests returns the configs of all requests issued so far.
func (m *Manual) Requests() []raffle.RequestConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]raffle.RequestConfig(nil), m.requests...)
}

// Fulfill delivers value for id to the registered fulfiller.
func (m *Manual) Fulfill(ctx context.Context, id raffle.RequestID, value *big.Int) (raffle.Participant, error) {
	m.mu.Lock()
	f := m.fulfiller
	m.mu.Unlock()
	if f == nil {
		return "", ErrNoFulfiller
	}
	return f.FulfillRandomness(ctx, id, value)
}
