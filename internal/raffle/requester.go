package raffle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// Coordinator is the external randomness source. It must deliver the
// response later through the machine's FulfillRandomness, never from inside
// RequestRandomness.
type Coordinator interface {
	RequestRandomness(ctx context.Context, cfg RequestConfig) (RequestID, error)
}

// CoordinatorFunc adapts a function to Coordinator.
type CoordinatorFunc func(ctx context.Context, cfg RequestConfig) (RequestID, error)

func (f CoordinatorFunc) RequestRandomness(ctx context.Context, cfg RequestConfig) (RequestID, error) {
	return f(ctx, cfg)
}

var errEmptyRequestID = errors.New("coordinator returned an empty request id")

// Requester tracks the one outstanding randomness request.
type Requester struct {
	coord   Coordinator
	cfg     RequestConfig
	pending *PendingRequest
}

// NewRequester returns a requester issuing requests with cfg.
func NewRequester(coord Coordinator, cfg RequestConfig) *Requester {
	return &Requester{coord: coord, cfg: cfg.withDefaults()}
}

// Config returns the request parameters passed to the coordinator.
func (r *Requester) Config() RequestConfig {
	return r.cfg
}

// Request asks the coordinator for randomness and records the pending
// request. Nothing is recorded if the coordinator fails.
func (r *Requester) Request(ctx context.Context, now time.Time) (PendingRequest, error) {
	if r.pending != nil {
		return PendingRequest{}, fmt.Errorf("%w: %s", ErrRequestAlreadyPending, r.pending.ID)
	}
	id, err := r.coord.RequestRandomness(ctx, r.cfg)
	if err != nil {
		return PendingRequest{}, fmt.Errorf("request randomness: %w", err)
	}
	if id == "" {
		return PendingRequest{}, fmt.Errorf("request randomness: %w", errEmptyRequestID)
	}
	r.pending = &PendingRequest{ID: id, IssuedAt: now}
	return *r.pending, nil
}

// Pending returns the outstanding request, if any.
func (r *Requester) Pending() (PendingRequest, bool) {
	if r.pending == nil {
		return PendingRequest{}, false
	}
	return *r.pending, true
}

// Match checks id against the outstanding request without consuming it.
func (r *Requester) Match(id RequestID) error {
	if r.pending == nil || id == "" || r.pending.ID != id {
		return fmt.Errorf("%w: %q", ErrUnknownOrStaleRequest, id)
	}
	return nil
}

// Fulfill consumes the outstanding request and hands back a copy of the
// random value. A second call with the same id fails.
func (r *Requester) Fulfill(id RequestID, randomValue *big.Int) (*big.Int, error) {
	if err := r.Match(id); err != nil {
		return nil, err
	}
	if randomValue == nil || randomValue.Sign() < 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRandomness, randomValue)
	}
	r.pending = nil
	return new(big.Int).Set(randomValue), nil
}

func (r *Requester) restore(p *PendingRequest) {
	if p == nil {
		r.pending = nil
		return
	}
	cp := *p
	r.pending = &cp
}
