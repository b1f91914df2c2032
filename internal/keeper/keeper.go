// Package keeper drives automation: on a cron schedule it checks whether the
// raffle needs upkeep and performs it when it does.
package keeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/R3E-Network/raffle/internal/metrics"
	"github.com/R3E-Network/raffle/internal/raffle"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// Upkeeper is the automation surface of the raffle.
type Upkeeper interface {
	CheckUpkeep() raffle.Diagnostics
	PerformUpkeep(ctx context.Context) (raffle.PendingRequest, error)
}

// Outcome of one tick.
type Outcome string

const (
	OutcomeSkipped   Outcome = "skipped"
	OutcomePerformed Outcome = "performed"
	OutcomeFailed    Outcome = "failed"
)

// Result describes the latest tick.
type Result struct {
	At          time.Time          `json:"at"`
	Outcome     Outcome            `json:"outcome"`
	RequestID   raffle.RequestID   `json:"request_id,omitempty"`
	Diagnostics raffle.Diagnostics `json:"diagnostics"`
	Error       string             `json:"error,omitempty"`
}

// Keeper runs upkeep checks on a schedule.
type Keeper struct {
	up       Upkeeper
	schedule string
	timeout  time.Duration
	cron     *cron.Cron
	log      *logger.Logger

	mu   sync.Mutex
	last *Result
}

// New creates a keeper. schedule uses standard cron syntax or descriptors
// such as "@every 10s".
func New(up Upkeeper, schedule string, log *logger.Logger) (*Keeper, error) {
	if log == nil {
		log = logger.NewDefault("keeper")
	}
	k := &Keeper{
		up:       up,
		schedule: schedule,
		timeout:  30 * time.Second,
		cron:     cron.New(),
		log:      log,
	}
	if _, err := k.cron.AddFunc(schedule, k.run); err != nil {
		return nil, fmt.Errorf("keeper schedule %q: %w", schedule, err)
	}
	return k, nil
}

// Start begins scheduled ticks.
func (k *Keeper) Start() {
	k.cron.Start()
	k.log.WithField("schedule", k.schedule).Info("keeper started")
}

// Stop halts the schedule and waits for a running tick, bounded by ctx.
func (k *Keeper) Stop(ctx context.Context) error {
	done := k.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *Keeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	k.Tick(ctx)
}

// Tick performs one check and, when needed, one upkeep.
func (k *Keeper) Tick(ctx context.Context) Result {
	start := time.Now()
	res := Result{At: start.UTC(), Diagnostics: k.up.CheckUpkeep()}

	if !res.Diagnostics.Needed {
		res.Outcome = OutcomeSkipped
	} else {
		pending, err := k.up.PerformUpkeep(ctx)
		switch {
		case err == nil:
			res.Outcome = OutcomePerformed
			res.RequestID = pending.ID
			k.log.WithContext(ctx).WithField("request_id", pending.ID).Info("upkeep performed")
		case errors.Is(err, raffle.ErrUpkeepNotNeeded), errors.Is(err, raffle.ErrRequestAlreadyPending):
			// Another caller closed the round between check and perform.
			res.Outcome = OutcomeSkipped
			res.Error = err.Error()
		default:
			res.Outcome = OutcomeFailed
			res.Error = err.Error()
			k.log.WithContext(ctx).WithError(err).Warn("upkeep failed")
		}
	}

	metrics.RecordKeeperTick(string(res.Outcome), time.Since(start))
	k.mu.Lock()
	k.last = &res
	k.mu.Unlock()
	return res
}

// Last returns the most recent tick result.
func (k *Keeper) Last() (Result, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.last == nil {
		return Result{}, false
	}
	return *k.last, true
}
